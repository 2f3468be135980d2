package stt

import (
	"context"
	"errors"

	"github.com/mconf/bbb-livekit-stt/internal/audio"
)

// ErrStreamClosed is returned by Push when the recognition stream has been
// closed or torn down by the engine side.
var ErrStreamClosed = errors.New("recognition stream is closed")

// ErrLanguageUpdateUnsupported is returned by UpdateLanguage when the engine
// cannot re-target a live stream without a reconnect.
var ErrLanguageUpdateUnsupported = errors.New("engine does not support live language updates")

// AudioFrame is one chunk of PCM audio pushed into a recognition stream.
type AudioFrame struct {
	// PCM is 16-bit signed little-endian mono audio
	PCM []byte

	// SampleRate of the PCM data in Hz
	SampleRate int
}

// Samples returns the PCM data reinterpreted as int16 samples.
func (f AudioFrame) Samples() []int16 {
	return audio.SamplesFromBytes(f.PCM)
}

// EventType distinguishes provisional from stabilized recognition output.
type EventType int

const (
	// InterimTranscript is provisional output that may still change
	InterimTranscript EventType = iota

	// FinalTranscript is stabilized output for a completed utterance
	FinalTranscript
)

// Alternative is one ranked recognition hypothesis within a speech event.
// Translated alternatives carry the target language code.
type Alternative struct {
	// Language is the ISO 639-1 code of this alternative
	Language string

	// Text is the transcribed (or translated) text
	Text string

	// Confidence is the engine's confidence in [0, 1]
	Confidence float64

	// Start is the utterance start offset relative to stream open, in ms
	Start float64

	// End is the utterance end offset relative to stream open, in ms
	End float64
}

// SpeechEvent is one interim or final recognition result with its ranked
// alternatives.
type SpeechEvent struct {
	Type         EventType
	Alternatives []Alternative
}

// Stream is a live recognition stream for one participant.
//
// Push and Flush are called from the audio-forwarding side; Events is
// consumed by the transcript-processing side. The Events channel is closed
// once the engine has emitted everything it will emit, after which Err
// reports the terminal error, if any.
type Stream interface {
	// Push sends one audio frame to the engine
	Push(frame AudioFrame) error

	// Flush tells the engine the audio is done so any buffered utterance
	// is finalized before the stream winds down
	Flush() error

	// UpdateLanguage re-targets the live stream's recognition language
	// without reconnecting
	UpdateLanguage(language string) error

	// Events delivers speech events in engine emission order
	Events() <-chan SpeechEvent

	// Err reports the terminal stream error after Events is closed
	Err() error

	// Close tears the stream down, releasing the engine connection
	Close() error
}

// Engine opens recognition streams against one STT provider.
type Engine interface {
	// Name is the provider name used in control commands
	Name() string

	// OpenStream opens a recognition stream targeting the given ISO 639-1
	// language code
	OpenStream(ctx context.Context, language string) (Stream, error)
}
