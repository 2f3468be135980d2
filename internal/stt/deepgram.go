package stt

import (
	"context"
	"fmt"
	"sync"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/mconf/bbb-livekit-stt/internal/config"
	"github.com/mconf/bbb-livekit-stt/internal/observability"
)

const deepgramProviderName = "deepgram"

// DeepgramEngine opens streaming sessions against Deepgram's live API.
// Unlike Gladia it has no mid-session language switch, so locale changes
// on an open stream surface ErrLanguageUpdateUnsupported and take effect
// on the next session.
type DeepgramEngine struct {
	cfg *config.Config
	log zerolog.Logger
}

// NewDeepgramEngine creates a Deepgram engine from the application config
func NewDeepgramEngine(cfg *config.Config) *DeepgramEngine {
	return &DeepgramEngine{
		cfg: cfg,
		log: observability.GetLogger().With().Str("component", "stt").Str("provider", deepgramProviderName).Logger(),
	}
}

// Name returns the provider name used in bus commands
func (e *DeepgramEngine) Name() string {
	return deepgramProviderName
}

// deepgramCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the methods we need.
type deepgramCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	stream *deepgramStream
}

func (h *deepgramCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	h.stream.handleMessage(message)
	return nil
}

func (h *deepgramCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	h.stream.handleError(fmt.Errorf("deepgram error: %s", errorResponse.Description))
	return nil
}

func (h *deepgramCallbackHandler) Close(cr *msginterfaces.CloseResponse) error {
	h.stream.handleClose()
	return nil
}

// OpenStream starts a live session for one participant
func (e *DeepgramEngine) OpenStream(ctx context.Context, language string) (Stream, error) {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          e.cfg.DeepgramModel,
		Language:       language,
		Punctuate:      true,
		InterimResults: e.cfg.InterimResults,
		UtteranceEndMs: "1000",
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     e.cfg.GladiaSampleRate, // the pipeline resamples every track to this rate
	}

	s := &deepgramStream{
		language: language,
		events:   make(chan SpeechEvent, 32),
		log:      e.log.With().Str("language", language).Logger(),
	}

	callback := &deepgramCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		stream:                 s,
	}

	client, err := listenClient.NewWSUsingCallback(ctx, e.cfg.DeepgramAPIKey, nil, tOptions, callback)
	if err != nil {
		observability.EngineError(deepgramProviderName)
		return nil, fmt.Errorf("failed to create deepgram client: %w", err)
	}

	if ok := client.Connect(); !ok {
		observability.EngineError(deepgramProviderName)
		return nil, fmt.Errorf("failed to connect to deepgram")
	}

	s.client = client
	e.log.Info().Str("model", e.cfg.DeepgramModel).Msg("Deepgram session started")
	return s, nil
}

type deepgramStream struct {
	client   *listenClient.WSCallback
	language string
	events   chan SpeechEvent
	log      zerolog.Logger

	closeOnce sync.Once
	eventsEnd sync.Once

	errMu sync.Mutex
	err   error
}

func (s *deepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	eventType := InterimTranscript
	if msg.IsFinal {
		eventType = FinalTranscript
	}

	start := msg.Start
	duration := msg.Duration
	if len(alt.Words) > 0 && duration == 0 {
		start = alt.Words[0].Start
		duration = alt.Words[len(alt.Words)-1].End - start
	}

	ev := SpeechEvent{
		Type: eventType,
		Alternatives: []Alternative{{
			Language:   s.language,
			Text:       alt.Transcript,
			Confidence: alt.Confidence,
			Start:      start * 1000,
			End:        (start + duration) * 1000,
		}},
	}

	select {
	case s.events <- ev:
	default:
		observability.EngineEventDropped(deepgramProviderName)
		s.log.Warn().Msg("Event channel full, dropping transcript")
	}
}

func (s *deepgramStream) handleError(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()

	observability.EngineError(deepgramProviderName)
	s.handleClose()
}

func (s *deepgramStream) handleClose() {
	s.eventsEnd.Do(func() {
		close(s.events)
	})
}

// Push sends one PCM frame to Deepgram
func (s *deepgramStream) Push(frame AudioFrame) error {
	if _, err := s.client.Write(frame.PCM); err != nil {
		observability.EngineError(deepgramProviderName)
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	observability.EngineFramePushed(deepgramProviderName)
	return nil
}

// Flush asks Deepgram to finalize whatever audio is buffered
func (s *deepgramStream) Flush() error {
	return s.client.Finalize()
}

// UpdateLanguage is not supported by Deepgram live sessions
func (s *deepgramStream) UpdateLanguage(language string) error {
	return ErrLanguageUpdateUnsupported
}

// Events returns the transcript event channel
func (s *deepgramStream) Events() <-chan SpeechEvent {
	return s.events
}

// Err reports the terminal error, if any, after Events is closed
func (s *deepgramStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close finishes the Deepgram session. Safe to call more than once.
func (s *deepgramStream) Close() error {
	s.closeOnce.Do(func() {
		s.client.Finish()
		s.handleClose()
	})
	return nil
}
