package room

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	soxr "github.com/zaf/resample"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/rs/zerolog"

	"github.com/mconf/bbb-livekit-stt/internal/audio"
	"github.com/mconf/bbb-livekit-stt/internal/stt"
)

const trackSampleRate = 48000 // LiveKit opus tracks are 48kHz

// readDeadlineInterval bounds how long a read blocks on a silent track so
// cancellation is observed even when no packets arrive.
const readDeadlineInterval = time.Second

// remoteTrack is the slice of webrtc.TrackRemote the reader depends on.
type remoteTrack interface {
	Read(b []byte) (n int, attributes interceptor.Attributes, err error)
	SetReadDeadline(deadline time.Time) error
}

// trackReader turns one microphone track into a stream of fixed-size PCM
// frames at the STT target rate: RTP depacketize, opus decode, resample,
// reassemble into frames the engine expects.
type trackReader struct {
	track      remoteTrack
	targetRate int
	frames     chan stt.AudioFrame
	log        zerolog.Logger

	decoder      *opus.Decoder
	resampler    *soxr.Resampler
	resamplerBuf *bytes.Buffer
	assembler    *audio.FrameAssembler

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newTrackReader(track remoteTrack, targetRate, frameSize int, log zerolog.Logger) (*trackReader, error) {
	decoder, err := opus.NewDecoder(trackSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}

	resamplerBuf := &bytes.Buffer{}
	resampler, err := soxr.New(resamplerBuf, trackSampleRate, float64(targetRate), 1, soxr.I16, soxr.HighQ)
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &trackReader{
		track:        track,
		targetRate:   targetRate,
		frames:       make(chan stt.AudioFrame, 16),
		log:          log,
		decoder:      decoder,
		resampler:    resampler,
		resamplerBuf: resamplerBuf,
		assembler:    audio.NewFrameAssembler(frameSize),
		ctx:          ctx,
		cancel:       cancel,
	}

	go r.run()
	return r, nil
}

// Frames delivers PCM frames until the track ends or Close is called
func (r *trackReader) Frames() <-chan stt.AudioFrame {
	return r.frames
}

// Close stops reading. The frames channel closes once the reader exits.
func (r *trackReader) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
	})
	return nil
}

func (r *trackReader) run() {
	defer close(r.frames)
	defer r.resampler.Close()

	buf := make([]byte, 1500)
	packet := &rtp.Packet{}
	pcm48k := make([]int16, 960) // 20ms @ 48kHz mono

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		// A deadline keeps the goroutine from sitting in Read forever on a
		// silent track, so Close takes effect within one interval
		_ = r.track.SetReadDeadline(time.Now().Add(readDeadlineInterval))
		n, _, err := r.track.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if r.ctx.Err() == nil {
				r.log.Debug().Err(err).Msg("Track ended")
			}
			r.emitTail()
			return
		}

		if err := packet.Unmarshal(buf[:n]); err != nil {
			r.log.Warn().Err(err).Msg("Could not unmarshal RTP packet")
			continue
		}

		// Empty payloads are DTX packets
		if len(packet.Payload) == 0 {
			continue
		}

		sampleCount, err := r.decoder.Decode(packet.Payload, pcm48k)
		if err != nil {
			r.log.Warn().Err(err).Msg("Could not decode opus payload")
			continue
		}
		if sampleCount == 0 {
			continue
		}

		resampled, err := r.resample(pcm48k[:sampleCount])
		if err != nil {
			r.log.Warn().Err(err).Msg("Could not resample audio")
			continue
		}
		if len(resampled) == 0 {
			// The resampler buffers internally at first
			continue
		}

		r.assembler.Write(resampled)
		for {
			frame, ok := r.assembler.Next()
			if !ok {
				break
			}
			if !r.emit(frame) {
				return
			}
		}
	}
}

// resample converts one decoded 48kHz chunk to the target rate
func (r *trackReader) resample(samples []int16) ([]byte, error) {
	r.resamplerBuf.Reset()
	if _, err := r.resampler.Write(audio.BytesFromSamples(samples)); err != nil {
		return nil, err
	}

	out := r.resamplerBuf.Bytes()
	if len(out) == 0 {
		return nil, nil
	}
	// Copy, the buffer is reused on the next write
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

// emitTail pushes whatever partial frame is left when the track ends
func (r *trackReader) emitTail() {
	tail := r.assembler.Flush()
	if len(tail) > 0 {
		r.emit(tail)
	}
}

// emit sends one frame, giving up when the reader is being closed
func (r *trackReader) emit(pcm []byte) bool {
	select {
	case r.frames <- stt.AudioFrame{PCM: pcm, SampleRate: r.targetRate}:
		return true
	case <-r.ctx.Done():
		return false
	}
}
