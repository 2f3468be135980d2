package session

import (
	"context"

	"github.com/mconf/bbb-livekit-stt/internal/audio"
	"github.com/mconf/bbb-livekit-stt/internal/observability"
)

// runPipeline drives one session's two goroutines: audio forwarding into
// the recognition stream and event processing out of it. It blocks until
// both sides have exited, then tears the session down and removes it.
func (m *Manager) runPipeline(ctx context.Context, s *session, src Source) {
	log := m.log.With().Str("participant", s.participantID).Logger()

	forwardDone := make(chan error, 1)
	processDone := make(chan error, 1)

	go func() {
		forwardDone <- m.forwardAudio(ctx, s, src)
	}()
	go func() {
		processDone <- m.processEvents(ctx, s)
	}()

	var forwardErr, processErr error
	sourceEnded := false

	for forwardDone != nil || processDone != nil {
		select {
		case err := <-forwardDone:
			forwardDone = nil
			forwardErr = err
			if err == nil && ctx.Err() == nil {
				sourceEnded = true
			}
			if err != nil {
				// Forwarding broke; tear down so the processor unblocks
				// once the stream closes its event channel
				s.cancel()
				s.stream.Close()
			}
			// Natural source end: leave the processor running so finals
			// flushed by the engine still get published

		case err := <-processDone:
			processDone = nil
			processErr = err
			// No more events will ever arrive; stop forwarding
			s.cancel()
		}
	}

	s.stream.Close()
	src.Close()

	reason := "stopped"
	switch {
	case forwardErr != nil || processErr != nil:
		reason = "engine_error"
		if forwardErr != nil {
			log.Error().Err(forwardErr).Msg("Audio forwarding failed")
		}
		if processErr != nil {
			log.Error().Err(processErr).Msg("Transcript processing failed")
		}
	case sourceEnded:
		reason = "source_ended"
	}

	m.remove(s)
	observability.SessionEnded(reason, s.startedAt)
	log.Debug().Str("reason", reason).Msg("Transcription pipeline exited")
}

// forwardAudio pushes source frames into the recognition stream. On
// natural source end it flushes the stream so buffered speech is
// finalized; on cancellation it returns immediately, the stream is torn
// down anyway.
func (m *Manager) forwardAudio(ctx context.Context, s *session, src Source) error {
	var gate *audio.EnergyGate
	if m.opts.GateEnabled {
		cfg := m.opts.Gate
		if cfg == nil {
			cfg = audio.DefaultGateConfig()
		}
		gate = audio.NewEnergyGate(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case frame, ok := <-src.Frames():
			if !ok {
				if err := s.stream.Flush(); err != nil {
					m.log.Warn().Err(err).Str("participant", s.participantID).Msg("Flush on source end failed")
				}
				return nil
			}

			if gate != nil && !gate.Pass(frame.Samples()) {
				continue
			}

			if err := s.stream.Push(frame); err != nil {
				return err
			}
		}
	}
}

// processEvents consumes recognition events, maps them to transcript
// records and publishes them, preserving engine emission order.
func (m *Manager) processEvents(ctx context.Context, s *session) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-s.stream.Events():
			if !ok {
				return s.stream.Err()
			}

			set := m.snapshot(s.participantID)
			if set.Locale == "" {
				m.log.Warn().Str("participant", s.participantID).Msg("No locale for participant, dropping transcript")
				continue
			}

			for _, rec := range m.opts.Mapper.Map(ev, set, s.openedAt) {
				rec.ParticipantID = s.participantID
				if err := m.opts.Publisher.PublishTranscript(ctx, rec); err != nil {
					m.log.Error().Err(err).Str("participant", s.participantID).Msg("Failed to publish transcript")
					continue
				}
				observability.TranscriptEmitted(rec.Final)
			}
		}
	}
}
