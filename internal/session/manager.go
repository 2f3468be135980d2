package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mconf/bbb-livekit-stt/internal/audio"
	"github.com/mconf/bbb-livekit-stt/internal/locale"
	"github.com/mconf/bbb-livekit-stt/internal/observability"
	"github.com/mconf/bbb-livekit-stt/internal/stt"
	"github.com/mconf/bbb-livekit-stt/internal/transcript"
)

// State tracks where a session is in its lifecycle
type State int

const (
	// StatePending means the participant asked for captions but has no
	// microphone track yet, or the stream is still being opened
	StatePending State = iota

	// StateActive means the pipeline goroutines are running
	StateActive

	// StateStopping means teardown has begun, waiting for the pipeline
	StateStopping

	// StateStopped means the session is finished and removed
	StateStopped
)

// Settings is the durable per-participant configuration. It outlives a
// stopped session and is only discarded when the participant disconnects.
type Settings struct {
	Locale             string
	Provider           string
	PartialUtterances  bool
	MinUtteranceLength float64 // seconds
}

// Source delivers decoded PCM frames for one participant's microphone
// track. Frames closes when the track ends; Close stops reading early.
type Source interface {
	Frames() <-chan stt.AudioFrame
	Close() error
}

// TrackLocator finds a participant's live microphone audio in the room
type TrackLocator interface {
	// MicrophoneSource returns a frame source for the participant's mic
	// track, or false when no mic track is subscribed
	MicrophoneSource(participantID string) (Source, bool)
}

// Publisher sends transcript records to the event bus
type Publisher interface {
	PublishTranscript(ctx context.Context, rec transcript.Record) error
}

type session struct {
	participantID string
	state         State
	provider      string
	stream        stt.Stream
	cancel        context.CancelFunc
	startedAt     time.Time
	openedAt      float64 // epoch ms when the stream opened

	// done is created when a pipeline spawn is in flight and closed
	// exactly once when the session is removed. Nil for entries that
	// never had a pipeline (pending without a track).
	done       chan struct{}
	removeOnce sync.Once
}

// Options wires the manager's collaborators
type Options struct {
	Registry    *stt.Registry
	Locator     TrackLocator
	Publisher   Publisher
	Mapper      *transcript.Mapper
	Gate        *audio.GateConfig
	GateEnabled bool
}

// Manager owns the per-participant settings and session tables. All table
// access goes through its mutex so start commands racing track events
// never spawn two pipelines for one participant.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	settings map[string]*Settings
	sessions map[string]*session
}

// NewManager creates a session manager
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:     opts,
		log:      observability.GetLogger().With().Str("component", "session").Logger(),
		settings: make(map[string]*Settings),
		sessions: make(map[string]*session),
	}
}

// Start begins transcription for a participant. It stores the settings,
// then spawns the pipeline if a microphone track is available; without a
// track the session stays pending until the track subscription arrives.
// Calling Start while a session is already running is a no-op.
func (m *Manager) Start(ctx context.Context, participantID, participantLocale, provider string) {
	m.mu.Lock()

	set := m.settingsLocked(participantID)
	set.Locale = participantLocale
	set.Provider = provider

	if existing, ok := m.sessions[participantID]; ok {
		if existing.state == StatePending && existing.done == nil {
			// Pending without a track; retry now that we may have one
			delete(m.sessions, participantID)
		} else if existing.state != StateStopped {
			m.mu.Unlock()
			m.log.Debug().Str("participant", participantID).Msg("Transcription already running, ignoring start")
			return
		}
	}

	src, ok := m.opts.Locator.MicrophoneSource(participantID)
	if !ok {
		m.sessions[participantID] = &session{participantID: participantID, state: StatePending}
		m.mu.Unlock()
		m.log.Warn().Str("participant", participantID).Msg("No audio track yet, transcription pending")
		return
	}

	s := &session{
		participantID: participantID,
		state:         StatePending,
		done:          make(chan struct{}),
	}
	m.sessions[participantID] = s
	m.mu.Unlock()

	engine, _ := m.opts.Registry.Get(provider)
	language := locale.Sanitize(participantLocale)

	stream, err := engine.OpenStream(ctx, language)
	if err != nil {
		m.log.Error().Err(err).
			Str("participant", participantID).
			Str("provider", engine.Name()).
			Msg("Failed to open recognition stream")
		src.Close()
		m.remove(s)
		return
	}

	m.mu.Lock()
	if s.state == StateStopping {
		// Stop raced the stream open; unwind
		m.mu.Unlock()
		stream.Close()
		src.Close()
		m.remove(s)
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.stream = stream
	s.cancel = cancel
	s.provider = engine.Name()
	s.startedAt = time.Now()
	s.openedAt = float64(time.Now().UnixMilli())
	s.state = StateActive
	m.mu.Unlock()

	observability.SessionStarted(s.provider)
	m.log.Info().
		Str("participant", participantID).
		Str("locale", participantLocale).
		Str("provider", s.provider).
		Msg("Started transcription")

	go m.runPipeline(runCtx, s, src)
}

// Stop ends a participant's session and waits for the pipeline to exit.
// The settings survive so a later start command resumes with them.
// Stopping a participant with no session is a no-op.
func (m *Manager) Stop(participantID string) {
	m.mu.Lock()
	s, ok := m.sessions[participantID]
	if !ok {
		m.mu.Unlock()
		return
	}

	if s.done == nil {
		// Pending without a pipeline, just drop the entry
		delete(m.sessions, participantID)
		s.state = StateStopped
		m.mu.Unlock()
		m.log.Debug().Str("participant", participantID).Msg("Discarded pending session")
		return
	}

	s.state = StateStopping
	cancel := s.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.done

	m.log.Info().Str("participant", participantID).Msg("Stopped transcription")
}

// UpdateLocale changes a participant's caption language. A running stream
// is re-targeted in place when the engine supports it; the session is
// never restarted.
func (m *Manager) UpdateLocale(participantID, newLocale string) {
	m.mu.Lock()
	set := m.settingsLocked(participantID)
	set.Locale = newLocale

	var stream stt.Stream
	if s, ok := m.sessions[participantID]; ok && s.state == StateActive {
		stream = s.stream
	}
	m.mu.Unlock()

	if stream == nil {
		m.log.Warn().Str("participant", participantID).Msg("No active transcription to update locale for")
		return
	}

	language := locale.Sanitize(newLocale)
	if err := stream.UpdateLanguage(language); err != nil {
		if errors.Is(err, stt.ErrLanguageUpdateUnsupported) {
			m.log.Warn().
				Str("participant", participantID).
				Str("locale", newLocale).
				Msg("Engine cannot switch language on a live stream, keeping current language")
			return
		}
		m.log.Error().Err(err).Str("participant", participantID).Msg("Failed to update stream language")
		return
	}

	m.log.Info().Str("participant", participantID).Str("locale", newLocale).Msg("Updated transcription locale")
}

// SetOptions stores a participant's transcript options. They apply to the
// running session immediately and persist for future sessions.
func (m *Manager) SetOptions(participantID string, partialUtterances bool, minUtteranceLength float64) {
	m.mu.Lock()
	set := m.settingsLocked(participantID)
	set.PartialUtterances = partialUtterances
	set.MinUtteranceLength = minUtteranceLength
	m.mu.Unlock()

	m.log.Info().
		Str("participant", participantID).
		Bool("partial_utterances", partialUtterances).
		Float64("min_utterance_length", minUtteranceLength).
		Msg("User speech options changed")
}

// GetSettings returns a copy of a participant's settings
func (m *Manager) GetSettings(participantID string) (Settings, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.settings[participantID]
	if !ok {
		return Settings{}, false
	}
	return *set, true
}

// OnTrackSubscribed reacts to a new microphone track. Participants with
// stored settings get their pending or future session started.
func (m *Manager) OnTrackSubscribed(ctx context.Context, participantID string) {
	set, ok := m.GetSettings(participantID)
	if !ok || set.Locale == "" {
		// Options-only settings (no locale chosen yet) never start a session
		m.log.Debug().Str("participant", participantID).Msg("Track subscribed with no caption locale, skipping")
		return
	}
	m.log.Debug().Str("participant", participantID).Msg("Track subscribed with active settings, starting transcription")
	m.Start(ctx, participantID, set.Locale, set.Provider)
}

// OnTrackUnsubscribed stops the participant's session, keeping settings
func (m *Manager) OnTrackUnsubscribed(participantID string) {
	m.Stop(participantID)
}

// OnParticipantDisconnected stops the session and discards the settings
func (m *Manager) OnParticipantDisconnected(participantID string) {
	m.Stop(participantID)

	m.mu.Lock()
	delete(m.settings, participantID)
	m.mu.Unlock()

	m.log.Debug().Str("participant", participantID).Msg("Participant disconnected, settings discarded")
}

// Shutdown stops every session, used when the room disconnects
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}
}

// ActiveSessions returns the number of sessions in the table
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// settingsLocked returns the settings entry for a participant, creating it
// if needed. Caller must hold m.mu.
func (m *Manager) settingsLocked(participantID string) *Settings {
	set, ok := m.settings[participantID]
	if !ok {
		set = &Settings{}
		m.settings[participantID] = set
	}
	return set
}

// snapshot builds the mapper's view of a participant's settings. The
// minimum utterance length is converted to ms to match record timestamps.
func (m *Manager) snapshot(participantID string) transcript.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.settings[participantID]
	if !ok {
		return transcript.Settings{}
	}
	return transcript.Settings{
		Locale:             set.Locale,
		PartialUtterances:  set.PartialUtterances,
		MinUtteranceLength: set.MinUtteranceLength * 1000,
	}
}

// remove deletes the session table entry exactly once, after the pipeline
// has fully exited (or never started)
func (m *Manager) remove(s *session) {
	s.removeOnce.Do(func() {
		m.mu.Lock()
		if cur, ok := m.sessions[s.participantID]; ok && cur == s {
			delete(m.sessions, s.participantID)
		}
		s.state = StateStopped
		m.mu.Unlock()

		if s.done != nil {
			close(s.done)
		}
	})
}
