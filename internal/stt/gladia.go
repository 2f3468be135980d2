package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mconf/bbb-livekit-stt/internal/config"
	"github.com/mconf/bbb-livekit-stt/internal/observability"
	"github.com/mconf/bbb-livekit-stt/internal/resilience"
)

const gladiaProviderName = "gladia"

// GladiaEngine opens live transcription sessions against the Gladia v2
// real-time API. Each session is an HTTP init call that returns a dedicated
// websocket URL, followed by binary PCM frames on the socket.
type GladiaEngine struct {
	cfg        *config.Config
	httpClient *http.Client
	retryCfg   *resilience.RetryConfig
	log        zerolog.Logger
}

// NewGladiaEngine creates a Gladia engine from the application config
func NewGladiaEngine(cfg *config.Config) *GladiaEngine {
	retryCfg := resilience.DefaultRetryConfig()
	if cfg.RetryMaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryInitialBackoff > 0 {
		retryCfg.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond
	}

	return &GladiaEngine{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retryCfg:   retryCfg,
		log:        observability.GetLogger().With().Str("component", "stt").Str("provider", gladiaProviderName).Logger(),
	}
}

// Name returns the provider name used in bus commands
func (e *GladiaEngine) Name() string {
	return gladiaProviderName
}

type gladiaInitResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// initRequest builds the session configuration for the v2/live init call.
// Zero values are omitted so Gladia applies its own defaults.
func (e *GladiaEngine) initRequest(language string) map[string]any {
	cfg := e.cfg

	// The session language leads; extra configured languages are candidates
	// for code switching
	languages := []string{language}
	for _, l := range cfg.GladiaLanguages {
		if l != language {
			languages = append(languages, l)
		}
	}

	req := map[string]any{
		"encoding":    cfg.GladiaEncoding,
		"sample_rate": cfg.GladiaSampleRate,
		"bit_depth":   cfg.GladiaBitDepth,
		"channels":    cfg.GladiaChannels,
		"language_config": map[string]any{
			"languages":      languages,
			"code_switching": cfg.GladiaCodeSwitching,
		},
		"messages_config": map[string]any{
			"receive_partial_transcripts": cfg.InterimResults,
			"receive_final_transcripts":   true,
		},
		"pre_processing": map[string]any{
			"audio_enhancer":   cfg.GladiaAudioEnhancer,
			"speech_threshold": cfg.GladiaSpeechThreshold,
		},
	}

	if cfg.GladiaModel != "" {
		req["model"] = cfg.GladiaModel
	}
	if cfg.GladiaRegion != "" {
		req["region"] = cfg.GladiaRegion
	}
	if cfg.GladiaEndpointing > 0 {
		req["endpointing"] = cfg.GladiaEndpointing
	}
	if cfg.GladiaMaxDurationWithoutEP > 0 {
		req["maximum_duration_without_endpointing"] = cfg.GladiaMaxDurationWithoutEP
	}
	if cfg.GladiaEnergyFilter {
		req["energy_filter"] = true
	}

	realtime := map[string]any{}

	if cfg.TranslationEnabled {
		translation := map[string]any{
			"target_languages":          cfg.TranslationTargetLanguages,
			"match_original_utterances": cfg.TranslationMatchOriginal,
		}
		if cfg.TranslationModel != "" {
			translation["model"] = cfg.TranslationModel
		}
		if cfg.TranslationContext != "" {
			translation["context"] = cfg.TranslationContext
		}
		if cfg.TranslationInformal {
			translation["informal"] = true
		}
		realtime["translation"] = true
		realtime["translation_config"] = translation
	}

	// Vocabulary and spelling arrive as raw JSON from the environment,
	// validated at config load
	if cfg.GladiaCustomVocabulary != "" {
		realtime["custom_vocabulary"] = true
		realtime["custom_vocabulary_config"] = map[string]any{
			"vocabulary": json.RawMessage(cfg.GladiaCustomVocabulary),
		}
	}
	if cfg.GladiaCustomSpelling != "" {
		realtime["custom_spelling"] = true
		realtime["custom_spelling_config"] = map[string]any{
			"spelling_dictionary": json.RawMessage(cfg.GladiaCustomSpelling),
		}
	}

	if len(realtime) > 0 {
		req["realtime_processing"] = realtime
	}

	return req
}

// OpenStream starts a live session for one participant. The language is a
// short ISO 639-1 code, already sanitized from the BBB locale.
func (e *GladiaEngine) OpenStream(ctx context.Context, language string) (Stream, error) {
	body, err := json.Marshal(e.initRequest(language))
	if err != nil {
		return nil, fmt.Errorf("failed to encode gladia session config: %w", err)
	}

	var init gladiaInitResponse
	err = resilience.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.GladiaBaseURL+"/v2/live", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Gladia-Key", e.cfg.GladiaAPIKey)

		resp, err := e.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("gladia session init returned %d: %s", resp.StatusCode, msg)
		}

		return json.NewDecoder(resp.Body).Decode(&init)
	}, e.retryCfg, resilience.IsRetryableNetworkError)
	if err != nil {
		observability.EngineError(gladiaProviderName)
		return nil, fmt.Errorf("failed to init gladia session: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, init.URL, nil)
	if err != nil {
		observability.EngineError(gladiaProviderName)
		return nil, fmt.Errorf("failed to connect to gladia session %s: %w", init.ID, err)
	}

	s := &gladiaStream{
		conn:   conn,
		events: make(chan SpeechEvent, 32),
		log:    e.log.With().Str("session_id", init.ID).Str("language", language).Logger(),
	}
	go s.readLoop()

	e.log.Info().Str("session_id", init.ID).Str("language", language).Msg("Gladia session started")
	return s, nil
}

type gladiaStream struct {
	conn   *websocket.Conn
	events chan SpeechEvent
	log    zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// gladiaServerMessage covers the message types the session cares about.
// Transcripts and translations share the utterance shape.
type gladiaServerMessage struct {
	Type string `json:"type"`
	Data struct {
		IsFinal             bool            `json:"is_final"`
		Utterance           gladiaUtterance `json:"utterance"`
		TranslatedUtterance gladiaUtterance `json:"translated_utterance"`
	} `json:"data"`
}

type gladiaUtterance struct {
	Language   string  `json:"language"`
	Text       string  `json:"text"`
	Start      float64 `json:"start"` // seconds
	End        float64 `json:"end"`   // seconds
	Confidence float64 `json:"confidence"`
}

func (s *gladiaStream) readLoop() {
	defer close(s.events)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			s.setErr(err)
			observability.EngineError(gladiaProviderName)
			return
		}

		var msg gladiaServerMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.log.Warn().Err(err).Msg("Could not decode Gladia message")
			continue
		}

		switch msg.Type {
		case "transcript":
			s.emit(msg.Data.IsFinal, msg.Data.Utterance)
		case "translation":
			// Translations only arrive for final utterances
			s.emit(true, msg.Data.TranslatedUtterance)
		case "post_final_transcript", "audio_chunk", "start_recording", "end_recording":
			// Session lifecycle acks, nothing to forward
		default:
			s.log.Debug().Str("type", msg.Type).Msg("Ignoring Gladia message")
		}
	}
}

func (s *gladiaStream) emit(final bool, utt gladiaUtterance) {
	if utt.Text == "" {
		return
	}

	eventType := InterimTranscript
	if final {
		eventType = FinalTranscript
	}

	ev := SpeechEvent{
		Type: eventType,
		Alternatives: []Alternative{{
			Language:   utt.Language,
			Text:       utt.Text,
			Confidence: utt.Confidence,
			Start:      utt.Start * 1000,
			End:        utt.End * 1000,
		}},
	}

	select {
	case s.events <- ev:
	default:
		observability.EngineEventDropped(gladiaProviderName)
		s.log.Warn().Msg("Event channel full, dropping transcript")
	}
}

// Push sends one PCM frame to the session
func (s *gladiaStream) Push(frame AudioFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame.PCM); err != nil {
		observability.EngineError(gladiaProviderName)
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	observability.EngineFramePushed(gladiaProviderName)
	return nil
}

// Flush tells Gladia no more audio is coming so pending finals are emitted
func (s *gladiaStream) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg := map[string]string{"type": "stop_recording"}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	return nil
}

// UpdateLanguage swaps the recognition language mid-session
func (s *gladiaStream) UpdateLanguage(language string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg := map[string]any{
		"type": "config_update",
		"data": map[string]any{
			"language_config": map[string]any{
				"languages": []string{language},
			},
		},
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	s.log.Info().Str("language", language).Msg("Updated Gladia session language")
	return nil
}

// Events returns the transcript event channel. It is closed when the
// session ends.
func (s *gladiaStream) Events() <-chan SpeechEvent {
	return s.events
}

// Err reports the terminal error, if any, after Events is closed
func (s *gladiaStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *gladiaStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Close tears down the websocket. Safe to call more than once.
func (s *gladiaStream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}
