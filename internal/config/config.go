package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// DefaultTranslationLangMap maps short language codes to the BBB locales
// used for caption ownership when no explicit map is configured.
const DefaultTranslationLangMap = "de:de-DE,en:en-US,es:es-ES,fr:fr-FR,hi:hi-IN,it:it-IT,ja:ja-JP,pt:pt-BR,ru:ru-RU,zh:zh-CN"

// Config holds all configuration for the transcription agent
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// LiveKit room connection
	LiveKitURL       string `envconfig:"LIVEKIT_URL" required:"true"`
	LiveKitAPIKey    string `envconfig:"LIVEKIT_API_KEY" required:"true"`
	LiveKitAPISecret string `envconfig:"LIVEKIT_API_SECRET" required:"true"`
	RoomName         string `envconfig:"LIVEKIT_ROOM_NAME" required:"true"`
	AgentIdentity    string `envconfig:"AGENT_IDENTITY" default:"transcription-agent"`

	// Redis control/event bus
	RedisHost     string `envconfig:"REDIS_HOST" default:"127.0.0.1"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`

	// STT provider selection. Per-user provider values arriving on the bus
	// override this for individual sessions.
	STTProvider string `envconfig:"STT_PROVIDER" default:"gladia"`

	// Gladia STT configuration
	GladiaAPIKey               string   `envconfig:"GLADIA_API_KEY" default:""`
	GladiaBaseURL              string   `envconfig:"GLADIA_BASE_URL" default:"https://api.gladia.io"`
	GladiaModel                string   `envconfig:"GLADIA_MODEL" default:""`
	GladiaRegion               string   `envconfig:"GLADIA_REGION" default:""`
	GladiaSampleRate           int      `envconfig:"GLADIA_SAMPLE_RATE" default:"16000"`
	GladiaBitDepth             int      `envconfig:"GLADIA_BIT_DEPTH" default:"16"`
	GladiaChannels             int      `envconfig:"GLADIA_CHANNELS" default:"1"`
	GladiaEncoding             string   `envconfig:"GLADIA_ENCODING" default:"wav/pcm"`
	GladiaEndpointing          float64  `envconfig:"GLADIA_ENDPOINTING" default:"0.01"`
	GladiaMaxDurationWithoutEP float64  `envconfig:"GLADIA_MAXIMUM_DURATION_WITHOUT_ENDPOINTING" default:"0"`
	GladiaCodeSwitching        bool     `envconfig:"GLADIA_CODE_SWITCHING" default:"false"`
	GladiaLanguages            []string `envconfig:"GLADIA_LANGUAGES" default:""`
	GladiaEnergyFilter         bool     `envconfig:"GLADIA_ENERGY_FILTER" default:"false"`
	GladiaAudioEnhancer        bool     `envconfig:"GLADIA_PRE_PROCESSING_AUDIO_ENHANCER" default:"true"`
	GladiaSpeechThreshold      float64  `envconfig:"GLADIA_PRE_PROCESSING_SPEECH_THRESHOLD" default:"0.7"`
	GladiaCustomVocabulary     string   `envconfig:"GLADIA_CUSTOM_VOCABULARY" default:""` // JSON array of vocabulary entries
	GladiaCustomSpelling       string   `envconfig:"GLADIA_CUSTOM_SPELLING" default:""`   // JSON object mapping words to spellings

	// Gladia live translation
	TranslationEnabled         bool     `envconfig:"GLADIA_TRANSLATION_ENABLED" default:"false"`
	TranslationTargetLanguages []string `envconfig:"GLADIA_TRANSLATION_TARGET_LANGUAGES" default:""`
	TranslationModel           string   `envconfig:"GLADIA_TRANSLATION_MODEL" default:""`
	TranslationMatchOriginal   bool     `envconfig:"GLADIA_TRANSLATION_MATCH_ORIGINAL_UTTERANCES" default:"false"`
	TranslationContext         string   `envconfig:"GLADIA_TRANSLATION_CONTEXT" default:""`
	TranslationInformal        bool     `envconfig:"GLADIA_TRANSLATION_INFORMAL" default:"false"`
	TranslationLangMap         string   `envconfig:"GLADIA_TRANSLATION_LANG_MAP" default:"de:de-DE,en:en-US,es:es-ES,fr:fr-FR,hi:hi-IN,it:it-IT,ja:ja-JP,pt:pt-BR,ru:ru-RU,zh:zh-CN"`

	// Transcript filtering. MinConfidence is the shared fallback used when
	// the interim/final specific values are not set.
	MinConfidence        float64 `envconfig:"GLADIA_MIN_CONFIDENCE" default:"0.1"`
	MinConfidenceInterim float64 `envconfig:"GLADIA_MIN_CONFIDENCE_INTERIM" default:"-1"`
	MinConfidenceFinal   float64 `envconfig:"GLADIA_MIN_CONFIDENCE_FINAL" default:"-1"`
	InterimResults       bool    `envconfig:"GLADIA_INTERIM_RESULTS" default:"true"`

	// Deepgram STT configuration
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base

	// Audio processing configuration
	AudioBufferSize     int     `envconfig:"AUDIO_BUFFER_SIZE" default:"8192"`       // Frame assembler target size in bytes
	GateEnergyThreshold float64 `envconfig:"GATE_ENERGY_THRESHOLD" default:"500.0"`  // RMS threshold for the energy gate
	GateHangoverFrames  int     `envconfig:"GATE_HANGOVER_FRAMES" default:"25"`      // Frames kept open after speech ends
	GateEnabled         bool    `envconfig:"GATE_ENABLED" default:"false"`           // Drop silent frames before the STT engine

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Interim/final thresholds fall back to the shared value when unset
	if cfg.MinConfidenceInterim < 0 {
		cfg.MinConfidenceInterim = cfg.MinConfidence
	}
	if cfg.MinConfidenceFinal < 0 {
		cfg.MinConfidenceFinal = cfg.MinConfidence
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.STTProvider {
	case "gladia":
		if c.GladiaAPIKey == "" {
			return fmt.Errorf("GLADIA_API_KEY is required when STT_PROVIDER is gladia")
		}
	case "deepgram":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when STT_PROVIDER is deepgram")
		}
	default:
		return fmt.Errorf("unknown STT_PROVIDER %q", c.STTProvider)
	}

	if c.GladiaCustomVocabulary != "" && !json.Valid([]byte(c.GladiaCustomVocabulary)) {
		return fmt.Errorf("GLADIA_CUSTOM_VOCABULARY is not valid JSON")
	}
	if c.GladiaCustomSpelling != "" && !json.Valid([]byte(c.GladiaCustomSpelling)) {
		return fmt.Errorf("GLADIA_CUSTOM_SPELLING is not valid JSON")
	}

	return nil
}

// RedisAddr returns the host:port address for the Redis connection
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

var redactedKeys = []string{"apikey", "apisecret", "password", "secret", "token"}

// Redacted returns a map of the configuration with credential values masked,
// suitable for logging at startup
func (c *Config) Redacted() map[string]string {
	out := map[string]string{
		"livekit_url":          c.LiveKitURL,
		"livekit_api_key":      redact(c.LiveKitAPIKey),
		"livekit_api_secret":   redact(c.LiveKitAPISecret),
		"room_name":            c.RoomName,
		"agent_identity":       c.AgentIdentity,
		"redis_addr":           c.RedisAddr(),
		"redis_password":       redact(c.RedisPassword),
		"stt_provider":         c.STTProvider,
		"gladia_api_key":       redact(c.GladiaAPIKey),
		"gladia_base_url":      c.GladiaBaseURL,
		"deepgram_api_key":     redact(c.DeepgramAPIKey),
		"translation_lang_map": c.TranslationLangMap,
	}
	return out
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	return "***REDACTED***"
}

// IsRedactedKey reports whether a config key name holds credential material
func IsRedactedKey(key string) bool {
	k := strings.ToLower(strings.ReplaceAll(key, "_", ""))
	for _, r := range redactedKeys {
		if strings.Contains(k, r) {
			return true
		}
	}
	return false
}
