package config

import (
	"os"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LIVEKIT_URL", "wss://livekit.test")
	t.Setenv("LIVEKIT_API_KEY", "test-lk-key")
	t.Setenv("LIVEKIT_API_SECRET", "test-lk-secret")
	t.Setenv("LIVEKIT_ROOM_NAME", "room-1")
	t.Setenv("GLADIA_API_KEY", "test-gladia-key")
}

func TestLoad(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.LiveKitURL != "wss://livekit.test" {
		t.Errorf("Expected LiveKitURL 'wss://livekit.test', got '%s'", cfg.LiveKitURL)
	}

	if cfg.GladiaAPIKey != "test-gladia-key" {
		t.Errorf("Expected GladiaAPIKey 'test-gladia-key', got '%s'", cfg.GladiaAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("LIVEKIT_URL")
	os.Unsetenv("LIVEKIT_API_KEY")
	os.Unsetenv("LIVEKIT_API_SECRET")
	os.Unsetenv("LIVEKIT_ROOM_NAME")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when required keys are missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}

	if cfg.STTProvider != "gladia" {
		t.Errorf("Expected default STTProvider 'gladia', got '%s'", cfg.STTProvider)
	}

	if cfg.RedisHost != "127.0.0.1" {
		t.Errorf("Expected default RedisHost '127.0.0.1', got '%s'", cfg.RedisHost)
	}

	if cfg.RedisPort != 6379 {
		t.Errorf("Expected default RedisPort 6379, got %d", cfg.RedisPort)
	}

	if cfg.GladiaSampleRate != 16000 {
		t.Errorf("Expected default GladiaSampleRate 16000, got %d", cfg.GladiaSampleRate)
	}

	if cfg.GladiaEncoding != "wav/pcm" {
		t.Errorf("Expected default GladiaEncoding 'wav/pcm', got '%s'", cfg.GladiaEncoding)
	}

	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("Expected default DeepgramModel 'nova-2', got '%s'", cfg.DeepgramModel)
	}

	if cfg.TranslationLangMap != DefaultTranslationLangMap {
		t.Errorf("Expected default TranslationLangMap '%s', got '%s'", DefaultTranslationLangMap, cfg.TranslationLangMap)
	}

	if cfg.AudioBufferSize != 8192 {
		t.Errorf("Expected default AudioBufferSize 8192, got %d", cfg.AudioBufferSize)
	}

	if cfg.GateEnergyThreshold != 500.0 {
		t.Errorf("Expected default GateEnergyThreshold 500.0, got %f", cfg.GateEnergyThreshold)
	}
}

func TestLoad_ConfidenceFallback(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GLADIA_MIN_CONFIDENCE", "0.4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.MinConfidenceInterim != 0.4 {
		t.Errorf("Expected MinConfidenceInterim to fall back to 0.4, got %f", cfg.MinConfidenceInterim)
	}

	if cfg.MinConfidenceFinal != 0.4 {
		t.Errorf("Expected MinConfidenceFinal to fall back to 0.4, got %f", cfg.MinConfidenceFinal)
	}
}

func TestLoad_ConfidenceOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GLADIA_MIN_CONFIDENCE", "0.4")
	t.Setenv("GLADIA_MIN_CONFIDENCE_FINAL", "0.8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.MinConfidenceFinal != 0.8 {
		t.Errorf("Expected MinConfidenceFinal 0.8, got %f", cfg.MinConfidenceFinal)
	}

	if cfg.MinConfidenceInterim != 0.4 {
		t.Errorf("Expected MinConfidenceInterim to fall back to 0.4, got %f", cfg.MinConfidenceInterim)
	}
}

func TestLoad_UnknownProvider(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STT_PROVIDER", "acme")

	_, err := Load()
	if err == nil {
		t.Error("Expected error for unknown STT provider")
	}
}

func TestLoad_DeepgramProviderRequiresKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STT_PROVIDER", "deepgram")
	t.Setenv("DEEPGRAM_API_KEY", "")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when DEEPGRAM_API_KEY is missing for the deepgram provider")
	}
}

func TestLoad_CustomVocabularyJSON(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GLADIA_CUSTOM_VOCABULARY", `["BigBlueButton"]`)
	t.Setenv("GLADIA_CUSTOM_SPELLING", `{"SQL": ["sequel"]}`)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.GladiaCustomVocabulary != `["BigBlueButton"]` {
		t.Errorf("Unexpected vocabulary: %s", cfg.GladiaCustomVocabulary)
	}
}

func TestLoad_InvalidCustomVocabularyJSON(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GLADIA_CUSTOM_VOCABULARY", `[not json`)

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for invalid GLADIA_CUSTOM_VOCABULARY")
	}
}

func TestLoad_InvalidCustomSpellingJSON(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GLADIA_CUSTOM_SPELLING", `{broken`)

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for invalid GLADIA_CUSTOM_SPELLING")
	}
}

func TestRedisAddr(t *testing.T) {
	cfg := &Config{RedisHost: "redis.internal", RedisPort: 6380}
	if addr := cfg.RedisAddr(); addr != "redis.internal:6380" {
		t.Errorf("Expected 'redis.internal:6380', got '%s'", addr)
	}
}

func TestRedacted(t *testing.T) {
	cfg := &Config{
		LiveKitURL:       "wss://livekit.test",
		LiveKitAPIKey:    "lk-key",
		LiveKitAPISecret: "lk-secret",
		GladiaAPIKey:     "gl-key",
		RedisHost:        "127.0.0.1",
		RedisPort:        6379,
	}

	out := cfg.Redacted()

	if out["livekit_api_secret"] != "***REDACTED***" {
		t.Errorf("Expected livekit_api_secret to be redacted, got '%s'", out["livekit_api_secret"])
	}

	if out["gladia_api_key"] != "***REDACTED***" {
		t.Errorf("Expected gladia_api_key to be redacted, got '%s'", out["gladia_api_key"])
	}

	if out["livekit_url"] != "wss://livekit.test" {
		t.Errorf("Expected livekit_url to pass through, got '%s'", out["livekit_url"])
	}

	if out["redis_password"] != "" {
		t.Errorf("Expected empty redis_password to stay empty, got '%s'", out["redis_password"])
	}
}

func TestIsRedactedKey(t *testing.T) {
	cases := []struct {
		key  string
		want bool
	}{
		{"GLADIA_API_KEY", true},
		{"REDIS_PASSWORD", true},
		{"LIVEKIT_API_SECRET", true},
		{"REDIS_HOST", false},
		{"STT_PROVIDER", false},
	}
	for _, tc := range cases {
		if got := IsRedactedKey(tc.key); got != tc.want {
			t.Errorf("IsRedactedKey(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}
