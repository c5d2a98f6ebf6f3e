package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:8089" {
		t.Fatalf("BindAddr = %q, want 127.0.0.1:8089", cfg.BindAddr)
	}
	if cfg.ConnectTimeout != 10*time.Second || cfg.CommitDelay != 500*time.Millisecond {
		t.Fatalf("timeouts = %s/%s, want 10s/500ms", cfg.ConnectTimeout, cfg.CommitDelay)
	}
	if cfg.ResponseDelay != 1.0 || cfg.VADSensitivity != "medium" || cfg.AudioBufferSize != "medium" {
		t.Fatalf("streaming defaults = %v/%q/%q", cfg.ResponseDelay, cfg.VADSensitivity, cfg.AudioBufferSize)
	}
	if got := cfg.Provider(); got != "mock" {
		t.Fatalf("Provider() = %q, want mock without a key", got)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("OPENAI_API_KEY", " sk-abc ")
	t.Setenv("RESPONSE_DELAY", "2.5")
	t.Setenv("VAD_SENSITIVITY", "HIGH")
	t.Setenv("REALTIME_COMMIT_DELAY", "250ms")
	t.Setenv("APP_AUTO_CONNECT", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OpenAIAPIKey != "sk-abc" {
		t.Fatalf("OpenAIAPIKey = %q, want trimmed key", cfg.OpenAIAPIKey)
	}
	if cfg.ResponseDelay != 2.5 || cfg.VADSensitivity != "high" || cfg.CommitDelay != 250*time.Millisecond {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.AutoConnect {
		t.Fatalf("AutoConnect = false, want true")
	}
	if got := cfg.Provider(); got != "openai" {
		t.Fatalf("Provider() = %q, want openai with a key", got)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"REALTIME_PROVIDER":        "azure",
		"AUDIO_OUTPUT":             "speaker",
		"VAD_SENSITIVITY":          "max",
		"AUDIO_BUFFER_SIZE":        "xl",
		"RESPONSE_DELAY":           "0",
		"REALTIME_CONNECT_TIMEOUT": "100ms",
		"APP_AUTO_CONNECT":         "maybe",
	}
	for key, value := range cases {
		setCoreEnvEmpty(t)
		t.Setenv(key, value)
		if _, err := Load(); err == nil {
			t.Fatalf("Load() with %s=%s expected error", key, value)
		}
	}
}

func TestLoadRequiresKeyForOpenAIProvider(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("REALTIME_PROVIDER", "openai")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error without OPENAI_API_KEY")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_AUTO_CONNECT",
		"OPENAI_API_KEY",
		"OPENAI_REALTIME_URL",
		"OPENAI_REALTIME_MODEL",
		"REALTIME_PROVIDER",
		"REALTIME_VOICE",
		"REALTIME_CONNECT_TIMEOUT",
		"REALTIME_COMMIT_DELAY",
		"VAD_SENSITIVITY",
		"RESPONSE_DELAY",
		"AUDIO_BUFFER_SIZE",
		"AUDIO_OUTPUT",
		"AUDIO_DUMP_PATH",
		"AUDIO_CAPTURE_DEVICE",
		"PERSONA_ID",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
