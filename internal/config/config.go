package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice banking assistant.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string
	// AutoConnect opens a session at startup.
	AutoConnect bool

	OpenAIAPIKey     string
	RealtimeURL      string
	RealtimeModel    string
	RealtimeProvider string
	RealtimeVoice    string
	ConnectTimeout   time.Duration
	CommitDelay      time.Duration

	VADSensitivity  string
	ResponseDelay   float64
	AudioBufferSize string

	AudioOutput   string
	AudioDumpPath string
	CaptureDevice string

	PersonaID   string
	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", "127.0.0.1:8089"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "bankvoice"),
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("APP_LOG_FORMAT", "console"),
		OpenAIAPIKey:     stringsTrimSpace("OPENAI_API_KEY"),
		RealtimeURL:      envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:    envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		// "auto" picks openai when a key is present and the offline mock otherwise.
		RealtimeProvider: strings.ToLower(envOrDefault("REALTIME_PROVIDER", "auto")),
		RealtimeVoice:    envOrDefault("REALTIME_VOICE", "alloy"),
		VADSensitivity:   strings.ToLower(envOrDefault("VAD_SENSITIVITY", "medium")),
		AudioBufferSize:  strings.ToLower(envOrDefault("AUDIO_BUFFER_SIZE", "medium")),
		AudioOutput:      strings.ToLower(envOrDefault("AUDIO_OUTPUT", "pulse")),
		AudioDumpPath:    stringsTrimSpace("AUDIO_DUMP_PATH"),
		CaptureDevice:    stringsTrimSpace("AUDIO_CAPTURE_DEVICE"),
		PersonaID:        envOrDefault("PERSONA_ID", "john_doe"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:  15 * time.Second,
		ConnectTimeout:   10 * time.Second,
		CommitDelay:      500 * time.Millisecond,
		ResponseDelay:    1.0,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoConnect, err = boolFromEnv("APP_AUTO_CONNECT", cfg.AutoConnect)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout, err = durationFromEnv("REALTIME_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CommitDelay, err = durationFromEnv("REALTIME_COMMIT_DELAY", cfg.CommitDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ResponseDelay, err = floatFromEnv("RESPONSE_DELAY", cfg.ResponseDelay)
	if err != nil {
		return Config{}, err
	}

	switch cfg.RealtimeProvider {
	case "auto", "openai", "mock":
	default:
		return Config{}, fmt.Errorf("REALTIME_PROVIDER must be one of auto, openai, mock")
	}
	switch cfg.AudioOutput {
	case "pulse", "discard":
	default:
		return Config{}, fmt.Errorf("AUDIO_OUTPUT must be pulse or discard")
	}
	switch cfg.VADSensitivity {
	case "low", "medium", "high":
	default:
		return Config{}, fmt.Errorf("VAD_SENSITIVITY must be low, medium or high")
	}
	switch cfg.AudioBufferSize {
	case "small", "medium", "large":
	default:
		return Config{}, fmt.Errorf("AUDIO_BUFFER_SIZE must be small, medium or large")
	}
	if cfg.ResponseDelay <= 0 || cfg.ResponseDelay > 10 {
		return Config{}, fmt.Errorf("RESPONSE_DELAY must be in (0, 10] seconds")
	}
	if cfg.ConnectTimeout < time.Second {
		return Config{}, fmt.Errorf("REALTIME_CONNECT_TIMEOUT must be at least 1s")
	}
	if cfg.CommitDelay <= 0 {
		return Config{}, fmt.Errorf("REALTIME_COMMIT_DELAY must be positive")
	}
	if cfg.RealtimeProvider == "openai" && cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY is required when REALTIME_PROVIDER=openai")
	}

	return cfg, nil
}

// Provider resolves "auto" against the configured credential.
func (c Config) Provider() string {
	if c.RealtimeProvider != "auto" {
		return c.RealtimeProvider
	}
	if c.OpenAIAPIKey != "" {
		return "openai"
	}
	return "mock"
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
