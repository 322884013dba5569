// Package config loads the bridge's runtime configuration from the
// environment. All knobs use the VAI_BRIDGE_ prefix; unset or malformed
// values fall back to defaults, and LoadFromEnv validates the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// OpenAI-compatible backends.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	TextModel     string
	RealtimeURL   string
	RealtimeModel string
	RealtimeVoice string

	// Agent behavior. Language is an ISO-639-1 transcription hint; empty
	// means auto-detect.
	SystemPrompt      string
	Greeting          string
	Language          string
	Temperature       float64
	MaxTokens         int
	MaxCallDuration   time.Duration
	MaxRecursiveDepth int
	KeepaliveInterval time.Duration

	// Transfer destination handed to the transfer_call tool when the model
	// does not supply one.
	TransferNumber string

	// Postgres DSN for call records; empty disables persistence.
	DatabaseURL string

	// Transport limits.
	WriteTimeout    time.Duration
	MaxFrameBytes   int64
	MaxMediaBytes   int64
	ToolCallTimeout time.Duration

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VAI_BRIDGE_ADDR", ":8080"),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("VAI_BRIDGE_OPENAI_API_KEY")),
		OpenAIBaseURL:       envOr("VAI_BRIDGE_OPENAI_BASE_URL", "https://api.openai.com/v1"),
		TextModel:           envOr("VAI_BRIDGE_TEXT_MODEL", "gpt-4o-mini"),
		RealtimeURL:         envOr("VAI_BRIDGE_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:       envOr("VAI_BRIDGE_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:       envOr("VAI_BRIDGE_REALTIME_VOICE", "alloy"),
		SystemPrompt:        envOr("VAI_BRIDGE_SYSTEM_PROMPT", "You are a helpful phone agent. Keep answers short and conversational."),
		Greeting:            envOr("VAI_BRIDGE_GREETING", ""),
		Language:            strings.TrimSpace(os.Getenv("VAI_BRIDGE_LANGUAGE")),
		Temperature:         envFloat64Or("VAI_BRIDGE_TEMPERATURE", 0.7),
		MaxTokens:           envIntOr("VAI_BRIDGE_MAX_TOKENS", 256),
		MaxCallDuration:     envDurationOr("VAI_BRIDGE_MAX_CALL_DURATION", 30*time.Minute),
		MaxRecursiveDepth:   envIntOr("VAI_BRIDGE_MAX_RECURSIVE_DEPTH", 2),
		KeepaliveInterval:   envDurationOr("VAI_BRIDGE_KEEPALIVE_INTERVAL", 1500*time.Millisecond),
		TransferNumber:      strings.TrimSpace(os.Getenv("VAI_BRIDGE_TRANSFER_NUMBER")),
		DatabaseURL:         strings.TrimSpace(os.Getenv("VAI_BRIDGE_DATABASE_URL")),
		WriteTimeout:        envDurationOr("VAI_BRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		MaxFrameBytes:       envInt64Or("VAI_BRIDGE_MAX_FRAME_BYTES", 64*1024),
		MaxMediaBytes:       envInt64Or("VAI_BRIDGE_MAX_MEDIA_BYTES", 256*1024),
		ToolCallTimeout:     envDurationOr("VAI_BRIDGE_TOOL_CALL_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout:   envDurationOr("VAI_BRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("VAI_BRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if strings.TrimSpace(cfg.Addr) == "" {
		return Config{}, fmt.Errorf("VAI_BRIDGE_ADDR must not be empty")
	}
	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("VAI_BRIDGE_OPENAI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.TextModel) == "" {
		return Config{}, fmt.Errorf("VAI_BRIDGE_TEXT_MODEL must not be empty")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_TEMPERATURE must be within [0, 2]")
	}
	if cfg.MaxTokens <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_MAX_TOKENS must be > 0")
	}
	if cfg.MaxCallDuration <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_MAX_CALL_DURATION must be > 0")
	}
	if cfg.MaxRecursiveDepth <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_MAX_RECURSIVE_DEPTH must be > 0")
	}
	if cfg.KeepaliveInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_KEEPALIVE_INTERVAL must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MaxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_MAX_FRAME_BYTES must be > 0")
	}
	if cfg.MaxMediaBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_MAX_MEDIA_BYTES must be > 0")
	}
	if cfg.ToolCallTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_TOOL_CALL_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
