package config

import "fmt"

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

const (
	DefaultVisitorURL = "ws://localhost:3000/ws"
	DefaultAdminURL   = "ws://localhost:3000/admin/ws"
	DefaultGreeting   = "Hi! Leave a message here and I'll get back to you soon."
)

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Chat.VisitorURL == "" {
		cfg.Chat.VisitorURL = DefaultVisitorURL
	}
	if cfg.Chat.AdminURL == "" {
		cfg.Chat.AdminURL = DefaultAdminURL
	}
	if cfg.Chat.Greeting == "" {
		cfg.Chat.Greeting = DefaultGreeting
	}
	if cfg.Reconnect.BaseDelayMs == 0 {
		cfg.Reconnect.BaseDelayMs = 1000
	}
	if cfg.Reconnect.MaxDelayMs == 0 {
		cfg.Reconnect.MaxDelayMs = 15000
	}
	if cfg.Reconnect.MaxAttempt == 0 {
		cfg.Reconnect.MaxAttempt = 6
	}
	if cfg.Reconnect.HandshakeTimeoutMs == 0 {
		cfg.Reconnect.HandshakeTimeoutMs = 10000
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = "pretty"
	}
}
