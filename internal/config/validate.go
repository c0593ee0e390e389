package config

import (
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/soyeahso/porchlight/internal/logging"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	validModes := []string{"visitor", "admin"}
	if cfg.Chat.Mode != "" && !slices.Contains(validModes, cfg.Chat.Mode) {
		issues = append(issues, ValidationIssue{
			Path:    "chat.mode",
			Message: fmt.Sprintf("must be one of %v, got %q", validModes, cfg.Chat.Mode),
		})
	}

	for path, raw := range map[string]string{
		"chat.visitorUrl": cfg.Chat.VisitorURL,
		"chat.adminUrl":   cfg.Chat.AdminURL,
	} {
		if msg := checkSocketURL(raw); msg != "" {
			issues = append(issues, ValidationIssue{Path: path, Message: msg})
		}
	}

	if info, ok := InspectToken(cfg.Chat.AdminToken); ok && info.Expired(time.Now()) {
		issues = append(issues, ValidationIssue{
			Path:    "chat.adminToken",
			Message: fmt.Sprintf("token expired at %s", info.ExpiresAt.Format(time.RFC3339)),
		})
	}

	// Reconnect validation
	if cfg.Reconnect.BaseDelayMs < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "reconnect.baseDelayMs",
			Message: fmt.Sprintf("must not be negative, got %d", cfg.Reconnect.BaseDelayMs),
		})
	}
	if cfg.Reconnect.MaxDelayMs < cfg.Reconnect.BaseDelayMs {
		issues = append(issues, ValidationIssue{
			Path:    "reconnect.maxDelayMs",
			Message: fmt.Sprintf("must be >= baseDelayMs (%d), got %d", cfg.Reconnect.BaseDelayMs, cfg.Reconnect.MaxDelayMs),
		})
	}
	if cfg.Reconnect.MaxAttempt < 0 || cfg.Reconnect.MaxAttempt > 30 {
		issues = append(issues, ValidationIssue{
			Path:    "reconnect.maxAttempt",
			Message: fmt.Sprintf("must be 0-30, got %d", cfg.Reconnect.MaxAttempt),
		})
	}

	validDrivers := []string{"sqlite", "memory"}
	if cfg.Storage.Driver != "" && !slices.Contains(validDrivers, cfg.Storage.Driver) {
		issues = append(issues, ValidationIssue{
			Path:    "storage.driver",
			Message: fmt.Sprintf("must be one of %v, got %q", validDrivers, cfg.Storage.Driver),
		})
	}

	// Logging validation
	if cfg.Logging.Level != "" && !slices.Contains(logging.ValidLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", logging.ValidLevels, cfg.Logging.Level),
		})
	}
	validConsoleStyles := []string{"pretty", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.consoleStyle",
			Message: fmt.Sprintf("must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle),
		})
	}

	hookLists := []struct {
		path    string
		entries []HookEntry
	}{
		{"hooks.messageReceived", cfg.Hooks.MessageReceived},
		{"hooks.messageSending", cfg.Hooks.MessageSending},
		{"hooks.statusChanged", cfg.Hooks.StatusChanged},
		{"hooks.errorReceived", cfg.Hooks.ErrorReceived},
	}
	for _, hl := range hookLists {
		for i, h := range hl.entries {
			if h.Command == "" {
				issues = append(issues, ValidationIssue{
					Path:    fmt.Sprintf("%s[%d].command", hl.path, i),
					Message: "command is required",
				})
			}
			if h.Timeout < 0 {
				issues = append(issues, ValidationIssue{
					Path:    fmt.Sprintf("%s[%d].timeout", hl.path, i),
					Message: fmt.Sprintf("must not be negative, got %d", h.Timeout),
				})
			}
		}
	}

	return issues
}

func checkSocketURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Sprintf("invalid URL: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Sprintf("scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "host is required"
	}
	return ""
}
