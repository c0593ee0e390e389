package config

// Config is the root configuration for porchlight.
type Config struct {
	Chat      ChatConfig      `yaml:"chat,omitempty"`
	Reconnect ReconnectConfig `yaml:"reconnect,omitempty"`
	Storage   StorageConfig   `yaml:"storage,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
	Hooks     HooksConfig     `yaml:"hooks,omitempty"`
}

// ChatConfig controls which chat endpoint is used and as whom.
type ChatConfig struct {
	Mode       string `yaml:"mode,omitempty"` // "visitor" | "admin"; empty defers to env/query
	VisitorURL string `yaml:"visitorUrl,omitempty"`
	AdminURL   string `yaml:"adminUrl,omitempty"`
	AdminToken string `yaml:"adminToken,omitempty"` // may be ${ENV_VAR}
	Greeting   string `yaml:"greeting,omitempty"`
}

// ReconnectConfig tunes the socket backoff. Delays are milliseconds.
type ReconnectConfig struct {
	BaseDelayMs        int `yaml:"baseDelayMs,omitempty"`
	MaxDelayMs         int `yaml:"maxDelayMs,omitempty"`
	MaxAttempt         int `yaml:"maxAttempt,omitempty"`
	HandshakeTimeoutMs int `yaml:"handshakeTimeoutMs,omitempty"`
}

// StorageConfig selects the persistent key-value backend.
type StorageConfig struct {
	Driver string `yaml:"driver,omitempty"` // "sqlite" | "memory"
	Path   string `yaml:"path,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}

// HooksConfig defines shell commands run on chat events.
type HooksConfig struct {
	MessageReceived []HookEntry `yaml:"messageReceived,omitempty"`
	MessageSending  []HookEntry `yaml:"messageSending,omitempty"`
	StatusChanged   []HookEntry `yaml:"statusChanged,omitempty"`
	ErrorReceived   []HookEntry `yaml:"errorReceived,omitempty"`
}

// HookEntry defines a single hook action.
type HookEntry struct {
	Command string `yaml:"command"`
	Timeout int    `yaml:"timeout,omitempty"` // milliseconds
}
