package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} with the variable's value. Unset variables
// are left as written.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return val
		}
		return match
	})
}

// EnvOverride is one PORCHLIGHT_* variable that replaces a config field.
type EnvOverride struct {
	Var  string
	Path string // dot path of the field it replaces
	set  func(cfg *Config, v string)
}

// EnvOverrides lists the variables Load honours, in application order.
var EnvOverrides = []EnvOverride{
	{"PORCHLIGHT_VISITOR_URL", "chat.visitorUrl", func(c *Config, v string) { c.Chat.VisitorURL = v }},
	{"PORCHLIGHT_ADMIN_URL", "chat.adminUrl", func(c *Config, v string) { c.Chat.AdminURL = v }},
	{"PORCHLIGHT_STORAGE_DRIVER", "storage.driver", func(c *Config, v string) { c.Storage.Driver = strings.ToLower(v) }},
	{"PORCHLIGHT_LOG_LEVEL", "logging.level", func(c *Config, v string) { c.Logging.Level = strings.ToLower(v) }},
}

// ActiveEnvOverrides returns the overrides whose variable is set.
func ActiveEnvOverrides() []EnvOverride {
	var active []EnvOverride
	for _, o := range EnvOverrides {
		if os.Getenv(o.Var) != "" {
			active = append(active, o)
		}
	}
	return active
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range ActiveEnvOverrides() {
		o.set(cfg, os.Getenv(o.Var))
	}
}

// readConfigFile returns nil data and no error when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return data, nil
}

// Load reads the config file and applies defaults, environment overrides
// and ${VAR} expansion. A missing file yields the defaults. Unknown keys are
// an error.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := readConfigFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Defaults(), &ConfigError{Message: "failed to parse " + path + ": " + err.Error()}
		}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	cfg.Chat.AdminToken = expandEnvVars(cfg.Chat.AdminToken)
	cfg.Storage.Path = expandEnvVars(cfg.Storage.Path)
	cfg.Logging.File = expandEnvVars(cfg.Logging.File)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based edits.
func LoadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse " + path + ": " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes raw back as YAML, replacing the file atomically.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
