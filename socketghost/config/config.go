package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	Version = "0.1.0"

	DefaultProxyPort   = 8080
	DefaultControlPort = 9000
	DefaultAPIPort     = 9300

	DefaultPauseTimeout  = 60 * time.Second
	DefaultReplayTimeout = 30 * time.Second
	DefaultScriptTimeout = 50 * time.Millisecond
	DefaultMaxBodyBytes  = 10 * 1024 * 1024

	DefaultRetentionDays  = 30
	DefaultMaxTotalBytes  = 500 * 1024 * 1024
	DefaultMaxInlineBytes = 128 * 1024

	ConfigFileName = "config.yaml"
	EnvPrefix      = "SOCKETGHOST_"
)

// Storage backend selection
const (
	BackendAuto   = "auto"
	BackendSQLite = "sqlite"
	BackendJSONL  = "jsonl"
)

// Script kinds
const (
	ScriptRequestHeader  = "request_header"
	ScriptRequestBody    = "request_body"
	ScriptResponseHeader = "response_header"
	ScriptResponseBody   = "response_body"
)

// Config holds the socketghost configuration stored in <data dir>/config.yaml.
type Config struct {
	Version       string          `yaml:"version" koanf:"version"`
	ProxyPort     int             `yaml:"proxy_port" koanf:"proxy_port"`
	ControlPort   int             `yaml:"control_port" koanf:"control_port"`
	APIPort       int             `yaml:"api_port" koanf:"api_port"`
	MaxBodyBytes  int             `yaml:"max_body_bytes" koanf:"max_body_bytes"`
	PauseTimeout  time.Duration   `yaml:"pause_timeout" koanf:"pause_timeout"`
	ReplayTimeout time.Duration   `yaml:"replay_timeout" koanf:"replay_timeout"`
	Timeouts      TimeoutsConfig  `yaml:"timeouts" koanf:"timeouts"`
	Storage       StorageConfig   `yaml:"storage" koanf:"storage"`
	Scripts       ScriptsConfig   `yaml:"scripts" koanf:"scripts"`
	Log           LogConfig       `yaml:"log" koanf:"log"`
	Telemetry     TelemetryConfig `yaml:"telemetry" koanf:"telemetry"`
}

// TimeoutsConfig bounds upstream connections made by the proxy. Zero disables a deadline.
type TimeoutsConfig struct {
	Dial  time.Duration `yaml:"dial" koanf:"dial"`
	Read  time.Duration `yaml:"read" koanf:"read"`
	Write time.Duration `yaml:"write" koanf:"write"`
}

// StorageConfig controls flow persistence and space reclamation.
type StorageConfig struct {
	Backend          string `yaml:"backend" koanf:"backend"`
	RetentionDays    int    `yaml:"retention_days" koanf:"retention_days"`
	MaxTotalBytes    int64  `yaml:"max_total_bytes" koanf:"max_total_bytes"`
	MaxInlineBytes   int    `yaml:"max_inline_bytes" koanf:"max_inline_bytes"`
	AutoPruneOnStart bool   `yaml:"auto_prune_on_start" koanf:"auto_prune_on_start"`
}

// ScriptsConfig holds mutation scripts run against every flow.
type ScriptsConfig struct {
	Timeout     time.Duration      `yaml:"timeout" koanf:"timeout"`
	Definitions []ScriptDefinition `yaml:"definitions" koanf:"definitions"`
}

// ScriptDefinition is a single match/replace script.
// An empty Match appends Replace to the target.
type ScriptDefinition struct {
	ID      string `yaml:"id" koanf:"id"`
	Name    string `yaml:"name" koanf:"name"`
	Enabled bool   `yaml:"enabled" koanf:"enabled"`
	Type    string `yaml:"type" koanf:"type"`
	IsRegex bool   `yaml:"is_regex" koanf:"is_regex"`
	Match   string `yaml:"match" koanf:"match"`
	Replace string `yaml:"replace" koanf:"replace"`
}

// LogConfig selects log level and destinations.
type LogConfig struct {
	Level      string   `yaml:"level" koanf:"level"`
	Writers    []string `yaml:"writers" koanf:"writers"` // "console", "file"
	File       string   `yaml:"file" koanf:"file"`
	MaxSizeMB  int      `yaml:"max_size_mb" koanf:"max_size_mb"`
	MaxBackups int      `yaml:"max_backups" koanf:"max_backups"`
	MaxAgeDays int      `yaml:"max_age_days" koanf:"max_age_days"`
}

// TelemetryConfig enables OpenTelemetry tracing to stdout.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" koanf:"enabled"`
	ServiceName string `yaml:"service_name" koanf:"service_name"`
}

// DefaultConfig returns a new Config with default values
func DefaultConfig() *Config {
	return &Config{
		Version:       Version,
		ProxyPort:     DefaultProxyPort,
		ControlPort:   DefaultControlPort,
		APIPort:       DefaultAPIPort,
		MaxBodyBytes:  DefaultMaxBodyBytes,
		PauseTimeout:  DefaultPauseTimeout,
		ReplayTimeout: DefaultReplayTimeout,
		Timeouts: TimeoutsConfig{
			Dial:  10 * time.Second,
			Read:  60 * time.Second,
			Write: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend:          BackendAuto,
			RetentionDays:    DefaultRetentionDays,
			MaxTotalBytes:    DefaultMaxTotalBytes,
			MaxInlineBytes:   DefaultMaxInlineBytes,
			AutoPruneOnStart: true,
		},
		Scripts: ScriptsConfig{
			Timeout: DefaultScriptTimeout,
		},
		Log: LogConfig{
			Level:      "info",
			Writers:    []string{"console"},
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "socketghost",
		},
	}
}

// DefaultDataDir returns ~/.socketghost, or .socketghost when the home dir is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".socketghost"
	}
	return filepath.Join(home, ".socketghost")
}

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides (SOCKETGHOST_*, "__" separates nested keys).
// A missing file is not an error; defaults are used.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("access config %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// envKey maps SOCKETGHOST_STORAGE__RETENTION_DAYS to storage.retention_days.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Save writes the config to the given path atomically.
func (c *Config) Save(path string) error {
	if c == nil {
		return errors.New("config is nil")
	}

	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	// Write atomically by writing to temp file then renaming
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// Validate checks that the configuration contains usable values.
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"proxy_port":   c.ProxyPort,
		"control_port": c.ControlPort,
		"api_port":     c.APIPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid %s %d", name, port)
		}
	}

	switch c.Storage.Backend {
	case BackendAuto, BackendSQLite, BackendJSONL:
	default:
		return fmt.Errorf("invalid storage.backend %q: must be auto, sqlite, or jsonl", c.Storage.Backend)
	}

	if c.Storage.RetentionDays < 0 {
		return errors.New("storage.retention_days must be non-negative")
	} else if c.Storage.MaxTotalBytes < 0 {
		return errors.New("storage.max_total_bytes must be non-negative")
	}

	for i, def := range c.Scripts.Definitions {
		switch def.Type {
		case ScriptRequestHeader, ScriptRequestBody, ScriptResponseHeader, ScriptResponseBody:
		default:
			return fmt.Errorf("script %d (%s): invalid type %q", i, def.Name, def.Type)
		}
	}

	return nil
}

// applyDefaults fills in zero values with defaults
func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = Version
	}
	if c.PauseTimeout <= 0 {
		c.PauseTimeout = DefaultPauseTimeout
	}
	if c.ReplayTimeout <= 0 {
		c.ReplayTimeout = DefaultReplayTimeout
	}
	if c.Scripts.Timeout <= 0 {
		c.Scripts.Timeout = DefaultScriptTimeout
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendAuto
	}
	if c.Storage.MaxInlineBytes <= 0 {
		c.Storage.MaxInlineBytes = DefaultMaxInlineBytes
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if len(c.Log.Writers) == 0 {
		c.Log.Writers = []string{"console"}
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "socketghost"
	}
}
