// Package config handles configuration loading, validation, and management for knockd.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"knockd/internal/knock"
	"knockd/internal/logging"
)

// Config holds the complete knockd configuration.
type Config struct {
	// Knock holds the capture and comparison defaults.
	Knock KnockConfig `toml:"knock" json:"knock" yaml:"knock"`

	// Storage configuration for the pattern database.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Server configuration for the verification service.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// envErrs collects environment overrides that could not be parsed.
	envErrs ValidationErrors

	mu sync.RWMutex
}

// KnockConfig holds the gesture capture and comparison settings.
type KnockConfig struct {
	// DelayMs is the idle period that ends a gesture.
	DelayMs int `toml:"delay_ms" json:"delay_ms" yaml:"delay_ms"`

	// Threshold is the per-beat tolerance on the normalized [0,1] scale.
	Threshold float64 `toml:"threshold" json:"threshold" yaml:"threshold"`

	// Preset, when set, replaces Threshold: "rigorous", "default" or "lenient".
	Preset string `toml:"preset" json:"preset" yaml:"preset"`

	// AllowedErrors is how many beats may exceed Threshold and still match.
	AllowedErrors int `toml:"allowed_errors" json:"allowed_errors" yaml:"allowed_errors"`

	// Record starts interactive sessions in recording mode.
	Record bool `toml:"record" json:"record" yaml:"record"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// ServerConfig holds the verification service configuration.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `toml:"addr" json:"addr" yaml:"addr"`

	// AllowedOrigins is the CORS origin list. Empty disables cross-origin access.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins"`

	ReadTimeoutSec     int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec    int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`

	// MaxFailures consecutive failed verifications lock a pattern for
	// LockoutSec seconds. Zero disables the lockout.
	MaxFailures int `toml:"max_failures" json:"max_failures" yaml:"max_failures"`
	LockoutSec  int `toml:"lockout_sec" json:"lockout_sec" yaml:"lockout_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file used when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the log file size that triggers rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// DefaultConfig returns a configuration with the standard knock defaults:
// a 2000ms delay, a 0.04 threshold and no allowed errors.
func DefaultConfig() *Config {
	dir := KnockdDir()

	return &Config{
		Knock: KnockConfig{
			DelayMs:       int(knock.DefaultDelay / time.Millisecond),
			Threshold:     knock.DefaultThreshold,
			AllowedErrors: knock.DefaultAllowedErrors,
		},
		Storage: StorageConfig{
			Path:          filepath.Join(dir, "patterns.db"),
			BusyTimeoutMs: 5000,
		},
		Server: ServerConfig{
			Addr:               "127.0.0.1:7878",
			ReadTimeoutSec:     10,
			WriteTimeoutSec:    10,
			ShutdownTimeoutSec: 5,
			MaxFailures:        5,
			LockoutSec:         60,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "knockd.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from path. A missing file yields the defaults.
// The format follows the extension: .toml, .json, .yaml or .yml.
// Environment overrides are applied on top.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := decode(data, filepath.Ext(path), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err == nil {
			return nil
		}
		if err := json.Unmarshal(data, cfg); err == nil {
			return nil
		}
		if err := yaml.Unmarshal(data, cfg); err == nil {
			return nil
		}
		return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
	}
	return nil
}

// SaveConfig writes cfg to path in the format named by its extension,
// defaulting to TOML.
func SaveConfig(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)

	cfg.mu.RLock()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		buf.WriteString("# knockd configuration\n\n")
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories holding the database and log file.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{filepath.Dir(c.Storage.Path), filepath.Dir(c.Logging.FilePath)} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// KnockdDir returns the base knockd data directory.
// KNOCKD_DATA_DIR overrides the platform default.
func KnockdDir() string {
	if envDir := os.Getenv("KNOCKD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies KNOCKD_* environment variables. Values that do
// not parse are reported by the next Validate.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.envErrs = nil
	envInt := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			c.envErrs = append(c.envErrs, ValidationError{Field: name, Message: fmt.Sprintf("not an integer: %q", v)})
			return
		}
		*dst = n
	}

	envInt("KNOCKD_DELAY_MS", &c.Knock.DelayMs)
	envInt("KNOCKD_ALLOWED_ERRORS", &c.Knock.AllowedErrors)
	if v := os.Getenv("KNOCKD_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			c.envErrs = append(c.envErrs, ValidationError{Field: "KNOCKD_THRESHOLD", Message: fmt.Sprintf("not a number: %q", v)})
		} else {
			c.Knock.Threshold = f
		}
	}
	if v := os.Getenv("KNOCKD_PRESET"); v != "" {
		c.Knock.Preset = v
	}

	if v := os.Getenv("KNOCKD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("KNOCKD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("KNOCKD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KNOCKD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Knock:   c.Knock,
		Storage: c.Storage,
		Server:  c.Server,
		Logging: c.Logging,
		envErrs: append(ValidationErrors(nil), c.envErrs...),
	}
	clone.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	return clone
}

// Policy returns the comparison policy, resolving Preset if one is named.
func (k KnockConfig) Policy() (knock.Policy, error) {
	p := knock.Policy{Threshold: k.Threshold, AllowedErrors: k.AllowedErrors}
	if k.Preset != "" {
		t, err := knock.PresetThreshold(k.Preset)
		if err != nil {
			return knock.Policy{}, err
		}
		p.Threshold = t
	}
	return p, p.Validate()
}

// Delay returns DelayMs as a duration.
func (k KnockConfig) Delay() time.Duration {
	return time.Duration(k.DelayMs) * time.Millisecond
}

// SessionOptions builds knock session options from the knock section.
func (k KnockConfig) SessionOptions() (knock.Options, error) {
	p, err := k.Policy()
	if err != nil {
		return knock.Options{}, err
	}
	opts := knock.Options{
		Delay:         k.Delay(),
		Threshold:     p.Threshold,
		AllowedErrors: p.AllowedErrors,
		Record:        k.Record,
	}
	return opts, opts.Validate()
}

// LoggerConfig converts the logging section into a logging.Config.
func (l LoggingConfig) LoggerConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return nil, err
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.Output = l.Output
	cfg.FilePath = l.FilePath
	cfg.MaxSize = int64(l.MaxSizeMB)
	cfg.MaxBackups = l.MaxBackups
	return cfg, nil
}

// Lockout returns the failure limit and lock duration for verifications.
func (s ServerConfig) Lockout() (maxFailures int, lockFor time.Duration) {
	return s.MaxFailures, time.Duration(s.LockoutSec) * time.Second
}

// Timeouts returns the read, write and shutdown timeouts.
func (s ServerConfig) Timeouts() (read, write, shutdown time.Duration) {
	return time.Duration(s.ReadTimeoutSec) * time.Second,
		time.Duration(s.WriteTimeoutSec) * time.Second,
		time.Duration(s.ShutdownTimeoutSec) * time.Second
}
