package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
)

// Config is the texstream configuration. Every field has a usable default, so
// running without a configuration file is the common case.
type Config struct {
	Remote   RemoteConfig   `yaml:"remote"`
	Compiler CompilerConfig `yaml:"compiler"`
	Watch    WatchConfig    `yaml:"watch"`
	Sync     SyncConfig     `yaml:"sync"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	History  HistoryConfig  `yaml:"history"`
}

// RemoteConfig describes how the remote side is reached.
type RemoteConfig struct {
	// SSH is the argv prefix used to reach a networked host; the host is appended.
	SSH []string `yaml:"ssh,omitempty"`
	// Binary is the texstream executable on the remote host.
	Binary string `yaml:"binary,omitempty"`
	// BaseDir is the parent of remote working directories (remote TMPDIR when empty).
	BaseDir  string       `yaml:"base_dir,omitempty"`
	Compress CompressMode `yaml:"compress,omitempty"`
}

// CompilerConfig is the typesetting command. The job name is appended as -jobname.
type CompilerConfig struct {
	Command []string `yaml:"command,omitempty"`
}

// WatchConfig tunes change detection.
type WatchConfig struct {
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	// DisableNotify forces the polling fallback (useful on network mounts).
	DisableNotify bool `yaml:"disable_notify,omitempty"`
}

// SyncConfig tunes the output block stream.
type SyncConfig struct {
	BlockSize int           `yaml:"block_size,omitempty"`
	PassDelay time.Duration `yaml:"pass_delay,omitempty"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level,omitempty"`
	Format LogFormat `yaml:"format,omitempty"`
}

// MetricsConfig enables the prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// HistoryConfig controls the local run history database.
type HistoryConfig struct {
	Disabled bool   `yaml:"disabled,omitempty"`
	Path     string `yaml:"path,omitempty"`
}

// DefaultPath returns the per-user configuration file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "texstream", "config.yaml")
}

// Load reads configuration from path, applies environment overrides and defaults,
// and validates the result. A missing file is only an error when explicit is set.
func Load(path string, explicit bool) (*Config, error) {
	loadEnvFiles()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(data, cfg); err != nil {
				return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "failed to parse configuration").
					Fatal().
					WithContext("path", path).
					Build()
			}
		case os.IsNotExist(err) && !explicit:
		default:
			return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "configuration file not readable").
				Fatal().
				WithContext("path", path).
				Build()
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode expands ${VAR} references and rejects unknown keys.
func decode(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks invariants that defaults cannot repair and canonicalizes enum values.
func (c *Config) Validate() error {
	if len(c.Compiler.Command) == 0 || c.Compiler.Command[0] == "" {
		return ferrors.ValidationError("compiler.command must not be empty").Build()
	}
	if c.Sync.BlockSize < 512 {
		return ferrors.ValidationError(fmt.Sprintf("sync.block_size must be at least 512, got %d", c.Sync.BlockSize)).Build()
	}
	if c.Watch.PollInterval < time.Millisecond {
		return ferrors.ValidationError("watch.poll_interval must be at least 1ms").Build()
	}
	level, err := logLevels.Parse("logging.level", string(c.Logging.Level))
	if err != nil {
		return ferrors.ValidationError(err.Error()).Build()
	}
	format, err := logFormats.Parse("logging.format", string(c.Logging.Format))
	if err != nil {
		return ferrors.ValidationError(err.Error()).Build()
	}
	compress, err := compressModes.Parse("remote.compress", string(c.Remote.Compress))
	if err != nil {
		return ferrors.ValidationError(err.Error()).Build()
	}
	c.Logging.Level, c.Logging.Format, c.Remote.Compress = level, format, compress
	return nil
}
