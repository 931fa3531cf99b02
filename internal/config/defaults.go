package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultPollInterval is both the fallback polling period and the settle window.
	DefaultPollInterval = 200 * time.Millisecond
	// DefaultBlockSize is the BlockSyncStream chunk size.
	DefaultBlockSize = 16 * 1024
	// DefaultPassDelay is the pause between sender passes over the output file.
	DefaultPassDelay = 100 * time.Millisecond
)

// DefaultCompilerCommand is used when compiler.command is not configured.
var DefaultCompilerCommand = []string{"pdflatex", "-file-line-error", "-synctex=1"}

// DefaultSSHCommand is used when remote.ssh is not configured.
var DefaultSSHCommand = []string{"ssh", "-T", "-o", "BatchMode=yes"}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if len(cfg.Remote.SSH) == 0 {
		cfg.Remote.SSH = append([]string(nil), DefaultSSHCommand...)
	}
	if cfg.Remote.Binary == "" {
		cfg.Remote.Binary = "texstream"
	}
	if cfg.Remote.Compress == "" {
		cfg.Remote.Compress = CompressAuto
	}

	if len(cfg.Compiler.Command) == 0 {
		cfg.Compiler.Command = append([]string(nil), DefaultCompilerCommand...)
	}

	if cfg.Watch.PollInterval <= 0 {
		cfg.Watch.PollInterval = DefaultPollInterval
	}

	if cfg.Sync.BlockSize == 0 {
		cfg.Sync.BlockSize = DefaultBlockSize
	}
	if cfg.Sync.PassDelay <= 0 {
		cfg.Sync.PassDelay = DefaultPassDelay
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = LogLevelInfo
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = LogFormatText
	}

	if cfg.History.Path == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			cfg.History.Path = filepath.Join(dir, "texstream", "history.db")
		} else {
			cfg.History.Disabled = true
		}
	}
}
