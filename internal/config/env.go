package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
)

// Environment variables that override configuration values.
const (
	EnvLogLevel      = "TEXSTREAM_LOG_LEVEL"
	EnvLogFormat     = "TEXSTREAM_LOG_FORMAT"
	EnvCompiler      = "TEXSTREAM_COMPILER"
	EnvRemoteBinary  = "TEXSTREAM_REMOTE_BINARY"
	EnvPollInterval  = "TEXSTREAM_POLL_INTERVAL"
	EnvMetricsListen = "TEXSTREAM_METRICS_LISTEN"
)

// envFiles are loaded in order; existing process variables are never overwritten.
var envFiles = []string{".env", ".env.local"}

func loadEnvFiles() {
	for _, name := range envFiles {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		_ = godotenv.Load(name)
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = LogLevel(v)
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = LogFormat(v)
	}
	if v := strings.Fields(os.Getenv(EnvCompiler)); len(v) > 0 {
		cfg.Compiler.Command = v
	}
	if v := os.Getenv(EnvRemoteBinary); v != "" {
		cfg.Remote.Binary = v
	}
	if v := os.Getenv(EnvPollInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ferrors.WrapError(err, ferrors.CategoryConfig, "invalid poll interval").
				Fatal().
				WithContext("variable", EnvPollInterval).
				Build()
		}
		cfg.Watch.PollInterval = d
	}
	if v := os.Getenv(EnvMetricsListen); v != "" {
		cfg.Metrics.Listen = v
	}
	return nil
}
