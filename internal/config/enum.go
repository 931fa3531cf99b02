package config

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// normalizer maps loosely formatted user input onto typed enum values.
type normalizer[T comparable] struct {
	values       map[string]T
	defaultValue T
	keys         []string
}

func newNormalizer[T comparable](values map[string]T, defaultValue T) *normalizer[T] {
	n := &normalizer[T]{values: make(map[string]T, len(values)), defaultValue: defaultValue}
	for k, v := range values {
		key := clean(k)
		n.values[key] = v
		n.keys = append(n.keys, key)
	}
	sort.Strings(n.keys)
	return n
}

// Normalize returns the default value for unknown input.
func (n *normalizer[T]) Normalize(raw string) T {
	if v, ok := n.values[clean(raw)]; ok {
		return v
	}
	return n.defaultValue
}

// Parse is the strict variant used during validation. Empty input yields the default.
func (n *normalizer[T]) Parse(field, raw string) (T, error) {
	if clean(raw) == "" {
		return n.defaultValue, nil
	}
	if v, ok := n.values[clean(raw)]; ok {
		return v, nil
	}
	var zero T
	return zero, fmt.Errorf("invalid %s %q, valid options: %v", field, raw, n.keys)
}

func clean(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// LogLevel enumerates supported logging levels.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var logLevels = newNormalizer(map[string]LogLevel{
	"debug": LogLevelDebug,
	"info":  LogLevelInfo,
	"warn":  LogLevelWarn,
	"error": LogLevelError,
}, LogLevelInfo)

func NormalizeLogLevel(raw string) LogLevel { return logLevels.Normalize(raw) }

// SlogLevel maps the level onto log/slog. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch NormalizeLogLevel(string(l)) {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat enumerates supported log output formats.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

var logFormats = newNormalizer(map[string]LogFormat{
	"json": LogFormatJSON,
	"text": LogFormatText,
}, LogFormatText)

func NormalizeLogFormat(raw string) LogFormat { return logFormats.Normalize(raw) }

// CompressMode selects whether archives are zstd-compressed.
type CompressMode string

const (
	// CompressAuto compresses on networked channels only.
	CompressAuto   CompressMode = "auto"
	CompressAlways CompressMode = "always"
)

var compressModes = newNormalizer(map[string]CompressMode{
	"auto":   CompressAuto,
	"always": CompressAlways,
}, CompressAuto)

// Enabled resolves the mode for a channel. Networked channels always compress.
func (m CompressMode) Enabled(networked bool) bool {
	return networked || m == CompressAlways
}
