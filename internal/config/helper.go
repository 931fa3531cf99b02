package config

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// HelperConfig is the part of the local configuration the remote side needs.
// It travels to the remote invocation as a single-line YAML flow document.
type HelperConfig struct {
	Sync     SyncConfig     `yaml:"sync"`
	Compiler CompilerConfig `yaml:"compiler"`
	BaseDir  string         `yaml:"base_dir,omitempty"`
	LogLevel LogLevel       `yaml:"log_level,omitempty"`
}

// Helper extracts the remote-side configuration.
func (c *Config) Helper() HelperConfig {
	return HelperConfig{
		Sync:     c.Sync,
		Compiler: c.Compiler,
		BaseDir:  c.Remote.BaseDir,
		LogLevel: c.Logging.Level,
	}
}

// EncodeHelper renders h as a single-line YAML flow document.
func EncodeHelper(h HelperConfig) (string, error) {
	var node yaml.Node
	if err := node.Encode(h); err != nil {
		return "", err
	}
	setFlow(&node)
	out, err := yaml.Marshal(&node)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func setFlow(n *yaml.Node) {
	if n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode {
		n.Style = yaml.FlowStyle
	}
	for _, c := range n.Content {
		setFlow(c)
	}
}

// DecodeHelper parses an encoded helper document and fills in defaults.
func DecodeHelper(s string) (HelperConfig, error) {
	var h HelperConfig
	if err := yaml.Unmarshal([]byte(s), &h); err != nil {
		return HelperConfig{}, err
	}
	cfg := &Config{
		Sync:     h.Sync,
		Compiler: h.Compiler,
		Remote:   RemoteConfig{BaseDir: h.BaseDir},
		Logging:  LoggingConfig{Level: NormalizeLogLevel(string(h.LogLevel))},
	}
	applyDefaults(cfg)
	return cfg.Helper(), nil
}
