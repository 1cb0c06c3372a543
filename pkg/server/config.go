package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration. Values can come from a YAML file, from
// flags, or both; flags win.
type Config struct {
	ControlAddr    string `yaml:"control_addr"`    // TCP bind address for the control plane
	CallPortOrigin int    `yaml:"call_port_origin"` // first UDP base port issued to sessions
	MetricsAddr    string `yaml:"metrics_addr"`    // HTTP bind address for /metrics (empty = disabled)
	ConsoleAddr    string `yaml:"console_addr"`    // operator web console bind address (empty = disabled)
	EventDBPath    string `yaml:"event_db"`        // SQLite event log path (empty = disabled)
	LogLevel       string `yaml:"log_level"`       // debug, info, warn, error
	LogFormat      string `yaml:"log_format"`      // text or json
	OutboundBuffer int    `yaml:"outbound_buffer"` // per-client outbound packet buffer
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ControlAddr:    ":9600",
		CallPortOrigin: 9700,
		MetricsAddr:    ":9602",
		LogLevel:       "info",
		LogFormat:      "text",
		OutboundBuffer: 64,
	}
}

// LoadConfig overlays a YAML config file onto the defaults. Keys absent from
// the file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return cfg, fmt.Errorf("server: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("server: parse config: %w", err)
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = DefaultConfig().OutboundBuffer
	}
	return cfg, nil
}
