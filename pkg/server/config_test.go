package server

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	data := []byte("control_addr: \":7000\"\ncall_port_origin: 12000\nlog_level: debug\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ControlAddr != ":7000" {
		t.Fatalf("control addr: got %q", cfg.ControlAddr)
	}
	if cfg.CallPortOrigin != 12000 {
		t.Fatalf("call port origin: got %d", cfg.CallPortOrigin)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level: got %q", cfg.LogLevel)
	}

	// Keys absent from the file keep their defaults.
	def := DefaultConfig()
	if cfg.MetricsAddr != def.MetricsAddr {
		t.Fatalf("metrics addr: got %q, want default %q", cfg.MetricsAddr, def.MetricsAddr)
	}
	if cfg.OutboundBuffer != def.OutboundBuffer {
		t.Fatalf("outbound buffer: got %d, want default %d", cfg.OutboundBuffer, def.OutboundBuffer)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("control_addr: [:::"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}
