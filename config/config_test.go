package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.MaxClients != 64 {
		t.Fatalf("expected default max clients 64, got %d", cfg.Server.MaxClients)
	}
	if cfg.Client.SnapThreshold != 150 {
		t.Fatalf("expected default snap threshold 150, got %v", cfg.Client.SnapThreshold)
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snowsync.yaml")
	body := []byte("server:\n  tick_rate: 30\n  max_clients: 8\nchannel:\n  rate: 20ms\nclient:\n  interpolation_delay: 200ms\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SNOWSYNC_MAX_CLIENTS", "16")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.TickRate != 30 {
		t.Fatalf("expected tick rate 30, got %d", cfg.Server.TickRate)
	}
	if cfg.Server.MaxClients != 16 {
		t.Fatalf("expected env override 16, got %d", cfg.Server.MaxClients)
	}
	if cfg.Channel.Rate != 20*time.Millisecond {
		t.Fatalf("expected rate 20ms, got %s", cfg.Channel.Rate)
	}
	if cfg.Client.InterpolationDelay != 200*time.Millisecond {
		t.Fatalf("expected interp 200ms, got %s", cfg.Client.InterpolationDelay)
	}
	if cfg.Server.TickInterval() != time.Second/30 {
		t.Fatalf("unexpected tick interval %s", cfg.Server.TickInterval())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Server.TickRate = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected tick rate error")
	}
	cfg = Default()
	cfg.Client.SnapThreshold = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected snap threshold error")
	}
}
