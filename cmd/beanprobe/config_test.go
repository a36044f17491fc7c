package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadProbeConfigDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "probe.toml")
	content := `
addr = "10.0.0.5:7099"
module_name = "orders"
bean_name = "CartBean"
distinct_name = "blue"
dial_attempts = 5
handshake_timeout_ms = 2500
	`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadProbeConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr != "10.0.0.5:7099" {
		t.Fatalf("unexpected addr: %q", cfg.Addr)
	}
	if cfg.Target.ModuleName != "orders" || cfg.Target.BeanName != "CartBean" {
		t.Fatalf("unexpected target: %+v", cfg.Target)
	}
	if cfg.Target.DistinctName != "blue" {
		t.Fatalf("unexpected distinct name: %q", cfg.Target.DistinctName)
	}
	if cfg.DialAttempts != 5 {
		t.Fatalf("unexpected dial attempts: %d", cfg.DialAttempts)
	}
	if cfg.Reliability.HandshakeTimeout != 2500*time.Millisecond {
		t.Fatalf("unexpected handshake timeout: %v", cfg.Reliability.HandshakeTimeout)
	}
	// untouched keys keep their defaults
	if !cfg.OpenSession {
		t.Fatalf("expected open_session default true")
	}
	if cfg.Reliability.ConnectTimeout != 5*time.Second {
		t.Fatalf("unexpected connect timeout: %v", cfg.Reliability.ConnectTimeout)
	}
}

func TestLoadProbeConfigRejectsIncompleteTarget(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "probe.toml")
	if err := os.WriteFile(path, []byte(`bean_name = ""`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadProbeConfig(path); err == nil {
		t.Fatalf("expected invalid locator error")
	}
}

func TestProbeRunsAgainstLoopback(t *testing.T) {
	cfg := defaultProbeConfig()
	cfg.Loopback = true

	if err := run(cfg, zerolog.Nop()); err != nil {
		t.Fatalf("probe run: %v", err)
	}
}
