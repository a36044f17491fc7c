package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/beanrpc/internal/protocol/ejb"
)

// beanprobe probe.toml key mapping to probe runtime settings.
type fileConfig struct {
	Addr              string `toml:"addr"`
	Loopback          bool   `toml:"loopback"`
	MetricsListenAddr string `toml:"metrics_listen_addr"`

	AppName      string `toml:"app_name"`
	ModuleName   string `toml:"module_name"`
	BeanName     string `toml:"bean_name"`
	DistinctName string `toml:"distinct_name"`
	OpenSession  bool   `toml:"open_session"`

	DialAttempts         int   `toml:"dial_attempts"`
	ConnectTimeoutMS     int64 `toml:"connect_timeout_ms"`
	HandshakeTimeoutMS   int64 `toml:"handshake_timeout_ms"`
	SessionOpenTimeoutMS int64 `toml:"session_open_timeout_ms"`
}

// probeConfig is the resolved runtime configuration.
type probeConfig struct {
	Addr              string
	Loopback          bool
	MetricsListenAddr string

	Target      ejb.Locator
	OpenSession bool

	DialAttempts int
	Reliability  ejb.Config
}

func defaultProbeConfig() probeConfig {
	return probeConfig{
		Addr:         "127.0.0.1:7099",
		OpenSession:  true,
		DialAttempts: 3,
		Target: ejb.Locator{
			ModuleName: "probe",
			BeanName:   "ProbeBean",
		},
		Reliability: ejb.DefaultConfig(),
	}
}

// beanprobe loader for TOML config with default overlay.
func loadProbeConfig(path string) (probeConfig, error) {
	cfg := defaultProbeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return probeConfig{}, fmt.Errorf("load probe config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("loopback") {
		cfg.Loopback = raw.Loopback
	}
	if meta.IsDefined("metrics_listen_addr") {
		cfg.MetricsListenAddr = strings.TrimSpace(raw.MetricsListenAddr)
	}
	if meta.IsDefined("app_name") {
		cfg.Target.AppName = strings.TrimSpace(raw.AppName)
	}
	if meta.IsDefined("module_name") {
		cfg.Target.ModuleName = strings.TrimSpace(raw.ModuleName)
	}
	if meta.IsDefined("bean_name") {
		cfg.Target.BeanName = strings.TrimSpace(raw.BeanName)
	}
	if meta.IsDefined("distinct_name") {
		cfg.Target.DistinctName = strings.TrimSpace(raw.DistinctName)
	}
	if meta.IsDefined("open_session") {
		cfg.OpenSession = raw.OpenSession
	}
	if meta.IsDefined("dial_attempts") && raw.DialAttempts > 0 {
		cfg.DialAttempts = raw.DialAttempts
	}
	if meta.IsDefined("connect_timeout_ms") && raw.ConnectTimeoutMS > 0 {
		cfg.Reliability.ConnectTimeout = time.Duration(raw.ConnectTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("handshake_timeout_ms") && raw.HandshakeTimeoutMS > 0 {
		cfg.Reliability.HandshakeTimeout = time.Duration(raw.HandshakeTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("session_open_timeout_ms") && raw.SessionOpenTimeoutMS > 0 {
		cfg.Reliability.SessionOpenTimeout = time.Duration(raw.SessionOpenTimeoutMS) * time.Millisecond
	}

	if err := cfg.Target.Validate(); err != nil {
		return probeConfig{}, err
	}
	return cfg, nil
}
