package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"tethercloak/health"
	"tethercloak/tether"
)

const defaultControlAddr = "127.0.0.1:17990"

type daemonHealthConfig struct {
	IntervalSec    int      `json:"interval_sec,omitempty"`
	ProbeTargets   []string `json:"probe_targets,omitempty"`
	ProbeTimeoutMS int      `json:"probe_timeout_ms,omitempty"`
	WindowSize     int      `json:"window_size,omitempty"`
	MaxLatencyMS   int      `json:"max_latency_ms,omitempty"`
	MaxLossPct     float64  `json:"max_loss_pct,omitempty"`
	ConsecutiveBad int      `json:"consecutive_bad,omitempty"`
	DNSProbeAddr   string   `json:"dns_probe_addr,omitempty"`
	DNSProbeName   string   `json:"dns_probe_name,omitempty"`
}

type daemonProfileConfig struct {
	Control          string             `json:"control"`
	Metrics          string             `json:"metrics,omitempty"`
	ProxyPort        int                `json:"proxy_port"`
	ProxyProbeURL    string             `json:"proxy_probe_url,omitempty"`
	LayerCatalog     string             `json:"layer_catalog,omitempty"`
	ErrorCatalog     string             `json:"error_catalog,omitempty"`
	CommandSlots     int                `json:"command_slots,omitempty"`
	AutoReconnect    bool               `json:"auto_reconnect"`
	AutoRecover      bool               `json:"auto_recover"`
	RetryBudget      int                `json:"retry_budget,omitempty"`
	BackoffInitialMS int                `json:"backoff_initial_ms,omitempty"`
	BackoffMaxMS     int                `json:"backoff_max_ms,omitempty"`
	Health           daemonHealthConfig `json:"health,omitempty"`
}

func defaultDaemonConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "tethercloak", "tetherd.json"), nil
}

func loadDaemonConfig(path string) (*daemonProfileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg daemonProfileConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	if err := normalizeAndValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func saveDaemonConfig(path string, cfg *daemonProfileConfig) error {
	if err := normalizeAndValidateConfig(cfg); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	return os.WriteFile(path, raw, 0644)
}

func normalizeAndValidateConfig(cfg *daemonProfileConfig) error {
	if cfg.Control == "" {
		cfg.Control = defaultControlAddr
	}
	if _, _, err := net.SplitHostPort(cfg.Control); err != nil {
		return fmt.Errorf("invalid control address %q: %w", cfg.Control, err)
	}
	if cfg.Metrics != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics); err != nil {
			return fmt.Errorf("invalid metrics address %q: %w", cfg.Metrics, err)
		}
	}
	if cfg.ProxyPort <= 0 {
		cfg.ProxyPort = 8000
	}
	if cfg.ProxyPort > 65535 {
		return fmt.Errorf("invalid proxy_port %d", cfg.ProxyPort)
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	if cfg.BackoffInitialMS <= 0 {
		cfg.BackoffInitialMS = 2000
	}
	if cfg.BackoffMaxMS <= 0 {
		cfg.BackoffMaxMS = 30000
	}
	if cfg.BackoffMaxMS < cfg.BackoffInitialMS {
		return fmt.Errorf("backoff_max_ms %d below backoff_initial_ms %d", cfg.BackoffMaxMS, cfg.BackoffInitialMS)
	}
	if cfg.Health.MaxLossPct < 0 || cfg.Health.MaxLossPct > 100 {
		return fmt.Errorf("invalid max_loss_pct %v", cfg.Health.MaxLossPct)
	}
	for _, target := range cfg.Health.ProbeTargets {
		if _, _, err := net.SplitHostPort(target); err != nil {
			return fmt.Errorf("invalid probe target %q: %w", target, err)
		}
	}
	if cfg.Health.DNSProbeAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Health.DNSProbeAddr); err != nil {
			return fmt.Errorf("invalid dns_probe_addr %q: %w", cfg.Health.DNSProbeAddr, err)
		}
	}
	return nil
}

// machineConfig translates the JSON profile into the orchestrator's
// runtime configuration. Zero fields fall through to package defaults.
func (cfg *daemonProfileConfig) machineConfig() tether.Config {
	var dnsProbe *health.DNSProbe
	if cfg.Health.DNSProbeAddr != "" {
		dnsProbe = &health.DNSProbe{
			Addr: cfg.Health.DNSProbeAddr,
			Name: cfg.Health.DNSProbeName,
		}
	}
	return tether.Config{
		AutoReconnect:  cfg.AutoReconnect,
		AutoRecover:    cfg.AutoRecover,
		RetryBudget:    cfg.RetryBudget,
		BackoffInitial: time.Duration(cfg.BackoffInitialMS) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.BackoffMaxMS) * time.Millisecond,
		Monitor: health.Config{
			Interval:     time.Duration(cfg.Health.IntervalSec) * time.Second,
			ProbeTargets: cfg.Health.ProbeTargets,
			ProbeTimeout: time.Duration(cfg.Health.ProbeTimeoutMS) * time.Millisecond,
			WindowSize:   cfg.Health.WindowSize,
			Thresholds: health.Thresholds{
				MaxLatencyMS:   int64(cfg.Health.MaxLatencyMS),
				MaxLossPct:     cfg.Health.MaxLossPct,
				ConsecutiveBad: cfg.Health.ConsecutiveBad,
			},
			DNSProbe: dnsProbe,
		},
	}
}
