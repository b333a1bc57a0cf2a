package config

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Database.Postgres.Database != "estate_ledger" {
		t.Errorf("unexpected default database %s", cfg.Database.Postgres.Database)
	}
	if cfg.Ledger.WithholdingRateBps != 1000 {
		t.Errorf("expected default withholding 1000 bps, got %d", cfg.Ledger.WithholdingRateBps)
	}
	if cfg.Monitor.PollInterval != 30*time.Second {
		t.Errorf("expected default poll interval 30s, got %v", cfg.Monitor.PollInterval)
	}
	if cfg.Monitor.BackoffMax != 30*time.Minute {
		t.Errorf("expected default backoff cap 30m, got %v", cfg.Monitor.BackoffMax)
	}
	if cfg.Database.ClickHouse.Enabled() {
		t.Error("archive must be disabled without a host")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("WITHHOLDING_RATE_BPS", "250")
	t.Setenv("MONITOR_POLL_INTERVAL", "5s")
	t.Setenv("CLICKHOUSE_HOST", "clickhouse.internal")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("expected port override, got %s", cfg.Server.Port)
	}
	if cfg.Ledger.WithholdingRateBps != 250 {
		t.Errorf("expected withholding override, got %d", cfg.Ledger.WithholdingRateBps)
	}
	if cfg.Monitor.PollInterval != 5*time.Second {
		t.Errorf("expected poll interval override, got %v", cfg.Monitor.PollInterval)
	}
	if !cfg.Database.ClickHouse.Enabled() {
		t.Error("archive must be enabled with a host")
	}
}

func TestLoadConfig_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("DIVIDEND_WORKERS", "not-a-number")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Dividend.Workers != 8 {
		t.Errorf("unparseable value must fall back to default, got %d", cfg.Dividend.Workers)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"withholding above 100%", map[string]string{"WITHHOLDING_RATE_BPS": "10001"}},
		{"negative withholding", map[string]string{"WITHHOLDING_RATE_BPS": "-1"}},
		{"zero workers", map[string]string{"DIVIDEND_WORKERS": "0"}},
		{"sub-second poll interval", map[string]string{"MONITOR_POLL_INTERVAL": "100ms"}},
		{"zero pool size", map[string]string{"POSTGRES_MAX_CONNECTIONS": "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Error("expected validation failure")
			}
		})
	}
}
