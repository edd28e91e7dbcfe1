package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestValidateRejectsBadSections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing database url", func(c *Config) { c.Database.URL = "" }, "database url"},
		{"negative max conns", func(c *Config) { c.Database.MaxConns = -1 }, "max-conns"},
		{"api port zero", func(c *Config) { c.API.Port = 0 }, "api port"},
		{"api port too high", func(c *Config) { c.API.Port = 70_000 }, "api port"},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt-secret"},
		{"zero token ttl", func(c *Config) { c.Auth.TokenTTL = 0 }, "token-ttl"},
		{"zero strike threshold", func(c *Config) { c.Stake.BanStrikeThreshold = 0 }, "ban-strike-threshold"},
		{"fee rate over 100%", func(c *Config) { c.Escrow.FeeRateBps = 10_001 }, "fee-rate-bps"},
		{"negative surcharge", func(c *Config) { c.Escrow.SmallOrderSurcharge = -1 }, "small-order"},
		{"zero grace period", func(c *Config) { c.Escrow.GracePeriod = 0 }, "grace-period"},
		{"unknown strategy", func(c *Config) { c.Policy.Strategy = "yolo" }, "strategy"},
		{"risk ceiling over 100", func(c *Config) { c.Policy.RiskCeiling = 101 }, "risk-ceiling"},
		{"negative rate window", func(c *Config) { c.Policy.RateLimitWindow = -time.Second }, "rate-limit-window"},
		{"zero daily volume", func(c *Config) { c.Policy.MaxDailyVolume = 0 }, "max-daily-volume"},
		{"zero panel", func(c *Config) { c.Dispute.PanelSize = 0 }, "panel-size"},
		{"quorum above panel", func(c *Config) { c.Dispute.Quorum = 4 }, "quorum"},
		{"zero voting period", func(c *Config) { c.Dispute.VotingPeriod = 0 }, "voting-period"},
		{"reward over 100%", func(c *Config) { c.Dispute.RewardBps = 10_001 }, "reward-bps"},
		{"zero arbitrator stake", func(c *Config) { c.Dispute.MinArbitratorStake = 0 }, "min-arbitrator-stake"},
		{"accuracy floor over 100%", func(c *Config) { c.Dispute.AccuracyFloorBps = 10_001 }, "accuracy-floor-bps"},
		{"loser slash over 100%", func(c *Config) { c.Dispute.LoserSlashBps = 10_001 }, "loser-slash-bps"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

const testYAML = `
database:
  url: postgres://db:5432/custodia
  max-conns: 4
api:
  port: 9090
  metrics-port: 9091
auth:
  jwt-secret: integration-test-secret
  token-ttl: 1h
stake:
  ban-strike-threshold: 5
escrow:
  fee-rate-bps: 50
  small-order-threshold: 500
  small-order-surcharge: 2
  grace-period: 15m
  late-release-slash-bps: 250
  timeout-slash-bps: 500
policy:
  strategy: stake-bound
  base-collateral-ratio-bps: 1000
  risk-ceiling: 80
  rate-limit-window: 30s
  max-daily-volume: 1000000
dispute:
  panel-size: 5
  quorum: 3
  voting-period: 1h
  dispute-timeout: 2h
  reward-bps: 200
  min-arbitrator-stake: 5000
  accuracy-floor-bps: 4000
  loser-slash-bps: 500
`

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.URL != "postgres://db:5432/custodia" {
		t.Fatalf("unexpected database url %q", cfg.Database.URL)
	}
	if cfg.API.Port != 9090 || cfg.API.MetricsPort != 9091 {
		t.Fatalf("unexpected api ports %d/%d", cfg.API.Port, cfg.API.MetricsPort)
	}
	if cfg.Auth.TokenTTL != time.Hour {
		t.Fatalf("unexpected token ttl %s", cfg.Auth.TokenTTL)
	}
	if cfg.Policy.Strategy != StrategyStakeBound {
		t.Fatalf("unexpected strategy %q", cfg.Policy.Strategy)
	}
	if cfg.Dispute.PanelSize != 5 || cfg.Dispute.Quorum != 3 {
		t.Fatalf("unexpected panel %d quorum %d", cfg.Dispute.PanelSize, cfg.Dispute.Quorum)
	}
	if cfg.Escrow.GracePeriod != 15*time.Minute {
		t.Fatalf("unexpected grace period %s", cfg.Escrow.GracePeriod)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CUSTODIA_DATABASE_URL", "postgres://other:5432/custodia")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.URL != "postgres://other:5432/custodia" {
		t.Fatalf("env override not applied, got %q", cfg.Database.URL)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	bad := strings.Replace(testYAML, "panel-size: 5", "panel-size: 0", 1)
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation failure")
	}
}
