package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates every tunable of the engine. Each section validates
// itself; a config that does not validate fails boot.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	API      APIConfig      `mapstructure:"api"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Stake    StakeConfig    `mapstructure:"stake"`
	Escrow   EscrowConfig   `mapstructure:"escrow"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Dispute  DisputeConfig  `mapstructure:"dispute"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max-conns"`
}

func (cfg *DatabaseConfig) Validate() error {
	if cfg.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.MaxConns < 0 {
		return fmt.Errorf("database max-conns cannot be negative")
	}
	return nil
}

type APIConfig struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics-port"`
}

func (cfg *APIConfig) Validate() error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("api port %d out of range", cfg.Port)
	}
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("metrics port %d out of range", cfg.MetricsPort)
	}
	return nil
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt-secret"`
	TokenTTL  time.Duration `mapstructure:"token-ttl"`
}

func (cfg *AuthConfig) Validate() error {
	if len(cfg.JWTSecret) < 16 {
		return fmt.Errorf("auth jwt-secret must be at least 16 bytes")
	}
	if cfg.TokenTTL <= 0 {
		return fmt.Errorf("auth token-ttl must be positive")
	}
	return nil
}

type StakeConfig struct {
	// BanStrikeThreshold is the number of lost disputes after which an
	// account is banned outright.
	BanStrikeThreshold int `mapstructure:"ban-strike-threshold"`
}

func (cfg *StakeConfig) Validate() error {
	if cfg.BanStrikeThreshold <= 0 {
		return fmt.Errorf("stake ban-strike-threshold must be positive")
	}
	return nil
}

type EscrowConfig struct {
	FeeRateBps          int64         `mapstructure:"fee-rate-bps"`
	SmallOrderThreshold int64         `mapstructure:"small-order-threshold"`
	SmallOrderSurcharge int64         `mapstructure:"small-order-surcharge"`
	GracePeriod         time.Duration `mapstructure:"grace-period"`
	LateReleaseSlashBps int64         `mapstructure:"late-release-slash-bps"`
	TimeoutSlashBps     int64         `mapstructure:"timeout-slash-bps"`
}

func (cfg *EscrowConfig) Validate() error {
	if cfg.FeeRateBps < 0 || cfg.FeeRateBps > 10_000 {
		return fmt.Errorf("escrow fee-rate-bps %d out of range", cfg.FeeRateBps)
	}
	if cfg.SmallOrderThreshold < 0 || cfg.SmallOrderSurcharge < 0 {
		return fmt.Errorf("escrow small-order settings cannot be negative")
	}
	if cfg.GracePeriod <= 0 {
		return fmt.Errorf("escrow grace-period must be positive")
	}
	if cfg.LateReleaseSlashBps < 0 || cfg.LateReleaseSlashBps > 10_000 {
		return fmt.Errorf("escrow late-release-slash-bps %d out of range", cfg.LateReleaseSlashBps)
	}
	if cfg.TimeoutSlashBps < 0 || cfg.TimeoutSlashBps > 10_000 {
		return fmt.Errorf("escrow timeout-slash-bps %d out of range", cfg.TimeoutSlashBps)
	}
	return nil
}

type PolicyConfig struct {
	// Strategy selects collateral sizing: "stake-bound" or "risk-multiplier".
	Strategy               string        `mapstructure:"strategy"`
	BaseCollateralRatioBps int64         `mapstructure:"base-collateral-ratio-bps"`
	RiskCeiling            int           `mapstructure:"risk-ceiling"`
	RateLimitWindow        time.Duration `mapstructure:"rate-limit-window"`
	MaxDailyVolume         int64         `mapstructure:"max-daily-volume"`
}

const (
	StrategyStakeBound     = "stake-bound"
	StrategyRiskMultiplier = "risk-multiplier"
)

func (cfg *PolicyConfig) Validate() error {
	switch cfg.Strategy {
	case StrategyStakeBound, StrategyRiskMultiplier:
	default:
		return fmt.Errorf("policy strategy %q unknown", cfg.Strategy)
	}
	if cfg.BaseCollateralRatioBps <= 0 {
		return fmt.Errorf("policy base-collateral-ratio-bps must be positive")
	}
	if cfg.RiskCeiling <= 0 || cfg.RiskCeiling > 100 {
		return fmt.Errorf("policy risk-ceiling %d out of range", cfg.RiskCeiling)
	}
	if cfg.RateLimitWindow < 0 {
		return fmt.Errorf("policy rate-limit-window cannot be negative")
	}
	if cfg.MaxDailyVolume <= 0 {
		return fmt.Errorf("policy max-daily-volume must be positive")
	}
	return nil
}

type DisputeConfig struct {
	PanelSize          int           `mapstructure:"panel-size"`
	Quorum             int           `mapstructure:"quorum"`
	VotingPeriod       time.Duration `mapstructure:"voting-period"`
	DisputeTimeout     time.Duration `mapstructure:"dispute-timeout"`
	RewardBps          int64         `mapstructure:"reward-bps"`
	MinArbitratorStake int64         `mapstructure:"min-arbitrator-stake"`
	AccuracyFloorBps   int64         `mapstructure:"accuracy-floor-bps"`
	LoserSlashBps      int64         `mapstructure:"loser-slash-bps"`
}

func (cfg *DisputeConfig) Validate() error {
	if cfg.PanelSize <= 0 {
		return fmt.Errorf("dispute panel-size must be positive")
	}
	if cfg.Quorum <= 0 || cfg.Quorum > cfg.PanelSize {
		return fmt.Errorf("dispute quorum %d must be within 1..panel-size", cfg.Quorum)
	}
	if cfg.VotingPeriod <= 0 {
		return fmt.Errorf("dispute voting-period must be positive")
	}
	if cfg.DisputeTimeout <= 0 {
		return fmt.Errorf("dispute dispute-timeout must be positive")
	}
	if cfg.RewardBps < 0 || cfg.RewardBps > 10_000 {
		return fmt.Errorf("dispute reward-bps %d out of range", cfg.RewardBps)
	}
	if cfg.MinArbitratorStake <= 0 {
		return fmt.Errorf("dispute min-arbitrator-stake must be positive")
	}
	if cfg.AccuracyFloorBps < 0 || cfg.AccuracyFloorBps > 10_000 {
		return fmt.Errorf("dispute accuracy-floor-bps %d out of range", cfg.AccuracyFloorBps)
	}
	if cfg.LoserSlashBps < 0 || cfg.LoserSlashBps > 10_000 {
		return fmt.Errorf("dispute loser-slash-bps %d out of range", cfg.LoserSlashBps)
	}
	return nil
}

func (cfg *Config) Validate() error {
	sections := []interface{ Validate() error }{
		&cfg.Database, &cfg.API, &cfg.Auth, &cfg.Stake,
		&cfg.Escrow, &cfg.Policy, &cfg.Dispute,
	}
	for _, s := range sections {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads configuration from the given yaml file, with CUSTODIA_-prefixed
// environment variables taking precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("custodia")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return &cfg, nil
}

// Default returns the reference configuration used by tests and local runs.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{URL: "postgres://localhost:5432/custodia?sslmode=disable", MaxConns: 8},
		API:      APIConfig{Port: 8080, MetricsPort: 2112},
		Auth:     AuthConfig{JWTSecret: "local-dev-secret-not-for-prod", TokenTTL: 24 * time.Hour},
		Stake:    StakeConfig{BanStrikeThreshold: 3},
		Escrow: EscrowConfig{
			FeeRateBps:          100,
			SmallOrderThreshold: 1_000,
			SmallOrderSurcharge: 5,
			GracePeriod:         30 * time.Minute,
			LateReleaseSlashBps: 500,
			TimeoutSlashBps:     1_000,
		},
		Policy: PolicyConfig{
			Strategy:               StrategyRiskMultiplier,
			BaseCollateralRatioBps: 500,
			RiskCeiling:            70,
			RateLimitWindow:        time.Minute,
			MaxDailyVolume:         10_000_000,
		},
		Dispute: DisputeConfig{
			PanelSize:          3,
			Quorum:             3,
			VotingPeriod:       2 * time.Hour,
			DisputeTimeout:     4 * time.Hour,
			RewardBps:          100,
			MinArbitratorStake: 10_000,
			AccuracyFloorBps:   5_000,
			LoserSlashBps:      1_000,
		},
	}
}
