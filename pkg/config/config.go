package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/vegas-max/titan/pkg/logger"
)

// ExecutionMode selects between simulated and on-chain settlement.
type ExecutionMode string

const (
	ModePaper ExecutionMode = "PAPER"
	ModeLive  ExecutionMode = "LIVE"
)

// MEVPolicy controls how transactions are routed to the network.
type MEVPolicy string

const (
	// MEVPolicyPrivate submits through a private relay when one is healthy and
	// falls back to the public mempool otherwise.
	MEVPolicyPrivate MEVPolicy = "PRIVATE"
	// MEVPolicyAllowPublic always allows the public mempool.
	MEVPolicyAllowPublic MEVPolicy = "ALLOW_PUBLIC"
	// MEVPolicyPrivateOrReject rejects the trade when no private relay is
	// available rather than exposing it publicly.
	MEVPolicyPrivateOrReject MEVPolicy = "PRIVATE_OR_REJECT"
)

// BusKind selects the signal bus realization.
type BusKind string

const (
	BusFilesystem BusKind = "filesystem"
	BusQueue      BusKind = "queue"
)

// Config represents the application configuration
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Chains  []ChainConfig `yaml:"chains"`
	Bus     BusConfig     `yaml:"bus"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Redis   RedisConfig   `yaml:"redis"`
	Logging logger.Config `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// EngineConfig holds the trading engine parameters.
type EngineConfig struct {
	Mode                   ExecutionMode   `yaml:"mode"`
	MinProfitUSD           decimal.Decimal `yaml:"min_profit_usd"`
	MaxBaseFeeGwei         decimal.Decimal `yaml:"max_base_fee_gwei"`
	MaxConsecutiveFailures int             `yaml:"max_consecutive_failures"`
	ScanInterval           time.Duration   `yaml:"scan_interval"`
	TickBudget             time.Duration   `yaml:"tick_budget"`
	MaxHops                int             `yaml:"max_hops"`
	MinNotionalUSD         decimal.Decimal `yaml:"min_notional_usd"`
	SlippageBps            decimal.Decimal `yaml:"slippage_bps"`
	FreshnessBlocks        uint64          `yaml:"freshness_blocks"`
	SignalTTL              time.Duration   `yaml:"signal_ttl"`
	SimulationToleranceBps decimal.Decimal `yaml:"simulation_tolerance_bps"`
	FlashLoanEnabled       bool            `yaml:"flash_loan_enabled"`
	FlashLoanProvider      string          `yaml:"flash_loan_provider"`
	MEVPolicy              MEVPolicy       `yaml:"mev_policy"`
	HighValueThresholdUSD  decimal.Decimal `yaml:"high_value_threshold_usd"`
	PrivateRelayURL        string          `yaml:"private_relay_url"`
	RegistryPath           string          `yaml:"registry_path"`
	SigningKey             string          `yaml:"signing_key"`
	SubmitterAddress       string          `yaml:"submitter_address"`
	ExecutorAddress        string          `yaml:"executor_address"`
}

// UnmarshalYAML decodes the engine section over the preloaded defaults.
// Monetary thresholds arrive as YAML scalars and parse into decimals; keys
// absent from the file keep their default values.
func (e *EngineConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type raw struct {
		Mode                   string        `yaml:"mode"`
		MinProfitUSD           string        `yaml:"min_profit_usd"`
		MaxBaseFeeGwei         string        `yaml:"max_base_fee_gwei"`
		MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
		ScanInterval           time.Duration `yaml:"scan_interval"`
		TickBudget             time.Duration `yaml:"tick_budget"`
		MaxHops                int           `yaml:"max_hops"`
		MinNotionalUSD         string        `yaml:"min_notional_usd"`
		SlippageBps            string        `yaml:"slippage_bps"`
		FreshnessBlocks        uint64        `yaml:"freshness_blocks"`
		SignalTTL              time.Duration `yaml:"signal_ttl"`
		SimulationToleranceBps string        `yaml:"simulation_tolerance_bps"`
		FlashLoanEnabled       *bool         `yaml:"flash_loan_enabled"`
		FlashLoanProvider      string        `yaml:"flash_loan_provider"`
		MEVPolicy              string        `yaml:"mev_policy"`
		HighValueThresholdUSD  string        `yaml:"high_value_threshold_usd"`
		PrivateRelayURL        string        `yaml:"private_relay_url"`
		RegistryPath           string        `yaml:"registry_path"`
		SigningKey             string        `yaml:"signing_key"`
		SubmitterAddress       string        `yaml:"submitter_address"`
		ExecutorAddress        string        `yaml:"executor_address"`
	}

	var r raw
	if err := unmarshal(&r); err != nil {
		return err
	}

	if r.Mode != "" {
		e.Mode = ExecutionMode(r.Mode)
	}
	if r.MaxConsecutiveFailures != 0 {
		e.MaxConsecutiveFailures = r.MaxConsecutiveFailures
	}
	if r.ScanInterval != 0 {
		e.ScanInterval = r.ScanInterval
	}
	if r.TickBudget != 0 {
		e.TickBudget = r.TickBudget
	}
	if r.MaxHops != 0 {
		e.MaxHops = r.MaxHops
	}
	if r.FreshnessBlocks != 0 {
		e.FreshnessBlocks = r.FreshnessBlocks
	}
	if r.SignalTTL != 0 {
		e.SignalTTL = r.SignalTTL
	}
	if r.FlashLoanEnabled != nil {
		e.FlashLoanEnabled = *r.FlashLoanEnabled
	}
	if r.FlashLoanProvider != "" {
		e.FlashLoanProvider = r.FlashLoanProvider
	}
	if r.MEVPolicy != "" {
		e.MEVPolicy = MEVPolicy(r.MEVPolicy)
	}
	if r.PrivateRelayURL != "" {
		e.PrivateRelayURL = r.PrivateRelayURL
	}
	if r.RegistryPath != "" {
		e.RegistryPath = r.RegistryPath
	}
	if r.SigningKey != "" {
		e.SigningKey = r.SigningKey
	}
	if r.SubmitterAddress != "" {
		e.SubmitterAddress = r.SubmitterAddress
	}
	if r.ExecutorAddress != "" {
		e.ExecutorAddress = r.ExecutorAddress
	}

	for _, field := range []struct {
		raw string
		dst *decimal.Decimal
		key string
	}{
		{r.MinProfitUSD, &e.MinProfitUSD, "min_profit_usd"},
		{r.MaxBaseFeeGwei, &e.MaxBaseFeeGwei, "max_base_fee_gwei"},
		{r.MinNotionalUSD, &e.MinNotionalUSD, "min_notional_usd"},
		{r.SlippageBps, &e.SlippageBps, "slippage_bps"},
		{r.SimulationToleranceBps, &e.SimulationToleranceBps, "simulation_tolerance_bps"},
		{r.HighValueThresholdUSD, &e.HighValueThresholdUSD, "high_value_threshold_usd"},
	} {
		if field.raw == "" {
			continue
		}
		parsed, err := decimal.NewFromString(field.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", field.key, err)
		}
		*field.dst = parsed
	}

	return nil
}

// ChainConfig holds per-chain RPC configuration. Endpoints are listed in
// priority order; healthy endpoints are tried first, lowest latency first,
// with list order breaking ties.
type ChainConfig struct {
	Name                string        `yaml:"name"`
	ChainID             uint64        `yaml:"chain_id"`
	RPCURLs             []string      `yaml:"rpc_urls"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	HealthProbeInterval time.Duration `yaml:"health_probe_interval"`
}

// BusConfig selects and parameterizes the signal bus realization.
type BusConfig struct {
	Kind BusKind `yaml:"kind"`
	// Dir is the root of the filesystem bus; outgoing/ and processed/ must
	// live on the same filesystem for atomic rename.
	Dir string `yaml:"dir"`
	// Stream is the key prefix for the queue bus.
	Stream string `yaml:"stream"`
}

// OracleConfig holds the USD price oracle settings.
type OracleConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Staleness      time.Duration `yaml:"staleness"`
	RefreshEvery   time.Duration `yaml:"refresh_every"`
}

// RedisConfig represents the Redis configuration used by the queue bus.
type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MetricsConfig holds the metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads the configuration file, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Engine: EngineConfig{
			Mode:                   ModePaper,
			MinProfitUSD:           decimal.NewFromInt(10),
			MaxBaseFeeGwei:         decimal.NewFromInt(150),
			MaxConsecutiveFailures: 10,
			ScanInterval:           time.Second,
			TickBudget:             800 * time.Millisecond,
			MaxHops:                4,
			MinNotionalUSD:         decimal.NewFromInt(1000),
			SlippageBps:            decimal.NewFromInt(30),
			FreshnessBlocks:        2,
			SignalTTL:              15 * time.Second,
			SimulationToleranceBps: decimal.NewFromInt(1000),
			FlashLoanEnabled:       true,
			MEVPolicy:              MEVPolicyPrivate,
			HighValueThresholdUSD:  decimal.NewFromInt(50000),
			RegistryPath:           "config/registry.json",
		},
		Bus: BusConfig{
			Kind:   BusFilesystem,
			Dir:    "signals",
			Stream: "titan:signals",
		},
		Oracle: OracleConfig{
			RequestTimeout: 3 * time.Second,
			Staleness:      30 * time.Second,
			RefreshEvery:   5 * time.Second,
		},
		Redis: RedisConfig{
			Host:        "localhost",
			Port:        6379,
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EXECUTION_MODE"); v != "" {
		cfg.Engine.Mode = ExecutionMode(v)
	}
	if v := os.Getenv("MIN_PROFIT_USD"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			cfg.Engine.MinProfitUSD = d
		}
	}
	if v := os.Getenv("MAX_BASE_FEE_GWEI"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			cfg.Engine.MaxBaseFeeGwei = d
		}
	}
	if v := os.Getenv("MAX_CONSECUTIVE_FAILURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxConsecutiveFailures = n
		}
	}
	if v := os.Getenv("SCAN_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.ScanInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("FLASH_LOAN_ENABLED"); v != "" {
		cfg.Engine.FlashLoanEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FLASH_LOAN_PROVIDER"); v != "" {
		cfg.Engine.FlashLoanProvider = v
	}
	if v := os.Getenv("MEV_POLICY"); v != "" {
		cfg.Engine.MEVPolicy = MEVPolicy(v)
	}
	if v := os.Getenv("SIGNING_KEY"); v != "" {
		cfg.Engine.SigningKey = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
}

// Validate checks the configuration for startup-fatal problems.
func (c *Config) Validate() error {
	switch c.Engine.Mode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("invalid config: unknown execution mode %q", c.Engine.Mode)
	}

	switch c.Engine.MEVPolicy {
	case MEVPolicyPrivate, MEVPolicyAllowPublic, MEVPolicyPrivateOrReject:
	default:
		return fmt.Errorf("invalid config: unknown mev policy %q", c.Engine.MEVPolicy)
	}

	if c.Engine.Mode == ModeLive && c.Engine.SigningKey == "" {
		return fmt.Errorf("invalid config: signing key is required in LIVE mode")
	}
	if c.Engine.Mode == ModeLive && c.Engine.ExecutorAddress == "" {
		return fmt.Errorf("invalid config: executor address is required in LIVE mode")
	}

	if c.Engine.MinProfitUSD.IsNegative() {
		return fmt.Errorf("invalid config: min_profit_usd must not be negative")
	}
	if c.Engine.MaxHops < 2 {
		return fmt.Errorf("invalid config: max_hops must be at least 2")
	}
	if c.Engine.ScanInterval <= 0 {
		return fmt.Errorf("invalid config: scan_interval must be positive")
	}
	if c.Engine.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("invalid config: max_consecutive_failures must be positive")
	}

	if len(c.Chains) == 0 {
		return fmt.Errorf("invalid config: at least one chain is required")
	}
	seen := make(map[uint64]bool, len(c.Chains))
	for _, chain := range c.Chains {
		if chain.Name == "" {
			return fmt.Errorf("invalid config: chain with id %d has no name", chain.ChainID)
		}
		if len(chain.RPCURLs) == 0 {
			return fmt.Errorf("invalid config: chain %s has no rpc urls", chain.Name)
		}
		if seen[chain.ChainID] {
			return fmt.Errorf("invalid config: duplicate chain id %d", chain.ChainID)
		}
		seen[chain.ChainID] = true
	}

	switch c.Bus.Kind {
	case BusFilesystem:
		if c.Bus.Dir == "" {
			return fmt.Errorf("invalid config: filesystem bus requires a directory")
		}
	case BusQueue:
		if c.Bus.Stream == "" {
			return fmt.Errorf("invalid config: queue bus requires a stream name")
		}
	default:
		return fmt.Errorf("invalid config: unknown bus kind %q", c.Bus.Kind)
	}

	return nil
}
