// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	defaultBatchSize          = 25
	defaultExitCheckSeconds   = 30
	defaultReconcileSeconds   = 120
	defaultGateCooldownMin    = 5
	defaultMaxDailyLossPct    = 0.03
	defaultMaxTradesPerDay    = 10
	defaultMaxConcurrent      = 5
	defaultStopLossPct        = 0.02
	defaultProfitTargetPct    = 0.04
	defaultTrailActivationPct = 0.015
	defaultTrailPct           = 0.01
	defaultATRMultStop        = 2.0
	defaultATRMultTarget      = 3.0
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Symbols     SymbolsConfig     `yaml:"symbols"`
	MarketData  MarketDataConfig  `yaml:"market_data"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Risk        RiskConfig        `yaml:"risk"`
	Orders      OrdersConfig      `yaml:"orders"`
	Exits       ExitsConfig       `yaml:"exits"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Notifier    NotifierConfig    `yaml:"notifier"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings. Credentials come from the
// environment, never from the file.
type BrokerConfig struct {
	BaseURL string `yaml:"base_url"`
	DataURL string `yaml:"data_url"`
}

// SymbolsConfig defines the trading universe. Crypto symbols use the
// slash form (BTC/USD) and are routed to the crypto data endpoint.
type SymbolsConfig struct {
	Equities []string `yaml:"equities"`
	Crypto   []string `yaml:"crypto"`
}

// MarketDataConfig defines bar polling behavior.
type MarketDataConfig struct {
	Timeframe string `yaml:"timeframe"`  // e.g. 1Min
	BatchSize int    `yaml:"batch_size"` // equity symbols per request on the premium feed
	Feed      string `yaml:"feed"`       // sip | iex
}

// StrategyConfig defines crossover strategy parameters.
type StrategyConfig struct {
	Name            string  `yaml:"name"`
	GateCooldownMin int     `yaml:"gate_cooldown_min"`
	MinConfidence   float64 `yaml:"min_confidence"`
}

// SessionLimits are the per-session risk caps.
type SessionLimits struct {
	MaxDailyLossPct        float64 `yaml:"max_daily_loss_pct"`
	MaxTradesPerDay        int     `yaml:"max_trades_per_day"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
}

// RiskConfig defines the tiered risk gate parameters. Regular-hours limits
// apply to equities 09:30-16:00 ET; extended-hours limits apply to equities
// outside that window and to crypto always.
type RiskConfig struct {
	RegularHours  SessionLimits `yaml:"regular_hours"`
	ExtendedHours SessionLimits `yaml:"extended_hours"`

	MaxSpreadPct      float64 `yaml:"max_spread_pct"`      // 0 disables the spread filter
	MinBarTrades      uint64  `yaml:"min_bar_trades"`      // 0 disables the trade-count filter
	AvoidFirstMinutes int     `yaml:"avoid_first_minutes"` // skip window after the 09:30 open
	AvoidLastMinutes  int     `yaml:"avoid_last_minutes"`  // skip window before the 16:00 close
}

// OrdersConfig defines order sizing and routing.
type OrdersConfig struct {
	Qty         float64 `yaml:"qty"` // shares (or coins) per entry
	OrderType   string  `yaml:"order_type"`
	TimeInForce string  `yaml:"time_in_force"`
}

// ExitsConfig defines the exit manager's thresholds.
type ExitsConfig struct {
	CheckIntervalSeconds int     `yaml:"check_interval_seconds"`
	StopLossPct          float64 `yaml:"stop_loss_pct"`
	ProfitTargetPct      float64 `yaml:"profit_target_pct"`
	TrailingEnabled      bool    `yaml:"trailing_enabled"`
	TrailActivationPct   float64 `yaml:"trail_activation_pct"`
	TrailPct             float64 `yaml:"trail_pct"`
	ATRMultStop          float64 `yaml:"atr_mult_stop"`
	ATRMultTarget        float64 `yaml:"atr_mult_target"`
	ExitOnCircuitBreaker bool    `yaml:"exit_on_circuit_breaker"`
}

// ReconcilerConfig defines the runtime reconciler cadence.
type ReconcilerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"` // clamped to [30, 300]
}

// StorageConfig defines the database location.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the status HTTP server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
}

// NotifierConfig defines the alert webhook sink. Empty URL disables it.
type NotifierConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent,
// applying defaults first.
func (c *Config) Validate() error {
	c.normalize()

	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if len(c.Symbols.Equities) == 0 && len(c.Symbols.Crypto) == 0 {
		return fmt.Errorf("symbols: at least one equity or crypto symbol is required")
	}
	for _, s := range c.Symbols.Crypto {
		if !strings.Contains(s, "/") {
			return fmt.Errorf("symbols.crypto: %q must use the pair form, e.g. BTC/USD", s)
		}
	}

	if c.MarketData.BatchSize <= 0 || c.MarketData.BatchSize > 100 {
		return fmt.Errorf("market_data.batch_size must be in (0, 100]")
	}
	if c.MarketData.Feed != "sip" && c.MarketData.Feed != "iex" {
		return fmt.Errorf("market_data.feed must be 'sip' or 'iex'")
	}

	if c.Strategy.Name == "" {
		return fmt.Errorf("strategy.name is required")
	}
	if c.Strategy.MinConfidence < 0 || c.Strategy.MinConfidence > 1 {
		return fmt.Errorf("strategy.min_confidence must be in [0, 1]")
	}

	for name, limits := range map[string]SessionLimits{
		"risk.regular_hours":  c.Risk.RegularHours,
		"risk.extended_hours": c.Risk.ExtendedHours,
	} {
		if limits.MaxDailyLossPct <= 0 || limits.MaxDailyLossPct >= 1 {
			return fmt.Errorf("%s.max_daily_loss_pct must be in (0, 1)", name)
		}
		if limits.MaxTradesPerDay <= 0 {
			return fmt.Errorf("%s.max_trades_per_day must be > 0", name)
		}
		if limits.MaxConcurrentPositions <= 0 {
			return fmt.Errorf("%s.max_concurrent_positions must be > 0", name)
		}
	}
	if c.Risk.MaxSpreadPct < 0 {
		return fmt.Errorf("risk.max_spread_pct must be >= 0")
	}
	if c.Risk.AvoidFirstMinutes < 0 || c.Risk.AvoidLastMinutes < 0 {
		return fmt.Errorf("risk avoid windows must be >= 0")
	}

	if c.Orders.Qty <= 0 {
		return fmt.Errorf("orders.qty must be > 0")
	}
	if c.Orders.OrderType != "market" && c.Orders.OrderType != "limit" {
		return fmt.Errorf("orders.order_type must be 'market' or 'limit'")
	}
	if c.Orders.TimeInForce != "day" && c.Orders.TimeInForce != "gtc" {
		return fmt.Errorf("orders.time_in_force must be 'day' or 'gtc'")
	}

	if c.Exits.StopLossPct <= 0 {
		return fmt.Errorf("exits.stop_loss_pct must be > 0")
	}
	if c.Exits.ProfitTargetPct <= 0 {
		return fmt.Errorf("exits.profit_target_pct must be > 0")
	}
	if c.Exits.TrailingEnabled && (c.Exits.TrailPct <= 0 || c.Exits.TrailActivationPct <= 0) {
		return fmt.Errorf("exits.trail_pct and exits.trail_activation_pct must be > 0 when trailing is enabled")
	}
	if c.Exits.ATRMultStop <= 0 || c.Exits.ATRMultTarget <= 0 {
		return fmt.Errorf("exits ATR multipliers must be > 0")
	}

	if c.Reconciler.IntervalSeconds < 30 || c.Reconciler.IntervalSeconds > 300 {
		return fmt.Errorf("reconciler.interval_seconds must be in [30, 300]")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Dashboard.Enabled && c.Dashboard.Listen == "" {
		return fmt.Errorf("dashboard.listen is required when the dashboard is enabled")
	}

	return nil
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// ExitCheckInterval returns the exit manager tick interval.
func (c *Config) ExitCheckInterval() time.Duration {
	return time.Duration(c.Exits.CheckIntervalSeconds) * time.Second
}

// ReconcileInterval returns the runtime reconciler tick interval.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconciler.IntervalSeconds) * time.Second
}

// GateCooldown returns the signal-gate cooldown window.
func (c *Config) GateCooldown() time.Duration {
	return time.Duration(c.Strategy.GateCooldownMin) * time.Minute
}

// IsCrypto reports whether symbol belongs to the crypto universe.
func (c *Config) IsCrypto(symbol string) bool {
	for _, s := range c.Symbols.Crypto {
		if s == symbol {
			return true
		}
	}
	return false
}

func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.MarketData.Timeframe == "" {
		c.MarketData.Timeframe = "1Min"
	}
	if c.MarketData.BatchSize == 0 {
		c.MarketData.BatchSize = defaultBatchSize
	}
	if c.MarketData.Feed == "" {
		c.MarketData.Feed = "sip"
	}
	if c.Strategy.Name == "" {
		c.Strategy.Name = "sma_cross"
	}
	if c.Strategy.GateCooldownMin == 0 {
		c.Strategy.GateCooldownMin = defaultGateCooldownMin
	}
	if c.Strategy.MinConfidence == 0 {
		c.Strategy.MinConfidence = 0.5
	}
	normalizeLimits(&c.Risk.RegularHours)
	normalizeLimits(&c.Risk.ExtendedHours)
	if c.Orders.OrderType == "" {
		c.Orders.OrderType = "market"
	}
	if c.Orders.TimeInForce == "" {
		c.Orders.TimeInForce = "day"
	}
	if c.Exits.CheckIntervalSeconds == 0 {
		c.Exits.CheckIntervalSeconds = defaultExitCheckSeconds
	}
	if c.Exits.StopLossPct == 0 {
		c.Exits.StopLossPct = defaultStopLossPct
	}
	if c.Exits.ProfitTargetPct == 0 {
		c.Exits.ProfitTargetPct = defaultProfitTargetPct
	}
	if c.Exits.TrailActivationPct == 0 {
		c.Exits.TrailActivationPct = defaultTrailActivationPct
	}
	if c.Exits.TrailPct == 0 {
		c.Exits.TrailPct = defaultTrailPct
	}
	if c.Exits.ATRMultStop == 0 {
		c.Exits.ATRMultStop = defaultATRMultStop
	}
	if c.Exits.ATRMultTarget == 0 {
		c.Exits.ATRMultTarget = defaultATRMultTarget
	}
	if c.Reconciler.IntervalSeconds == 0 {
		c.Reconciler.IntervalSeconds = defaultReconcileSeconds
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/bot.db"
	}
}

func normalizeLimits(l *SessionLimits) {
	if l.MaxDailyLossPct == 0 {
		l.MaxDailyLossPct = defaultMaxDailyLossPct
	}
	if l.MaxTradesPerDay == 0 {
		l.MaxTradesPerDay = defaultMaxTradesPerDay
	}
	if l.MaxConcurrentPositions == 0 {
		l.MaxConcurrentPositions = defaultMaxConcurrent
	}
}
