// Package config defines all configuration for the arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"perp-arb/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Venues    VenuesConfig    `mapstructure:"venues"`
	Symbols   []string        `mapstructure:"symbols"`
	Arbitrage ArbitrageConfig `mapstructure:"arbitrage"`
	Gates     GatesConfig     `mapstructure:"gates"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Health    HealthConfig    `mapstructure:"health"`
	Status    StatusConfig    `mapstructure:"status"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// VenuesConfig holds one block per supported venue. A venue with
// Enabled=false is never constructed.
type VenuesConfig struct {
	Backpack VenueConfig `mapstructure:"backpack"`
	GRVT     VenueConfig `mapstructure:"grvt"`
	Lighter  VenueConfig `mapstructure:"lighter"`
}

// VenueConfig is the per-venue connection block. Not every venue uses every
// field: Backpack signs with PrivateKey (base64 ED25519), GRVT signs with
// PrivateKey (hex secp256k1) and needs SubAccountID + ChainID, Lighter uses
// APIKey/APISecret only.
type VenueConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	APIKey          string `mapstructure:"api_key"`
	APISecret       string `mapstructure:"api_secret"`
	PrivateKey      string `mapstructure:"private_key"`
	SubAccountID    string `mapstructure:"sub_account_id"`
	ChainID         int64  `mapstructure:"chain_id"`
	Testnet         bool   `mapstructure:"testnet"`
	EnableWebsocket bool   `mapstructure:"enable_websocket"`

	RESTBaseURL   string `mapstructure:"rest_base_url"`
	MarketDataURL string `mapstructure:"market_data_url"` // GRVT splits market data onto its own host
	WSPublicURL   string `mapstructure:"ws_public_url"`
	WSPrivateURL  string `mapstructure:"ws_private_url"`
}

// ArbitrageConfig tunes the detector and the analysis loop.
//
//   - PriceSpreadThreshold: minimum spread in percent for a price opportunity.
//   - FundingRateThreshold: minimum absolute funding-rate difference.
//   - MinScoreThreshold: opportunities scoring below this are not acted on.
//   - UpdateInterval: analysis worker cadence (the 10ms scan tick).
//   - DataFreshness: maximum age of a book sample used for detection.
type ArbitrageConfig struct {
	PriceSpreadThreshold float64       `mapstructure:"price_spread_threshold"`
	FundingRateThreshold float64       `mapstructure:"funding_rate_threshold"`
	MinScoreThreshold    float64       `mapstructure:"min_score_threshold"`
	UpdateInterval       time.Duration `mapstructure:"update_interval"`
	DataFreshness        time.Duration `mapstructure:"data_freshness"`
}

// GatesConfig tunes the pre-submission risk gates.
//
//   - StabilityWindow: how much price history the stability gate requires.
//   - StabilityThresholdPct: max (max-min)/min volatility in percent.
//   - StabilityPerSymbol: per-symbol overrides of the threshold.
//   - MinOpposingLiquidity: floor for the opposing-top-size check.
type GatesConfig struct {
	StabilityWindow       time.Duration      `mapstructure:"stability_window"`
	StabilityThresholdPct float64            `mapstructure:"stability_threshold_pct"`
	StabilityPerSymbol    map[string]float64 `mapstructure:"stability_per_symbol"`
	MinOpposingLiquidity  float64            `mapstructure:"min_opposing_liquidity"`
}

// Order styles accepted by execution.order_style.
const (
	OrderStyleMarket    = "market"
	OrderStyleDualLimit = "dual_limit"
)

// ExecutionConfig tunes the two-legged executor.
//
//   - OrderStyle: submission path, "market" (batched where supported) or
//     "dual_limit" (rest both legs at top of book first).
//   - MarketOrderTimeout: how long to wait for a market-leg fill push.
//   - LighterMarketOrderTimeout: per-venue override for Lighter batch legs.
//   - LimitOrderTimeout: dual-limit resting time before fallback.
//   - DualLimitRetry*: backoff after both limit legs expire unfilled.
//   - SlippageOpenPct / SlippageClosePct: market-order protection bands.
//   - TradeQuantity: per-symbol order size in base units.
type ExecutionConfig struct {
	OrderStyle                string             `mapstructure:"order_style"`
	MarketOrderTimeout        time.Duration      `mapstructure:"market_order_timeout"`
	LighterMarketOrderTimeout time.Duration      `mapstructure:"lighter_market_order_timeout"`
	LimitOrderTimeout         time.Duration      `mapstructure:"limit_order_timeout"`
	DualLimitRetryInitial     time.Duration      `mapstructure:"dual_limit_retry_initial_delay"`
	DualLimitRetryMax         time.Duration      `mapstructure:"dual_limit_retry_max_delay"`
	DualLimitBackoffFactor    float64            `mapstructure:"dual_limit_backoff_factor"`
	SlippageOpenPct           float64            `mapstructure:"slippage_open_pct"`
	SlippageClosePct          float64            `mapstructure:"slippage_close_pct"`
	TradeQuantity             map[string]float64 `mapstructure:"trade_quantity"`
}

// HealthConfig tunes the connection health monitor and the probe scheduler.
// UnboundedReconnect switches venue reconnects from the bounded attempt
// ladder to the never-give-up policy (exponential backoff capped at 60s).
type HealthConfig struct {
	UnboundedReconnect   bool          `mapstructure:"unbounded_reconnect"`
	CheckInterval        time.Duration `mapstructure:"check_interval"`
	StartupGrace         time.Duration `mapstructure:"startup_grace"`
	DataTimeout          time.Duration `mapstructure:"data_timeout"`
	StaleRatioThreshold  float64       `mapstructure:"stale_ratio_threshold"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReportInterval       time.Duration `mapstructure:"report_interval"`
	ProbeTimezone        string        `mapstructure:"probe_timezone"`
}

// StatusConfig controls the status/metrics HTTP server.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// StoreConfig sets where instrument metadata is cached on disk.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_BACKPACK_API_KEY, ARB_BACKPACK_PRIVATE_KEY,
// ARB_GRVT_API_KEY, ARB_GRVT_PRIVATE_KEY, ARB_LIGHTER_API_KEY, ARB_LIGHTER_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("ARB_BACKPACK_API_KEY"); key != "" {
		cfg.Venues.Backpack.APIKey = key
	}
	if key := os.Getenv("ARB_BACKPACK_PRIVATE_KEY"); key != "" {
		cfg.Venues.Backpack.PrivateKey = key
	}
	if key := os.Getenv("ARB_GRVT_API_KEY"); key != "" {
		cfg.Venues.GRVT.APIKey = key
	}
	if key := os.Getenv("ARB_GRVT_PRIVATE_KEY"); key != "" {
		cfg.Venues.GRVT.PrivateKey = key
	}
	if key := os.Getenv("ARB_LIGHTER_API_KEY"); key != "" {
		cfg.Venues.Lighter.APIKey = key
	}
	if secret := os.Getenv("ARB_LIGHTER_API_SECRET"); secret != "" {
		cfg.Venues.Lighter.APISecret = secret
	}
	if os.Getenv("ARB_DRY_RUN") == "true" || os.Getenv("ARB_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("arbitrage.update_interval", "10ms")
	v.SetDefault("arbitrage.data_freshness", "5s")
	v.SetDefault("gates.stability_window", "30s")
	v.SetDefault("gates.stability_threshold_pct", 0.5)
	v.SetDefault("execution.order_style", OrderStyleMarket)
	v.SetDefault("execution.market_order_timeout", "60s")
	v.SetDefault("execution.limit_order_timeout", "30s")
	v.SetDefault("execution.dual_limit_retry_initial_delay", "30s")
	v.SetDefault("execution.dual_limit_retry_max_delay", "300s")
	v.SetDefault("execution.dual_limit_backoff_factor", 2.0)
	v.SetDefault("health.check_interval", "45s")
	v.SetDefault("health.startup_grace", "120s")
	v.SetDefault("health.data_timeout", "90s")
	v.SetDefault("health.stale_ratio_threshold", 0.5)
	v.SetDefault("health.max_reconnect_attempts", 3)
	v.SetDefault("health.report_interval", "300s")
	v.SetDefault("health.probe_timezone", "UTC")
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// EnabledVenues returns the names of venues with Enabled=true.
func (c *Config) EnabledVenues() []types.Venue {
	var out []types.Venue
	if c.Venues.Backpack.Enabled {
		out = append(out, types.VenueBackpack)
	}
	if c.Venues.GRVT.Enabled {
		out = append(out, types.VenueGRVT)
	}
	if c.Venues.Lighter.Enabled {
		out = append(out, types.VenueLighter)
	}
	return out
}

// Venue returns the config block for a venue name.
func (c *Config) Venue(v types.Venue) (VenueConfig, bool) {
	switch v {
	case types.VenueBackpack:
		return c.Venues.Backpack, true
	case types.VenueGRVT:
		return c.Venues.GRVT, true
	case types.VenueLighter:
		return c.Venues.Lighter, true
	}
	return VenueConfig{}, false
}

// StabilityThreshold returns the stability gate threshold for a symbol,
// falling back to the global default when no override exists.
func (c *Config) StabilityThreshold(symbol string) float64 {
	if pct, ok := c.Gates.StabilityPerSymbol[symbol]; ok {
		return pct
	}
	return c.Gates.StabilityThresholdPct
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	enabled := c.EnabledVenues()
	if len(enabled) < 2 {
		return fmt.Errorf("at least two venues must be enabled for arbitrage, got %d", len(enabled))
	}
	if c.Venues.Backpack.Enabled {
		if c.Venues.Backpack.APIKey == "" {
			return fmt.Errorf("venues.backpack.api_key is required (set ARB_BACKPACK_API_KEY)")
		}
		if c.Venues.Backpack.PrivateKey == "" {
			return fmt.Errorf("venues.backpack.private_key is required (set ARB_BACKPACK_PRIVATE_KEY)")
		}
		if c.Venues.Backpack.RESTBaseURL == "" {
			return fmt.Errorf("venues.backpack.rest_base_url is required")
		}
	}
	if c.Venues.GRVT.Enabled {
		if c.Venues.GRVT.APIKey == "" {
			return fmt.Errorf("venues.grvt.api_key is required (set ARB_GRVT_API_KEY)")
		}
		if c.Venues.GRVT.PrivateKey == "" {
			return fmt.Errorf("venues.grvt.private_key is required (set ARB_GRVT_PRIVATE_KEY)")
		}
		if c.Venues.GRVT.SubAccountID == "" {
			return fmt.Errorf("venues.grvt.sub_account_id is required")
		}
		if c.Venues.GRVT.ChainID == 0 {
			return fmt.Errorf("venues.grvt.chain_id is required")
		}
	}
	if c.Venues.Lighter.Enabled {
		if c.Venues.Lighter.APIKey == "" {
			return fmt.Errorf("venues.lighter.api_key is required (set ARB_LIGHTER_API_KEY)")
		}
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must list at least one pair to monitor")
	}
	for _, s := range c.Symbols {
		if _, _, _, err := types.ParseSymbol(types.Symbol(s)); err != nil {
			return fmt.Errorf("symbols: %w", err)
		}
	}
	if c.Arbitrage.PriceSpreadThreshold <= 0 {
		return fmt.Errorf("arbitrage.price_spread_threshold must be > 0")
	}
	if c.Arbitrage.FundingRateThreshold <= 0 {
		return fmt.Errorf("arbitrage.funding_rate_threshold must be > 0")
	}
	if c.Arbitrage.UpdateInterval <= 0 {
		return fmt.Errorf("arbitrage.update_interval must be > 0")
	}
	if c.Gates.StabilityWindow <= 0 {
		return fmt.Errorf("gates.stability_window must be > 0")
	}
	if c.Gates.StabilityThresholdPct <= 0 {
		return fmt.Errorf("gates.stability_threshold_pct must be > 0")
	}
	switch c.Execution.OrderStyle {
	case "", OrderStyleMarket, OrderStyleDualLimit:
	default:
		return fmt.Errorf("execution.order_style must be %q or %q", OrderStyleMarket, OrderStyleDualLimit)
	}
	if c.Execution.MarketOrderTimeout <= 0 {
		return fmt.Errorf("execution.market_order_timeout must be > 0")
	}
	if c.Execution.DualLimitRetryInitial <= 0 || c.Execution.DualLimitRetryMax < c.Execution.DualLimitRetryInitial {
		return fmt.Errorf("execution.dual_limit_retry delays: need 0 < initial ≤ max")
	}
	if c.Health.StaleRatioThreshold <= 0 || c.Health.StaleRatioThreshold > 1 {
		return fmt.Errorf("health.stale_ratio_threshold must be in (0, 1]")
	}
	if c.Health.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("health.max_reconnect_attempts must be > 0")
	}
	if _, err := time.LoadLocation(c.Health.ProbeTimezone); err != nil {
		return fmt.Errorf("health.probe_timezone: %w", err)
	}
	return nil
}
