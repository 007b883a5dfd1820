// Package config defines all configuration for the trading core. Config is
// loaded from a YAML file with TRADENOVA_* environment overrides; broker
// credentials come from the standard APCA_* variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Universe  UniverseConfig  `mapstructure:"universe"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Data      DataConfig      `mapstructure:"data"`
	Selection SelectionConfig `mapstructure:"selection"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Exits     ExitConfig      `mapstructure:"exits"`
	Ensemble  EnsembleConfig  `mapstructure:"ensemble"`
	Predictor PredictorConfig `mapstructure:"predictor"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Store     StoreConfig     `mapstructure:"store"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// UniverseConfig names the underlyings the loop trades and how wide the
// per-symbol fan-out may go.
type UniverseConfig struct {
	Symbols      []string `mapstructure:"symbols"`
	MaxWorkers   int      `mapstructure:"max_workers"`
	MaxPositions int      `mapstructure:"max_positions"`
}

// ScheduleConfig holds the session anchors (wall-clock times in Timezone)
// and the cadence of the trading loop.
type ScheduleConfig struct {
	Timezone       string        `mapstructure:"timezone"`
	WarmupTime     string        `mapstructure:"warmup_time"`
	OpenTime       string        `mapstructure:"open_time"`
	FlattenTime    string        `mapstructure:"flatten_time"`
	CloseTime      string        `mapstructure:"close_time"`
	ReportTime     string        `mapstructure:"report_time"`
	CyclePeriod    time.Duration `mapstructure:"cycle_period"`
	CycleDeadline  time.Duration `mapstructure:"cycle_deadline"`
	FlattenBudget  time.Duration `mapstructure:"flatten_budget"`
	ClockStaleMax  time.Duration `mapstructure:"clock_stale_max"`
}

// DataConfig configures the market data adapter.
type DataConfig struct {
	VendorBaseURL    string        `mapstructure:"vendor_base_url"`
	VendorAPIKey     string        `mapstructure:"vendor_api_key"`
	StreamURL        string        `mapstructure:"stream_url"`
	RequestsPerSec   float64       `mapstructure:"requests_per_sec"`
	MinBars          int           `mapstructure:"min_bars"`
	MaxChainSize     int           `mapstructure:"max_chain_size"`
	BarTimeframe     string        `mapstructure:"bar_timeframe"`
	BarLookbackDays  int           `mapstructure:"bar_lookback_days"`
	BarsDeadline     time.Duration `mapstructure:"bars_deadline"`
	QuoteDeadline    time.Duration `mapstructure:"quote_deadline"`
	FallbackBudget   time.Duration `mapstructure:"fallback_budget"`
	EnableStream     bool          `mapstructure:"enable_stream"`
}

// SelectionConfig tunes chain filtering and contract selection.
type SelectionConfig struct {
	PriceFloor      float64       `mapstructure:"price_floor"`
	MaxSpreadPct    float64       `mapstructure:"max_spread_pct"`
	MinBidSize      int64         `mapstructure:"min_bid_size"`
	MaxQuoteAge     time.Duration `mapstructure:"max_quote_age"`
	MinDTE          int           `mapstructure:"min_dte"`
	PreferredMaxDTE int           `mapstructure:"preferred_max_dte"`
	FallbackMaxDTE  int           `mapstructure:"fallback_max_dte"`
}

// RiskConfig sets the hard limits the risk stack enforces.
//
//   - MaxDelta/MaxGamma/MaxVega: absolute portfolio caps (multiplier applied).
//   - MaxThetaPerDay: most negative acceptable daily theta (e.g. -300).
//   - HardBreachMult: over cap×this, forced reduction fires (e.g. 1.5).
//   - MaxUVaRPct: 1-day 99th percentile loss cap as fraction of equity.
//   - DailyTradeLimit: new entries per session; resets at market open.
//   - MaxLossStreak/MaxDailyLossPct: kill-switch triggers; new entries stay
//     disabled for KillSwitchCooldown after either fires.
type RiskConfig struct {
	MaxDelta           float64       `mapstructure:"max_delta"`
	MaxGamma           float64       `mapstructure:"max_gamma"`
	MaxThetaPerDay     float64       `mapstructure:"max_theta_per_day"`
	MaxVega            float64       `mapstructure:"max_vega"`
	HardBreachMult     float64       `mapstructure:"hard_breach_mult"`
	MaxUVaRPct         float64       `mapstructure:"max_uvar_pct"`
	UVaRWarnFraction   float64       `mapstructure:"uvar_warn_fraction"`
	UVaRLookbackDays   int           `mapstructure:"uvar_lookback_days"`
	UVaRMinDays        int           `mapstructure:"uvar_min_days"`
	DailyTradeLimit    int           `mapstructure:"daily_trade_limit"`
	PositionSizePct    float64       `mapstructure:"position_size_pct"`
	PortfolioHeatCap   float64       `mapstructure:"portfolio_heat_cap"`
	MaxLossStreak      int           `mapstructure:"max_loss_streak"`
	MaxDailyLossPct    float64       `mapstructure:"max_daily_loss_pct"`
	KillSwitchCooldown time.Duration `mapstructure:"kill_switch_cooldown"`
	GapCalendarPath    string        `mapstructure:"gap_calendar_path"`
	IVStoreDSN         string        `mapstructure:"iv_store_dsn"`
	IVLookbackDays     int           `mapstructure:"iv_lookback_days"`
}

// TPLevel is one rung of the profit-taking ladder: at TriggerPct unrealized
// profit, close ExitFraction of the quantity still held.
type TPLevel struct {
	TriggerPct   float64 `mapstructure:"trigger_pct"`
	ExitFraction float64 `mapstructure:"exit_fraction"`
	ArmTrailing  bool    `mapstructure:"arm_trailing"`
}

// ExitConfig tunes position exits.
type ExitConfig struct {
	StopLossPct float64   `mapstructure:"stop_loss_pct"`
	TPLadder    []TPLevel `mapstructure:"tp_ladder"`
}

// EnsembleConfig tunes intent arbitration.
type EnsembleConfig struct {
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
}

// PredictorConfig points at the optional ONNX policy model. An empty
// ModelPath disables the predictor; the loop runs rule-based only.
type PredictorConfig struct {
	ModelPath      string `mapstructure:"model_path"`
	SharedLibrary  string `mapstructure:"shared_library"`
	InputName      string `mapstructure:"input_name"`
	OutputName     string `mapstructure:"output_name"`
}

// BrokerConfig holds broker endpoints, credentials, and order handling knobs.
type BrokerConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	DataBaseURL   string        `mapstructure:"data_base_url"`
	APIKey        string        `mapstructure:"api_key"`
	APISecret     string        `mapstructure:"api_secret"`
	Paper         bool          `mapstructure:"paper"`
	OrderDeadline time.Duration `mapstructure:"order_deadline"`
	ConfirmPoll   time.Duration `mapstructure:"confirm_poll"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
}

// StoreConfig sets where session state is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// ServerConfig controls the read-only ops HTTP server.
type ServerConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultTPLadder is the profit ladder used when the config file does not
// override it: each fraction applies to the quantity remaining when the
// rung fires, and the 150% rung arms the trailing stop.
func DefaultTPLadder() []TPLevel {
	return []TPLevel{
		{TriggerPct: 0.40, ExitFraction: 0.50},
		{TriggerPct: 0.60, ExitFraction: 0.20},
		{TriggerPct: 1.00, ExitFraction: 0.10},
		{TriggerPct: 1.50, ExitFraction: 0.10, ArmTrailing: true},
		{TriggerPct: 2.00, ExitFraction: 1.00},
	}
}

// Load reads config from a YAML file with env var overrides. A missing path
// yields pure defaults; a named file that cannot be read is an error. Broker
// credentials use the APCA_API_KEY_ID / APCA_API_SECRET_KEY convention.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADENOVA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.Exits.TPLadder) == 0 {
		cfg.Exits.TPLadder = DefaultTPLadder()
	}

	// Override sensitive fields from env.
	if key := os.Getenv("APCA_API_KEY_ID"); key != "" {
		cfg.Broker.APIKey = key
	}
	if secret := os.Getenv("APCA_API_SECRET_KEY"); secret != "" {
		cfg.Broker.APISecret = secret
	}
	if key := os.Getenv("TRADENOVA_VENDOR_API_KEY"); key != "" {
		cfg.Data.VendorAPIKey = key
	}
	if dsn := os.Getenv("TRADENOVA_IV_STORE_DSN"); dsn != "" {
		cfg.Risk.IVStoreDSN = dsn
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("universe.symbols", []string{"SPY", "QQQ", "AAPL", "NVDA", "TSLA"})
	v.SetDefault("universe.max_workers", 8)
	v.SetDefault("universe.max_positions", 10)

	v.SetDefault("schedule.timezone", "America/New_York")
	v.SetDefault("schedule.warmup_time", "08:00")
	v.SetDefault("schedule.open_time", "09:30")
	v.SetDefault("schedule.flatten_time", "15:50")
	v.SetDefault("schedule.close_time", "16:00")
	v.SetDefault("schedule.report_time", "16:05")
	v.SetDefault("schedule.cycle_period", 5*time.Minute)
	v.SetDefault("schedule.cycle_deadline", 2*time.Minute)
	v.SetDefault("schedule.flatten_budget", 10*time.Minute)
	v.SetDefault("schedule.clock_stale_max", 10*time.Minute)

	v.SetDefault("data.vendor_base_url", "https://api.polygon.io")
	v.SetDefault("data.requests_per_sec", 5.0)
	v.SetDefault("data.min_bars", 30)
	v.SetDefault("data.max_chain_size", 2000)
	v.SetDefault("data.bar_timeframe", "5m")
	v.SetDefault("data.bar_lookback_days", 5)
	v.SetDefault("data.bars_deadline", 10*time.Second)
	v.SetDefault("data.quote_deadline", 3*time.Second)
	v.SetDefault("data.fallback_budget", 4*time.Second)
	v.SetDefault("data.enable_stream", false)

	v.SetDefault("selection.price_floor", 0.10)
	v.SetDefault("selection.max_spread_pct", 0.20)
	v.SetDefault("selection.min_bid_size", 1)
	v.SetDefault("selection.max_quote_age", 5*time.Second)
	v.SetDefault("selection.min_dte", 0)
	v.SetDefault("selection.preferred_max_dte", 7)
	v.SetDefault("selection.fallback_max_dte", 30)

	v.SetDefault("risk.max_delta", 500.0)
	v.SetDefault("risk.max_gamma", 25.0)
	v.SetDefault("risk.max_theta_per_day", -300.0)
	v.SetDefault("risk.max_vega", 300.0)
	v.SetDefault("risk.hard_breach_mult", 1.5)
	v.SetDefault("risk.max_uvar_pct", 0.05)
	v.SetDefault("risk.uvar_warn_fraction", 0.80)
	v.SetDefault("risk.uvar_lookback_days", 90)
	v.SetDefault("risk.uvar_min_days", 60)
	v.SetDefault("risk.daily_trade_limit", 5)
	v.SetDefault("risk.position_size_pct", 0.10)
	v.SetDefault("risk.portfolio_heat_cap", 0.35)
	v.SetDefault("risk.max_loss_streak", 5)
	v.SetDefault("risk.max_daily_loss_pct", 0.05)
	v.SetDefault("risk.kill_switch_cooldown", time.Hour)
	v.SetDefault("risk.gap_calendar_path", "configs/events.yaml")
	v.SetDefault("risk.iv_lookback_days", 90)

	v.SetDefault("exits.stop_loss_pct", 0.20)

	v.SetDefault("ensemble.confidence_threshold", 0.70)

	v.SetDefault("predictor.input_name", "input")
	v.SetDefault("predictor.output_name", "output")

	v.SetDefault("broker.base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("broker.data_base_url", "https://data.alpaca.markets")
	v.SetDefault("broker.paper", true)
	v.SetDefault("broker.order_deadline", 15*time.Second)
	v.SetDefault("broker.confirm_poll", 500*time.Millisecond)
	v.SetDefault("broker.retry_attempts", 3)
	v.SetDefault("broker.retry_base", time.Second)

	v.SetDefault("store.data_dir", "data")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":9100")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Universe.Symbols) == 0 {
		return fmt.Errorf("universe.symbols must not be empty")
	}
	if c.Universe.MaxWorkers < 1 {
		return fmt.Errorf("universe.max_workers must be >= 1")
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone %q: %w", c.Schedule.Timezone, err)
	}
	for name, val := range map[string]string{
		"warmup_time":  c.Schedule.WarmupTime,
		"open_time":    c.Schedule.OpenTime,
		"flatten_time": c.Schedule.FlattenTime,
		"close_time":   c.Schedule.CloseTime,
		"report_time":  c.Schedule.ReportTime,
	} {
		if _, err := time.Parse("15:04", val); err != nil {
			return fmt.Errorf("schedule.%s %q: want HH:MM", name, val)
		}
	}
	if c.Schedule.CyclePeriod <= 0 {
		return fmt.Errorf("schedule.cycle_period must be > 0")
	}
	if c.Schedule.CycleDeadline <= 0 || c.Schedule.CycleDeadline > c.Schedule.CyclePeriod {
		return fmt.Errorf("schedule.cycle_deadline must be in (0, cycle_period]")
	}
	if c.Data.MinBars < 2 {
		return fmt.Errorf("data.min_bars must be >= 2")
	}
	if c.Data.MaxChainSize < 1 {
		return fmt.Errorf("data.max_chain_size must be >= 1")
	}
	if c.Selection.MaxSpreadPct <= 0 || c.Selection.MaxSpreadPct >= 1 {
		return fmt.Errorf("selection.max_spread_pct must be in (0, 1)")
	}
	if c.Selection.MinDTE < 0 || c.Selection.PreferredMaxDTE < c.Selection.MinDTE ||
		c.Selection.FallbackMaxDTE < c.Selection.PreferredMaxDTE {
		return fmt.Errorf("selection DTE windows must satisfy min <= preferred <= fallback")
	}
	if c.Risk.MaxUVaRPct <= 0 || c.Risk.MaxUVaRPct >= 1 {
		return fmt.Errorf("risk.max_uvar_pct must be in (0, 1)")
	}
	if c.Risk.MaxThetaPerDay >= 0 {
		return fmt.Errorf("risk.max_theta_per_day must be negative")
	}
	if c.Risk.HardBreachMult < 1 {
		return fmt.Errorf("risk.hard_breach_mult must be >= 1")
	}
	if c.Risk.DailyTradeLimit < 1 {
		return fmt.Errorf("risk.daily_trade_limit must be >= 1")
	}
	if c.Risk.PositionSizePct <= 0 || c.Risk.PositionSizePct > 1 {
		return fmt.Errorf("risk.position_size_pct must be in (0, 1]")
	}
	if c.Risk.PortfolioHeatCap <= 0 || c.Risk.PortfolioHeatCap > 1 {
		return fmt.Errorf("risk.portfolio_heat_cap must be in (0, 1]")
	}
	if c.Exits.StopLossPct <= 0 || c.Exits.StopLossPct >= 1 {
		return fmt.Errorf("exits.stop_loss_pct must be in (0, 1)")
	}
	prev := 0.0
	for i, lvl := range c.Exits.TPLadder {
		if lvl.TriggerPct <= prev {
			return fmt.Errorf("exits.tp_ladder[%d] triggers must be strictly increasing", i)
		}
		if lvl.ExitFraction <= 0 || lvl.ExitFraction > 1 {
			return fmt.Errorf("exits.tp_ladder[%d].exit_fraction must be in (0, 1]", i)
		}
		prev = lvl.TriggerPct
	}
	if c.Ensemble.ConfidenceThreshold <= 0 || c.Ensemble.ConfidenceThreshold > 1 {
		return fmt.Errorf("ensemble.confidence_threshold must be in (0, 1]")
	}
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.Broker.RetryAttempts < 1 {
		return fmt.Errorf("broker.retry_attempts must be >= 1")
	}
	return nil
}

// Location resolves the configured session timezone. Validate has already
// checked it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
