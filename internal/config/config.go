package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for bracketguard.
type Config struct {
	Storage     Storage           `yaml:"storage"`
	Server      Server            `yaml:"server"`
	Alpaca      Alpaca            `yaml:"alpaca"`
	Logging     Logging           `yaml:"logging"`
	Trading     TradingConfig     `yaml:"trading"`
	Protection  ProtectionConfig  `yaml:"protection"`
	Entry       EntryConfig       `yaml:"entry"`
	Bracket     BracketConfig     `yaml:"bracket"`
	PartialExit PartialExitConfig `yaml:"partial_exit"`
	Strategy    StrategyConfig    `yaml:"strategy"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	// RecorderBuffer is the capacity of the asynchronous audit queue.
	RecorderBuffer int `yaml:"recorder_buffer"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey          string        `yaml:"api_key"`
	APISecret       string        `yaml:"api_secret"`
	BaseURL         string        `yaml:"base_url"`
	DataURL         string        `yaml:"data_url"`
	Feed            string        `yaml:"feed"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines account-level risk and execution parameters.
type TradingConfig struct {
	MaxPositionPct  float64 `yaml:"max_position_pct"`
	MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"`
	PaperMode       bool    `yaml:"paper_mode"`
	// Simulate swaps the Alpaca gateway for the in-memory simulator.
	Simulate bool `yaml:"simulate"`
	// MaxConcurrency bounds how many symbols are worked on in parallel.
	MaxConcurrency int `yaml:"max_concurrency"`
}

// ProtectionConfig tunes the verifier, resolver and stop builder.
type ProtectionConfig struct {
	VerifyInterval     time.Duration `yaml:"verify_interval"`
	MinStopDistancePct float64       `yaml:"min_stop_distance_pct"`
	StopPriceBufferPct float64       `yaml:"stop_price_buffer_pct"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	CancelTimeout      time.Duration `yaml:"cancel_timeout"`
	AcceptTimeout      time.Duration `yaml:"accept_timeout"`
	BrokerCallTimeout  time.Duration `yaml:"broker_call_timeout"`
	// RepairRetries is the number of immediate retries after a failed repair.
	RepairRetries int `yaml:"repair_retries"`
}

// EntryConfig tunes the smart entry executor.
type EntryConfig struct {
	LimitBufferPct    float64       `yaml:"limit_buffer_pct"`
	FillTimeout       time.Duration `yaml:"fill_timeout"`
	FillPollInterval  time.Duration `yaml:"fill_poll_interval"`
	MaxSlippagePct    float64       `yaml:"max_slippage_pct"`
	MinRewardRisk     float64       `yaml:"min_reward_risk"`
	DefaultRewardRisk float64       `yaml:"default_reward_risk"`
}

// BracketConfig tunes momentum-driven bracket extension.
type BracketConfig struct {
	Enabled                bool          `yaml:"enabled"`
	AdjustInterval         time.Duration `yaml:"adjust_interval"`
	TriggerR               float64       `yaml:"trigger_r"`
	MinTrendStrength       float64       `yaml:"min_trend_strength"`
	MinVolumeRatio         float64       `yaml:"min_volume_ratio"`
	MinDirectionalStrength float64       `yaml:"min_directional_strength"`
	MaxDataAge             time.Duration `yaml:"max_data_age"`
	BreakevenBufferPct     float64       `yaml:"breakeven_buffer_pct"`
	TargetExtensionR       float64       `yaml:"target_extension_r"`
	// LookbackBars is the number of 1-minute bars fed to the momentum source.
	LookbackBars int `yaml:"lookback_bars"`
}

// PartialExitConfig tunes automatic partial profit taking.
type PartialExitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval time.Duration `yaml:"check_interval"`
	TriggerR      float64       `yaml:"trigger_r"`
	Fraction      float64       `yaml:"fraction"`
	FillTimeout   time.Duration `yaml:"fill_timeout"`
}

// StrategyConfig configures the built-in signal runner.
type StrategyConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Name         string        `yaml:"name"`
	Watchlist    []string      `yaml:"watchlist"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShortPeriod  int           `yaml:"short_period"`
	LongPeriod   int           `yaml:"long_period"`
	OrderQty     int64         `yaml:"order_qty"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns a Config populated with conservative defaults. Load
// decodes the YAML file on top of these values.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:        "data",
			SQLitePath:     "data/bracketguard.db",
			RecorderBuffer: 1024,
		},
		Server: Server{
			Host:     "0.0.0.0",
			Port:     8080,
			GRPCPort: 9090,
		},
		Alpaca: Alpaca{
			BaseURL:         "https://paper-api.alpaca.markets",
			DataURL:         "https://data.alpaca.markets",
			Feed:            "iex",
			RequestTimeout:  10 * time.Second,
			RateLimitPerMin: 200,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Trading: TradingConfig{
			MaxPositionPct:  0.10,
			MaxDailyLossPct: 0.02,
			PaperMode:       true,
			MaxConcurrency:  8,
		},
		Protection: ProtectionConfig{
			VerifyInterval:     15 * time.Second,
			MinStopDistancePct: 0.01,
			StopPriceBufferPct: 0.002,
			PollInterval:       500 * time.Millisecond,
			CancelTimeout:      20 * time.Second,
			AcceptTimeout:      5 * time.Second,
			BrokerCallTimeout:  10 * time.Second,
			RepairRetries:      1,
		},
		Entry: EntryConfig{
			LimitBufferPct:    0.001,
			FillTimeout:       60 * time.Second,
			FillPollInterval:  time.Second,
			MaxSlippagePct:    0.001,
			MinRewardRisk:     1.5,
			DefaultRewardRisk: 2.0,
		},
		Bracket: BracketConfig{
			Enabled:                true,
			AdjustInterval:         30 * time.Second,
			TriggerR:               0.75,
			MinTrendStrength:       0.6,
			MinVolumeRatio:         1.5,
			MinDirectionalStrength: 25,
			MaxDataAge:             2 * time.Minute,
			BreakevenBufferPct:     0.001,
			TargetExtensionR:       1.0,
			LookbackBars:           60,
		},
		PartialExit: PartialExitConfig{
			Enabled:       true,
			CheckInterval: 30 * time.Second,
			TriggerR:      1.0,
			Fraction:      0.5,
			FillTimeout:   30 * time.Second,
		},
		Strategy: StrategyConfig{
			Name:         "sma-cross",
			PollInterval: time.Minute,
			ShortPeriod:  9,
			LongPeriod:   21,
			OrderQty:     10,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it on top
// of Default(), applies environment variable overrides and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run safely with.
func (c *Config) Validate() error {
	var errs []error

	fraction := func(name string, v float64) {
		if v <= 0 || v >= 1 {
			errs = append(errs, fmt.Errorf("%s must be in (0, 1), got %v", name, v))
		}
	}
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}

	fraction("protection.min_stop_distance_pct", c.Protection.MinStopDistancePct)
	fraction("entry.max_slippage_pct", c.Entry.MaxSlippagePct)
	fraction("partial_exit.fraction", c.PartialExit.Fraction)
	fraction("trading.max_position_pct", c.Trading.MaxPositionPct)

	positive("protection.verify_interval", c.Protection.VerifyInterval)
	positive("protection.poll_interval", c.Protection.PollInterval)
	positive("protection.cancel_timeout", c.Protection.CancelTimeout)
	positive("entry.fill_timeout", c.Entry.FillTimeout)
	positive("entry.fill_poll_interval", c.Entry.FillPollInterval)

	if c.Protection.PollInterval >= c.Protection.CancelTimeout {
		errs = append(errs, errors.New("protection.poll_interval must be shorter than protection.cancel_timeout"))
	}
	if c.Entry.FillPollInterval >= c.Entry.FillTimeout {
		errs = append(errs, errors.New("entry.fill_poll_interval must be shorter than entry.fill_timeout"))
	}
	if c.Entry.MinRewardRisk < 0 {
		errs = append(errs, fmt.Errorf("entry.min_reward_risk must not be negative, got %v", c.Entry.MinRewardRisk))
	}
	if c.Protection.RepairRetries < 0 {
		errs = append(errs, fmt.Errorf("protection.repair_retries must not be negative, got %d", c.Protection.RepairRetries))
	}
	if c.Bracket.Enabled {
		positive("bracket.adjust_interval", c.Bracket.AdjustInterval)
		positive("bracket.max_data_age", c.Bracket.MaxDataAge)
	}

	return errors.Join(errs...)
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("BRACKETGUARD_SIMULATE"); v != "" {
		cfg.Trading.Simulate = strings.EqualFold(v, "true") || v == "1"
	}

	// Standard Alpaca env vars take precedence; these are the names the SDK reads.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
