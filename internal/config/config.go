package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tradebot/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the trading bot.
type Config struct {
	Storage   Storage             `yaml:"storage"`
	Server    Server              `yaml:"server"`
	Alpaca    Alpaca              `yaml:"alpaca"`
	Bridge    Bridge              `yaml:"bridge"`
	Telegram  Telegram            `yaml:"telegram"`
	Kafka     Kafka               `yaml:"kafka"`
	Logging   Logging             `yaml:"logging"`
	Trading   TradingConfig       `yaml:"trading"`
	Risk      RiskConfig          `yaml:"risk"`
	Backtest  BacktestConfig      `yaml:"backtest"`
	Selection SelectionConfig     `yaml:"selection"`
	Schedule  ScheduleConfig      `yaml:"schedule"`
	Universe  []domain.Instrument `yaml:"universe"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// HTTPAddr returns host:port for the REST listener.
func (s Server) HTTPAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// GRPCAddr returns host:grpc_port for the control listener.
func (s Server) GRPCAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort) }

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Bridge configures the HTTP order bridge process.
type Bridge struct {
	URL             string        `yaml:"url"`
	Token           string        `yaml:"token"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
}

// Telegram configures the operator console.
type Telegram struct {
	BotToken       string   `yaml:"bot_token"`
	AllowedChatIDs []int64  `yaml:"allowed_chat_ids"`
	NotifyEvents   []string `yaml:"notify_events"`
}

// Enabled reports whether a bot token is configured.
func (t Telegram) Enabled() bool { return t.BotToken != "" }

// Kafka configures optional event export.
type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Enabled reports whether at least one broker is configured.
func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig selects the execution venue and bar cadence.
type TradingConfig struct {
	// Broker is "bridge", "alpaca" or "simulator".
	Broker         string  `yaml:"broker"`
	PaperMode      bool    `yaml:"paper_mode"`
	Timeframe      string  `yaml:"timeframe"`
	InitialCapital float64 `yaml:"initial_capital"`
}

// RiskConfig defines pre-trade limits, sizing and blackout parameters.
type RiskConfig struct {
	MaxPositionPct      float64 `yaml:"max_position_pct"`
	MaxDailyLossPct     float64 `yaml:"max_daily_loss_pct"`
	MaxOpenPositions    int     `yaml:"max_open_positions"`
	MaxGrossExposurePct float64 `yaml:"max_gross_exposure_pct"`
	RiskPerTradePct     float64 `yaml:"risk_per_trade_pct"`
	StopATRMultiple     float64 `yaml:"stop_atr_multiple"`
	ATRPeriod           int     `yaml:"atr_period"`
	CapitalPerContract  float64 `yaml:"capital_per_contract"`
	MinContracts        int     `yaml:"min_contracts"`
	MaxContracts        int     `yaml:"max_contracts"`
	EarningsDaysBefore  int     `yaml:"earnings_days_before"`
	EarningsDaysAfter   int     `yaml:"earnings_days_after"`
}

// BacktestConfig controls the parallel backtest runner.
type BacktestConfig struct {
	Workers        int      `yaml:"workers"`
	QueueSize      int      `yaml:"queue_size"`
	LookbackDays   int      `yaml:"lookback_days"`
	CommissionPer  float64  `yaml:"commission_per_unit"`
	SlippageBps    float64  `yaml:"slippage_bps"`
	PositionPct    float64  `yaml:"position_pct"`
	Strategies     []string `yaml:"strategies"`
	InitialCapital float64  `yaml:"initial_capital"`

	// StrategyParams overrides default parameters per strategy name.
	StrategyParams map[string]map[string]float64 `yaml:"strategy_params"`
}

// SelectionConfig sets the thresholds for promoting a backtest to live.
type SelectionConfig struct {
	MinTrades       int     `yaml:"min_trades"`
	MinSharpe       float64 `yaml:"min_sharpe"`
	MaxDrawdown     float64 `yaml:"max_drawdown"`
	ShadowPerSymbol int     `yaml:"shadow_per_symbol"`
	PromotionEdge   float64 `yaml:"promotion_edge"`
}

// ScheduleConfig holds fixed delays for the recurring jobs.
type ScheduleConfig struct {
	TradeLoop       time.Duration `yaml:"trade_loop"`
	IngestDaily     time.Duration `yaml:"ingest_daily"`
	NightlyBacktest time.Duration `yaml:"nightly_backtest"`
	EarningsRefresh time.Duration `yaml:"earnings_refresh"`
	DailyReport     time.Duration `yaml:"daily_report"`
	StartOfDay      time.Duration `yaml:"start_of_day"`
}

// Instruments returns the configured universe with defaults applied: a bare
// symbol is a US stock.
func (c *Config) Instruments() []domain.Instrument {
	out := make([]domain.Instrument, 0, len(c.Universe))
	for _, inst := range c.Universe {
		inst.Symbol = strings.ToUpper(inst.Symbol)
		if inst.AssetClass == "" {
			inst.AssetClass = domain.AssetStock
		}
		if inst.Market == "" {
			if inst.AssetClass == domain.AssetFuture {
				inst.Market = domain.MarketCME
			} else {
				inst.Market = domain.MarketUS
			}
		}
		if inst.Multiplier <= 0 {
			inst.Multiplier = 1
		}
		out = append(out, inst)
	}
	return out
}

// Symbols returns the symbols of the configured universe.
func (c *Config) Symbols() []string {
	insts := c.Instruments()
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = inst.Symbol
	}
	return out
}

// ---------------------------------------------------------------------------
// Defaults and validation
// ---------------------------------------------------------------------------

// Default returns a configuration with every knob set to a usable value.
func Default() *Config {
	return &Config{
		Storage: Storage{DataDir: "data", SQLitePath: "data/tradebot.db"},
		Server:  Server{Host: "127.0.0.1", Port: 8080, GRPCPort: 9090},
		Alpaca: Alpaca{
			BaseURL: "https://paper-api.alpaca.markets",
			Feed:    "iex",
		},
		Bridge: Bridge{
			URL:             "http://127.0.0.1:5000",
			Timeout:         10 * time.Second,
			MaxAttempts:     3,
			RateLimitPerMin: 120,
		},
		Kafka:   Kafka{Topic: "tradebot.events"},
		Logging: Logging{Level: "info", Format: "json"},
		Trading: TradingConfig{
			Broker:         "simulator",
			PaperMode:      true,
			Timeframe:      "1Day",
			InitialCapital: 100000,
		},
		Risk: RiskConfig{
			MaxPositionPct:      0.10,
			MaxDailyLossPct:     0.02,
			MaxOpenPositions:    10,
			MaxGrossExposurePct: 1.0,
			RiskPerTradePct:     0.01,
			StopATRMultiple:     2,
			ATRPeriod:           14,
			CapitalPerContract:  25000,
			MinContracts:        1,
			MaxContracts:        10,
			EarningsDaysBefore:  2,
			EarningsDaysAfter:   1,
		},
		Backtest: BacktestConfig{
			Workers:        4,
			QueueSize:      64,
			LookbackDays:   730,
			CommissionPer:  0.005,
			SlippageBps:    5,
			PositionPct:    0.10,
			InitialCapital: 100000,
		},
		Selection: SelectionConfig{
			MinTrades:       5,
			MinSharpe:       0.5,
			MaxDrawdown:     0.25,
			ShadowPerSymbol: 2,
			PromotionEdge:   0.02,
		},
		Schedule: ScheduleConfig{
			TradeLoop:       time.Minute,
			IngestDaily:     6 * time.Hour,
			NightlyBacktest: 24 * time.Hour,
			EarningsRefresh: 12 * time.Hour,
			DailyReport:     24 * time.Hour,
			StartOfDay:      time.Hour,
		},
	}
}

// Validate checks ranges and required combinations.
func (c *Config) Validate() error {
	var errs []error
	pct := func(name string, v float64) {
		if v <= 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in (0, 1], got %v", name, v))
		}
	}
	pct("risk.max_position_pct", c.Risk.MaxPositionPct)
	pct("risk.max_daily_loss_pct", c.Risk.MaxDailyLossPct)
	pct("risk.risk_per_trade_pct", c.Risk.RiskPerTradePct)
	pct("backtest.position_pct", c.Backtest.PositionPct)
	if c.Risk.MaxGrossExposurePct <= 0 {
		errs = append(errs, errors.New("risk.max_gross_exposure_pct must be positive"))
	}
	if c.Risk.MinContracts < 0 || c.Risk.MaxContracts < c.Risk.MinContracts {
		errs = append(errs, fmt.Errorf("risk contracts range [%d, %d] is invalid", c.Risk.MinContracts, c.Risk.MaxContracts))
	}
	if c.Backtest.Workers < 1 {
		errs = append(errs, errors.New("backtest.workers must be at least 1"))
	}
	if c.Backtest.QueueSize < 1 {
		errs = append(errs, errors.New("backtest.queue_size must be at least 1"))
	}
	switch c.Trading.Broker {
	case "simulator":
	case "bridge":
		if c.Bridge.URL == "" {
			errs = append(errs, errors.New("bridge.url is required for the bridge broker"))
		}
	case "alpaca":
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			errs = append(errs, errors.New("alpaca credentials are required for the alpaca broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("trading.broker %q is not one of bridge, alpaca, simulator", c.Trading.Broker))
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at path over Default(), loads a .env
// file from the working directory when present, applies environment variable
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Path returns the config path from TRADEBOT_CONFIG or the default location.
func Path() string {
	if p := os.Getenv("TRADEBOT_CONFIG"); p != "" {
		return p
	}
	return "config/tradebot.yaml"
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
	// Standard Alpaca env vars (highest priority, the SDK's canonical names).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("BRIDGE_URL"); v != "" {
		cfg.Bridge.URL = v
	}
	if v := os.Getenv("BRIDGE_TOKEN"); v != "" {
		cfg.Bridge.Token = v
	}

	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_ALLOWED_CHAT_IDS"); v != "" {
		cfg.Telegram.AllowedChatIDs = parseIDs(v)
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TRADEBOT_BROKER"); v != "" {
		cfg.Trading.Broker = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIDs(v string) []int64 {
	var out []int64
	for _, p := range splitList(v) {
		id, err := strconv.ParseInt(p, 10, 64)
		if err == nil {
			out = append(out, id)
		}
	}
	return out
}

// Params returns a copy of the configured overrides for name.
func (b BacktestConfig) Params(name string) map[string]float64 {
	src := b.StrategyParams[name]
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
