package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	BinanceConfig        BinanceConfig        `json:"binance"`
	TradingConfig        TradingConfig        `json:"trading"`
	HedgeConfig          HedgeConfig          `json:"hedge"`
	LevelConfig          LevelConfig          `json:"levels"`
	IndicatorConfig      IndicatorConfig      `json:"indicators"`
	ScalpConfig          ScalpConfig          `json:"scalp"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	NotificationConfig   NotificationConfig   `json:"notification"`
	LoggingConfig        LoggingConfig        `json:"logging"`
	ServerConfig         ServerConfig         `json:"server"`
	AuthConfig           AuthConfig           `json:"auth"`
	VaultConfig          VaultConfig          `json:"vault"`
	RedisConfig          RedisConfig          `json:"redis"`
	DatabaseConfig       DatabaseConfig       `json:"database"`
}

type BinanceConfig struct {
	APIKey          string `json:"api_key"`
	SecretKey       string `json:"secret_key"`
	TestNet         bool   `json:"testnet"`
	MarginType      string `json:"margin_type"` // CROSSED or ISOLATED
	UseMarkStream   bool   `json:"use_mark_stream"`
	RequestsPerSec  int    `json:"requests_per_sec"`
	QuantityStep    string `json:"quantity_step"` // e.g. "1" for ADAUSDT
	PriceTick       string `json:"price_tick"`    // e.g. "0.0001"
	RecvWindowMs    int    `json:"recv_window_ms"`
	MaxRetryElapsed int    `json:"max_retry_elapsed_sec"`
}

type TradingConfig struct {
	Symbol          string   `json:"symbol"`
	DryRun          bool     `json:"dry_run"`
	StaticBalance   float64  `json:"static_balance"` // fallback when the balance query fails
	BalanceCacheTTL int      `json:"balance_cache_ttl_sec"`
	TickInterval    int      `json:"tick_interval_sec"`
	EntryTimeframe  string   `json:"entry_timeframe"`
	TrendTimeframe  string   `json:"trend_timeframe"`
	LevelTimeframes []string `json:"level_timeframes"`
	KlineLimit      int      `json:"kline_limit"`
	TickLockEnabled bool     `json:"tick_lock_enabled"`
}

// HedgeConfig drives the anchor/opportunity cycle and the hedge exit rules.
// Percent-like values are fractions (0.02 == 2%).
type HedgeConfig struct {
	AnchorFraction           float64 `json:"anchor_fraction"`
	AnchorHedgeFraction      float64 `json:"anchor_hedge_fraction"`
	OpportunityFraction      float64 `json:"opportunity_fraction"`
	OpportunityHedgeFraction float64 `json:"opportunity_hedge_fraction"`

	AnchorLeverage           int `json:"anchor_leverage"`
	AnchorHedgeLeverage      int `json:"anchor_hedge_leverage"`
	OpportunityLeverage      int `json:"opportunity_leverage"`
	OpportunityHedgeLeverage int `json:"opportunity_hedge_leverage"`

	EntryTolerance        float64 `json:"entry_tolerance"`
	LiquidationBuffer     float64 `json:"liquidation_buffer"`
	PriceReturnTolerance  float64 `json:"price_return_tolerance"`
	DoubleProfitThreshold float64 `json:"double_profit_threshold"`

	AnchorMinProfit      float64 `json:"anchor_min_profit"`
	OpportunityMinProfit float64 `json:"opportunity_min_profit"`
	ScalpMinProfit       float64 `json:"scalp_min_profit"`
	ProfitLevelStrength  float64 `json:"profit_level_strength"`

	PeakWindow  int     `json:"peak_window"`
	PeakDecline float64 `json:"peak_decline"`
}

type LevelConfig struct {
	Tolerance  float64 `json:"tolerance"`
	MaxLevels  int     `json:"max_levels"`
	MinTouches int     `json:"min_touches"`
	// DecayAfterHours drops levels untouched for this long. 0 disables decay.
	DecayAfterHours int `json:"decay_after_hours"`
}

type IndicatorConfig struct {
	RSIPeriod          int     `json:"rsi_period"`
	EMAFastPeriod      int     `json:"ema_fast_period"`
	EMASlowPeriod      int     `json:"ema_slow_period"`
	VolumePeriod       int     `json:"volume_period"`
	VolumeMultiplier   float64 `json:"volume_multiplier"`
	LowVolumeThreshold float64 `json:"low_volume_threshold"`
	RSIOversold        float64 `json:"rsi_oversold"`
	RSIOverbought      float64 `json:"rsi_overbought"`
}

type ScalpConfig struct {
	Enabled        bool    `json:"enabled"`
	Timeframe      string  `json:"timeframe"`
	Fraction       float64 `json:"fraction"`
	HedgeFraction  float64 `json:"hedge_fraction"` // per hedge level
	Leverage       int     `json:"leverage"`
	HedgeLeverage  int     `json:"hedge_leverage"`
	MaxHedgeLevels int     `json:"max_hedge_levels"`
}

type CircuitBreakerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxLossPerHour       float64 `json:"max_loss_per_hour"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	CooldownMinutes      int     `json:"cooldown_minutes"`
	MaxTradesPerMinute   int     `json:"max_trades_per_minute"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`
	MaxDailyTrades       int     `json:"max_daily_trades"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   int64  `json:"chat_id"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

type ServerConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
	Issuer    string `json:"issuer"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

type RedisConfig struct {
	Enabled   bool   `json:"enabled"`
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	PoolSize  int    `json:"pool_size"`
	KeyPrefix string `json:"key_prefix"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// Defaults returns a fully populated configuration.
func Defaults() *Config {
	return &Config{
		BinanceConfig: BinanceConfig{
			MarginType:      "ISOLATED",
			UseMarkStream:   true,
			RequestsPerSec:  10,
			QuantityStep:    "1",
			PriceTick:       "0.0001",
			RecvWindowMs:    10000,
			MaxRetryElapsed: 20,
		},
		TradingConfig: TradingConfig{
			Symbol:          "ADAUSDT",
			DryRun:          true,
			StaticBalance:   1000,
			BalanceCacheTTL: 30,
			TickInterval:    60,
			EntryTimeframe:  "15m",
			TrendTimeframe:  "4h",
			LevelTimeframes: []string{"15m", "1h", "4h"},
			KlineLimit:      200,
			TickLockEnabled: true,
		},
		HedgeConfig: HedgeConfig{
			AnchorFraction:           0.20,
			AnchorHedgeFraction:      0.30,
			OpportunityFraction:      0.20,
			OpportunityHedgeFraction: 0.30,
			AnchorLeverage:           10,
			AnchorHedgeLeverage:      25,
			OpportunityLeverage:      10,
			OpportunityHedgeLeverage: 25,
			EntryTolerance:           0.005,
			LiquidationBuffer:        0.01,
			PriceReturnTolerance:     0.001,
			DoubleProfitThreshold:    0.02,
			AnchorMinProfit:          0.02,
			OpportunityMinProfit:     0.015,
			ScalpMinProfit:           0.0027,
			ProfitLevelStrength:      0.4,
			PeakWindow:               10,
			PeakDecline:              0.0025,
		},
		LevelConfig: LevelConfig{
			Tolerance:  0.005,
			MaxLevels:  10,
			MinTouches: 2,
		},
		IndicatorConfig: IndicatorConfig{
			RSIPeriod:          14,
			EMAFastPeriod:      9,
			EMASlowPeriod:      21,
			VolumePeriod:       20,
			VolumeMultiplier:   1.5,
			LowVolumeThreshold: 0.8,
			RSIOversold:        30,
			RSIOverbought:      70,
		},
		ScalpConfig: ScalpConfig{
			Enabled:        false,
			Timeframe:      "5m",
			Fraction:       0.10,
			HedgeFraction:  0.05,
			Leverage:       15,
			HedgeLeverage:  25,
			MaxHedgeLevels: 3,
		},
		CircuitBreakerConfig: CircuitBreakerConfig{
			Enabled:              true,
			MaxLossPerHour:       30,
			MaxConsecutiveLosses: 5,
			CooldownMinutes:      30,
			MaxTradesPerMinute:   10,
			MaxDailyLoss:         60,
			MaxDailyTrades:       100,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		ServerConfig: ServerConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
		},
		AuthConfig: AuthConfig{
			Issuer: "ada-hedge-bot",
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "ada-hedge-bot/binance",
		},
		RedisConfig: RedisConfig{
			Address:   "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "adabot",
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "trading_bot",
			Database: "trading_bot",
			SSLMode:  "disable",
		},
	}
}

// Load reads defaults, then the JSON file named by CONFIG_FILE (config.json
// when unset, skipped if missing), then .env and process environment.
func Load() (*Config, error) {
	cfg := Defaults()

	filename := getEnvOrDefault("CONFIG_FILE", "config.json")
	if _, err := os.Stat(filename); err == nil {
		if err := loadFromFile(filename, cfg); err != nil {
			return nil, err
		}
	}

	// .env is optional
	_ = godotenv.Load()

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Binance
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.BinanceConfig.TestNet)
	cfg.BinanceConfig.MarginType = getEnvOrDefault("BINANCE_MARGIN_TYPE", cfg.BinanceConfig.MarginType)
	cfg.BinanceConfig.UseMarkStream = getEnvBoolOrDefault("BINANCE_MARK_STREAM", cfg.BinanceConfig.UseMarkStream)

	// Trading
	cfg.TradingConfig.Symbol = getEnvOrDefault("TRADING_SYMBOL", cfg.TradingConfig.Symbol)
	cfg.TradingConfig.DryRun = getEnvBoolOrDefault("DRY_RUN", cfg.TradingConfig.DryRun)
	cfg.TradingConfig.StaticBalance = getEnvFloatOrDefault("STATIC_BALANCE", cfg.TradingConfig.StaticBalance)
	cfg.TradingConfig.TickInterval = getEnvIntOrDefault("TICK_INTERVAL_SEC", cfg.TradingConfig.TickInterval)
	cfg.TradingConfig.EntryTimeframe = getEnvOrDefault("ENTRY_TIMEFRAME", cfg.TradingConfig.EntryTimeframe)
	cfg.TradingConfig.TrendTimeframe = getEnvOrDefault("TREND_TIMEFRAME", cfg.TradingConfig.TrendTimeframe)
	if tfs := os.Getenv("LEVEL_TIMEFRAMES"); tfs != "" {
		cfg.TradingConfig.LevelTimeframes = splitList(tfs)
	}

	// Hedge
	cfg.HedgeConfig.AnchorFraction = getEnvFloatOrDefault("ANCHOR_FRACTION", cfg.HedgeConfig.AnchorFraction)
	cfg.HedgeConfig.AnchorHedgeFraction = getEnvFloatOrDefault("ANCHOR_HEDGE_FRACTION", cfg.HedgeConfig.AnchorHedgeFraction)
	cfg.HedgeConfig.OpportunityFraction = getEnvFloatOrDefault("OPPORTUNITY_FRACTION", cfg.HedgeConfig.OpportunityFraction)
	cfg.HedgeConfig.OpportunityHedgeFraction = getEnvFloatOrDefault("OPPORTUNITY_HEDGE_FRACTION", cfg.HedgeConfig.OpportunityHedgeFraction)
	cfg.HedgeConfig.AnchorLeverage = getEnvIntOrDefault("ANCHOR_LEVERAGE", cfg.HedgeConfig.AnchorLeverage)
	cfg.HedgeConfig.AnchorHedgeLeverage = getEnvIntOrDefault("ANCHOR_HEDGE_LEVERAGE", cfg.HedgeConfig.AnchorHedgeLeverage)
	cfg.HedgeConfig.OpportunityLeverage = getEnvIntOrDefault("OPPORTUNITY_LEVERAGE", cfg.HedgeConfig.OpportunityLeverage)
	cfg.HedgeConfig.OpportunityHedgeLeverage = getEnvIntOrDefault("OPPORTUNITY_HEDGE_LEVERAGE", cfg.HedgeConfig.OpportunityHedgeLeverage)
	cfg.HedgeConfig.LiquidationBuffer = getEnvFloatOrDefault("LIQUIDATION_BUFFER", cfg.HedgeConfig.LiquidationBuffer)
	cfg.HedgeConfig.PriceReturnTolerance = getEnvFloatOrDefault("PRICE_RETURN_TOLERANCE", cfg.HedgeConfig.PriceReturnTolerance)

	// Scalp
	cfg.ScalpConfig.Enabled = getEnvBoolOrDefault("SCALP_ENABLED", cfg.ScalpConfig.Enabled)
	cfg.ScalpConfig.Timeframe = getEnvOrDefault("SCALP_TIMEFRAME", cfg.ScalpConfig.Timeframe)

	// Circuit breaker
	cfg.CircuitBreakerConfig.Enabled = getEnvBoolOrDefault("CIRCUIT_BREAKER_ENABLED", cfg.CircuitBreakerConfig.Enabled)
	cfg.CircuitBreakerConfig.MaxConsecutiveLosses = getEnvIntOrDefault("CIRCUIT_MAX_CONSECUTIVE_LOSSES", cfg.CircuitBreakerConfig.MaxConsecutiveLosses)
	cfg.CircuitBreakerConfig.CooldownMinutes = getEnvIntOrDefault("CIRCUIT_COOLDOWN_MINUTES", cfg.CircuitBreakerConfig.CooldownMinutes)

	// Notifications
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvInt64OrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	if cfg.NotificationConfig.Telegram.BotToken != "" && cfg.NotificationConfig.Telegram.ChatID != 0 {
		cfg.NotificationConfig.Enabled = true
		cfg.NotificationConfig.Telegram.Enabled = true
	}

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)

	// Server and auth
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.ServerConfig.AllowedOrigins = splitList(origins)
	}
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("JWT_SECRET", cfg.AuthConfig.JWTSecret)

	// Vault
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	// Redis
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Database
	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)
}

// Validate checks the numeric surface of the configuration. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	h := c.HedgeConfig

	sum := h.AnchorFraction + h.AnchorHedgeFraction + h.OpportunityFraction + h.OpportunityHedgeFraction
	if math.Abs(sum-1.0) > 1e-9 {
		errs = append(errs, fmt.Errorf("hedge role fractions must sum to 1.0, got %.6f", sum))
	}
	for name, f := range map[string]float64{
		"anchor_fraction":            h.AnchorFraction,
		"anchor_hedge_fraction":      h.AnchorHedgeFraction,
		"opportunity_fraction":       h.OpportunityFraction,
		"opportunity_hedge_fraction": h.OpportunityHedgeFraction,
	} {
		if f < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	for name, lev := range map[string]int{
		"anchor_leverage":            h.AnchorLeverage,
		"anchor_hedge_leverage":      h.AnchorHedgeLeverage,
		"opportunity_leverage":       h.OpportunityLeverage,
		"opportunity_hedge_leverage": h.OpportunityHedgeLeverage,
		"scalp.leverage":             c.ScalpConfig.Leverage,
		"scalp.hedge_leverage":       c.ScalpConfig.HedgeLeverage,
	} {
		if lev < 1 || lev > 125 {
			errs = append(errs, fmt.Errorf("%s must be within [1,125], got %d", name, lev))
		}
	}
	for name, v := range map[string]float64{
		"entry_tolerance":         h.EntryTolerance,
		"liquidation_buffer":      h.LiquidationBuffer,
		"price_return_tolerance":  h.PriceReturnTolerance,
		"double_profit_threshold": h.DoubleProfitThreshold,
		"anchor_min_profit":       h.AnchorMinProfit,
		"opportunity_min_profit":  h.OpportunityMinProfit,
		"scalp_min_profit":        h.ScalpMinProfit,
		"levels.tolerance":        c.LevelConfig.Tolerance,
	} {
		if v <= 0 || v >= 1 {
			errs = append(errs, fmt.Errorf("%s must be within (0,1), got %v", name, v))
		}
	}
	if h.PeakWindow < 8 || h.PeakWindow > 10 {
		errs = append(errs, fmt.Errorf("peak_window must be within [8,10], got %d", h.PeakWindow))
	}
	if h.PeakDecline < 0.002 || h.PeakDecline > 0.003 {
		errs = append(errs, fmt.Errorf("peak_decline must be within [0.002,0.003], got %v", h.PeakDecline))
	}

	if c.LevelConfig.MaxLevels < 1 {
		errs = append(errs, errors.New("levels.max_levels must be at least 1"))
	}
	if c.LevelConfig.MinTouches < 1 {
		errs = append(errs, errors.New("levels.min_touches must be at least 1"))
	}

	ic := c.IndicatorConfig
	if ic.RSIPeriod < 2 || ic.EMAFastPeriod < 2 || ic.EMASlowPeriod < 2 || ic.VolumePeriod < 2 {
		errs = append(errs, errors.New("indicator periods must be at least 2"))
	}
	if ic.EMAFastPeriod >= ic.EMASlowPeriod {
		errs = append(errs, fmt.Errorf("ema_fast_period (%d) must be below ema_slow_period (%d)", ic.EMAFastPeriod, ic.EMASlowPeriod))
	}
	if ic.RSIOversold <= 0 || ic.RSIOverbought >= 100 || ic.RSIOversold >= ic.RSIOverbought {
		errs = append(errs, fmt.Errorf("rsi band [%v,%v] is invalid", ic.RSIOversold, ic.RSIOverbought))
	}
	if ic.VolumeMultiplier <= 0 {
		errs = append(errs, errors.New("volume_multiplier must be positive"))
	}

	s := c.ScalpConfig
	if s.Fraction < 0 || s.HedgeFraction < 0 || s.Fraction+s.HedgeFraction*float64(s.MaxHedgeLevels) > 1 {
		errs = append(errs, errors.New("scalp fractions must be non-negative and fit within the balance"))
	}
	if s.Enabled && s.MaxHedgeLevels < 1 {
		errs = append(errs, errors.New("scalp.max_hedge_levels must be at least 1"))
	}

	if c.TradingConfig.Symbol == "" {
		errs = append(errs, errors.New("trading.symbol is required"))
	}
	if c.TradingConfig.StaticBalance <= 0 {
		errs = append(errs, errors.New("trading.static_balance must be positive"))
	}
	if c.TradingConfig.TickInterval < 1 {
		errs = append(errs, errors.New("trading.tick_interval_sec must be at least 1"))
	}
	if !c.TradingConfig.DryRun && !c.VaultConfig.Enabled &&
		(c.BinanceConfig.APIKey == "" || c.BinanceConfig.SecretKey == "") {
		errs = append(errs, errors.New("binance api credentials are required when dry_run is false"))
	}

	return errors.Join(errs...)
}

// BalanceCacheTTL returns the balance cache lifetime.
func (c *Config) BalanceCacheTTL() time.Duration {
	return time.Duration(c.TradingConfig.BalanceCacheTTL) * time.Second
}

// TickInterval returns the scheduler cadence.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TradingConfig.TickInterval) * time.Second
}

func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := json.Unmarshal(file, cfg); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GenerateSampleConfig writes the defaults as an editable JSON file.
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(Defaults(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
