package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pullbackbot/internal/adapters/logger"
	"pullbackbot/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Market
	Symbols    []string
	QuoteAsset string

	// Trading Parameters
	TransactionQuantity float64 // Base-asset quantity bought per entry
	TransactionAmount   float64 // Quote balance required before an entry
	MaxPositions        int
	MaxDailyTrades      int // 0 disables the daily cap
	MinNotional         float64

	// Entry Detection
	EntryTiers      domain.TierTable
	ConfirmTicks    int
	ConfirmDistinct bool // Require distinct oscillator values between confirmation ticks
	RSIPeriod       int

	// Entry Gates
	WilliamsPeriod int
	WilliamsLow    float64
	WilliamsHigh   float64
	DMIPeriod      int
	DMIModerate    float64
	DMIThreshold   float64

	// Exit Protection
	ExitTiers      domain.TierTable
	VigilanceTiers domain.TierTable
	ATRPeriod      int
	ATRInterval    string
	ATRMultiplier  float64
	StopDwell      time.Duration

	// Order Execution
	BuyTimeout      time.Duration
	BuyMaxAttempts  int
	SellTimeout     time.Duration
	SellMaxAttempts int

	// Scheduling
	AnalysisInterval time.Duration
	CheckInterval    time.Duration

	// Indicator Gateway (taapi.io)
	TaapiSecret   string
	TaapiEndpoint string
	TaapiExchange string
	TaapiInterval string

	// Telegram (empty token disables notifications)
	TelegramToken  string
	TelegramChatID string

	// Database
	DBPath string

	// Trade journal CSV (empty disables)
	JournalPath string

	// Prometheus listen address (empty disables)
	MetricsAddr string

	// Logging
	LogLevel logger.LogLevel
}

// Built-in tier ladders. A TIER_FILE overrides any of the three tables; the
// percentages here are the tuned production defaults.
var (
	defaultEntryTiers = []domain.Tier{
		{Trigger: 10, Recover: 20, Immediate: true},
		{Trigger: 20, Recover: 25, Immediate: true},
		{Trigger: 25, Recover: 30, Immediate: true},
	}

	defaultExitTiers = []domain.Tier{
		{Trigger: 0.12, Recover: 0.07, Immediate: true},
		{Trigger: 0.20, Recover: 0.12, Immediate: true},
		{Trigger: 0.25, Recover: 0.20, Immediate: true},
		{Trigger: 0.40, Recover: 0.25, Immediate: true},
		{Trigger: 0.50, Recover: 0.40, Immediate: true},
		{Trigger: 0.60, Recover: 0.50, Immediate: true},
		{Trigger: 0.80, Recover: 0.60, Immediate: true},
		{Trigger: 0.85, Recover: 0.70, Immediate: true},
		{Trigger: 1.00, Recover: 0.85, Immediate: true},
		{Trigger: 1.20, Recover: 1.00, Immediate: true},
		{Trigger: 1.40, Recover: 1.20, Immediate: true},
		{Trigger: 1.60, Recover: 1.40, Immediate: true},
	}

	defaultVigilanceTiers = []domain.Tier{
		{Trigger: 0.06, Recover: 0.03, Immediate: true},
		{Trigger: 0.09, Recover: 0.06, Immediate: true},
		{Trigger: 0.12, Recover: 0.09, Immediate: true},
		{Trigger: 0.20, Recover: 0.12, Immediate: true},
		{Trigger: 0.40, Recover: 0.30, Immediate: true},
		{Trigger: 0.60, Recover: 0.40, Immediate: true},
		{Trigger: 0.80, Recover: 0.60, Immediate: true},
		{Trigger: 1.00, Recover: 0.80, Immediate: true},
		{Trigger: 1.20, Recover: 1.00, Immediate: true},
		{Trigger: 1.40, Recover: 1.20, Immediate: true},
		{Trigger: 1.60, Recover: 1.40, Immediate: true},
	}
)

// DefaultEntryTiers returns the built-in entry ladder as a validated table.
// Offline tools use these accessors to run the production ladders without a
// full environment config.
func DefaultEntryTiers() (domain.TierTable, error) {
	return domain.NewEntryTable(defaultEntryTiers)
}

// DefaultExitTiers returns the built-in exit ladder as a validated table.
func DefaultExitTiers() (domain.TierTable, error) {
	return domain.NewExitTable(defaultExitTiers)
}

// DefaultVigilanceTiers returns the built-in tightened exit ladder as a
// validated table.
func DefaultVigilanceTiers() (domain.TierTable, error) {
	return domain.NewExitTable(defaultVigilanceTiers)
}

// LoadConfig loads configuration from environment variables (.env file) plus
// the optional TIER_FILE ladder override.
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Market
	cfg.Symbols = splitList(getEnv("SYMBOLS", "BTCUSDC"))
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one trading pair")
	}
	cfg.QuoteAsset = getEnv("QUOTE_ASSET", "USDC")
	if cfg.QuoteAsset == "" {
		errs = append(errs, "QUOTE_ASSET must be set")
	}

	// Trading Parameters
	cfg.TransactionQuantity, err = getEnvAsFloatRequired("TRANSACTION_QUANTITY", 0.001)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TRANSACTION_QUANTITY: %v", err))
	} else if cfg.TransactionQuantity <= 0 {
		errs = append(errs, "TRANSACTION_QUANTITY must be positive")
	}

	cfg.TransactionAmount, err = getEnvAsFloatRequired("TRANSACTION_AMOUNT", 50.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TRANSACTION_AMOUNT: %v", err))
	} else if cfg.TransactionAmount <= 0 {
		errs = append(errs, "TRANSACTION_AMOUNT must be positive")
	}

	cfg.MaxPositions, err = getEnvAsIntRequired("MAX_POSITIONS", 1)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_POSITIONS: %v", err))
	} else if cfg.MaxPositions <= 0 {
		errs = append(errs, "MAX_POSITIONS must be positive")
	}

	cfg.MaxDailyTrades, err = getEnvAsIntRequired("MAX_DAILY_TRADES", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DAILY_TRADES: %v", err))
	} else if cfg.MaxDailyTrades < 0 {
		errs = append(errs, "MAX_DAILY_TRADES cannot be negative")
	}

	cfg.MinNotional, err = getEnvAsFloatRequired("MIN_NOTIONAL", 1.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_NOTIONAL: %v", err))
	} else if cfg.MinNotional < 0 {
		errs = append(errs, "MIN_NOTIONAL cannot be negative")
	}

	// Entry Detection
	cfg.ConfirmTicks, err = getEnvAsIntRequired("SIGNAL_CONFIRM_TICKS", 3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SIGNAL_CONFIRM_TICKS: %v", err))
	} else if cfg.ConfirmTicks < 1 {
		errs = append(errs, "SIGNAL_CONFIRM_TICKS must be at least 1")
	}
	cfg.ConfirmDistinct = getEnvAsBool("SIGNAL_CONFIRM_DISTINCT", true)

	cfg.RSIPeriod = getEnvAsInt("RSI_PERIOD", 4)
	if cfg.RSIPeriod < 1 {
		errs = append(errs, "RSI_PERIOD must be at least 1")
	}

	// Entry Gates
	cfg.WilliamsPeriod = getEnvAsInt("WILLR_PERIOD", 14)
	cfg.WilliamsLow = getEnvAsFloat("WILLR_LOW", -80)
	cfg.WilliamsHigh = getEnvAsFloat("WILLR_HIGH", -30)
	if cfg.WilliamsPeriod < 1 {
		errs = append(errs, "WILLR_PERIOD must be at least 1")
	}
	if cfg.WilliamsLow >= cfg.WilliamsHigh {
		errs = append(errs, "WILLR_LOW must be below WILLR_HIGH")
	}

	cfg.DMIPeriod = getEnvAsInt("DMI_PERIOD", 5)
	cfg.DMIModerate = getEnvAsFloat("DMI_MODERATE", 50)
	cfg.DMIThreshold = getEnvAsFloat("DMI_THRESHOLD", 66)
	if cfg.DMIPeriod < 1 {
		errs = append(errs, "DMI_PERIOD must be at least 1")
	}
	if cfg.DMIModerate > cfg.DMIThreshold {
		errs = append(errs, "DMI_MODERATE must not exceed DMI_THRESHOLD")
	}

	// Exit Protection
	cfg.ATRPeriod = getEnvAsInt("ATR_PERIOD", 4)
	cfg.ATRInterval = getEnv("ATR_INTERVAL", "15m")
	cfg.ATRMultiplier = getEnvAsFloat("ATR_MULTIPLIER", 1.8)
	if cfg.ATRPeriod < 1 {
		errs = append(errs, "ATR_PERIOD must be at least 1")
	}
	if cfg.ATRInterval == "" {
		errs = append(errs, "ATR_INTERVAL must be set")
	}
	if cfg.ATRMultiplier <= 0 {
		errs = append(errs, "ATR_MULTIPLIER must be positive")
	}

	stopDwellSeconds := getEnvAsInt("STOP_DWELL_SECONDS", 5)
	if stopDwellSeconds < 0 {
		errs = append(errs, "STOP_DWELL_SECONDS cannot be negative")
	}
	cfg.StopDwell = time.Duration(stopDwellSeconds) * time.Second

	// Order Execution
	buyTimeoutSeconds := getEnvAsInt("BUY_TIMEOUT_SECONDS", 4)
	if buyTimeoutSeconds <= 0 {
		errs = append(errs, "BUY_TIMEOUT_SECONDS must be positive")
	}
	cfg.BuyTimeout = time.Duration(buyTimeoutSeconds) * time.Second

	cfg.BuyMaxAttempts = getEnvAsInt("BUY_MAX_ATTEMPTS", 3)
	if cfg.BuyMaxAttempts < 1 {
		errs = append(errs, "BUY_MAX_ATTEMPTS must be at least 1")
	}

	sellTimeoutSeconds := getEnvAsInt("SELL_TIMEOUT_SECONDS", 2)
	if sellTimeoutSeconds <= 0 {
		errs = append(errs, "SELL_TIMEOUT_SECONDS must be positive")
	}
	cfg.SellTimeout = time.Duration(sellTimeoutSeconds) * time.Second

	cfg.SellMaxAttempts = getEnvAsInt("SELL_MAX_ATTEMPTS", 10)
	if cfg.SellMaxAttempts < 1 {
		errs = append(errs, "SELL_MAX_ATTEMPTS must be at least 1")
	}

	// Scheduling
	analysisSeconds := getEnvAsInt("ANALYSIS_INTERVAL_SECONDS", 1)
	if analysisSeconds <= 0 {
		errs = append(errs, "ANALYSIS_INTERVAL_SECONDS must be positive")
	}
	cfg.AnalysisInterval = time.Duration(analysisSeconds) * time.Second

	checkSeconds := getEnvAsInt("CHECK_INTERVAL_SECONDS", 1)
	if checkSeconds <= 0 {
		errs = append(errs, "CHECK_INTERVAL_SECONDS must be positive")
	}
	cfg.CheckInterval = time.Duration(checkSeconds) * time.Second

	// Indicator Gateway
	cfg.TaapiSecret = getEnv("TAAPI_SECRET", "")
	cfg.TaapiEndpoint = getEnv("TAAPI_ENDPOINT", "https://api.taapi.io")
	cfg.TaapiExchange = getEnv("TAAPI_EXCHANGE", "binance")
	cfg.TaapiInterval = getEnv("TAAPI_INTERVAL", "15m")
	if cfg.TaapiSecret == "" {
		errs = append(errs, "TAAPI_SECRET must be set")
	}
	if cfg.TaapiEndpoint == "" {
		errs = append(errs, "TAAPI_ENDPOINT must be set")
	}

	// Telegram
	cfg.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	cfg.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", "")
	if cfg.TelegramToken != "" && cfg.TelegramChatID == "" {
		errs = append(errs, "TELEGRAM_CHAT_ID must be set when TELEGRAM_BOT_TOKEN is")
	}

	// Database and journal
	cfg.DBPath = getEnv("DB_PATH", "./data/pullbackbot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}
	cfg.JournalPath = getEnvAllowEmpty("JOURNAL_PATH", "./data/trades.csv")

	// Metrics
	cfg.MetricsAddr = getEnvAllowEmpty("METRICS_ADDR", ":9090")

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr)

	// Tier ladders: built-in defaults plus the optional override file.
	entryRows, exitRows, vigilanceRows := defaultEntryTiers, defaultExitTiers, defaultVigilanceTiers
	if path := getEnv("TIER_FILE", ""); path != "" {
		override, loadErr := loadTierFile(path)
		if loadErr != nil {
			errs = append(errs, fmt.Sprintf("invalid TIER_FILE: %v", loadErr))
		} else {
			if len(override.Entry) > 0 {
				entryRows = toTiers(override.Entry)
			}
			if len(override.Exit) > 0 {
				exitRows = toTiers(override.Exit)
			}
			if len(override.Vigilance) > 0 {
				vigilanceRows = toTiers(override.Vigilance)
			}
		}
	}

	cfg.EntryTiers, err = domain.NewEntryTable(entryRows)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid entry tier ladder: %v", err))
	}
	cfg.ExitTiers, err = domain.NewExitTable(exitRows)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid exit tier ladder: %v", err))
	}
	cfg.VigilanceTiers, err = domain.NewExitTable(vigilanceRows)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid vigilance tier ladder: %v", err))
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Tier override file ---

// tierRow mirrors one ladder row in the YAML override file. The "stop" key
// maps to the recover bound of the row.
type tierRow struct {
	Trigger   float64 `yaml:"trigger"`
	Stop      float64 `yaml:"stop"`
	Immediate bool    `yaml:"immediate"`
}

type tierFile struct {
	Entry     []tierRow `yaml:"entry"`
	Exit      []tierRow `yaml:"exit"`
	Vigilance []tierRow `yaml:"vigilance"`
}

func loadTierFile(path string) (*tierFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var tf tierFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &tf, nil
}

func toTiers(rows []tierRow) []domain.Tier {
	tiers := make([]domain.Tier, 0, len(rows))
	for _, r := range rows {
		tiers = append(tiers, domain.Tier{Trigger: r.Trigger, Recover: r.Stop, Immediate: r.Immediate})
	}
	return tiers
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAllowEmpty distinguishes unset from set-but-empty: an unset variable
// falls back to the default, while an explicitly empty one stays empty so the
// caller can treat it as disabled.
func getEnvAllowEmpty(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
