package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the signal execution service.
type Config struct {
	Port string

	// Logging
	LogLevel  string
	LogFormat string // "json" or "console"

	// Database
	DBPath string

	// Bot seed file (YAML); empty disables seeding.
	BotsFile string

	// Auth
	JWTSecret string

	// Credential vault keys by version (MASTER_ENCRYPTION_KEY is v1).
	EncryptionKeys map[int]string

	// Execution engine
	PollMaxAttempts    int
	PollInterval       time.Duration
	ReconcileTolerance float64
	SweepInterval      time.Duration
	TradingDayTZ       string

	// Broker adapters
	BrokerTimeout    time.Duration
	BrokerRateLimit  float64 // requests per second, per client
	AlpacaBaseURL    string
	AlpacaDataURL    string
	BinanceTestnet   bool
	DryRun           bool // force the paper broker for every user
	PaperEquity      float64
	PaperSlippageBps float64
	PaperLatencyMs   int

	// Operator alerts
	TelegramToken  string
	TelegramChatID int64

	// Webhook ingress
	WebhookRateLimit float64
	WebhookRateBurst int
	RequestTimeout   time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the service still starts when .env is missing.
	_ = godotenv.Load()

	chatID, err := strconv.ParseInt(getEnv("TELEGRAM_CHAT_ID", "0"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse TELEGRAM_CHAT_ID: %w", err)
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		DBPath:             getEnv("DB_PATH", "./data/signal.db"),
		BotsFile:           getEnv("BOTS_FILE", ""),
		JWTSecret:          getEnv("JWT_SECRET", "dev-secret"),
		EncryptionKeys:     loadEncryptionKeys("MASTER_ENCRYPTION_KEY"),
		PollMaxAttempts:    getEnvInt("POLL_MAX_ATTEMPTS", 3),
		PollInterval:       getEnvDuration("POLL_INTERVAL", 2*time.Second),
		ReconcileTolerance: getEnvFloat("RECONCILE_TOLERANCE", 0.0001),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", time.Minute),
		TradingDayTZ:       getEnv("TRADING_DAY_TZ", "UTC"),
		BrokerTimeout:      getEnvDuration("BROKER_TIMEOUT", 10*time.Second),
		BrokerRateLimit:    getEnvFloat("BROKER_RATE_LIMIT", 3),
		AlpacaBaseURL:      getEnv("ALPACA_BASE_URL", "https://paper-api.alpaca.markets"),
		AlpacaDataURL:      getEnv("ALPACA_DATA_URL", "https://data.alpaca.markets"),
		BinanceTestnet:     getEnvBool("BINANCE_TESTNET", false),
		DryRun:             getEnvBool("DRY_RUN", false),
		PaperEquity:        getEnvFloat("PAPER_INITIAL_EQUITY", 100000),
		PaperSlippageBps:   getEnvFloat("PAPER_SLIPPAGE_BPS", 2),
		PaperLatencyMs:     getEnvInt("PAPER_LATENCY_MS", 0),
		TelegramToken:      os.Getenv("TELEGRAM_TOKEN"),
		TelegramChatID:     chatID,
		WebhookRateLimit:   getEnvFloat("WEBHOOK_RATE_LIMIT", 20),
		WebhookRateBurst:   getEnvInt("WEBHOOK_RATE_BURST", 50),
		RequestTimeout:     getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.PollMaxAttempts < 1 {
		errs = append(errs, errors.New("POLL_MAX_ATTEMPTS must be at least 1"))
	}
	if c.PollInterval < 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must not be negative"))
	}
	if c.ReconcileTolerance < 0 {
		errs = append(errs, errors.New("RECONCILE_TOLERANCE must not be negative"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.BrokerTimeout <= 0 {
		errs = append(errs, errors.New("BROKER_TIMEOUT must be positive"))
	}
	if _, err := time.LoadLocation(c.TradingDayTZ); err != nil {
		errs = append(errs, fmt.Errorf("TRADING_DAY_TZ: %w", err))
	}
	if !c.DryRun && c.EncryptionKeys[1] == "" {
		errs = append(errs, errors.New("MASTER_ENCRYPTION_KEY is required unless DRY_RUN=true"))
	}
	if c.TelegramToken != "" && c.TelegramChatID == 0 {
		errs = append(errs, errors.New("TELEGRAM_CHAT_ID is required with TELEGRAM_TOKEN"))
	}
	return errors.Join(errs...)
}

// Location returns the time zone that defines the trading day.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TradingDayTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// loadEncryptionKeys collects PREFIX (version 1) and PREFIX_V2..PREFIX_V10.
func loadEncryptionKeys(prefix string) map[int]string {
	keys := make(map[int]string)
	if v := os.Getenv(prefix); v != "" {
		keys[1] = v
	}
	for ver := 2; ver <= 10; ver++ {
		if v := os.Getenv(fmt.Sprintf("%s_V%d", prefix, ver)); v != "" {
			keys[ver] = v
		}
	}
	return keys
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("2s", "500ms") or bare milliseconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
