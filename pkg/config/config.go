package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the copy trading core.
type Config struct {
	// Account roster
	RosterPath string

	// State and control directories
	DataDir    string // nonce files, position stores
	ControlDir string // operator flag files (halt-entries, emergency-stop)

	// Database
	DBPath string

	// Engine
	CycleInterval    time.Duration
	MaxOpenPositions int
	StopLossPct      float64
	TrailingOffset   float64
	MaxHoldHours     float64
	CatastrophicPct  float64

	// Connection pacing
	MinCallSpacingMs int
	ConnectDelaySec  int
	MaxAttempts      int

	// Market feed
	FeedSymbols []string
	UseMockFeed bool

	// Venues
	BinanceTestnet bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		RosterPath:       getEnv("ACCOUNTS_PATH", "./accounts.yaml"),
		DataDir:          getEnv("DATA_DIR", "./data"),
		ControlDir:       getEnv("CONTROL_DIR", "./data/control"),
		DBPath:           getEnv("DB_PATH", "./data/copytrade.db"),
		CycleInterval:    time.Duration(getEnvInt("CYCLE_INTERVAL_SEC", 15)) * time.Second,
		MaxOpenPositions: getEnvInt("MAX_OPEN_POSITIONS", 3),
		StopLossPct:      getEnvFloat("STOP_LOSS_PCT", 0.02),
		TrailingOffset:   getEnvFloat("TRAILING_OFFSET", 0.015),
		MaxHoldHours:     getEnvFloat("MAX_HOLD_HOURS", 4),
		CatastrophicPct:  getEnvFloat("CATASTROPHIC_PCT", 0.08),
		MinCallSpacingMs: getEnvInt("MIN_CALL_SPACING_MS", 250),
		ConnectDelaySec:  getEnvInt("CONNECT_DELAY_SEC", 2),
		MaxAttempts:      getEnvInt("MAX_ATTEMPTS", 4),
		FeedSymbols:      splitAndTrim(getEnv("FEED_SYMBOLS", "BTC-USDT,ETH-USDT")),
		UseMockFeed:      getEnv("USE_MOCK_FEED", "false") == "true",
		BinanceTestnet:   getEnv("BINANCE_TESTNET", "false") == "true",
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
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
