package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type HTTP struct {
	Addr           string
	AllowedOrigins []string
}

type Ledger struct {
	DBPath string
	// OpeningBalance is credited to every newly registered trader.
	OpeningBalance decimal.Decimal
}

type Engine struct {
	Symbol            string
	BroadcastInterval time.Duration
	SnapshotDepth     int
	NotifyQueueSize   int
}

type Auth struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type Feed struct {
	Enabled  bool
	Interval time.Duration
}

type Config struct {
	HTTP    HTTP
	Ledger  Ledger
	Engine  Engine
	Auth    Auth
	Feed    Feed
	LogFile string
}

func Default() Config {
	return Config{
		HTTP: HTTP{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Ledger: Ledger{
			DBPath:         "data/ledger",
			OpeningBalance: decimal.NewFromInt(10000),
		},
		Engine: Engine{
			Symbol:            "RELIANCE",
			BroadcastInterval: time.Second,
			SnapshotDepth:     5,
			NotifyQueueSize:   64,
		},
		Auth: Auth{
			JWTSecret: "dev-only-secret",
			TokenTTL:  7 * 24 * time.Hour,
		},
		Feed: Feed{
			Enabled:  true,
			Interval: 500 * time.Millisecond,
		},
		LogFile: "data/exchanged.log",
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.HTTP.Addr = addr
	}
	if path := os.Getenv("LEDGER_DB_PATH"); path != "" {
		cfg.Ledger.DBPath = path
	}
	if bal := os.Getenv("OPENING_BALANCE"); bal != "" {
		if v, err := decimal.NewFromString(bal); err == nil {
			cfg.Ledger.OpeningBalance = v
		}
	}
	if sym := os.Getenv("SYMBOL"); sym != "" {
		cfg.Engine.Symbol = sym
	}
	if ms := envMillis("BROADCAST_INTERVAL_MS"); ms > 0 {
		cfg.Engine.BroadcastInterval = ms
	}
	if depth := os.Getenv("SNAPSHOT_DEPTH"); depth != "" {
		if v, err := strconv.Atoi(depth); err == nil && v > 0 {
			cfg.Engine.SnapshotDepth = v
		}
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if ms := envMillis("TOKEN_TTL_MS"); ms > 0 {
		cfg.Auth.TokenTTL = ms
	}
	if enabled := os.Getenv("FEED_ENABLED"); enabled != "" {
		cfg.Feed.Enabled = enabled == "true" || enabled == "1"
	}
	if ms := envMillis("FEED_INTERVAL_MS"); ms > 0 {
		cfg.Feed.Interval = ms
	}
	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		cfg.LogFile = logFile
	}

	return cfg
}

func envMillis(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
