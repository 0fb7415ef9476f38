package cliparse

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Group selection strategies
const (
	GroupSelectionPack   = "pack"
	GroupSelectionOldest = "oldest"
)

type Config struct {
	Port         int
	DatabaseURL  string
	DatabaseType string
	CookieSecret string
	JWTSecret    string
	AssetsDir    string
	FixturesPath string

	AllowedOrigins []string

	MaxIdCookies        int
	MaxResultDataSize   int64
	GroupSelection      string
	ChannelIdleTimeout  time.Duration
	SweepAbandonedAfter time.Duration

	AMQPURL      string
	AMQPExchange string

	IssueAdminToken string
}

// ParseFlags validates flags and falls back to environment variables.
// A .env file in the working directory is loaded first if present.
func ParseFlags(args []string) (Config, error) {
	var cfg Config

	// Missing .env is fine; real env vars always win over it
	_ = godotenv.Load()

	fs := flag.NewFlagSet("publix", flag.ContinueOnError)

	// Network config (can be CLI args or env)
	fs.IntVar(&cfg.Port, "p", 0, "Server port")
	fs.StringVar(&cfg.DatabaseURL, "d", "", "Database URL")
	fs.StringVar(&cfg.DatabaseType, "t", "", "Database type (sqlite or postgres)")
	fs.StringVar(&cfg.AssetsDir, "assets", "", "Study assets root directory")
	fs.StringVar(&cfg.FixturesPath, "fixtures", "", "JSON file with studies to load at start-up")
	origins := fs.String("allowed-origins", "", "Comma-separated study page origins for CORS (empty = any)")

	// Secrets (prefer env variables, but allow CLI for dev)
	fs.StringVar(&cfg.CookieSecret, "cookie-secret", "", "Identity cookie HMAC secret (prefer env)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "Admin token secret (prefer env)")

	// Run protocol tuning
	fs.IntVar(&cfg.MaxIdCookies, "max-id-cookies", 0, "Concurrent runs per browser")
	fs.Int64Var(&cfg.MaxResultDataSize, "max-result-data", 0, "Max result data size in bytes")
	fs.StringVar(&cfg.GroupSelection, "group-selection", "", "Group selection strategy (pack or oldest)")
	fs.DurationVar(&cfg.ChannelIdleTimeout, "channel-idle-timeout", 0, "Close group channels idle this long (0 = never)")
	fs.DurationVar(&cfg.SweepAbandonedAfter, "sweep-abandoned-after", 0, "Fail runs idle this long at start-up (0 = never)")

	// Event publishing
	fs.StringVar(&cfg.AMQPURL, "amqp", "", "AMQP URL for run events (empty = log only)")
	fs.StringVar(&cfg.AMQPExchange, "amqp-exchange", "", "AMQP exchange for run events")

	fs.StringVar(&cfg.IssueAdminToken, "issue-admin-token", "", "Print an admin token for this email and exit")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// Fall back to environment variables
	if cfg.Port == 0 {
		if portStr := os.Getenv("PORT"); portStr != "" {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return Config{}, errors.New("invalid PORT env variable")
			}
			cfg.Port = port
		} else {
			cfg.Port = 9000 // default
		}
	}

	if cfg.DatabaseType == "" {
		cfg.DatabaseType = os.Getenv("DATABASE_TYPE")
		if cfg.DatabaseType == "" {
			cfg.DatabaseType = "sqlite"
		}
	}
	if cfg.DatabaseType != "sqlite" && cfg.DatabaseType != "postgres" {
		return Config{}, errors.New("database type must be sqlite or postgres")
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("database URL required (use -d or DATABASE_URL env)")
	}

	if cfg.AssetsDir == "" {
		cfg.AssetsDir = envOr("PUBLIX_ASSETS_DIR", "study_assets")
	}
	if cfg.FixturesPath == "" {
		cfg.FixturesPath = os.Getenv("PUBLIX_FIXTURES")
	}

	if *origins == "" {
		*origins = os.Getenv("PUBLIX_ALLOWED_ORIGINS")
	}
	for _, o := range strings.Split(*origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	if cfg.MaxIdCookies == 0 {
		n, err := envInt("PUBLIX_MAX_ID_COOKIES", 10)
		if err != nil {
			return Config{}, err
		}
		cfg.MaxIdCookies = n
	}
	if cfg.MaxIdCookies < 1 {
		return Config{}, errors.New("max id cookies must be at least 1")
	}
	if cfg.MaxResultDataSize == 0 {
		n, err := envInt("PUBLIX_MAX_RESULT_DATA", 5*1024*1024)
		if err != nil {
			return Config{}, err
		}
		cfg.MaxResultDataSize = int64(n)
	}

	if cfg.GroupSelection == "" {
		cfg.GroupSelection = envOr("PUBLIX_GROUP_SELECTION", GroupSelectionPack)
	}
	if cfg.GroupSelection != GroupSelectionPack && cfg.GroupSelection != GroupSelectionOldest {
		return Config{}, errors.New("group selection must be pack or oldest")
	}
	if cfg.ChannelIdleTimeout == 0 {
		if v := os.Getenv("PUBLIX_CHANNEL_IDLE_TIMEOUT"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, errors.New("invalid PUBLIX_CHANNEL_IDLE_TIMEOUT env variable")
			}
			cfg.ChannelIdleTimeout = d
		}
	}

	if cfg.AMQPURL == "" {
		cfg.AMQPURL = os.Getenv("AMQP_URL")
	}
	if cfg.AMQPExchange == "" {
		cfg.AMQPExchange = envOr("AMQP_EXCHANGE", "publix.runs")
	}

	// Secrets - MUST be provided
	if cfg.CookieSecret == "" {
		cfg.CookieSecret = os.Getenv("COOKIE_SECRET")
	}
	if cfg.CookieSecret == "" {
		return Config{}, errors.New("COOKIE_SECRET required")
	}

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = os.Getenv("JWT_SECRET")
	}
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New("invalid " + key + " env variable")
	}
	return n, nil
}
