package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Queue backends.
const (
	QueueRedis  = "redis"
	QueueMemory = "memory"
)

// Config holds runtime settings read from the environment.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	HTTPListenAddr   string
	PublicBasePath   string
	AdminToken       string
	MetricsNamespace string

	DatabaseDriver string
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool
	QueueBackend  string

	InstagramBaseURL string
	InstagramTimeout time.Duration
	InstagramRPS     float64
	FollowerCacheTTL time.Duration

	DispatchWorkers     int
	DispatchMaxAttempts int
	DispatchBackoffBase time.Duration
	MaxDmsPerDay        int
	DispatchMinCooldown time.Duration

	MonitorInterval    time.Duration
	MonitorPostLimit   int
	MonitorConcurrency int
	Timezone           *time.Location
}

// Load reads the configuration from environment variables, applying defaults.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		AppEnv:           getString("APP_ENV", "development"),
		LogLevel:         getString("LOG_LEVEL", "info"),
		LogFormat:        getString("LOG_FORMAT", "text"),
		HTTPListenAddr:   getString("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   getString("PUBLIC_BASE_PATH", ""),
		AdminToken:       getString("ADMIN_TOKEN", ""),
		MetricsNamespace: getString("METRICS_NAMESPACE", "comment_dm"),

		DatabaseDriver: strings.ToLower(getString("DATABASE_DRIVER", DriverPostgres)),
		DatabaseURL:    getString("DATABASE_URL", ""),
		DatabaseSchema: getString("DATABASE_SCHEMA", ""),
		SQLitePath:     getString("SQLITE_PATH", "comment-dm.db"),

		RedisAddr:     getString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getString("REDIS_PASSWORD", ""),
		QueueBackend:  strings.ToLower(getString("QUEUE_BACKEND", QueueRedis)),

		InstagramBaseURL: getString("INSTAGRAM_BASE_URL", "https://graph.instagram.com/v21.0"),
	}

	cfg.RedisDB = getInt("REDIS_DB", 0, &errs)
	cfg.RedisTLS = getBool("REDIS_TLS", false, &errs)
	cfg.InstagramTimeout = getDuration("INSTAGRAM_TIMEOUT", 15*time.Second, &errs)
	cfg.InstagramRPS = getFloat("INSTAGRAM_RPS", 5, &errs)
	cfg.FollowerCacheTTL = getDuration("FOLLOWER_CACHE_TTL", 10*time.Minute, &errs)
	cfg.DispatchWorkers = getInt("DISPATCH_WORKERS", 4, &errs)
	cfg.DispatchMaxAttempts = getInt("DISPATCH_MAX_ATTEMPTS", 3, &errs)
	cfg.DispatchBackoffBase = getDuration("DISPATCH_BACKOFF_BASE", 5*time.Second, &errs)
	cfg.MaxDmsPerDay = getInt("MAX_DMS_PER_DAY", 200, &errs)
	cfg.DispatchMinCooldown = getDuration("DISPATCH_MIN_COOLDOWN", 0, &errs)
	cfg.MonitorInterval = getDuration("MONITOR_INTERVAL", 0, &errs)
	cfg.MonitorPostLimit = getInt("MONITOR_POST_LIMIT", 10, &errs)
	cfg.MonitorConcurrency = getInt("MONITOR_CONCURRENCY", 4, &errs)

	tzName := getString("TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
		loc = time.UTC
	}
	cfg.Timezone = loc

	if err := cfg.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER %q is not supported", c.DatabaseDriver))
	}
	switch c.QueueBackend {
	case QueueRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis queue"))
		}
	case QueueMemory:
	default:
		errs = append(errs, fmt.Errorf("QUEUE_BACKEND %q is not supported", c.QueueBackend))
	}
	if c.DispatchWorkers <= 0 {
		errs = append(errs, errors.New("DISPATCH_WORKERS must be > 0"))
	}
	if c.DispatchMaxAttempts <= 0 {
		errs = append(errs, errors.New("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if c.MaxDmsPerDay <= 0 {
		errs = append(errs, errors.New("MAX_DMS_PER_DAY must be > 0"))
	}
	if c.MonitorPostLimit <= 0 {
		errs = append(errs, errors.New("MONITOR_POST_LIMIT must be > 0"))
	}
	if c.MonitorConcurrency <= 0 {
		errs = append(errs, errors.New("MONITOR_CONCURRENCY must be > 0"))
	}
	if c.InstagramRPS <= 0 {
		errs = append(errs, errors.New("INSTAGRAM_RPS must be > 0"))
	}
	return errors.Join(errs...)
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return def
}

func getInt(key string, def int, errs *[]error) int {
	raw := getString(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func getFloat(key string, def float64, errs *[]error) float64 {
	raw := getString(key, "")
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func getBool(key string, def bool, errs *[]error) bool {
	raw := getString(key, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func getDuration(key string, def time.Duration, errs *[]error) time.Duration {
	raw := getString(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
