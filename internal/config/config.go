package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL       string
	StorageDriver     string
	ServerAddr        string
	MigrationsDir     string
	LogLevel          string
	LogFormat         string
	ReservationTTL    time.Duration
	CheckoutDuration  time.Duration
	ReconcileInterval time.Duration
	TxMaxRetries      int
	Redis             RedisConfig
	AuditSigningKey   []byte
	BootstrapAdmin    string
}

// RedisConfig is optional; an empty Addr disables the Redis publisher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// Load reads configuration from the environment, after loading .env when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "keyhub")
		pass := getenv("POSTGRES_PASSWORD", "keyhub_pass")
		db := getenv("POSTGRES_DB", "keyhub")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	driver := strings.ToLower(getenv("STORAGE_DRIVER", DriverPostgres))
	if driver != DriverPostgres && driver != DriverMemory {
		return nil, fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, driver)
	}

	signingKey, err := loadHexKey(os.Getenv("AUDIT_SIGNING_KEY"))
	if err != nil {
		return nil, fmt.Errorf("AUDIT_SIGNING_KEY: %w", err)
	}

	cfg := &Config{
		DatabaseURL:       dsn,
		StorageDriver:     driver,
		ServerAddr:        getenv("SERVER_ADDR", "0.0.0.0:8080"),
		MigrationsDir:     getenv("MIGRATIONS_DIR", "internal/migrations"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		LogFormat:         getenv("LOG_FORMAT", "json"),
		ReservationTTL:    parseDuration(getenv("RESERVATION_TTL", "24h"), 24*time.Hour),
		CheckoutDuration:  parseDuration(getenv("CHECKOUT_DURATION", "168h"), 7*24*time.Hour),
		ReconcileInterval: parseDuration(getenv("RECONCILE_INTERVAL", "5m"), 5*time.Minute),
		TxMaxRetries:      parseInt(getenv("TX_MAX_RETRIES", "5"), 5),
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       parseInt(getenv("REDIS_DB", "0"), 0),
			Channel:  getenv("REDIS_CHANNEL", "keyhub:events"),
		},
		AuditSigningKey: signingKey,
		BootstrapAdmin:  strings.TrimSpace(os.Getenv("BOOTSTRAP_ADMIN")),
	}
	if cfg.ReservationTTL <= 0 {
		return nil, fmt.Errorf("RESERVATION_TTL must be positive")
	}
	if cfg.TxMaxRetries < 1 {
		cfg.TxMaxRetries = 1
	}
	return cfg, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func loadHexKey(hexStr string) ([]byte, error) {
	if hexStr == "" {
		return nil, nil
	}
	return hex.DecodeString(hexStr)
}
