package app

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config contains all runtime configuration. Precedence, lowest to
// highest: built-in defaults, YAML config file (LOOM_CONFIG), LOOM_* env.
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`

	// Event source connection.
	ServerURL string `yaml:"server_url"`
	UserID    string `yaml:"user_id"`
	Secret    string `yaml:"secret"`

	RateEvents int           `yaml:"rate_events"`
	RateWindow time.Duration `yaml:"rate_window"`

	// History hydration (optional; empty URL disables it).
	DatabaseURL     string `yaml:"database_url"`
	DBMaxConns      int32  `yaml:"db_max_conns"`
	DBSchema        string `yaml:"db_schema"`
	HistoryPageSize int    `yaml:"history_page_size"`

	// Local snapshot (optional; empty path disables it).
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	TypingTTL           time.Duration `yaml:"typing_ttl"`
	TypingSweepInterval time.Duration `yaml:"typing_sweep_interval"`

	// If true, /readyz returns 503 until the initial hydration finished.
	ReadinessRequireHydration bool `yaml:"readiness_require_hydration"`
}

func defaultConfig() Config {
	return Config{
		HTTPAddr: "127.0.0.1:8080",
		LogLevel: "info",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DBMaxConns:      4,
		DBSchema:        "loom",
		HistoryPageSize: 200,

		SnapshotInterval: time.Minute,

		TypingTTL:           30 * time.Second,
		TypingSweepInterval: 5 * time.Second,

		ReadinessRequireHydration: true,
	}
}

// LoadConfig loads Config from the optional .env file, the optional YAML
// config file, and environment variables.
func LoadConfig() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := defaultConfig()

	if path := EnvString("LOOM_CONFIG", ""); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg.HTTPAddr = EnvString("LOOM_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("LOOM_LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = EnvBool("LOOM_LOG_PRETTY", cfg.LogPretty)

	cfg.ReadHeaderTimeout = EnvDuration("LOOM_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("LOOM_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("LOOM_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("LOOM_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("LOOM_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.ServerURL = EnvString("LOOM_SERVER_URL", cfg.ServerURL)
	cfg.UserID = EnvString("LOOM_USER_ID", cfg.UserID)
	cfg.Secret = EnvString("LOOM_SECRET", cfg.Secret)

	cfg.RateEvents = EnvInt("LOOM_RATE_EVENTS", cfg.RateEvents)
	cfg.RateWindow = EnvDuration("LOOM_RATE_WINDOW", cfg.RateWindow)

	cfg.DatabaseURL = EnvString("LOOM_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = EnvInt32("LOOM_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBSchema = EnvString("LOOM_DB_SCHEMA", cfg.DBSchema)
	cfg.HistoryPageSize = EnvInt("LOOM_HISTORY_PAGE_SIZE", cfg.HistoryPageSize)

	cfg.SnapshotPath = EnvString("LOOM_SNAPSHOT_PATH", cfg.SnapshotPath)
	cfg.SnapshotInterval = EnvDuration("LOOM_SNAPSHOT_INTERVAL", cfg.SnapshotInterval)

	cfg.TypingTTL = EnvDuration("LOOM_TYPING_TTL", cfg.TypingTTL)
	cfg.TypingSweepInterval = EnvDuration("LOOM_TYPING_SWEEP_INTERVAL", cfg.TypingSweepInterval)

	cfg.ReadinessRequireHydration = EnvBool("LOOM_READINESS_REQUIRE_HYDRATION", cfg.ReadinessRequireHydration)

	return cfg, nil
}

// Validate checks the fields Run cannot proceed without.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("config: server_url is required (LOOM_SERVER_URL)")
	}
	if c.UserID == "" {
		return errors.New("config: user_id is required (LOOM_USER_ID)")
	}
	if c.Secret == "" {
		return errors.New("config: secret is required (LOOM_SECRET)")
	}
	return nil
}
