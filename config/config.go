/*
config.go - Process configuration

PURPOSE:
  Collects server settings from three layers, later layers winning:
    1. defaults in struct tags
    2. environment (and a .env file if present)
    3. command-line flags

ENVIRONMENT:
  SETTLE_HTTP_PORT, SETTLE_DB_DRIVER, SETTLE_DB_PATH, SETTLE_SNAPSHOT_PATH,
  SETTLE_LOG_LEVEL, SETTLE_POLICY_FILE, SETTLE_JWT_SECRET,
  SETTLE_RATE_LIMIT_RPS, SETTLE_RATE_LIMIT_BURST, SETTLE_CORS_ORIGINS,
  SETTLE_SWEEP_ENABLED, SETTLE_SWEEP_INTERVAL

SEE ALSO:
  - cmd/server/main.go: consumes Config
  - factory/policy.go: the policy file named by PolicyFile
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTP      HTTP      `envPrefix:"HTTP_"`
	DB        DB        `envPrefix:"DB_"`
	Log       Log       `envPrefix:"LOG_"`
	Auth      Auth      `envPrefix:"JWT_"`
	RateLimit RateLimit `envPrefix:"RATE_LIMIT_"`
	Sweep     Sweep     `envPrefix:"SWEEP_"`

	PolicyFile  string   `env:"POLICY_FILE"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:8080"`
}

type HTTP struct {
	Port int `env:"PORT" envDefault:"8080"`
}

type DB struct {
	// Driver is "sqlite" or "memory".
	Driver       string `env:"DRIVER" envDefault:"sqlite"`
	Path         string `env:"PATH" envDefault:"settlement.db"`
	SnapshotPath string `env:"SNAPSHOT_PATH"`
}

type Log struct {
	Level string `env:"LEVEL" envDefault:"info"`
}

// Auth holds the shared secret used to verify principal tokens. When empty
// the X-Principal header is trusted (development only).
type Auth struct {
	Secret string `env:"SECRET"`
}

type RateLimit struct {
	RPS   float64 `env:"RPS" envDefault:"20"`
	Burst int     `env:"BURST" envDefault:"40"`
}

type Sweep struct {
	Enabled  bool          `env:"ENABLED" envDefault:"true"`
	Interval time.Duration `env:"INTERVAL" envDefault:"1h"`
}

// Load reads .env (if present), the SETTLE_ environment and args.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SETTLE_"}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	fsFlags := flag.NewFlagSet("server", flag.ContinueOnError)
	fsFlags.IntVar(&cfg.HTTP.Port, "port", cfg.HTTP.Port, "HTTP server port")
	fsFlags.StringVar(&cfg.DB.Driver, "driver", cfg.DB.Driver, "store driver: sqlite or memory")
	fsFlags.StringVar(&cfg.DB.Path, "db", cfg.DB.Path, "SQLite database path (\":memory:\" for in-memory)")
	fsFlags.StringVar(&cfg.DB.SnapshotPath, "snapshot", cfg.DB.SnapshotPath, "JSON snapshot file for the memory driver")
	fsFlags.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level")
	fsFlags.StringVar(&cfg.PolicyFile, "policy", cfg.PolicyFile, "YAML policy file")
	fsFlags.DurationVar(&cfg.Sweep.Interval, "sweep-interval", cfg.Sweep.Interval, "background sweep interval")
	if err := fsFlags.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be expressed as tags.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.DB.Driver)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.HTTP.Port)
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	return nil
}
