/*
Package config loads process configuration.

ORDER OF PRECEDENCE (last wins):
  1. Flag defaults
  2. Command-line flags
  3. Environment variables, optionally seeded from a .env file

Environment variables always override flags: deployments set env, local runs
use flags or .env.
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/warp/fuel-shift-engine/shift"
)

type Config struct {
	Port        int
	DBDriver    string // sqlite | postgres
	DBPath      string
	DatabaseURL string

	JWTSecret string

	RedisAddr    string
	RedisChannel string

	LogLevel string

	Tolerance         string
	ReadingCeiling    string
	CashCeiling       string
	MinUsageReasonLen int

	// OverdueAfter is the age at which an ACTIVE shift is reported. 0 disables.
	OverdueAfter time.Duration
}

var (
	ErrPortInvalid      = errors.New("port must be between 1 and 65535")
	ErrDriverInvalid    = errors.New("db driver must be sqlite or postgres")
	ErrDBPathEmpty      = errors.New("db path is an empty string")
	ErrDatabaseURLEmpty = errors.New("database url is required for postgres")
	ErrJWTSecretEmpty   = errors.New("jwt secret is an empty string")
	ErrOverdueNegative  = errors.New("overdue threshold must not be negative")
)

// Load reads an optional .env file, then flags from args, then env overrides.
func Load(args []string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	return Parse(args, os.Getenv)
}

// Parse builds a Config from args and the given environment lookup.
func Parse(args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	def := shift.DefaultPolicy()

	fs := flag.NewFlagSet("shift-server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", 8080, "HTTP port")
	fs.StringVar(&cfg.DBDriver, "db-driver", "sqlite", "Database driver: sqlite or postgres")
	fs.StringVar(&cfg.DBPath, "db", "./data/shifts.db", "SQLite database path")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "HMAC secret for bearer tokens")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "Redis address for discrepancy events; empty logs them instead")
	fs.StringVar(&cfg.RedisChannel, "redis-channel", "shift.discrepancies", "Redis pub/sub channel")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level")
	fs.StringVar(&cfg.Tolerance, "tolerance", def.Tolerance.String(), "Default discrepancy tolerance")
	fs.StringVar(&cfg.ReadingCeiling, "reading-ceiling", def.ReadingCeiling.String(), "Maximum meter reading")
	fs.StringVar(&cfg.CashCeiling, "cash-ceiling", def.CashCeiling.String(), "Maximum cash amount")
	fs.IntVar(&cfg.MinUsageReasonLen, "min-usage-reason", def.MinUsageReasonLen, "Minimum cash usage reason length")
	fs.DurationVar(&cfg.OverdueAfter, "overdue-after", 16*time.Hour, "Report ACTIVE shifts older than this; 0 disables")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var errs []error
	overrideInt := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	overrideDuration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not a duration", key, v))
				return
			}
			*dst = d
		}
	}
	overrideString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	overrideInt("PORT", &cfg.Port)
	overrideString("DB_DRIVER", &cfg.DBDriver)
	overrideString("DB_PATH", &cfg.DBPath)
	overrideString("DATABASE_URL", &cfg.DatabaseURL)
	overrideString("JWT_SECRET", &cfg.JWTSecret)
	overrideString("REDIS_ADDR", &cfg.RedisAddr)
	overrideString("REDIS_CHANNEL", &cfg.RedisChannel)
	overrideString("LOG_LEVEL", &cfg.LogLevel)
	overrideString("DISCREPANCY_TOLERANCE", &cfg.Tolerance)
	overrideString("READING_CEILING", &cfg.ReadingCeiling)
	overrideString("CASH_CEILING", &cfg.CashCeiling)
	overrideInt("MIN_USAGE_REASON_LEN", &cfg.MinUsageReasonLen)
	overrideDuration("OVERDUE_AFTER", &cfg.OverdueAfter)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) check() error {
	var errs []error

	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, ErrPortInvalid)
	}
	switch cfg.DBDriver {
	case "sqlite":
		if cfg.DBPath == "" {
			errs = append(errs, ErrDBPathEmpty)
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			errs = append(errs, ErrDatabaseURLEmpty)
		}
	default:
		errs = append(errs, ErrDriverInvalid)
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, ErrJWTSecretEmpty)
	}
	if cfg.OverdueAfter < 0 {
		errs = append(errs, ErrOverdueNegative)
	}
	if _, err := cfg.Policy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Policy is the process-wide default station policy.
func (cfg *Config) Policy() (shift.Policy, error) {
	var errs []error
	parse := func(name, raw string) decimal.Decimal {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not a number", name, raw))
		}
		return d
	}
	p := shift.Policy{
		Tolerance:         parse("tolerance", cfg.Tolerance),
		ReadingCeiling:    parse("reading ceiling", cfg.ReadingCeiling),
		CashCeiling:       parse("cash ceiling", cfg.CashCeiling),
		MinUsageReasonLen: cfg.MinUsageReasonLen,
	}
	if err := errors.Join(errs...); err != nil {
		return shift.Policy{}, err
	}
	if err := p.Validate(); err != nil {
		return shift.Policy{}, err
	}
	return p, nil
}

func (cfg *Config) Addr() string {
	return fmt.Sprintf(":%d", cfg.Port)
}
