// Package config loads runtime settings from LOAN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

const prefix = "LOAN_"

type Config struct {
	DBPath        string          `env:"DB_PATH" envDefault:"loans.db"`
	ListenAddr    string          `env:"LISTEN_ADDR" envDefault:":8080"`
	RemoteURL     string          `env:"REMOTE_URL" envDefault:"http://localhost:5000/api"`
	RemoteTimeout time.Duration   `env:"REMOTE_TIMEOUT" envDefault:"10s"`
	PenaltyPerDay decimal.Decimal `env:"PENALTY_PER_DAY" envDefault:"20"`
	Collector     string          `env:"COLLECTOR"`

	SyncInterval      time.Duration `env:"SYNC_INTERVAL" envDefault:"1m"`
	SyncConcurrency   int           `env:"SYNC_CONCURRENCY" envDefault:"4"`
	BackoffInitial    time.Duration `env:"BACKOFF_INITIAL" envDefault:"1s"`
	BackoffMax        time.Duration `env:"BACKOFF_MAX" envDefault:"5m"`
	BackoffMultiplier float64       `env:"BACKOFF_MULTIPLIER" envDefault:"2"`
	BackoffJitter     float64       `env:"BACKOFF_JITTER" envDefault:"0.5"`

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogDevelopment bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: prefix})
}

// LoadFrom reads an explicit environment instead of the process one.
func LoadFrom(environ map[string]string) (Config, error) {
	if environ == nil {
		environ = map[string]string{}
	}
	return parse(env.Options{Prefix: prefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.PenaltyPerDay.IsNegative() {
		errs = append(errs, fmt.Errorf("%sPENALTY_PER_DAY must not be negative, got %s", prefix, c.PenaltyPerDay))
	}
	if c.RemoteURL == "" {
		errs = append(errs, fmt.Errorf("%sREMOTE_URL is required", prefix))
	}
	if c.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("%sBACKOFF_MULTIPLIER must be at least 1, got %g", prefix, c.BackoffMultiplier))
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		errs = append(errs, fmt.Errorf("%sBACKOFF_JITTER must be in [0, 1), got %g", prefix, c.BackoffJitter))
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		errs = append(errs, fmt.Errorf("%sBACKOFF_INITIAL must be positive and no larger than %sBACKOFF_MAX", prefix, prefix))
	}
	return errors.Join(errs...)
}
