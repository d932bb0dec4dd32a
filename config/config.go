// Package config loads daemon settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable the daemon reads at startup.
type Config struct {
	// DBPath is the SQLite database file. ":memory:" is accepted for
	// throwaway runs.
	DBPath string `env:"LEDGER_DB_PATH" envDefault:"tokenledger.db"`

	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `env:"LEDGER_LOG_LEVEL" envDefault:"info"`

	// SweepSchedule is the cron expression for the expiration sweep.
	SweepSchedule string `env:"LEDGER_SWEEP_SCHEDULE" envDefault:"0 3 * * *"`

	// AllocationSchedule is the cron expression for subscription allocation.
	AllocationSchedule string `env:"LEDGER_ALLOCATION_SCHEDULE" envDefault:"@hourly"`

	// GracePeriod is how long a past_due subscription keeps its tokens
	// before automatic cancellation.
	GracePeriod time.Duration `env:"LEDGER_GRACE_PERIOD" envDefault:"336h"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}
