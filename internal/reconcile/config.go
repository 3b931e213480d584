package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/vosemovies/showtime-reconciler/internal/config"
	"github.com/vosemovies/showtime-reconciler/internal/ingestion"
)

const (
	defaultTimezone     = "Europe/Madrid"
	defaultCycleTimeout = 10 * time.Minute
	defaultReplayBurst  = 10
)

var (
	// ErrInvalidTimezone indicates RECONCILER_TIMEZONE is not a known IANA zone.
	ErrInvalidTimezone = errors.New("invalid timezone")

	// ErrInvalidCycleTimeout indicates the cycle timeout is zero or negative.
	ErrInvalidCycleTimeout = errors.New("cycle timeout must be positive")

	// ErrInvalidReplayRate indicates a negative replay rate or non-positive burst.
	ErrInvalidReplayRate = errors.New("replay rate must be >= 0 and burst > 0")
)

// Config holds reconciliation settings.
type Config struct {
	Timezone            string
	CycleTimeout        time.Duration
	ReplayRate          float64 // replayed rows per second, 0 = unlimited
	ReplayBurst         int
	SuspiciousShowtimes int
}

// LoadConfig loads reconciliation settings from the environment.
func LoadConfig() *Config {
	return &Config{
		Timezone:            config.GetEnvStr("RECONCILER_TIMEZONE", defaultTimezone),
		CycleTimeout:        config.GetEnvDuration("RECONCILER_CYCLE_TIMEOUT", defaultCycleTimeout),
		ReplayRate:          config.GetEnvFloat("RECONCILER_REPLAY_RATE", 0),
		ReplayBurst:         config.GetEnvInt("RECONCILER_REPLAY_BURST", defaultReplayBurst),
		SuspiciousShowtimes: config.GetEnvInt("RECONCILER_SUSPICIOUS_SHOWTIMES", ingestion.DefaultSuspiciousShowtimes),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidTimezone, c.Timezone, err)
	}

	if c.CycleTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidCycleTimeout, c.CycleTimeout)
	}

	if c.ReplayRate < 0 || c.ReplayBurst <= 0 {
		return fmt.Errorf("%w: rate %v, burst %d", ErrInvalidReplayRate, c.ReplayRate, c.ReplayBurst)
	}

	return nil
}

// Options converts the configuration into engine options. Call Validate first.
func (c *Config) Options() []Option {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		loc = time.UTC
	}

	return []Option{
		WithLocation(loc),
		WithReplayRate(c.ReplayRate, c.ReplayBurst),
		WithSuspiciousShowtimes(c.SuspiciousShowtimes),
	}
}
