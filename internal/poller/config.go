package poller

import (
	"time"

	"codeberg.org/mutker/metricsync/internal/errors"
)

const (
	defaultInterval          = 60 * time.Second
	defaultDebounce          = 5 * time.Second
	defaultVisibilityCatchup = 120 * time.Second
	defaultRefreshCoalesce   = 100 * time.Millisecond
	defaultMaxRetries        = 3
	defaultMaxAdaptive       = 5 * time.Minute
)

type Config struct {
	// DefaultInterval is the polling fallback when no subscriber
	// states a preference.
	DefaultInterval time.Duration

	// Debounce is the minimum spacing between non-forced fetches.
	Debounce time.Duration

	// VisibilityCatchup is how stale the last attempt must be before
	// a hidden-to-visible transition forces an immediate fetch.
	VisibilityCatchup time.Duration

	// RefreshCoalesce is the window in which repeated manual refresh
	// requests collapse into a single forced fetch.
	RefreshCoalesce time.Duration

	// MaxRetries bounds the backoff retries after a failed fetch.
	MaxRetries int

	// FailureThreshold and Cooldown configure the circuit breaker.
	FailureThreshold int
	Cooldown         time.Duration

	// MaxAdaptiveInterval caps the rate-limit slowdown.
	MaxAdaptiveInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultInterval:     defaultInterval,
		Debounce:            defaultDebounce,
		VisibilityCatchup:   defaultVisibilityCatchup,
		RefreshCoalesce:     defaultRefreshCoalesce,
		MaxRetries:          defaultMaxRetries,
		MaxAdaptiveInterval: defaultMaxAdaptive,
	}
}

func (c Config) withDefaults() Config {
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = defaultInterval
	}
	if c.Debounce <= 0 {
		c.Debounce = defaultDebounce
	}
	if c.VisibilityCatchup <= 0 {
		c.VisibilityCatchup = defaultVisibilityCatchup
	}
	if c.RefreshCoalesce <= 0 {
		c.RefreshCoalesce = defaultRefreshCoalesce
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.MaxAdaptiveInterval <= 0 {
		c.MaxAdaptiveInterval = defaultMaxAdaptive
	}

	return c
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.DefaultInterval < 0 || c.Debounce < 0 {
		return errFactory.New(errors.ErrInvalidInterval)
	}

	return nil
}
