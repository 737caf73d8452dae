package round

import (
	"time"

	"github.com/mcdev12/statclash/go/internal/battle/timer"
)

const (
	DefaultSelectionSeconds = 30
	DefaultCooldownSeconds  = 3
	DefaultStallTimeout     = 35 * time.Second
	DefaultAutoSelectDelay  = 5 * time.Second
	DefaultFallbackMargin   = 20 * time.Millisecond
	DefaultRevealDelay      = 400 * time.Millisecond
	DefaultRevealJitter     = 300 * time.Millisecond
)

// Config holds the tunable timings of a match.
type Config struct {
	SelectionSeconds int
	CooldownSeconds  int
	// StallTimeout is measured from round start; AutoSelectDelay from the
	// stall notice.
	StallTimeout    time.Duration
	AutoSelectDelay time.Duration
	// FallbackMargin is added to the cooldown length for the safety-net ready.
	FallbackMargin time.Duration
	// RevealDelay plus up to RevealJitter is the pause before the opponent's
	// value is shown. Headless runs skip it.
	RevealDelay  time.Duration
	RevealJitter time.Duration
	Headless     bool
	Seed         int64
	Drift        timer.DriftConfig
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		SelectionSeconds: DefaultSelectionSeconds,
		CooldownSeconds:  DefaultCooldownSeconds,
		StallTimeout:     DefaultStallTimeout,
		AutoSelectDelay:  DefaultAutoSelectDelay,
		FallbackMargin:   DefaultFallbackMargin,
		RevealDelay:      DefaultRevealDelay,
		RevealJitter:     DefaultRevealJitter,
		Drift:            timer.DefaultDriftConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SelectionSeconds <= 0 {
		c.SelectionSeconds = d.SelectionSeconds
	}
	if c.CooldownSeconds < 0 {
		c.CooldownSeconds = 0
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = d.StallTimeout
	}
	if c.AutoSelectDelay < 0 {
		c.AutoSelectDelay = 0
	}
	if c.FallbackMargin <= 0 {
		c.FallbackMargin = d.FallbackMargin
	}
	// A negative MaxRetries means no restarts; zero takes the default.
	if c.Drift.MaxRetries == 0 {
		c.Drift.MaxRetries = d.Drift.MaxRetries
	}
	if c.Drift.Tolerance <= 0 {
		c.Drift.Tolerance = d.Drift.Tolerance
	}
	return c
}
