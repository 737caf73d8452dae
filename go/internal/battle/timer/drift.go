package timer

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/statclash/go/internal/battle/scheduler"
	"github.com/mcdev12/statclash/go/internal/telemetry"
)

const (
	// DefaultMaxDriftRetries bounds how many times a drifting countdown is restarted.
	DefaultMaxDriftRetries = 3
	// DefaultDriftTolerance is how far, in whole seconds, reported remaining
	// time may trail or lead the wall clock before the watcher steps in.
	DefaultDriftTolerance = 2
)

// SecondTicker is the part of the scheduler the watcher samples on.
type SecondTicker interface {
	OnSecondTick(fn func(second int)) scheduler.Handle
	Cancel(h scheduler.Handle)
}

// Hooks are the caller's callbacks for a watched countdown.
type Hooks struct {
	OnTick    func(remaining int)
	OnExpired func()
	// OnWaiting reports a transient resync; the countdown restarts from remaining.
	OnWaiting func(remaining int)
	// OnDriftGiveUp is terminal: the countdown is stopped and not restarted.
	OnDriftGiveUp func()
}

// DriftConfig tunes a DriftWatcher.
type DriftConfig struct {
	MaxRetries int
	Tolerance  int
}

// DefaultDriftConfig returns the stock retry budget and tolerance.
func DefaultDriftConfig() DriftConfig {
	return DriftConfig{MaxRetries: DefaultMaxDriftRetries, Tolerance: DefaultDriftTolerance}
}

// DriftWatcher runs a RoundTimer and compares what it reports against the
// wall-clock time since Run, restarting it when the two disagree.
type DriftWatcher struct {
	ticker SecondTicker
	clock  clockwork.Clock
	timer  *RoundTimer
	cfg    DriftConfig

	hooks        Hooks
	sub          scheduler.Handle
	startedAt    time.Time
	duration     int
	retryCount   int
	lastExpected int
	gaveUp       bool
}

// NewDriftWatcher builds a watcher around timer.
func NewDriftWatcher(ticker SecondTicker, clock clockwork.Clock, timer *RoundTimer, cfg DriftConfig) *DriftWatcher {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultDriftTolerance
	}
	return &DriftWatcher{ticker: ticker, clock: clock, timer: timer, cfg: cfg}
}

// Run starts a watched countdown of seconds. It resets the retry budget.
func (w *DriftWatcher) Run(seconds int, hooks Hooks) {
	w.Cancel()
	w.timer.Stop()

	w.hooks = hooks
	w.duration = seconds
	w.startedAt = w.clock.Now()
	w.retryCount = 0
	w.lastExpected = seconds
	w.gaveUp = false

	w.startTimer(seconds)
	if w.timer.Running() {
		w.subscribe()
	}
}

// Cancel drops the watcher's tick subscription. Safe to call at any time.
func (w *DriftWatcher) Cancel() {
	if w.sub.Valid() {
		w.ticker.Cancel(w.sub)
		w.sub = 0
	}
}

// Stop cancels the subscription and the countdown.
func (w *DriftWatcher) Stop() {
	w.Cancel()
	w.timer.Stop()
}

// RetryCount is the number of drift restarts since the last Run.
func (w *DriftWatcher) RetryCount() int { return w.retryCount }

// LastExpectedRemaining is the wall-clock remaining time at the last sample.
func (w *DriftWatcher) LastExpectedRemaining() int { return w.lastExpected }

// GaveUp reports whether the retry budget was exhausted.
func (w *DriftWatcher) GaveUp() bool { return w.gaveUp }

// Timer exposes the watched timer.
func (w *DriftWatcher) Timer() *RoundTimer { return w.timer }

func (w *DriftWatcher) subscribe() {
	w.sub = w.ticker.OnSecondTick(func(int) { w.check() })
}

func (w *DriftWatcher) startTimer(seconds int) {
	w.timer.Start(seconds, w.hooks.OnTick, func() {
		w.Cancel()
		if w.hooks.OnExpired != nil {
			w.hooks.OnExpired()
		}
	})
}

func (w *DriftWatcher) check() {
	if w.gaveUp || !w.timer.Running() {
		return
	}
	elapsed := int(w.clock.Since(w.startedAt) / time.Second)
	expected := w.duration - elapsed
	if expected < 0 {
		expected = 0
	}
	w.lastExpected = expected

	reported := w.timer.Remaining()
	diff := expected - reported
	if diff < 0 {
		diff = -diff
	}
	if diff <= w.cfg.Tolerance {
		return
	}

	w.Stop()

	if w.retryCount >= w.cfg.MaxRetries {
		w.gaveUp = true
		telemetry.DriftGiveUps(context.Background(), w.timer.name)
		log.Error().
			Str("timer", w.timer.name).
			Int("retries", w.retryCount).
			Int("expected_remaining", expected).
			Int("reported_remaining", reported).
			Msg("drift retry budget exhausted")
		if w.hooks.OnDriftGiveUp != nil {
			w.hooks.OnDriftGiveUp()
		}
		return
	}

	w.retryCount++
	telemetry.DriftRestarts(context.Background(), w.timer.name)
	log.Warn().
		Str("timer", w.timer.name).
		Int("retry", w.retryCount).
		Int("expected_remaining", expected).
		Int("reported_remaining", reported).
		Msg("countdown drifted, restarting")
	if w.hooks.OnWaiting != nil {
		w.hooks.OnWaiting(expected)
	}
	w.startTimer(expected)
	if w.timer.Running() {
		w.subscribe()
	}
}
