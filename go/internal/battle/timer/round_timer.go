// Package timer wraps the engine's countdown primitive into a RoundTimer with
// strict ordering guarantees and watches it for drift against the wall clock.
package timer

import (
	"github.com/rs/zerolog/log"
)

// Primitive is the engine-provided countdown. Start delivers onTick(remaining)
// once per second from seconds down to zero and then calls onExpired. Stop
// halts the active countdown.
type Primitive interface {
	Start(onTick func(remaining int), onExpired func(), seconds int)
	Stop()
}

// PrimitiveFuncs adapts a pair of engine methods to Primitive.
type PrimitiveFuncs struct {
	StartFn func(onTick func(remaining int), onExpired func(), seconds int)
	StopFn  func()
}

func (p PrimitiveFuncs) Start(onTick func(int), onExpired func(), seconds int) {
	p.StartFn(onTick, onExpired, seconds)
}

func (p PrimitiveFuncs) Stop() {
	if p.StopFn != nil {
		p.StopFn()
	}
}

// RoundTimer runs one countdown at a time on top of a Primitive. Every Start
// bumps a generation counter; callbacks from an older generation are dropped,
// which is what keeps a stopped or replaced countdown from ticking or
// expiring late.
type RoundTimer struct {
	name      string
	primitive Primitive

	gen       uint64
	duration  int
	remaining int
	running   bool
	expired   bool
	ticked    bool
}

// NewRoundTimer creates a stopped timer. name only appears in logs.
func NewRoundTimer(name string, primitive Primitive) *RoundTimer {
	return &RoundTimer{name: name, primitive: primitive}
}

// Start begins a countdown of seconds, replacing any countdown in progress.
// onExpired fires at most once for this call.
func (t *RoundTimer) Start(seconds int, onTick func(remaining int), onExpired func()) {
	if t.running {
		t.primitive.Stop()
	}
	t.gen++
	gen := t.gen
	t.duration = seconds
	t.remaining = seconds
	t.running = true
	t.expired = false
	t.ticked = false

	t.primitive.Start(
		func(remaining int) {
			if gen != t.gen || !t.running {
				return
			}
			if t.ticked && remaining >= t.remaining {
				log.Debug().
					Str("timer", t.name).
					Int("remaining", remaining).
					Int("last", t.remaining).
					Msg("dropping out-of-order tick")
				return
			}
			t.ticked = true
			t.remaining = remaining
			if onTick != nil {
				onTick(remaining)
			}
		},
		func() {
			if gen != t.gen || !t.running || t.expired {
				return
			}
			t.expired = true
			t.running = false
			t.remaining = 0
			if onExpired != nil {
				onExpired()
			}
		},
		seconds,
	)
}

// Stop halts the countdown. Expiry will not fire afterwards.
func (t *RoundTimer) Stop() {
	if !t.running {
		return
	}
	t.running = false
	t.gen++
	t.primitive.Stop()
}

// Duration is the length of the most recent Start.
func (t *RoundTimer) Duration() int { return t.duration }

// Remaining is the last remaining value the primitive reported.
func (t *RoundTimer) Remaining() int { return t.remaining }

// Running reports whether a countdown is active.
func (t *RoundTimer) Running() bool { return t.running }

// Expired reports whether the current countdown reached zero.
func (t *RoundTimer) Expired() bool { return t.expired }
