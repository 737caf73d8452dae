// Package dispatch guarantees the cooldown "ready" transition reaches the
// match state machine at most once per cooldown cycle, no matter how many of
// the racing triggers (timer expiry, fallback timer, manual skip, bus echo)
// ask for it.
package dispatch

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/statclash/go/internal/telemetry"
)

// Trigger names the call site asking for the ready dispatch.
type Trigger string

const (
	TriggerTimer    Trigger = "timer"
	TriggerFallback Trigger = "fallback"
	TriggerSkip     Trigger = "skip"
	TriggerBus      Trigger = "bus"
)

// Cycle identifies one cooldown. Callers capture it when they arm a trigger
// so a late fire from an earlier cooldown cannot leak into the current one.
type Cycle uint64

// Outcome is the result of a DispatchReadyOnce call.
type Outcome int

const (
	// OutcomeRejected means nothing accepted the event; the latch stays open.
	OutcomeRejected Outcome = iota
	// OutcomeDispatched means this call won and the event was accepted.
	OutcomeDispatched
	// OutcomeAlreadyDispatched means another trigger already won this cycle
	// (or is in the middle of winning it). Callers treat it as success.
	OutcomeAlreadyDispatched
	// OutcomeStale means the caller's cycle is no longer current.
	OutcomeStale
)

// OK reports whether the caller may consider the transition done.
func (o Outcome) OK() bool { return o != OutcomeRejected }

func (o Outcome) String() string {
	switch o {
	case OutcomeRejected:
		return "rejected"
	case OutcomeDispatched:
		return "dispatched"
	case OutcomeAlreadyDispatched:
		return "already_dispatched"
	case OutcomeStale:
		return "stale"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Dispatch sends the ready event over one channel and reports whether it was
// accepted.
type Dispatch func(ctx context.Context) (bool, error)

type latch int

const (
	latchOpen latch = iota
	latchInFlight
	latchFired
)

// Coordinator is the per-session ready guard.
type Coordinator struct {
	mu     sync.Mutex
	cycle  Cycle
	state  latch
	winner Trigger
	hooks  []func(Cycle, Trigger)
}

// NewCoordinator returns a coordinator whose first cycle has not started.
// Until Reset is called every dispatch is stale.
func NewCoordinator() *Coordinator {
	return &Coordinator{state: latchFired}
}

// OnDispatched registers fn to run the moment a cycle's latch fires, before
// the best-effort bus notification.
func (c *Coordinator) OnDispatched(fn func(Cycle, Trigger)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Reset opens a new cooldown cycle and returns its identifier.
func (c *Coordinator) Reset() Cycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycle++
	c.state = latchOpen
	c.winner = ""
	return c.cycle
}

// Cycle is the current cooldown cycle.
func (c *Coordinator) Cycle() Cycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycle
}

// Dispatched reports whether the current cycle has fired.
func (c *Coordinator) Dispatched() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == latchFired
}

// Winner is the trigger that fired the current cycle, if any.
func (c *Coordinator) Winner() Trigger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.winner
}

// DispatchReadyOnce sends the ready event for cycle unless that cycle already
// fired. With a machine dispatch the machine decides acceptance and the bus is
// notified afterwards on a best-effort basis. Without one, the bus emit is the
// dispatch. A rejection is logged and leaves the cycle open for the next
// trigger; the returned error carries a collaborator failure, if any.
func (c *Coordinator) DispatchReadyOnce(ctx context.Context, cycle Cycle, trigger Trigger, toMachine, toBus Dispatch) (Outcome, error) {
	c.mu.Lock()
	if cycle != c.cycle {
		c.mu.Unlock()
		log.Debug().
			Str("trigger", string(trigger)).
			Uint64("cycle", uint64(cycle)).
			Uint64("current_cycle", uint64(c.cycle)).
			Msg("ignoring ready dispatch from a previous cooldown")
		return OutcomeStale, nil
	}
	if c.state != latchOpen {
		c.mu.Unlock()
		telemetry.ReadyDuplicate(ctx, string(trigger))
		log.Debug().
			Str("trigger", string(trigger)).
			Uint64("cycle", uint64(cycle)).
			Msg("ready already dispatched for this cooldown")
		return OutcomeAlreadyDispatched, nil
	}
	c.state = latchInFlight
	c.mu.Unlock()

	primary, secondary := toMachine, toBus
	if primary == nil {
		primary, secondary = toBus, nil
	}
	if primary == nil {
		c.reopen(cycle)
		return OutcomeRejected, fmt.Errorf("dispatch ready: no machine or bus to dispatch to")
	}

	accepted, err := call(ctx, primary)
	if err != nil || !accepted {
		c.reopen(cycle)
		telemetry.ReadyRejected(ctx, string(trigger))
		log.Warn().
			Err(err).
			Str("trigger", string(trigger)).
			Uint64("cycle", uint64(cycle)).
			Bool("via_machine", toMachine != nil).
			Msg("ready dispatch not accepted")
		if err != nil {
			return OutcomeRejected, fmt.Errorf("dispatch ready: %w", err)
		}
		return OutcomeRejected, nil
	}

	c.mu.Lock()
	c.state = latchFired
	c.winner = trigger
	hooks := slices.Clone(c.hooks)
	c.mu.Unlock()

	telemetry.ReadyDispatched(ctx, string(trigger))
	log.Info().
		Str("trigger", string(trigger)).
		Uint64("cycle", uint64(cycle)).
		Msg("ready dispatched")

	for _, h := range hooks {
		h(cycle, trigger)
	}

	if secondary != nil {
		if ok, err := call(ctx, secondary); err != nil || !ok {
			log.Warn().
				Err(err).
				Str("trigger", string(trigger)).
				Msg("ready bus notification failed")
		}
	}
	return OutcomeDispatched, nil
}

func (c *Coordinator) reopen(cycle Cycle) {
	c.mu.Lock()
	if c.cycle == cycle && c.state == latchInFlight {
		c.state = latchOpen
	}
	c.mu.Unlock()
}

// call runs d and turns a panic into an error so a misbehaving collaborator
// cannot wedge the latch in flight.
func call(ctx context.Context, d Dispatch) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("dispatch panicked: %v", r)
		}
	}()
	return d(ctx)
}
