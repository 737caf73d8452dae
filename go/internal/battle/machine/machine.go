// Package machine is the match state machine the round manager drives.
package machine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/statclash/go/internal/battle/bus"
	"github.com/mcdev12/statclash/go/internal/battle/events"
)

// State is a match state
type State string

const (
	StateIdle      State = "idle"
	StateSelecting State = "selecting"
	StateResolving State = "resolving"
	StateCooldown  State = "cooldown"
	StateEnded     State = "ended"
)

func (s State) String() string { return string(s) }

// Events the machine accepts.
const (
	EventStart         = "start"
	EventEvaluate      = "evaluate"
	EventOutcomePlayer = "outcome=winPlayer"
	EventOutcomeOpp    = "outcome=winOpponent"
	EventOutcomeDraw   = "outcome=draw"
	EventContinue      = "continue"
	EventMatchPoint    = "matchPoint"
	EventReady         = events.Ready
	EventInterrupt     = "interrupt"
	EventReplay        = "replay"
)

// ErrClosed is returned once the machine has been closed.
var ErrClosed = errors.New("state machine closed")

var transitions = map[State]map[string]State{
	StateIdle: {
		EventStart:  StateSelecting,
		EventReplay: StateIdle,
	},
	StateSelecting: {
		EventEvaluate:  StateResolving,
		EventInterrupt: StateIdle,
		EventReplay:    StateIdle,
	},
	StateResolving: {
		EventOutcomePlayer: StateResolving,
		EventOutcomeOpp:    StateResolving,
		EventOutcomeDraw:   StateResolving,
		EventContinue:      StateCooldown,
		EventMatchPoint:    StateEnded,
		EventInterrupt:     StateIdle,
		EventReplay:        StateIdle,
	},
	StateCooldown: {
		EventReady:     StateSelecting,
		EventInterrupt: StateIdle,
		EventReplay:    StateIdle,
	},
	StateEnded: {
		EventReplay: StateIdle,
	},
}

// CanTransition reports whether event is valid in from.
func CanTransition(from State, event string) bool {
	_, ok := transitions[from][event]
	return ok
}

// Transition describes one accepted event.
type Transition struct {
	From    State
	To      State
	Event   string
	Payload any
}

// Machine holds the current state. It is safe for concurrent reads; events
// are expected to arrive from the scheduler goroutine.
type Machine struct {
	matchID string
	bus     bus.Bus

	mu        sync.Mutex
	state     State
	closed    bool
	listeners []func(Transition)
}

// New creates a machine in StateIdle. b may be nil.
func New(matchID string, b bus.Bus) *Machine {
	return &Machine{matchID: matchID, bus: b, state: StateIdle}
}

// OnTransition registers fn to run after every accepted event.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// DispatchBattleEvent applies event. It returns false without error when the
// event is not valid in the current state.
func (m *Machine) DispatchBattleEvent(ctx context.Context, event string, payload any) (bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrClosed
	}
	from := m.state
	to, ok := transitions[from][event]
	if !ok {
		m.mu.Unlock()
		log.Debug().
			Str("match_id", m.matchID).
			Str("state", from.String()).
			Str("event", event).
			Msg("event not valid in current state")
		return false, nil
	}
	m.state = to
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	tr := Transition{From: from, To: to, Event: event, Payload: payload}
	for _, fn := range listeners {
		fn(tr)
	}
	if m.bus != nil {
		err := m.bus.Emit(ctx, events.StateChanged, events.StateChangedPayload{
			From:  from.String(),
			To:    to.String(),
			Event: event,
		})
		if err != nil {
			log.Warn().Err(err).Str("match_id", m.matchID).Msg("failed to emit state change")
		}
	}
	return true, nil
}

// State returns the current state name.
func (m *Machine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.String()
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close rejects all further events.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// OutcomeEvent maps an engine outcome to its machine event.
func OutcomeEvent(outcome string) (string, error) {
	switch outcome {
	case "winPlayer":
		return EventOutcomePlayer, nil
	case "winOpponent":
		return EventOutcomeOpp, nil
	case "draw":
		return EventOutcomeDraw, nil
	default:
		return "", fmt.Errorf("unknown outcome %q", outcome)
	}
}
