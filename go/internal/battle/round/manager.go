// Package round runs the selection, resolution and cooldown phases of a match
// and decides which of the racing cooldown triggers advances it.
//
// Every Manager method must run on the scheduler goroutine. Timer callbacks
// already do; anything arriving from another goroutine goes through
// scheduler.Post first.
package round

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/statclash/go/internal/battle/bus"
	"github.com/mcdev12/statclash/go/internal/battle/dispatch"
	"github.com/mcdev12/statclash/go/internal/battle/engine"
	"github.com/mcdev12/statclash/go/internal/battle/events"
	"github.com/mcdev12/statclash/go/internal/battle/machine"
	"github.com/mcdev12/statclash/go/internal/battle/scheduler"
	"github.com/mcdev12/statclash/go/internal/battle/skip"
	"github.com/mcdev12/statclash/go/internal/battle/timer"
	"github.com/mcdev12/statclash/go/internal/telemetry"
)

// Phase is the manager's coarse position in the round lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSelecting
	PhaseResolving
	PhaseCooldown
	PhaseEnding
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSelecting:
		return "selecting"
	case PhaseResolving:
		return "resolving"
	case PhaseCooldown:
		return "cooldown"
	case PhaseEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// Deps are the manager's collaborators. Scheduler, Engine and Cards are
// required; the rest fall back to defaults.
type Deps struct {
	MatchID     string
	Scheduler   Scheduler
	Engine      Engine
	Machine     Machine
	Bus         bus.Bus
	Skips       *skip.Registry
	Coordinator *dispatch.Coordinator
	View        View
	Cards       Cards
	Chooser     Chooser
}

// Manager orchestrates one match.
type Manager struct {
	matchID string
	cfg     Config
	sched   Scheduler
	engine  Engine
	machine Machine
	bus     bus.Bus
	skips   *skip.Registry
	coord   *dispatch.Coordinator
	view    View
	cards   Cards
	chooser Chooser
	rng     *rand.Rand

	phase      Phase
	round      int
	store      *Store
	resolveSeq uint64
	closed     bool

	selTimer *timer.RoundTimer
	selWatch *timer.DriftWatcher
	cdTimer  *timer.RoundTimer
	cdWatch  *timer.DriftWatcher

	cycle      dispatch.Cycle
	fallback   scheduler.Handle
	readyOff   func()
	revealWait scheduler.Handle
}

// New wires a manager. It does not start a round.
func New(deps Deps, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		matchID: deps.MatchID,
		cfg:     cfg,
		sched:   deps.Scheduler,
		engine:  deps.Engine,
		machine: deps.Machine,
		bus:     deps.Bus,
		skips:   deps.Skips,
		coord:   deps.Coordinator,
		view:    deps.View,
		cards:   deps.Cards,
		chooser: deps.Chooser,
	}
	if m.bus == nil {
		m.bus = bus.NewLocal()
	}
	if m.skips == nil {
		m.skips = skip.NewRegistry()
	}
	if m.coord == nil {
		m.coord = dispatch.NewCoordinator()
	}
	if m.view == nil {
		m.view = NopView{}
	}
	if m.chooser == nil {
		m.chooser = NewRandomChooser(cfg.Seed)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	m.rng = rand.New(rand.NewSource(seed))

	clock := m.sched.Clock()
	m.selTimer = timer.NewRoundTimer("selection", timer.PrimitiveFuncs{StartFn: m.engine.StartRound, StopFn: m.engine.StopTimer})
	m.selWatch = timer.NewDriftWatcher(m.sched, clock, m.selTimer, cfg.Drift)
	m.cdTimer = timer.NewRoundTimer("cooldown", timer.PrimitiveFuncs{StartFn: m.engine.StartCoolDown, StopFn: m.engine.StopTimer})
	m.cdWatch = timer.NewDriftWatcher(m.sched, clock, m.cdTimer, cfg.Drift)

	m.coord.OnDispatched(func(cycle dispatch.Cycle, trigger dispatch.Trigger) {
		if cycle != m.cycle {
			return
		}
		m.teardownCooldown()
	})
	return m
}

// Phase is the current phase.
func (m *Manager) Phase() Phase { return m.phase }

// Round is the 1-based number of the current round, 0 before the first.
func (m *Manager) Round() int { return m.round }

// Skips is the session's skip registry.
func (m *Manager) Skips() *skip.Registry { return m.skips }

// Coordinator is the session's ready guard.
func (m *Manager) Coordinator() *dispatch.Coordinator { return m.coord }

// StartRound begins the next round's selection phase. A skip still pending
// from an earlier phase is discarded, not consumed, so it cannot cut the new
// selection short.
func (m *Manager) StartRound(ctx context.Context, store *Store) {
	if m.closed {
		return
	}
	m.store = store
	m.teardownSelection(store)
	m.teardownCooldown()
	m.cancelReveal()

	store.SelectionMade = false
	m.view.ClearRoundMessages()
	m.round++
	m.phase = PhaseSelecting
	if m.machine != nil && m.machine.State() != machine.StateSelecting.String() {
		m.dispatchMachine(ctx, machine.EventStart, nil)
	}

	now := m.sched.Clock().Now()
	m.emit(ctx, events.RoundStarted, events.RoundStartedPayload{
		MatchID:         m.matchID,
		Round:           m.round,
		TimePerRoundSec: m.cfg.SelectionSeconds,
		StartedAt:       now,
		StallTimeoutAt:  now.Add(m.cfg.StallTimeout),
		AvailableStats:  m.cards.Stats(m.round),
	})
	log.Info().
		Str("match_id", m.matchID).
		Int("round", m.round).
		Msg("round started")

	m.selWatch.Run(m.cfg.SelectionSeconds, timer.Hooks{
		OnTick: func(remaining int) {
			m.countdown(ctx, events.PhaseSelection, remaining)
		},
		OnExpired: func() {
			m.autoSelect(ctx, store, "timer")
		},
		OnWaiting: func(remaining int) {
			m.view.ShowWaiting(events.PhaseSelection, remaining)
		},
		OnDriftGiveUp: func() {
			m.driftGiveUp(ctx, events.PhaseSelection, m.selWatch.RetryCount())
		},
	})

	// A Next click left over from the previous cooldown must not pick a stat.
	m.skips.DiscardPending()
	m.skips.SetHandler(func() {
		m.selWatch.Stop()
		m.autoSelect(ctx, store, "skip")
	})

	store.PendingStatTimeout = m.sched.AfterFunc(m.cfg.StallTimeout, func() {
		store.PendingStatTimeout = 0
		if store.SelectionMade || m.phase != PhaseSelecting {
			return
		}
		m.view.ShowStallNotice()
		m.emit(ctx, events.StallNotice, events.StallNoticePayload{
			MatchID:      m.matchID,
			Round:        m.round,
			AutoSelectAt: m.sched.Clock().Now().Add(m.cfg.AutoSelectDelay),
		})
		log.Warn().
			Str("match_id", m.matchID).
			Int("round", m.round).
			Msg("selection stalled, auto-select armed")
		store.PendingAutoSelect = m.sched.AfterFunc(m.cfg.AutoSelectDelay, func() {
			store.PendingAutoSelect = 0
			m.autoSelect(ctx, store, "stall")
		})
	})
}

// SelectStat records the player's choice and resolves the round with the
// dealt values. It returns false if no selection is open.
func (m *Manager) SelectStat(ctx context.Context, store *Store, stat string) bool {
	return m.selectStat(ctx, store, stat, false)
}

func (m *Manager) autoSelect(ctx context.Context, store *Store, reason string) {
	if m.closed || store.SelectionMade || m.phase != PhaseSelecting {
		return
	}
	stat, err := m.chooser.Choose(m.cards.Stats(m.round))
	if err != nil {
		log.Error().Err(err).Str("match_id", m.matchID).Msg("auto-select failed")
		return
	}
	log.Info().
		Str("match_id", m.matchID).
		Int("round", m.round).
		Str("stat", stat).
		Str("reason", reason).
		Msg("auto-selecting stat")
	m.selectStat(ctx, store, stat, true)
}

func (m *Manager) selectStat(ctx context.Context, store *Store, stat string, auto bool) bool {
	if m.closed || m.phase != PhaseSelecting || store.SelectionMade {
		log.Debug().
			Str("match_id", m.matchID).
			Str("phase", m.phase.String()).
			Str("stat", stat).
			Msg("selection ignored")
		return false
	}
	playerVal, opponentVal, err := m.cards.Values(m.round, stat)
	if err != nil {
		log.Warn().Err(err).Str("match_id", m.matchID).Str("stat", stat).Msg("invalid stat selection")
		return false
	}
	m.view.ShowSelection(stat, auto)
	return m.resolve(ctx, store, stat, playerVal, opponentVal, auto)
}

// ResolveRound compares the two values and moves on to the cooldown or the
// end of the match. A call made while another resolution is still in
// progress is dropped and returns false.
func (m *Manager) ResolveRound(ctx context.Context, store *Store, stat string, playerVal, opponentVal int) bool {
	return m.resolve(ctx, store, stat, playerVal, opponentVal, false)
}

func (m *Manager) resolve(ctx context.Context, store *Store, stat string, playerVal, opponentVal int, auto bool) bool {
	if m.closed {
		return false
	}
	switch m.phase {
	case PhaseResolving:
		telemetry.ResolveDropped(ctx)
		log.Debug().
			Str("match_id", m.matchID).
			Int("round", m.round).
			Str("stat", stat).
			Msg("resolve already in progress, dropping")
		return false
	case PhaseEnding:
		log.Debug().Str("match_id", m.matchID).Msg("match over, ignoring resolve")
		return false
	}

	m.store = store
	m.teardownSelection(store)
	m.teardownCooldown()
	store.SelectionMade = true
	m.phase = PhaseResolving
	m.resolveSeq++
	seq := m.resolveSeq

	if m.machine != nil && m.machine.State() != machine.StateResolving.String() {
		m.dispatchMachine(ctx, machine.EventEvaluate, nil)
	}

	delay := m.revealDelay()
	if delay <= 0 {
		m.finishResolve(ctx, store, seq, stat, playerVal, opponentVal, auto)
		return true
	}
	m.revealWait = m.sched.AfterFunc(delay, func() {
		m.revealWait = 0
		m.finishResolve(ctx, store, seq, stat, playerVal, opponentVal, auto)
	})
	return true
}

func (m *Manager) finishResolve(ctx context.Context, store *Store, seq uint64, stat string, playerVal, opponentVal int, auto bool) {
	if m.closed || seq != m.resolveSeq || m.phase != PhaseResolving {
		return
	}
	round := m.round
	handedOff := false
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("match_id", m.matchID).
				Int("round", round).
				Interface("panic", r).
				Msg("round resolution panicked")
		}
		if !handedOff && m.phase == PhaseResolving && m.resolveSeq == seq {
			m.phase = PhaseIdle
			m.emit(ctx, events.RoundInterrupted, events.RoundInterruptedPayload{
				MatchID: m.matchID,
				Round:   round,
				Reason:  "resolve failed",
			})
		}
	}()

	m.emit(ctx, events.OpponentReveal, events.OpponentRevealPayload{
		MatchID:       m.matchID,
		Round:         round,
		Stat:          stat,
		OpponentValue: opponentVal,
	})

	res, err := m.engine.HandleStatSelection(playerVal, opponentVal)
	if err != nil {
		if errors.Is(err, engine.ErrMatchEnded) {
			m.phase = PhaseEnding
			handedOff = true
			return
		}
		log.Error().Err(err).Str("match_id", m.matchID).Int("round", round).Msg("failed to score round")
		return
	}

	if ev, err := machine.OutcomeEvent(string(res.Outcome)); err == nil {
		m.dispatchMachine(ctx, ev, res)
	} else {
		log.Warn().Err(err).Str("match_id", m.matchID).Msg("no machine event for outcome")
	}
	m.view.UpdateScore(res.PlayerScore, res.OpponentScore)
	m.scheduleComparison(store, stat, playerVal, opponentVal, string(res.Outcome))
	m.emit(ctx, events.RoundResolved, events.RoundResolvedPayload{
		MatchID:       m.matchID,
		Round:         round,
		Stat:          stat,
		PlayerValue:   playerVal,
		OpponentValue: opponentVal,
		Delta:         res.Delta,
		Outcome:       string(res.Outcome),
		PlayerScore:   res.PlayerScore,
		OpponentScore: res.OpponentScore,
		MatchEnded:    res.MatchEnded,
		AutoSelected:  auto,
		ResolvedAt:    m.sched.Clock().Now(),
	})
	log.Info().
		Str("match_id", m.matchID).
		Int("round", round).
		Str("stat", stat).
		Str("outcome", string(res.Outcome)).
		Int("player_score", res.PlayerScore).
		Int("opponent_score", res.OpponentScore).
		Msg("round resolved")

	handedOff = true
	if res.MatchEnded {
		m.endMatch(ctx, res)
		return
	}
	m.dispatchMachine(ctx, machine.EventContinue, nil)
	m.StartCooldown(ctx, store)
}

func (m *Manager) scheduleComparison(store *Store, stat string, playerVal, opponentVal int, outcome string) {
	m.sched.Cancel(store.PendingCompareFrame)
	store.PendingCompareFrame = m.sched.OnFrame(func(time.Duration) {
		m.sched.Cancel(store.PendingCompareFrame)
		store.PendingCompareFrame = 0
		m.view.ShowComparison(stat, playerVal, opponentVal, outcome)
	})
}

func (m *Manager) endMatch(ctx context.Context, res engine.Result) {
	m.dispatchMachine(ctx, machine.EventMatchPoint, res)
	m.phase = PhaseEnding
	winner := "draw"
	switch {
	case res.PlayerScore > res.OpponentScore:
		winner = "player"
	case res.OpponentScore > res.PlayerScore:
		winner = "opponent"
	}
	m.view.ShowMatchEnded(winner)
	m.emit(ctx, events.MatchEnded, events.MatchEndedPayload{
		MatchID:       m.matchID,
		Rounds:        m.round,
		PlayerScore:   res.PlayerScore,
		OpponentScore: res.OpponentScore,
		Winner:        winner,
		EndedAt:       m.sched.Clock().Now(),
	})
	log.Info().
		Str("match_id", m.matchID).
		Int("rounds", m.round).
		Str("winner", winner).
		Msg("match ended")
}

// StartCooldown opens a new ready cycle and arms every trigger that may end
// it: the countdown, the fallback, a bus listener and the skip handler.
func (m *Manager) StartCooldown(ctx context.Context, store *Store) {
	if m.closed {
		return
	}
	m.store = store
	m.teardownCooldown()
	m.phase = PhaseCooldown
	cycle := m.coord.Reset()
	m.cycle = cycle
	round := m.round

	fallbackAfter := time.Duration(m.cfg.CooldownSeconds)*time.Second + m.cfg.FallbackMargin
	m.fallback = m.sched.AfterFunc(fallbackAfter, func() {
		m.fallback = 0
		m.dispatchReady(ctx, store, cycle, dispatch.TriggerFallback)
	})

	m.readyOff = m.bus.On(events.Ready, func(ctx context.Context, ev bus.Event) {
		if p, ok := ev.Detail.(events.ReadyPayload); ok {
			if (p.MatchID != "" && p.MatchID != m.matchID) || (p.Round != 0 && p.Round != round) {
				return
			}
		}
		m.dispatchReady(ctx, store, cycle, dispatch.TriggerBus)
	})

	m.cdWatch.Run(m.cfg.CooldownSeconds, timer.Hooks{
		OnTick: func(remaining int) {
			m.countdown(ctx, events.PhaseCooldown, remaining)
		},
		OnExpired: func() {
			m.dispatchReady(ctx, store, cycle, dispatch.TriggerTimer)
		},
		OnWaiting: func(remaining int) {
			m.view.ShowWaiting(events.PhaseCooldown, remaining)
		},
		OnDriftGiveUp: func() {
			m.driftGiveUp(ctx, events.PhaseCooldown, m.cdWatch.RetryCount())
		},
	})
	if m.phase != PhaseCooldown || m.cycle != cycle {
		// A primitive may expire inside Start and advance the match already.
		return
	}

	// Registered last: a pending skip runs the handler right here.
	m.skips.SetHandler(func() {
		m.cdWatch.Stop()
		m.dispatchReady(ctx, store, cycle, dispatch.TriggerSkip)
	})
}

// NextClicked is the Next button. It skips whatever phase is running.
func (m *Manager) NextClicked() {
	m.skips.Skip()
}

func (m *Manager) dispatchReady(ctx context.Context, store *Store, cycle dispatch.Cycle, trigger dispatch.Trigger) {
	if m.closed {
		return
	}
	payload := events.ReadyPayload{MatchID: m.matchID, Round: m.round, Trigger: string(trigger)}

	var toMachine dispatch.Dispatch
	if m.machine != nil {
		toMachine = func(ctx context.Context) (bool, error) {
			return m.machine.DispatchBattleEvent(ctx, machine.EventReady, payload)
		}
	}
	toBus := func(ctx context.Context) (bool, error) {
		if err := m.bus.Emit(ctx, events.Ready, payload); err != nil {
			return false, err
		}
		return true, nil
	}

	out, err := m.coord.DispatchReadyOnce(ctx, cycle, trigger, toMachine, toBus)
	if err != nil {
		log.Warn().
			Err(err).
			Str("match_id", m.matchID).
			Str("trigger", string(trigger)).
			Msg("ready dispatch failed")
	}
	if out == dispatch.OutcomeDispatched {
		m.StartRound(ctx, store)
	}
}

// HandleReplay resets the match and starts round one.
func (m *Manager) HandleReplay(ctx context.Context, store *Store) {
	if m.closed {
		return
	}
	m.teardownAll(store)
	m.engine.Reset()
	m.view.CloseQuitConfirm(store.QuitConfirm)
	store.QuitConfirm = nil
	m.view.ClearRoundMessages()
	m.dispatchMachine(ctx, machine.EventReplay, nil)
	m.round = 0
	m.phase = PhaseIdle
	log.Info().Str("match_id", m.matchID).Msg("replaying match")
	m.StartRound(ctx, store)
}

// Interrupt abandons the current round and leaves the manager idle.
func (m *Manager) Interrupt(ctx context.Context, store *Store, reason string) {
	if m.closed || m.phase == PhaseIdle {
		return
	}
	m.teardownAll(store)
	m.dispatchMachine(ctx, machine.EventInterrupt, nil)
	m.phase = PhaseIdle
	m.emit(ctx, events.RoundInterrupted, events.RoundInterruptedPayload{
		MatchID: m.matchID,
		Round:   m.round,
		Reason:  reason,
	})
	log.Warn().
		Str("match_id", m.matchID).
		Int("round", m.round).
		Str("reason", reason).
		Msg("round interrupted")
}

// Close cancels everything the manager has armed. The manager is unusable
// afterwards.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	if m.store != nil {
		m.teardownAll(m.store)
	} else {
		m.teardownSelection(nil)
		m.teardownCooldown()
		m.cancelReveal()
	}
	m.skips.Clear()
	m.skips.DiscardPending()
	m.closed = true
}

func (m *Manager) teardownAll(store *Store) {
	m.teardownSelection(store)
	m.teardownCooldown()
	m.cancelReveal()
	m.resolveSeq++
	store.cancelAll(m.sched)
}

func (m *Manager) teardownSelection(store *Store) {
	m.selWatch.Stop()
	if store != nil {
		store.cancelSelectionTimeouts(m.sched)
	}
	if m.phase == PhaseSelecting {
		m.skips.Clear()
	}
}

// teardownCooldown disarms every ready trigger of the current cycle.
func (m *Manager) teardownCooldown() {
	m.sched.Cancel(m.fallback)
	m.fallback = 0
	m.cdWatch.Stop()
	if m.readyOff != nil {
		m.readyOff()
		m.readyOff = nil
	}
	if m.phase == PhaseCooldown {
		m.skips.Clear()
	}
}

func (m *Manager) cancelReveal() {
	m.sched.Cancel(m.revealWait)
	m.revealWait = 0
}

func (m *Manager) revealDelay() time.Duration {
	if m.cfg.Headless {
		return 0
	}
	d := m.cfg.RevealDelay
	if m.cfg.RevealJitter > 0 {
		d += time.Duration(m.rng.Int63n(int64(m.cfg.RevealJitter)))
	}
	return d
}

func (m *Manager) countdown(ctx context.Context, phase string, remaining int) {
	m.view.ShowCountdown(phase, remaining)
	m.emit(ctx, events.Countdown, events.CountdownPayload{
		MatchID:   m.matchID,
		Round:     m.round,
		Phase:     phase,
		Remaining: remaining,
	})
}

func (m *Manager) driftGiveUp(ctx context.Context, phase string, retries int) {
	m.view.ShowWaiting(phase, 0)
	m.view.ShowDriftFailure(phase)
	m.emit(ctx, events.DriftGiveUp, events.DriftGiveUpPayload{
		MatchID: m.matchID,
		Round:   m.round,
		Phase:   phase,
		Retries: retries,
	})
}

func (m *Manager) dispatchMachine(ctx context.Context, event string, payload any) bool {
	if m.machine == nil {
		return false
	}
	ok, err := m.machine.DispatchBattleEvent(ctx, event, payload)
	if err != nil {
		log.Warn().Err(err).Str("match_id", m.matchID).Str("event", event).Msg("state machine dispatch failed")
		return false
	}
	if !ok {
		log.Debug().
			Str("match_id", m.matchID).
			Str("event", event).
			Str("state", m.machine.State()).
			Msg("state machine rejected event")
	}
	return ok
}

func (m *Manager) emit(ctx context.Context, name string, detail any) {
	if err := m.bus.Emit(ctx, name, detail); err != nil {
		log.Warn().Err(err).Str("match_id", m.matchID).Str("event", name).Msg("failed to emit battle event")
	}
}
