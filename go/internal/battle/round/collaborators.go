package round

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/statclash/go/internal/battle/engine"
	"github.com/mcdev12/statclash/go/internal/battle/scheduler"
)

// Scheduler is the tick source the manager arms its timeouts on.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) scheduler.Handle
	OnFrame(fn func(now time.Duration)) scheduler.Handle
	OnSecondTick(fn func(second int)) scheduler.Handle
	Cancel(h scheduler.Handle)
	Pending(h scheduler.Handle) bool
	Clock() clockwork.Clock
}

// Engine scores selections and runs the phase countdowns.
type Engine interface {
	StartRound(onTick func(remaining int), onExpired func(), seconds int)
	StartCoolDown(onTick func(remaining int), onExpired func(), seconds int)
	StopTimer()
	HandleStatSelection(playerVal, opponentVal int) (engine.Result, error)
	Scores() (player, opponent int)
	IsMatchEnded() bool
	Reset()
}

// Machine is the match state machine. The manager works without one, in which
// case the bus carries the ready transition on its own.
type Machine interface {
	DispatchBattleEvent(ctx context.Context, event string, payload any) (bool, error)
	State() string
}

// Cards supplies the stat values compared each round.
type Cards interface {
	Stats(round int) []string
	Values(round int, stat string) (player, opponent int, err error)
}

// View is everything the manager asks of the UI.
type View interface {
	ClearRoundMessages()
	ShowCountdown(phase string, remaining int)
	ShowStallNotice()
	ShowWaiting(phase string, remaining int)
	ShowDriftFailure(phase string)
	ShowSelection(stat string, auto bool)
	UpdateScore(player, opponent int)
	ShowComparison(stat string, playerVal, opponentVal int, outcome string)
	ShowMatchEnded(winner string)
	CloseQuitConfirm(handle any)
}

// NopView ignores every call. Headless runs use it.
type NopView struct{}

func (NopView) ClearRoundMessages() {}

func (NopView) ShowCountdown(string, int) {}

func (NopView) ShowStallNotice() {}

func (NopView) ShowWaiting(string, int) {}

func (NopView) ShowDriftFailure(string) {}

func (NopView) ShowSelection(string, bool) {}

func (NopView) UpdateScore(int, int) {}

func (NopView) ShowComparison(string, int, int, string) {}

func (NopView) ShowMatchEnded(string) {}

func (NopView) CloseQuitConfirm(any) {}
