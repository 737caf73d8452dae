// Package engine scores stat comparisons and provides the countdown the round
// timers run on.
package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/mcdev12/statclash/go/internal/battle/scheduler"
)

// DefaultPointsToWin is the score that ends a match.
const DefaultPointsToWin = 5

// Outcome of one comparison, from the player's side.
type Outcome string

const (
	OutcomeWinPlayer   Outcome = "winPlayer"
	OutcomeWinOpponent Outcome = "winOpponent"
	OutcomeDraw        Outcome = "draw"
)

// ErrMatchEnded is returned when a selection arrives after the match is over.
var ErrMatchEnded = errors.New("match already ended")

// Result is what HandleStatSelection reports.
type Result struct {
	Delta         int
	Outcome       Outcome
	MatchEnded    bool
	PlayerScore   int
	OpponentScore int
}

// Scheduler is the part of the scheduler the countdown needs.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) scheduler.Handle
	Cancel(h scheduler.Handle)
}

// Engine holds cumulative match scores and one active countdown.
type Engine struct {
	sched       Scheduler
	pointsToWin int

	mu            sync.Mutex
	playerScore   int
	opponentScore int
	ended         bool

	countdown scheduler.Handle
	gen       uint64
}

// New creates an engine. pointsToWin <= 0 uses DefaultPointsToWin.
func New(sched Scheduler, pointsToWin int) *Engine {
	if pointsToWin <= 0 {
		pointsToWin = DefaultPointsToWin
	}
	return &Engine{sched: sched, pointsToWin: pointsToWin}
}

// PointsToWin is the winning score.
func (e *Engine) PointsToWin() int { return e.pointsToWin }

// StartRound runs the selection countdown.
func (e *Engine) StartRound(onTick func(remaining int), onExpired func(), seconds int) {
	e.startCountdown(onTick, onExpired, seconds)
}

// StartCoolDown runs the between-rounds countdown.
func (e *Engine) StartCoolDown(onTick func(remaining int), onExpired func(), seconds int) {
	e.startCountdown(onTick, onExpired, seconds)
}

// StopTimer stops whichever countdown is active.
func (e *Engine) StopTimer() {
	e.gen++
	e.sched.Cancel(e.countdown)
	e.countdown = 0
}

// startCountdown reports seconds immediately, then one tick per second down
// to zero, then expiry. Expiry is always delivered from the scheduler, never
// from inside the Start call.
func (e *Engine) startCountdown(onTick func(int), onExpired func(), seconds int) {
	e.StopTimer()
	gen := e.gen
	if seconds < 0 {
		seconds = 0
	}
	remaining := seconds

	tick := func(n int) {
		if onTick != nil {
			onTick(n)
		}
	}
	expire := func() {
		if gen != e.gen {
			return
		}
		e.countdown = 0
		if onExpired != nil {
			onExpired()
		}
	}

	tick(remaining)
	if remaining == 0 {
		e.countdown = e.sched.AfterFunc(0, expire)
		return
	}

	var step func()
	step = func() {
		if gen != e.gen {
			return
		}
		remaining--
		tick(remaining)
		if gen != e.gen {
			return
		}
		if remaining <= 0 {
			expire()
			return
		}
		e.countdown = e.sched.AfterFunc(time.Second, step)
	}
	e.countdown = e.sched.AfterFunc(time.Second, step)
}

// HandleStatSelection compares the two values and updates the scores.
func (e *Engine) HandleStatSelection(playerVal, opponentVal int) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return Result{}, ErrMatchEnded
	}

	res := Result{Delta: playerVal - opponentVal}
	switch {
	case res.Delta > 0:
		res.Outcome = OutcomeWinPlayer
		e.playerScore++
	case res.Delta < 0:
		res.Outcome = OutcomeWinOpponent
		e.opponentScore++
	default:
		res.Outcome = OutcomeDraw
	}
	if e.playerScore >= e.pointsToWin || e.opponentScore >= e.pointsToWin {
		e.ended = true
	}
	res.MatchEnded = e.ended
	res.PlayerScore = e.playerScore
	res.OpponentScore = e.opponentScore
	return res, nil
}

// Scores returns the cumulative player and opponent scores.
func (e *Engine) Scores() (player, opponent int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playerScore, e.opponentScore
}

// IsMatchEnded reports whether either side reached the winning score.
func (e *Engine) IsMatchEnded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

// Reset clears scores and stops the countdown.
func (e *Engine) Reset() {
	e.StopTimer()
	e.mu.Lock()
	e.playerScore, e.opponentScore = 0, 0
	e.ended = false
	e.mu.Unlock()
}
