package timer

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/statclash/go/internal/battle/scheduler"
)

// manualPrimitive records starts and lets the test drive ticks by hand.
// It reports the starting value immediately and then stalls.
type manualPrimitive struct {
	starts    []int
	stops     int
	onTick    func(int)
	onExpired func()
}

func (p *manualPrimitive) Start(onTick func(int), onExpired func(), seconds int) {
	p.starts = append(p.starts, seconds)
	p.onTick = onTick
	p.onExpired = onExpired
	onTick(seconds)
}

func (p *manualPrimitive) Stop() { p.stops++ }

// schedulerPrimitive counts down once per second on the scheduler, the way the
// engine's countdown does.
type schedulerPrimitive struct {
	sched  *scheduler.Scheduler
	handle scheduler.Handle
	starts []int
}

func (p *schedulerPrimitive) Start(onTick func(int), onExpired func(), seconds int) {
	p.Stop()
	p.starts = append(p.starts, seconds)
	remaining := seconds
	onTick(remaining)
	var step func()
	step = func() {
		remaining--
		onTick(remaining)
		if remaining <= 0 {
			p.handle = 0
			onExpired()
			return
		}
		p.handle = p.sched.AfterFunc(time.Second, step)
	}
	p.handle = p.sched.AfterFunc(time.Second, step)
}

func (p *schedulerPrimitive) Stop() {
	p.sched.Cancel(p.handle)
	p.handle = 0
}

func newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(clockwork.NewFakeClock())
	s.Start()
	return s
}

func TestRoundTimer_TicksDescendAndExpireOnce(t *testing.T) {
	s := newScheduler(t)
	rt := NewRoundTimer("test", &schedulerPrimitive{sched: s})

	var ticks []int
	expired := 0
	rt.Start(3, func(r int) { ticks = append(ticks, r) }, func() { expired++ })

	s.Advance(10 * time.Second)
	assert.Equal(t, []int{3, 2, 1, 0}, ticks)
	assert.Equal(t, 1, expired)
	assert.Equal(t, 3, rt.Duration())
	assert.False(t, rt.Running())
	assert.True(t, rt.Expired())
}

func TestRoundTimer_StopSuppressesLateCallbacks(t *testing.T) {
	p := &manualPrimitive{}
	rt := NewRoundTimer("test", p)

	ticks := 0
	expired := 0
	rt.Start(5, func(int) { ticks++ }, func() { expired++ })
	require.Equal(t, 1, ticks)

	rt.Stop()
	rt.Stop()
	p.onTick(4)
	p.onExpired()

	assert.Equal(t, 1, ticks)
	assert.Equal(t, 0, expired)
	assert.Equal(t, 1, p.stops)
}

func TestRoundTimer_RestartDropsPreviousGeneration(t *testing.T) {
	p := &manualPrimitive{}
	rt := NewRoundTimer("test", p)

	firstExpired := 0
	rt.Start(5, nil, func() { firstExpired++ })
	staleExpire := p.onExpired

	secondExpired := 0
	rt.Start(5, nil, func() { secondExpired++ })
	staleExpire()
	p.onExpired()
	p.onExpired()

	assert.Equal(t, 0, firstExpired)
	assert.Equal(t, 1, secondExpired)
}

func TestRoundTimer_DropsOutOfOrderTicks(t *testing.T) {
	p := &manualPrimitive{}
	rt := NewRoundTimer("test", p)

	var ticks []int
	rt.Start(5, func(r int) { ticks = append(ticks, r) }, nil)
	p.onTick(4)
	p.onTick(4)
	p.onTick(5)
	p.onTick(2)

	assert.Equal(t, []int{5, 4, 2}, ticks)
	assert.Equal(t, 2, rt.Remaining())
}

func TestDriftWatcher_NoDriftExpiresNormally(t *testing.T) {
	s := newScheduler(t)
	p := &schedulerPrimitive{sched: s}
	rt := NewRoundTimer("cooldown", p)
	w := NewDriftWatcher(s, s.Clock(), rt, DefaultDriftConfig())
	require.Same(t, rt, w.Timer())

	expired := 0
	waiting := 0
	w.Run(5, Hooks{
		OnExpired: func() { expired++ },
		OnWaiting: func(int) { waiting++ },
	})

	s.Advance(6 * time.Second)
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, waiting)
	assert.Equal(t, []int{5}, p.starts)
	assert.Equal(t, 0, w.RetryCount())
}

func TestDriftWatcher_RetryBudgetThenGiveUp(t *testing.T) {
	s := newScheduler(t)
	p := &manualPrimitive{}
	w := NewDriftWatcher(s, s.Clock(), NewRoundTimer("selection", p), DefaultDriftConfig())

	var waiting []int
	giveUps := 0
	w.Run(30, Hooks{
		OnWaiting:     func(r int) { waiting = append(waiting, r) },
		OnDriftGiveUp: func() { giveUps++ },
	})

	// The primitive never ticks after its first report, so the wall clock
	// pulls ahead by one second per second and trips the 2s tolerance every 3s.
	s.Advance(9 * time.Second)
	assert.Equal(t, []int{30, 27, 24, 21}, p.starts)
	assert.Equal(t, []int{27, 24, 21}, waiting)
	assert.Equal(t, 0, giveUps)
	assert.Equal(t, 3, w.RetryCount())

	s.Advance(3 * time.Second)
	assert.Equal(t, 1, giveUps)
	assert.True(t, w.GaveUp())
	assert.Len(t, p.starts, 4, "give-up must not restart the timer")

	s.Advance(30 * time.Second)
	assert.Equal(t, 1, giveUps)
	assert.Len(t, p.starts, 4)
	assert.Equal(t, 3, w.RetryCount())
}

func TestDriftWatcher_RunResetsRetryCount(t *testing.T) {
	s := newScheduler(t)
	p := &manualPrimitive{}
	w := NewDriftWatcher(s, s.Clock(), NewRoundTimer("selection", p), DefaultDriftConfig())

	w.Run(30, Hooks{})
	s.Advance(3 * time.Second)
	require.Equal(t, 1, w.RetryCount())

	w.Run(30, Hooks{})
	assert.Equal(t, 0, w.RetryCount())
	assert.False(t, w.GaveUp())
}

func TestDriftWatcher_CancelIsIdempotent(t *testing.T) {
	s := newScheduler(t)
	w := NewDriftWatcher(s, s.Clock(), NewRoundTimer("x", &manualPrimitive{}), DefaultDriftConfig())

	assert.NotPanics(t, func() {
		w.Cancel()
		w.Cancel()
	})

	w.Run(10, Hooks{})
	w.Cancel()
	w.Cancel()

	// Without a subscription the stalled timer is never checked.
	s.Advance(10 * time.Second)
	assert.Equal(t, 0, w.RetryCount())
}

func TestDriftWatcher_ZeroBudgetGivesUpOnFirstDrift(t *testing.T) {
	s := newScheduler(t)
	p := &manualPrimitive{}
	w := NewDriftWatcher(s, s.Clock(), NewRoundTimer("x", p), DriftConfig{MaxRetries: 0, Tolerance: 1})

	giveUps := 0
	w.Run(10, Hooks{OnDriftGiveUp: func() { giveUps++ }})
	s.Advance(2 * time.Second)

	assert.Equal(t, 1, giveUps)
	assert.Equal(t, []int{10}, p.starts)
}
