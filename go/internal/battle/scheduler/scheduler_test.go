package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(clockwork.NewFakeClock())
	s.Start()
	return s
}

func TestAfterFunc_FiresOnceAtDeadline(t *testing.T) {
	s := newTestScheduler(t)
	calls := 0
	h := s.AfterFunc(500*time.Millisecond, func() { calls++ })

	s.Advance(499 * time.Millisecond)
	assert.Equal(t, 0, calls)
	assert.True(t, s.Pending(h))

	s.Advance(time.Millisecond)
	assert.Equal(t, 1, calls)
	assert.False(t, s.Pending(h))

	s.Advance(time.Second)
	assert.Equal(t, 1, calls)
}

func TestCancel_IsIdempotent(t *testing.T) {
	s := newTestScheduler(t)
	fired := false
	h := s.AfterFunc(time.Second, func() { fired = true })

	s.Cancel(h)
	s.Cancel(h)
	s.Cancel(0)
	s.Cancel(Handle(9999))

	s.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.False(t, s.Pending(h))
}

func TestOnSecondTick_OncePerBoundary(t *testing.T) {
	s := newTestScheduler(t)
	var seconds []int
	h := s.OnSecondTick(func(sec int) { seconds = append(seconds, sec) })

	s.Advance(3500 * time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, seconds)

	s.Cancel(h)
	s.Advance(2 * time.Second)
	assert.Equal(t, []int{1, 2, 3}, seconds)
}

func TestOnFrame_MonotonicTime(t *testing.T) {
	s := New(clockwork.NewFakeClock(), WithFrameInterval(10*time.Millisecond))
	s.Start()

	var frames []time.Duration
	s.OnFrame(func(now time.Duration) { frames = append(frames, now) })
	s.Advance(35 * time.Millisecond)

	require.Len(t, frames, 3)
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i], frames[i-1])
	}
	assert.Equal(t, 35*time.Millisecond, s.Elapsed())
	assert.LessOrEqual(t, frames[2], s.Elapsed())
}

func TestTicksWaitForStart(t *testing.T) {
	s := New(clockwork.NewFakeClock())
	ticks := 0
	s.OnSecondTick(func(int) { ticks++ })

	s.Advance(2 * time.Second)
	assert.Equal(t, 0, ticks)

	s.Start()
	s.Advance(time.Second)
	assert.Equal(t, 1, ticks)
}

func TestSameDeadline_FiresInRegistrationOrder(t *testing.T) {
	s := newTestScheduler(t)
	var order []string
	s.AfterFunc(time.Second, func() { order = append(order, "a") })
	s.AfterFunc(time.Second, func() { order = append(order, "b") })
	s.AfterFunc(500*time.Millisecond, func() { order = append(order, "early") })

	s.Advance(time.Second)
	assert.Equal(t, []string{"early", "a", "b"}, order)
}

func TestCallbackCanCancelSiblingDueAtSameInstant(t *testing.T) {
	s := newTestScheduler(t)
	var second Handle
	fired := false
	s.AfterFunc(time.Second, func() { s.Cancel(second) })
	second = s.AfterFunc(time.Second, func() { fired = true })

	s.Advance(time.Second)
	assert.False(t, fired)
}

func TestPanickingCallbackDoesNotStopLoop(t *testing.T) {
	s := newTestScheduler(t)
	after := false
	s.AfterFunc(time.Second, func() { panic("boom") })
	s.AfterFunc(2*time.Second, func() { after = true })

	require.NotPanics(t, func() { s.Advance(3 * time.Second) })
	assert.True(t, after)
}

func TestPost_RunsOnAdvance(t *testing.T) {
	s := newTestScheduler(t)
	ran := false
	s.Post(func() { ran = true })
	s.Advance(0)
	assert.True(t, ran)
}

func TestAdvance_PanicsOnRealClock(t *testing.T) {
	s := New(clockwork.NewRealClock())
	assert.Panics(t, func() { s.Advance(time.Millisecond) })
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	s := New(clockwork.NewRealClock())
	s.Start()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	fired := make(chan struct{})
	s.AfterFunc(5*time.Millisecond, func() { close(fired) })

	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeout to fire")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
