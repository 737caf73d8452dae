// Package scheduler is the cooperative tick source for a match. Every callback
// registered here runs on a single goroutine (the one calling Run, or the test
// goroutine calling Advance), so round-core code never needs its own locking.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultFrameInterval approximates a 60Hz render cadence.
const DefaultFrameInterval = 16 * time.Millisecond

// Handle identifies a registration. The zero Handle is never issued and is
// treated as "none" everywhere.
type Handle uint64

// Valid reports whether h refers to a registration that was issued.
func (h Handle) Valid() bool { return h != 0 }

type kind int

const (
	kindTimeout kind = iota
	kindFramePump
	kindSecondPump
)

type entry struct {
	handle Handle
	kind   kind
	due    time.Time
	seq    uint64
	fn     func()
	index  int
}

type subscriber[T any] struct {
	handle Handle
	fn     func(T)
}

// Scheduler owns the timeout queue and the frame/second subscriptions.
type Scheduler struct {
	clock         clockwork.Clock
	frameInterval time.Duration

	mu      sync.Mutex
	started bool
	origin  time.Time
	nextID  uint64
	seq     uint64
	queue   timerQueue
	entries map[Handle]*entry

	frameSubs  []subscriber[time.Duration]
	secondSubs []subscriber[int]
	framePump  *entry
	secondPump *entry

	inbox  chan func()
	wakeCh chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithFrameInterval overrides the frame cadence.
func WithFrameInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.frameInterval = d
		}
	}
}

// New creates a scheduler on the given clock. In production use
// clockwork.NewRealClock(); in tests a fake clock driven through Advance.
func New(clock clockwork.Clock, opts ...Option) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Scheduler{
		clock:         clock,
		frameInterval: DefaultFrameInterval,
		origin:        clock.Now(),
		entries:       make(map[Handle]*entry),
		inbox:         make(chan func(), 256),
		wakeCh:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Clock returns the clock the scheduler measures time with.
func (s *Scheduler) Clock() clockwork.Clock { return s.clock }

// Start fixes the scheduler origin and begins delivering frame and second
// ticks. Calling it again is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.origin = s.clock.Now()
	s.armPumpsLocked()
	s.mu.Unlock()
	s.wake()
}

// Elapsed is the monotonic time since Start.
func (s *Scheduler) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Since(s.origin)
}

// AfterFunc runs fn once after d.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) Handle {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	h := s.newHandleLocked()
	s.pushLocked(&entry{handle: h, kind: kindTimeout, due: s.clock.Now().Add(d), fn: fn})
	s.mu.Unlock()
	s.wake()
	return h
}

// OnFrame runs fn every frame with the time elapsed since Start.
func (s *Scheduler) OnFrame(fn func(now time.Duration)) Handle {
	s.mu.Lock()
	h := s.newHandleLocked()
	s.frameSubs = append(s.frameSubs, subscriber[time.Duration]{handle: h, fn: fn})
	s.armPumpsLocked()
	s.mu.Unlock()
	s.wake()
	return h
}

// OnSecondTick runs fn each time the scheduler crosses a whole-second
// boundary, passing the number of seconds since Start.
func (s *Scheduler) OnSecondTick(fn func(second int)) Handle {
	s.mu.Lock()
	h := s.newHandleLocked()
	s.secondSubs = append(s.secondSubs, subscriber[int]{handle: h, fn: fn})
	s.armPumpsLocked()
	s.mu.Unlock()
	s.wake()
	return h
}

// Cancel removes any registration for h. Unknown, zero, fired and already
// cancelled handles are ignored.
func (s *Scheduler) Cancel(h Handle) {
	if !h.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[h]; ok {
		heap.Remove(&s.queue, e.index)
		delete(s.entries, h)
		return
	}
	s.frameSubs = removeSub(s.frameSubs, h)
	s.secondSubs = removeSub(s.secondSubs, h)
}

// Pending reports whether h is still registered.
func (s *Scheduler) Pending(h Handle) bool {
	if !h.Valid() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[h]; ok {
		return true
	}
	return hasSub(s.frameSubs, h) || hasSub(s.secondSubs, h)
}

// Post queues fn to run on the scheduler goroutine. It is the only safe way
// for other goroutines (websocket readers, NATS handlers) to touch the round core.
func (s *Scheduler) Post(fn func()) {
	s.inbox <- fn
	s.wake()
}

// Run drives the scheduler until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := s.clock.NewTimer(time.Hour)
	defer stopAndDrainTimer(timer)

	log.Info().Dur("frame_interval", s.frameInterval).Msg("scheduler loop started")
	for {
		s.drainInbox()
		s.fireDue(s.clock.Now())

		wait := time.Hour
		if next, ok := s.nextDue(); ok {
			wait = next.Sub(s.clock.Now())
			if wait < 0 {
				wait = 0
			}
		}
		stopAndDrainTimer(timer)
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler loop shutting down")
			return nil
		case <-timer.Chan():
		case <-s.wakeCh:
		}
	}
}

type advancer interface {
	Advance(d time.Duration)
}

// Advance moves a fake clock forward by d, firing every registration that
// falls due in order. It panics when the scheduler runs on a real clock.
func (s *Scheduler) Advance(d time.Duration) {
	fc, ok := s.clock.(advancer)
	if !ok {
		panic(fmt.Sprintf("scheduler: Advance needs a fake clock, got %T", s.clock))
	}
	target := s.clock.Now().Add(d)
	for {
		s.drainInbox()
		next, ok := s.nextDue()
		if !ok || next.After(target) {
			break
		}
		if now := s.clock.Now(); next.After(now) {
			fc.Advance(next.Sub(now))
		}
		s.fireDue(s.clock.Now())
	}
	if now := s.clock.Now(); target.After(now) {
		fc.Advance(target.Sub(now))
	}
	s.drainInbox()
}

// Flush runs posted work and anything already due without moving the clock.
func (s *Scheduler) Flush() {
	s.drainInbox()
	s.fireDue(s.clock.Now())
}

func (s *Scheduler) drainInbox() {
	for {
		select {
		case fn := <-s.inbox:
			s.invoke("posted", fn)
		default:
			return
		}
	}
}

func (s *Scheduler) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].due, true
}

// fireDue pops and runs entries one at a time so a callback can cancel or add
// registrations that are due at the same instant.
func (s *Scheduler) fireDue(now time.Time) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].due.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.queue).(*entry)
		delete(s.entries, e.handle)
		s.mu.Unlock()

		switch e.kind {
		case kindTimeout:
			s.invoke("timeout", e.fn)
		case kindFramePump:
			s.fireFrame(e)
		case kindSecondPump:
			s.fireSecond(e)
		}
	}
}

func (s *Scheduler) fireFrame(pump *entry) {
	s.mu.Lock()
	elapsed := pump.due.Sub(s.origin)
	subs := append([]subscriber[time.Duration](nil), s.frameSubs...)
	s.framePump = nil
	s.armPumpsLocked()
	s.mu.Unlock()

	for _, sub := range subs {
		if !s.Pending(sub.handle) {
			continue
		}
		fn := sub.fn
		s.invoke("frame", func() { fn(elapsed) })
	}
}

func (s *Scheduler) fireSecond(pump *entry) {
	s.mu.Lock()
	second := int(pump.due.Sub(s.origin) / time.Second)
	subs := append([]subscriber[int](nil), s.secondSubs...)
	s.secondPump = nil
	s.armPumpsLocked()
	s.mu.Unlock()

	for _, sub := range subs {
		if !s.Pending(sub.handle) {
			continue
		}
		fn := sub.fn
		s.invoke("second", func() { fn(second) })
	}
}

// invoke shields the loop from collaborator panics.
func (s *Scheduler) invoke(source string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("source", source).
				Interface("panic", r).
				Msg("scheduler callback panicked")
		}
	}()
	fn()
}

func (s *Scheduler) armPumpsLocked() {
	if !s.started {
		return
	}
	now := s.clock.Now()
	if len(s.frameSubs) > 0 && s.framePump == nil {
		s.framePump = &entry{handle: s.newHandleLocked(), kind: kindFramePump, due: now.Add(s.frameInterval)}
		s.pushLocked(s.framePump)
	}
	if len(s.secondSubs) > 0 && s.secondPump == nil {
		elapsed := now.Sub(s.origin)
		next := (elapsed/time.Second + 1) * time.Second
		s.secondPump = &entry{handle: s.newHandleLocked(), kind: kindSecondPump, due: s.origin.Add(next)}
		s.pushLocked(s.secondPump)
	}
}

func (s *Scheduler) newHandleLocked() Handle {
	s.nextID++
	return Handle(s.nextID)
}

func (s *Scheduler) pushLocked(e *entry) {
	s.seq++
	e.seq = s.seq
	heap.Push(&s.queue, e)
	s.entries[e.handle] = e
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// stopAndDrainTimer stops a timer and drains its channel so a later Reset
// does not deliver a stale fire.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

func removeSub[T any](subs []subscriber[T], h Handle) []subscriber[T] {
	for i, sub := range subs {
		if sub.handle == h {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

func hasSub[T any](subs []subscriber[T], h Handle) bool {
	for _, sub := range subs {
		if sub.handle == h {
			return true
		}
	}
	return false
}
