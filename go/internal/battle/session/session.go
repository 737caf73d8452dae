// Package session runs matches: one scheduler goroutine per match with the
// round core wired to a local bus, plus an optional NATS bridge.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/statclash/go/internal/battle/bus"
	"github.com/mcdev12/statclash/go/internal/battle/dispatch"
	"github.com/mcdev12/statclash/go/internal/battle/engine"
	"github.com/mcdev12/statclash/go/internal/battle/events"
	"github.com/mcdev12/statclash/go/internal/battle/machine"
	"github.com/mcdev12/statclash/go/internal/battle/natsbridge"
	"github.com/mcdev12/statclash/go/internal/battle/round"
	"github.com/mcdev12/statclash/go/internal/battle/scheduler"
	"github.com/mcdev12/statclash/go/internal/battle/skip"
	"github.com/mcdev12/statclash/go/internal/battleconfig"
)

const closeTimeout = 2 * time.Second

var (
	ErrClosed         = errors.New("session closed")
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingStat    = errors.New("selectStat requires a stat")
	ErrNotStarted     = errors.New("session not started")
)

// Snapshot is a point-in-time view of a match.
type Snapshot struct {
	MatchID       string `json:"match_id"`
	Round         int    `json:"round"`
	Phase         string `json:"phase"`
	State         string `json:"state"`
	PlayerScore   int    `json:"player_score"`
	OpponentScore int    `json:"opponent_score"`
	SkipAvailable bool   `json:"skip_available"`
}

// Option configures a Session.
type Option func(*Session)

// WithNATS mirrors the match onto conn and accepts remote input from it.
func WithNATS(conn natsbridge.Conn) Option {
	return func(s *Session) { s.conn = conn }
}

// Session is one running match.
type Session struct {
	id      string
	sched   *scheduler.Scheduler
	bus     *bus.Local
	machine *machine.Machine
	engine  *engine.Engine
	dealer  *Dealer
	skips   *skip.Registry
	manager *round.Manager
	store   *round.Store
	conn    natsbridge.Conn
	bridge  *natsbridge.Bridge
	offSkip func()

	mu      sync.Mutex
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// New wires a match. Call Start to begin round one.
func New(id string, cfg battleconfig.MatchConfig, clock clockwork.Clock, opts ...Option) *Session {
	s := &Session{
		id:    id,
		sched: scheduler.New(clock, scheduler.WithFrameInterval(cfg.FrameInterval)),
		bus:   bus.NewLocal(),
		skips: skip.NewRegistry(),
		store: round.NewStore(),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.machine = machine.New(id, s.bus)
	s.engine = engine.New(s.sched, cfg.PointsToWin)
	s.dealer = NewDealer(cfg.Stats, cfg.Seed)
	s.manager = round.New(round.Deps{
		MatchID:     id,
		Scheduler:   s.sched,
		Engine:      s.engine,
		Machine:     s.machine,
		Bus:         s.bus,
		Skips:       s.skips,
		Coordinator: dispatch.NewCoordinator(),
		View:        busView{matchID: id, bus: s.bus},
		Cards:       s.dealer,
	}, cfg.RoundConfig())

	s.offSkip = s.skips.OnChange(func(has bool) {
		err := s.bus.Emit(context.Background(), events.SkipAvailability, events.SkipAvailabilityPayload{
			MatchID:   id,
			Available: has,
		})
		if err != nil {
			log.Debug().Err(err).Str("match_id", id).Msg("dropped skip availability")
		}
	})

	if s.conn != nil {
		s.bridge = natsbridge.New(s.conn, s.bus, s.sched, id,
			natsbridge.WithClock(clock),
			natsbridge.WithCommandHandler(func(cmd events.Command) {
				if err := s.Command(cmd); err != nil {
					log.Warn().Err(err).Str("match_id", id).Str("command", cmd.Type).Msg("rejected remote command")
				}
			}),
		)
	}
	return s
}

// ID is the match id.
func (s *Session) ID() string { return s.id }

// Start launches the scheduler loop and the first round. The loop stops when
// ctx is cancelled or the session is closed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	if s.bridge != nil {
		if err := s.bridge.Start(); err != nil {
			return fmt.Errorf("attach NATS bridge: %w", err)
		}
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.sched.Start()
	go func() {
		defer close(s.done)
		if err := s.sched.Run(s.ctx); err != nil {
			log.Error().Err(err).Str("match_id", s.id).Msg("scheduler loop failed")
		}
	}()
	runCtx := s.ctx
	s.sched.Post(func() { s.manager.StartRound(runCtx, s.store) })

	log.Info().Str("match_id", s.id).Msg("match started")
	return nil
}

// Subscribe attaches h to every event of the match. Handlers run on the
// match goroutine and must not block.
func (s *Session) Subscribe(h bus.Handler) func() {
	return s.bus.On(bus.Wildcard, h)
}

// Command queues a player action.
func (s *Session) Command(cmd events.Command) error {
	var fn func(ctx context.Context)
	switch cmd.Type {
	case events.CommandSelectStat:
		if cmd.Stat == "" {
			return ErrMissingStat
		}
		fn = func(ctx context.Context) { s.manager.SelectStat(ctx, s.store, cmd.Stat) }
	case events.CommandNext:
		fn = func(context.Context) { s.manager.NextClicked() }
	case events.CommandReplay:
		fn = func(ctx context.Context) {
			s.dealer.Reset()
			s.manager.HandleReplay(ctx, s.store)
		}
	case events.CommandQuit:
		fn = func(ctx context.Context) { s.manager.Interrupt(ctx, s.store, "quit") }
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
	return s.post(fn)
}

// Snapshot reads the match state on the match goroutine.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	started, closed := s.started, s.closed
	s.mu.Unlock()
	if closed {
		return Snapshot{}, ErrClosed
	}
	if !started {
		return s.snapshot(), nil
	}

	out := make(chan Snapshot, 1)
	if err := s.post(func(context.Context) { out <- s.snapshot() }); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-out:
		return snap, nil
	case <-s.done:
		return Snapshot{}, ErrClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *Session) snapshot() Snapshot {
	p, o := s.engine.Scores()
	return Snapshot{
		MatchID:       s.id,
		Round:         s.manager.Round(),
		Phase:         s.manager.Phase().String(),
		State:         s.machine.State(),
		PlayerScore:   p,
		OpponentScore: o,
		SkipAvailable: s.skips.HasHandler(),
	}
}

// Done is closed once the match goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the match down and waits for its goroutine. Safe to call more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if !started {
		s.teardown()
		close(s.done)
		return
	}

	finished := make(chan struct{})
	s.sched.Post(func() {
		s.teardown()
		close(finished)
	})
	select {
	case <-finished:
	case <-s.done:
	case <-time.After(closeTimeout):
		log.Warn().Str("match_id", s.id).Msg("match did not tear down in time")
	}
	s.cancel()
	<-s.done
	select {
	case <-finished:
	default:
		// The loop exited before the posted teardown ran.
		s.teardown()
	}
	s.bus.Close()
	log.Info().Str("match_id", s.id).Msg("match closed")
}

func (s *Session) teardown() {
	s.manager.Close()
	s.machine.Close()
	s.offSkip()
	if s.bridge != nil {
		s.bridge.Stop()
	}
}

func (s *Session) post(fn func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.started {
		return ErrNotStarted
	}
	ctx := s.ctx
	s.sched.Post(func() { fn(ctx) })
	return nil
}
