package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/statclash/go/internal/battle/bus"
	"github.com/mcdev12/statclash/go/internal/battle/events"
	"github.com/mcdev12/statclash/go/internal/battle/natsbridge"
	"github.com/mcdev12/statclash/go/internal/battleconfig"
)

func testMatchConfig() battleconfig.MatchConfig {
	cfg := battleconfig.Default().Match
	cfg.Headless = true
	cfg.Seed = 1
	cfg.CooldownSeconds = 1
	return cfg
}

type eventLog struct {
	mu    sync.Mutex
	names []string
}

func (l *eventLog) record(_ context.Context, ev bus.Event) {
	l.mu.Lock()
	l.names = append(l.names, ev.Name)
	l.mu.Unlock()
}

func (l *eventLog) seen(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range l.names {
		if n == name {
			return true
		}
	}
	return false
}

func startSession(t *testing.T, opts ...Option) (*Session, *eventLog) {
	t.Helper()
	s := New("m1", testMatchConfig(), clockwork.NewFakeClock(), opts...)
	log := &eventLog{}
	s.Subscribe(log.record)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	return s, log
}

func waitFor(t *testing.T, s *Session, cond func(Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := s.Snapshot(context.Background())
		return err == nil && cond(snap)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_RoundFlow(t *testing.T) {
	s, log := startSession(t)

	waitFor(t, s, func(snap Snapshot) bool { return snap.Round == 1 && snap.Phase == "selecting" })

	require.NoError(t, s.Command(events.Command{Type: events.CommandSelectStat, Stat: "power"}))
	waitFor(t, s, func(snap Snapshot) bool {
		return snap.Round == 1 && snap.Phase == "cooldown" && snap.SkipAvailable
	})

	require.NoError(t, s.Command(events.Command{Type: events.CommandNext}))
	waitFor(t, s, func(snap Snapshot) bool { return snap.Round == 2 && snap.Phase == "selecting" })

	require.NoError(t, s.Command(events.Command{Type: events.CommandQuit}))
	waitFor(t, s, func(snap Snapshot) bool { return snap.Phase == "idle" && snap.State == "idle" })

	require.NoError(t, s.Command(events.Command{Type: events.CommandReplay}))
	waitFor(t, s, func(snap Snapshot) bool {
		return snap.Round == 1 && snap.Phase == "selecting" && snap.PlayerScore+snap.OpponentScore == 0
	})

	for _, name := range []string{events.RoundStarted, events.RoundResolved, events.Ready, events.StateChanged, events.SkipAvailability, events.ViewMessage, events.RoundInterrupted} {
		assert.True(t, log.seen(name), "expected %s", name)
	}
}

func TestSession_CommandValidation(t *testing.T) {
	s := New("m1", testMatchConfig(), clockwork.NewFakeClock())
	assert.ErrorIs(t, s.Command(events.Command{Type: events.CommandNext}), ErrNotStarted)

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Snapshot{MatchID: "m1", Phase: "idle", State: "idle"}, snap)

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()
	assert.ErrorIs(t, s.Command(events.Command{Type: "dance"}), ErrUnknownCommand)
	assert.ErrorIs(t, s.Command(events.Command{Type: events.CommandSelectStat}), ErrMissingStat)
}

func TestSession_Close(t *testing.T) {
	s := New("m1", testMatchConfig(), clockwork.NewFakeClock())
	require.NoError(t, s.Start(context.Background()))

	s.Close()
	s.Close()

	select {
	case <-s.Done():
	default:
		t.Fatal("loop still running after Close")
	}
	assert.ErrorIs(t, s.Command(events.Command{Type: events.CommandNext}), ErrClosed)
	_, err := s.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
}

func TestSession_CloseWithoutStart(t *testing.T) {
	s := New("m1", testMatchConfig(), clockwork.NewFakeClock())
	s.Close()
	<-s.Done()
}

type natsConn struct {
	mu       sync.Mutex
	subjects []string
	control  nats.MsgHandler
}

func (c *natsConn) Publish(subj string, _ []byte) error {
	c.mu.Lock()
	c.subjects = append(c.subjects, subj)
	c.mu.Unlock()
	return nil
}

func (c *natsConn) Subscribe(_ string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	c.control = cb
	c.mu.Unlock()
	return nil, nil
}

func (c *natsConn) published(subj string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subjects {
		if s == subj {
			return true
		}
	}
	return false
}

func (c *natsConn) send(t *testing.T, eventType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(natsbridge.Envelope{EventID: "e", EventType: eventType, MatchID: "m1", Payload: raw})
	require.NoError(t, err)
	c.mu.Lock()
	cb := c.control
	c.mu.Unlock()
	require.NotNil(t, cb)
	cb(&nats.Msg{Subject: natsbridge.ControlSubject("m1"), Data: data})
}

func TestSession_NATSBridge(t *testing.T) {
	conn := &natsConn{}
	s, _ := startSession(t, WithNATS(conn))

	waitFor(t, s, func(snap Snapshot) bool { return snap.Phase == "selecting" })
	assert.Eventually(t, func() bool {
		return conn.published(natsbridge.EventSubject("m1", events.RoundStarted))
	}, time.Second, 5*time.Millisecond)

	conn.send(t, natsbridge.EventTypeCommand, events.Command{Type: events.CommandSelectStat, Stat: "speed"})
	waitFor(t, s, func(snap Snapshot) bool { return snap.Phase == "cooldown" })

	conn.send(t, events.Ready, events.ReadyPayload{MatchID: "m1", Round: 1, Trigger: "bus"})
	waitFor(t, s, func(snap Snapshot) bool { return snap.Round == 2 && snap.Phase == "selecting" })
}
