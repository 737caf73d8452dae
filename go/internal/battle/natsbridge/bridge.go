// Package natsbridge mirrors a match's bus onto NATS and feeds remote ready
// signals and player commands back into it.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/statclash/go/internal/battle/bus"
	"github.com/mcdev12/statclash/go/internal/battle/events"
)

const (
	natsMaxReconnects = 10
	natsReconnectWait = 2 * time.Second

	// StreamName retains published match events for late subscribers.
	StreamName     = "BATTLE_EVENTS"
	streamMaxAge   = 24 * time.Hour
	streamSubjects = "battle.events.>"

	// EventTypeCommand marks a control envelope carrying an events.Command.
	EventTypeCommand = "command"
)

// Conn is the slice of *nats.Conn the bridge uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Poster runs fn on the goroutine that owns the match.
type Poster interface {
	Post(fn func())
}

// Envelope wraps every message on the battle subjects
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	MatchID   string          `json:"matchId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// EventSubject is where bus events of a match are published.
func EventSubject(matchID, name string) string {
	return fmt.Sprintf("battle.events.%s.%s", matchID, name)
}

// ControlSubject is where a match listens for remote input.
func ControlSubject(matchID string) string {
	return fmt.Sprintf("battle.control.%s", matchID)
}

// Connect dials NATS with reconnect handling.
func Connect(url string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("statclash"),
		nats.MaxReconnects(natsMaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// EnsureStream creates or updates the JetStream stream backing the event
// subjects.
func EnsureStream(ctx context.Context, nc *nats.Conn) error {
	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Battle match events",
		Subjects:    []string{streamSubjects},
		MaxAge:      streamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}
	log.Info().Str("stream", StreamName).Msg("JetStream stream ready")
	return nil
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithCommandHandler routes remote commands to fn. It is called on the NATS
// delivery goroutine.
func WithCommandHandler(fn func(events.Command)) Option {
	return func(b *Bridge) { b.onCommand = fn }
}

// WithClock sets the clock used for envelope timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(b *Bridge) { b.clock = c }
}

// Bridge connects one match to NATS.
type Bridge struct {
	conn      Conn
	bus       bus.Bus
	poster    Poster
	clock     clockwork.Clock
	matchID   string
	onCommand func(events.Command)

	// echo is the remote ready being re-emitted, so it is not published
	// straight back out. Only touched on the poster's goroutine.
	echo any

	off func()
	sub *nats.Subscription
}

// New creates a bridge. Call Start to attach it.
func New(conn Conn, b bus.Bus, poster Poster, matchID string, opts ...Option) *Bridge {
	br := &Bridge{
		conn:    conn,
		bus:     b,
		poster:  poster,
		clock:   clockwork.NewRealClock(),
		matchID: matchID,
	}
	for _, opt := range opts {
		opt(br)
	}
	return br
}

// Start mirrors the bus and subscribes to the control subject.
func (b *Bridge) Start() error {
	b.off = b.bus.On(bus.Wildcard, b.mirror)
	sub, err := b.conn.Subscribe(ControlSubject(b.matchID), b.handleControl)
	if err != nil {
		b.off()
		b.off = nil
		return fmt.Errorf("subscribe %s: %w", ControlSubject(b.matchID), err)
	}
	b.sub = sub
	log.Info().Str("match_id", b.matchID).Msg("NATS bridge attached")
	return nil
}

// Stop detaches from the bus and NATS. Safe to call more than once.
func (b *Bridge) Stop() {
	if b.off != nil {
		b.off()
		b.off = nil
	}
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("match_id", b.matchID).Msg("failed to unsubscribe control subject")
		}
		b.sub = nil
	}
}

func (b *Bridge) mirror(_ context.Context, ev bus.Event) {
	if b.echo != nil && ev.Name == events.Ready && ev.Detail == b.echo {
		return
	}
	payload, err := json.Marshal(ev.Detail)
	if err != nil {
		log.Error().Err(err).Str("event", ev.Name).Msg("failed to marshal event payload")
		return
	}
	data, err := json.Marshal(Envelope{
		EventID:   uuid.NewString(),
		EventType: ev.Name,
		MatchID:   b.matchID,
		Timestamp: b.clock.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		log.Error().Err(err).Str("event", ev.Name).Msg("failed to marshal envelope")
		return
	}
	if err := b.conn.Publish(EventSubject(b.matchID, ev.Name), data); err != nil {
		log.Warn().Err(err).Str("event", ev.Name).Msg("failed to publish event")
	}
}

func (b *Bridge) handleControl(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to unmarshal control envelope")
		return
	}
	if env.MatchID != "" && env.MatchID != b.matchID {
		log.Debug().Str("match_id", env.MatchID).Msg("ignoring control message for another match")
		return
	}

	switch env.EventType {
	case events.Ready:
		var p events.ReadyPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Error().Err(err).Str("event_id", env.EventID).Msg("failed to unmarshal ready payload")
			return
		}
		if p.MatchID == "" {
			p.MatchID = b.matchID
		}
		b.poster.Post(func() {
			b.echo = p
			defer func() { b.echo = nil }()
			if err := b.bus.Emit(context.Background(), events.Ready, p); err != nil {
				log.Warn().Err(err).Msg("failed to emit remote ready")
			}
		})
	case EventTypeCommand:
		var cmd events.Command
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			log.Error().Err(err).Str("event_id", env.EventID).Msg("failed to unmarshal command")
			return
		}
		if b.onCommand == nil {
			log.Debug().Str("command", cmd.Type).Msg("no command handler attached")
			return
		}
		b.onCommand(cmd)
	default:
		log.Warn().Str("event_type", env.EventType).Msg("unknown control message")
	}
}
