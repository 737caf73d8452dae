package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/statclash/go/internal/battle/bus"
)

// EventTypeError is sent to a single client whose command was rejected.
const EventTypeError = "error"

// MatchEvent is the frame pushed to websocket clients
type MatchEvent struct {
	ID        string          `json:"id"`        // Event UUID
	MatchID   string          `json:"match_id"`  // Match UUID
	Type      string          `json:"type"`      // Bus event name
	Timestamp time.Time       `json:"timestamp"` // Event creation time
	Data      json.RawMessage `json:"data"`      // Event-specific payload
}

// ErrorPayload explains a rejected client command
type ErrorPayload struct {
	Message string `json:"message"`
}

func newMatchEvent(matchID, eventType string, detail any, now time.Time) (*MatchEvent, error) {
	data, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &MatchEvent{
		ID:        uuid.NewString(),
		MatchID:   matchID,
		Type:      eventType,
		Timestamp: now.UTC(),
		Data:      data,
	}, nil
}

func fromBusEvent(matchID string, ev bus.Event, now time.Time) (*MatchEvent, error) {
	return newMatchEvent(matchID, ev.Name, ev.Detail, now)
}
