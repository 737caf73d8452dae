package events

import (
	"time"
)

// Event names shared by the round core, the bus, the NATS bridge and the gateway.
const (
	RoundStarted     = "roundStarted"
	OpponentReveal   = "opponentReveal"
	RoundResolved    = "roundResolved"
	Countdown        = "countdown"
	Ready            = "ready"
	MatchEnded       = "matchEnded"
	DriftGiveUp      = "driftGiveUp"
	StallNotice      = "stallNotice"
	RoundInterrupted = "roundInterrupted"
	StateChanged     = "stateChanged"
	SkipAvailability = "skipAvailability"
	ViewMessage      = "viewMessage"
)

// Phase labels carried in payloads.
const (
	PhaseSelection = "selection"
	PhaseCooldown  = "cooldown"
)

// RoundStartedPayload is the payload for a roundStarted event
type RoundStartedPayload struct {
	MatchID         string    `json:"match_id"`
	Round           int       `json:"round"`
	TimePerRoundSec int       `json:"time_per_round_sec"`
	StartedAt       time.Time `json:"started_at"`
	StallTimeoutAt  time.Time `json:"stall_timeout_at"`
	AvailableStats  []string  `json:"available_stats,omitempty"`
}

// OpponentRevealPayload is the payload for an opponentReveal event
type OpponentRevealPayload struct {
	MatchID       string `json:"match_id"`
	Round         int    `json:"round"`
	Stat          string `json:"stat"`
	OpponentValue int    `json:"opponent_value"`
}

// RoundResolvedPayload is the payload for a roundResolved event
type RoundResolvedPayload struct {
	MatchID       string    `json:"match_id"`
	Round         int       `json:"round"`
	Stat          string    `json:"stat"`
	PlayerValue   int       `json:"player_value"`
	OpponentValue int       `json:"opponent_value"`
	Delta         int       `json:"delta"`
	Outcome       string    `json:"outcome"`
	PlayerScore   int       `json:"player_score"`
	OpponentScore int       `json:"opponent_score"`
	MatchEnded    bool      `json:"match_ended"`
	AutoSelected  bool      `json:"auto_selected"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

// CountdownPayload is the payload for a countdown event
type CountdownPayload struct {
	MatchID   string `json:"match_id"`
	Round     int    `json:"round"`
	Phase     string `json:"phase"`
	Remaining int    `json:"remaining"`
}

// ReadyPayload is the payload for a ready event
type ReadyPayload struct {
	MatchID string `json:"match_id"`
	Round   int    `json:"round"`
	Trigger string `json:"trigger"`
}

// MatchEndedPayload is the payload for a matchEnded event
type MatchEndedPayload struct {
	MatchID       string    `json:"match_id"`
	Rounds        int       `json:"rounds"`
	PlayerScore   int       `json:"player_score"`
	OpponentScore int       `json:"opponent_score"`
	Winner        string    `json:"winner"`
	EndedAt       time.Time `json:"ended_at"`
}

// DriftGiveUpPayload is the payload for a driftGiveUp event
type DriftGiveUpPayload struct {
	MatchID string `json:"match_id"`
	Round   int    `json:"round"`
	Phase   string `json:"phase"`
	Retries int    `json:"retries"`
}

// StallNoticePayload is the payload for a stallNotice event
type StallNoticePayload struct {
	MatchID      string    `json:"match_id"`
	Round        int       `json:"round"`
	AutoSelectAt time.Time `json:"auto_select_at"`
}

// RoundInterruptedPayload is the payload for a roundInterrupted event
type RoundInterruptedPayload struct {
	MatchID string `json:"match_id"`
	Round   int    `json:"round"`
	Reason  string `json:"reason"`
}

// StateChangedPayload is the payload for a stateChanged event
type StateChangedPayload struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Event string `json:"event"`
}

// SkipAvailabilityPayload tells listeners whether Next/skip can act right now
type SkipAvailabilityPayload struct {
	MatchID   string `json:"match_id"`
	Available bool   `json:"available"`
}

// ViewMessagePayload carries a user-facing status line
type ViewMessagePayload struct {
	MatchID string `json:"match_id"`
	Kind    string `json:"kind"`
	Text    string `json:"text"`
}

// Client commands accepted over the websocket and the NATS control subject.
const (
	CommandSelectStat = "selectStat"
	CommandNext       = "next"
	CommandReplay     = "replay"
	CommandQuit       = "quit"
)

// Command is a player action sent to a running match
type Command struct {
	Type string `json:"type"`
	Stat string `json:"stat,omitempty"`
}
