package session

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/statclash/go/internal/battle/bus"
	"github.com/mcdev12/statclash/go/internal/battle/events"
)

// View message kinds.
const (
	KindClear        = "clear"
	KindCountdown    = "countdown"
	KindStall        = "stall"
	KindWaiting      = "waiting"
	KindDriftFailure = "driftFailure"
	KindSelection    = "selection"
	KindScore        = "score"
	KindComparison   = "comparison"
	KindMatchEnded   = "matchEnded"
	KindQuitClosed   = "quitClosed"
)

// busView renders the round as viewMessage events for remote clients.
type busView struct {
	matchID string
	bus     bus.Bus
}

func (v busView) show(kind, text string) {
	err := v.bus.Emit(context.Background(), events.ViewMessage, events.ViewMessagePayload{
		MatchID: v.matchID,
		Kind:    kind,
		Text:    text,
	})
	if err != nil {
		log.Debug().Err(err).Str("kind", kind).Msg("dropped view message")
	}
}

func (v busView) ClearRoundMessages() { v.show(KindClear, "") }

func (v busView) ShowCountdown(phase string, remaining int) {
	if phase == events.PhaseCooldown {
		v.show(KindCountdown, fmt.Sprintf("Next round in: %ds", remaining))
		return
	}
	v.show(KindCountdown, fmt.Sprintf("Time left: %ds", remaining))
}

func (v busView) ShowStallNotice() {
	v.show(KindStall, "Stalled: picking a stat for you")
}

func (v busView) ShowWaiting(phase string, remaining int) {
	v.show(KindWaiting, fmt.Sprintf("Waiting (%s)... %ds", phase, remaining))
}

func (v busView) ShowDriftFailure(phase string) {
	v.show(KindDriftFailure, fmt.Sprintf("Timer error during %s", phase))
}

func (v busView) ShowSelection(stat string, auto bool) {
	if auto {
		v.show(KindSelection, fmt.Sprintf("Auto-selected %s", stat))
		return
	}
	v.show(KindSelection, fmt.Sprintf("You picked %s", stat))
}

func (v busView) UpdateScore(player, opponent int) {
	v.show(KindScore, fmt.Sprintf("You: %d Opponent: %d", player, opponent))
}

func (v busView) ShowComparison(stat string, playerVal, opponentVal int, outcome string) {
	v.show(KindComparison, fmt.Sprintf("%s: %d vs %d (%s)", stat, playerVal, opponentVal, outcome))
}

func (v busView) ShowMatchEnded(winner string) {
	v.show(KindMatchEnded, fmt.Sprintf("Match over: %s", winner))
}

func (v busView) CloseQuitConfirm(handle any) {
	if handle == nil {
		return
	}
	v.show(KindQuitClosed, "")
}
