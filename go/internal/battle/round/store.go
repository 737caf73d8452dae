package round

import (
	"github.com/mcdev12/statclash/go/internal/battle/scheduler"
)

// Store is the per-match state the manager owns. It is created once per match
// and its fields are reset, never recreated, between replays.
type Store struct {
	PendingStatTimeout  scheduler.Handle
	PendingAutoSelect   scheduler.Handle
	PendingCompareFrame scheduler.Handle
	SelectionMade       bool

	// QuitConfirm is the UI's handle for an open quit dialog. The manager only
	// hands it back to the view to close.
	QuitConfirm any
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

type canceler interface {
	Cancel(h scheduler.Handle)
}

func (s *Store) cancelSelectionTimeouts(c canceler) {
	c.Cancel(s.PendingStatTimeout)
	c.Cancel(s.PendingAutoSelect)
	s.PendingStatTimeout = 0
	s.PendingAutoSelect = 0
}

func (s *Store) cancelAll(c canceler) {
	s.cancelSelectionTimeouts(c)
	c.Cancel(s.PendingCompareFrame)
	s.PendingCompareFrame = 0
}
