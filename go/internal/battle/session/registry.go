package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/statclash/go/internal/battleconfig"
)

// Registry owns every live match, keyed by match id.
type Registry struct {
	ctx   context.Context
	cfg   battleconfig.MatchConfig
	clock clockwork.Clock
	opts  []Option

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry. Matches run until removed or until ctx is
// cancelled. opts apply to every match it creates.
func NewRegistry(ctx context.Context, cfg battleconfig.MatchConfig, clock clockwork.Clock, opts ...Option) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		ctx:      ctx,
		cfg:      cfg,
		clock:    clock,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new match.
func (r *Registry) Create() (*Session, error) {
	s := New(uuid.NewString(), r.cfg, r.clock, r.opts...)
	if err := s.Start(r.ctx); err != nil {
		s.Close()
		return nil, err
	}

	r.mu.Lock()
	r.sessions[s.ID()] = s
	total := len(r.sessions)
	r.mu.Unlock()

	log.Info().Str("match_id", s.ID()).Int("total_matches", total).Msg("match registered")
	return s, nil
}

// Get looks up a match.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove closes and forgets a match. It reports whether the match existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}

// Len is the number of live matches.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close closes every match.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
	log.Info().Int("closed", len(sessions)).Msg("all matches closed")
}
