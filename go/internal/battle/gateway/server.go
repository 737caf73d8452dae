package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/statclash/go/internal/battle/events"
	"github.com/mcdev12/statclash/go/internal/battle/session"
)

// Handler serves the match HTTP API and the websocket endpoint
type Handler struct {
	registry          *session.Registry
	connectionManager *ConnectionManager
}

// NewHandler creates a new match handler
func NewHandler(registry *session.Registry, cm *ConnectionManager) *Handler {
	return &Handler{registry: registry, connectionManager: cm}
}

// RegisterRoutes registers the match routes with an HTTP mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("POST /matches", h.HandleCreateMatch)
	mux.HandleFunc("GET /matches/{id}", h.HandleGetMatch)
	mux.HandleFunc("DELETE /matches/{id}", h.HandleDeleteMatch)
	mux.HandleFunc("POST /matches/{id}/commands", h.HandleCommand)
	mux.HandleFunc("/ws/match", h.HandleMatchConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}

// NewServer builds the HTTP server with CORS in front of every route
func NewServer(addr string, allowedOrigins []string, h *Handler) *http.Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowedOrigins: allowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	return &http.Server{
		Addr:    addr,
		Handler: c.Handler(mux),
	}
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}

// HandleCreateMatch starts a match and returns its snapshot
func (h *Handler) HandleCreateMatch(w http.ResponseWriter, r *http.Request) {
	s, err := h.registry.Create()
	if err != nil {
		log.Error().Err(err).Msg("failed to create match")
		writeError(w, http.StatusInternalServerError, "failed to create match")
		return
	}
	snap, err := s.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h *Handler) HandleGetMatch(w http.ResponseWriter, r *http.Request) {
	s, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "match not found")
		return
	}
	snap, err := s.Snapshot(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) HandleDeleteMatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.registry.Remove(id) {
		writeError(w, http.StatusNotFound, "match not found")
		return
	}
	h.connectionManager.DisconnectMatch(id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleCommand queues a player command. It is accepted, not applied, when
// this returns.
func (h *Handler) HandleCommand(w http.ResponseWriter, r *http.Request) {
	s, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "match not found")
		return
	}
	var cmd events.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid command body")
		return
	}
	if err := s.Command(cmd); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleMatchConnection upgrades to a websocket streaming one match's events
func (h *Handler) HandleMatchConnection(w http.ResponseWriter, r *http.Request) {
	matchID := r.URL.Query().Get("match_id")
	if matchID == "" {
		http.Error(w, "match_id is required", http.StatusBadRequest)
		return
	}
	s, ok := h.registry.Get(matchID)
	if !ok {
		http.Error(w, "match not found", http.StatusNotFound)
		return
	}

	// The upgrader has already answered the client on failure.
	if err := h.connectionManager.UpgradeConnection(w, r, s); err != nil {
		log.Error().
			Err(err).
			Str("match_id", matchID).
			Msg("failed to upgrade WebSocket connection")
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *Handler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.connectionManager.GetConnectionStats())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownCommand), errors.Is(err, session.ErrMissingStat):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClosed), errors.Is(err, session.ErrNotStarted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorPayload{Message: msg})
}
