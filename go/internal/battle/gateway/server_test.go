package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/statclash/go/internal/battle/events"
	"github.com/mcdev12/statclash/go/internal/battle/session"
	"github.com/mcdev12/statclash/go/internal/battleconfig"
)

type testServer struct {
	srv      *httptest.Server
	registry *session.Registry
	cm       *ConnectionManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	cfg := battleconfig.Default().Match
	cfg.Headless = true
	cfg.Seed = 1
	clock := clockwork.NewFakeClock()

	registry := session.NewRegistry(ctx, cfg, clock)
	cm := NewConnectionManager(DefaultConnectionConfig(), clock)
	go cm.Start(ctx)

	srv := httptest.NewServer(NewServer("", []string{"*"}, NewHandler(registry, cm)).Handler)
	t.Cleanup(func() {
		srv.Close()
		registry.Close()
		cancel()
	})
	return &testServer{srv: srv, registry: registry, cm: cm}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) createMatch(t *testing.T) session.Snapshot {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/matches", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.NotEmpty(t, snap.MatchID)
	return snap
}

func (ts *testServer) dial(t *testing.T, matchID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/match?match_id=" + matchID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool {
		return ts.cm.GetConnectionStats().MatchConnections[matchID] == 1
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, eventType string) MatchEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var ev MatchEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == eventType {
			return ev
		}
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMatchLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	snap := ts.createMatch(t)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.srv.URL + "/matches/" + snap.MatchID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var got session.Snapshot
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&got) != nil {
			return false
		}
		return got.Round == 1 && got.Phase == "selecting"
	}, 2*time.Second, 10*time.Millisecond)

	resp := ts.do(t, http.MethodPost, "/matches/"+snap.MatchID+"/commands", `{"type":"selectStat","stat":"power"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/matches/"+snap.MatchID+"/commands", `{"type":"dance"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/matches/"+snap.MatchID+"/commands", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/matches/nope/commands", `{"type":"next"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/matches/"+snap.MatchID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/matches/"+snap.MatchID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, ts.registry.Len())
}

func TestWebSocketStreamsEventsAndCommands(t *testing.T) {
	ts := newTestServer(t)
	snap := ts.createMatch(t)
	conn := ts.dial(t, snap.MatchID)

	require.NoError(t, conn.WriteJSON(events.Command{Type: events.CommandSelectStat, Stat: "power"}))
	ev := readUntil(t, conn, events.RoundResolved)
	assert.Equal(t, snap.MatchID, ev.MatchID)
	assert.NotEmpty(t, ev.ID)

	var resolved events.RoundResolvedPayload
	require.NoError(t, json.Unmarshal(ev.Data, &resolved))
	assert.Equal(t, 1, resolved.Round)

	require.NoError(t, conn.WriteJSON(events.Command{Type: "bogus"}))
	ev = readUntil(t, conn, EventTypeError)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Contains(t, payload.Message, "unknown command")

	resp := ts.do(t, http.MethodGet, "/ws/stats", "")
	var stats ConnectionStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.TotalConnections)
	assert.Equal(t, 1, stats.ActiveMatches)

	ts.do(t, http.MethodDelete, "/matches/"+snap.MatchID, "")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Zero(t, ts.cm.GetConnectionStats().TotalConnections)
}

func TestWebSocketRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/ws/match", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/ws/match?match_id=missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
