package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/travelgame/negotiator/internal/domain/coop"
	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
	"github.com/travelgame/negotiator/internal/domain/trade"
	"github.com/travelgame/negotiator/internal/infrastructure/memory"
	"github.com/travelgame/negotiator/internal/infrastructure/ws"
	"github.com/travelgame/negotiator/internal/replica"
)

type published struct {
	topic negotiation.Topic
	env   negotiation.Envelope
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (t *recordingTransport) Publish(_ context.Context, topic negotiation.Topic, env negotiation.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, published{topic: topic, env: env})
	return nil
}

func (t *recordingTransport) Subscribe(context.Context, negotiation.Topic, negotiation.Handler) error {
	return nil
}

type mockCluster struct {
	mock.Mock
}

func (m *mockCluster) ID() string                { return "node-1" }
func (m *mockCluster) RaftAddr() string          { return "127.0.0.1:7000" }
func (m *mockCluster) State() string             { return m.Called().String(0) }
func (m *mockCluster) LeaderAddr() string        { return "127.0.0.1:7001" }
func (m *mockCluster) IsLeader() bool            { return m.Called().Bool(0) }
func (m *mockCluster) Stats() map[string]string { return map[string]string{"term": "2"} }

func (m *mockCluster) AddVoter(ctx context.Context, nodeID, raftAddr string) error {
	return m.Called(ctx, nodeID, raftAddr).Error(0)
}

func (m *mockCluster) RemoveServer(ctx context.Context, nodeID string) error {
	return m.Called(ctx, nodeID).Error(0)
}

type fixture struct {
	trades    *memory.StateStore[trade.State]
	coops     *memory.StateStore[coop.State]
	statuses  *memory.StatusStore
	transport *recordingTransport
	handler   http.Handler
}

func newFixture(t *testing.T, cluster Cluster) *fixture {
	t.Helper()
	f := &fixture{
		trades:    memory.NewStateStore(trade.Idle),
		coops:     memory.NewStateStore(coop.Idle),
		statuses:  memory.NewStatusStore(),
		transport: &recordingTransport{},
	}
	hub := ws.NewHub(zerolog.Nop())
	t.Cleanup(hub.Stop)
	f.handler = NewServer(f.trades, f.coops, f.statuses, f.transport, hub, cluster, zerolog.Nop()).Router()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	rec, out := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["ok"])
	assert.NotContains(t, out, "nodeId")
}

func TestPlayerState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.trades.Set(ctx, "s1", "alice", trade.FirstBidActive{Counterpart: "bob"}))
	require.NoError(t, f.statuses.Set(ctx, "s1", "alice", game.StatusTradeBusy))

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/players/alice/state", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp playerStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, game.StatusTradeBusy, resp.Status)

	ts, err := trade.UnmarshalState(resp.Trade)
	require.NoError(t, err)
	assert.Equal(t, trade.FirstBidActive{Counterpart: "bob"}, ts)

	cs, err := coop.UnmarshalState(resp.Coop)
	require.NoError(t, err)
	assert.Equal(t, coop.Idle(), cs)

	t.Run("unknown player is idle", func(t *testing.T) {
		rec, out := f.do(t, http.MethodGet, "/v1/sessions/s1/players/zed/state", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, string(game.StatusIdle), out["status"])
	})
}

func TestPostMessage(t *testing.T) {
	t.Run("stamps route identity", func(t *testing.T) {
		f := newFixture(t, nil)
		rec, out := f.do(t, http.MethodPost, "/v1/sessions/s1/players/alice/messages",
			`{"topic":"trade","type":"ProposeTrade","payload":{"target":"bob"}}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.NotEmpty(t, out["id"])

		require.Len(t, f.transport.sent, 1)
		got := f.transport.sent[0]
		assert.Equal(t, negotiation.TopicTrade, got.topic)
		assert.Equal(t, game.SessionID("s1"), got.env.Session)
		assert.Equal(t, game.PlayerID("alice"), got.env.Sender)
		assert.Equal(t, "ProposeTrade", got.env.Type)
		assert.JSONEq(t, `{"target":"bob"}`, string(got.env.Payload))
	})

	tests := []struct {
		name string
		body string
		code string
	}{
		{"outbound topic", `{"topic":"outbound","type":"X"}`, "INVALID_TOPIC"},
		{"equipment topic", `{"topic":"equipment","type":"EquipmentChanged"}`, "INVALID_TOPIC"},
		{"missing type", `{"topic":"coop","type":"  "}`, "INVALID_PARAM"},
		{"sender in body", `{"topic":"coop","type":"Sync","sender":"bob"}`, "INVALID_PARAM"},
		{"malformed", `{`, "INVALID_PARAM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			rec, out := f.do(t, http.MethodPost, "/v1/sessions/s1/players/alice/messages", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, out["error"])
			assert.Empty(t, f.transport.sent)
		})
	}

	t.Run("transport failure", func(t *testing.T) {
		f := newFixture(t, nil)
		f.transport.err = errors.New("nats down")
		rec, out := f.do(t, http.MethodPost, "/v1/sessions/s1/players/alice/messages", `{"topic":"session","type":"ExitGameSession"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "PUBLISH_FAILED", out["error"])
	})
}

func TestRaftEndpoints(t *testing.T) {
	t.Run("disabled without a cluster", func(t *testing.T) {
		f := newFixture(t, nil)
		rec, out := f.do(t, http.MethodPost, "/v1/raft/join", `{"node_id":"n2","raft_addr":"127.0.0.1:7002"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "RAFT_DISABLED", out["error"])
	})

	t.Run("join on leader", func(t *testing.T) {
		cluster := &mockCluster{}
		cluster.On("IsLeader").Return(true)
		cluster.On("AddVoter", mock.Anything, "n2", "127.0.0.1:7002").Return(nil).Once()
		f := newFixture(t, cluster)

		rec, out := f.do(t, http.MethodPost, "/v1/raft/join", `{"node_id":"n2","raft_addr":"127.0.0.1:7002"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "OK", out["status"])
		cluster.AssertExpectations(t)
	})

	t.Run("join on follower", func(t *testing.T) {
		cluster := &mockCluster{}
		cluster.On("IsLeader").Return(false)
		f := newFixture(t, cluster)

		rec, out := f.do(t, http.MethodPost, "/v1/raft/join", `{"node_id":"n2","raft_addr":"127.0.0.1:7002"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "NOT_LEADER", out["error"])
		assert.Equal(t, "127.0.0.1:7001", out["leader"])
		cluster.AssertNotCalled(t, "AddVoter", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("leadership lost mid remove", func(t *testing.T) {
		cluster := &mockCluster{}
		cluster.On("IsLeader").Return(true)
		cluster.On("RemoveServer", mock.Anything, "n2").Return(replica.ErrNotLeader).Once()
		f := newFixture(t, cluster)

		rec, out := f.do(t, http.MethodPost, "/v1/raft/remove", `{"node_id":"n2"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "NOT_LEADER", out["error"])
	})

	t.Run("status", func(t *testing.T) {
		cluster := &mockCluster{}
		cluster.On("State").Return("Leader")
		cluster.On("IsLeader").Return(true)
		f := newFixture(t, cluster)

		rec, out := f.do(t, http.MethodGet, "/v1/raft", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Leader", out["state"])
		assert.Equal(t, true, out["is_leader"])
	})
}
