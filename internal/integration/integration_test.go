//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpapi "github.com/travelgame/negotiator/internal/api/http"
	coopapp "github.com/travelgame/negotiator/internal/application/coop"
	"github.com/travelgame/negotiator/internal/application/equipment"
	"github.com/travelgame/negotiator/internal/application/session"
	tradeapp "github.com/travelgame/negotiator/internal/application/trade"
	"github.com/travelgame/negotiator/internal/domain/coop"
	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
	"github.com/travelgame/negotiator/internal/domain/trade"
	"github.com/travelgame/negotiator/internal/infrastructure/membus"
	"github.com/travelgame/negotiator/internal/infrastructure/postgres"
	"github.com/travelgame/negotiator/internal/infrastructure/ws"
	"github.com/travelgame/negotiator/internal/schedule"
)

type stack struct {
	server  *httptest.Server
	hub     *ws.Hub
	ledger  *postgres.LedgerRepository
	session game.SessionID
}

func TestTradeOverHTTPAndWebsocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	s := newStack(t, ctx)

	require.NoError(t, s.ledger.Seed(ctx, s.session, "alice", game.Balances{Money: 5, Resources: game.Resources{"wood": 3}}))
	require.NoError(t, s.ledger.Seed(ctx, s.session, "bob", game.Balances{Money: 5, Resources: game.Resources{"ore": 2}}))

	alice := s.dial(t, ctx, "alice")
	bob := s.dial(t, ctx, "bob")
	require.Eventually(t, func() bool {
		return s.hub.Connected(s.session, "alice") && s.hub.Connected(s.session, "bob")
	}, 5*time.Second, 20*time.Millisecond)

	writeFrame(t, ctx, alice, negotiation.TopicTrade, trade.TypeProposeTradeUser, trade.ProposeTradeUser{Target: "bob"})
	awaitType(t, ctx, bob, tradeapp.TypeProposalReceived)

	s.post(t, "bob", negotiation.TopicTrade, trade.TypeProposeTradeAckUser, trade.ProposeTradeAckUser{Proposer: "alice"})
	awaitType(t, ctx, alice, tradeapp.TypeStarted)

	bid := trade.Bid{Offered: game.Resources{}, Requested: game.Resources{}}
	for _, name := range game.DefaultCatalogue().ResourceNames() {
		bid.Offered[name] = 0
		bid.Requested[name] = 0
	}
	bid.Offered["wood"] = 2
	bid.Requested["ore"] = 1

	writeFrame(t, ctx, alice, negotiation.TopicTrade, trade.TypeTradeBidUser, trade.TradeBidUser{Receiver: "bob", Bid: bid})
	awaitType(t, ctx, bob, tradeapp.TypeBidReceived)

	s.post(t, "bob", negotiation.TopicTrade, trade.TypeTradeBidAckUser, trade.TradeBidAckUser{Receiver: "alice", Bid: bid})
	awaitType(t, ctx, alice, tradeapp.TypeFinished)
	awaitType(t, ctx, bob, tradeapp.TypeFinished)

	aliceBalances, err := s.ledger.GetBalances(ctx, s.session, "alice")
	require.NoError(t, err)
	bobBalances, err := s.ledger.GetBalances(ctx, s.session, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, aliceBalances.Resources["wood"])
	assert.Equal(t, 1, aliceBalances.Resources["ore"])
	assert.Equal(t, 2, bobBalances.Resources["wood"])
	assert.Equal(t, 1, bobBalances.Resources["ore"])

	resp, err := http.Get(s.server.URL + "/v1/sessions/" + string(s.session) + "/players/alice/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	var state struct {
		Status game.InteractionStatus `json:"status"`
		Trade  json.RawMessage        `json:"trade"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, game.StatusIdle, state.Status)
	ts, err := trade.UnmarshalState(state.Trade)
	require.NoError(t, err)
	assert.Equal(t, trade.NoTrade{}, ts)
}

func TestExitRollsBackCounterpart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	s := newStack(t, ctx)

	alice := s.dial(t, ctx, "alice")
	bob := s.dial(t, ctx, "bob")
	require.Eventually(t, func() bool {
		return s.hub.Connected(s.session, "alice") && s.hub.Connected(s.session, "bob")
	}, 5*time.Second, 20*time.Millisecond)

	s.post(t, "alice", negotiation.TopicTrade, trade.TypeProposeTradeUser, trade.ProposeTradeUser{Target: "bob"})
	awaitType(t, ctx, bob, tradeapp.TypeProposalReceived)
	s.post(t, "bob", negotiation.TopicTrade, trade.TypeProposeTradeAckUser, trade.ProposeTradeAckUser{Proposer: "alice"})
	awaitType(t, ctx, alice, tradeapp.TypeStarted)

	s.post(t, "alice", negotiation.TopicSession, negotiation.TypeExitGameSession, nil)
	awaitType(t, ctx, bob, tradeapp.TypeCancelled)
	awaitType(t, ctx, bob, session.TypeLeft)
}

func newStack(t *testing.T, ctx context.Context) *stack {
	t.Helper()
	dsn := testDatabaseURL(t)
	logger := zerolog.Nop()

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.RunMigrations(ctx, pool, filepath.Join(repoRoot(t), "internal", "migrations"), logger))

	trades := postgres.NewStateRepository(pool, "trade", trade.MarshalState, trade.UnmarshalState)
	coops := postgres.NewStateRepository(pool, "coop", coop.MarshalState, coop.UnmarshalState)
	statuses := postgres.NewStatusRepository(pool)
	ledger := postgres.NewLedgerRepository(pool)
	locker := postgres.NewLeaseRepository(pool, 5*time.Second, logger)

	bus := membus.New(logger)
	publisher := negotiation.NewTransportPublisher(bus)
	scheduler := schedule.New(logger)
	t.Cleanup(scheduler.Close)
	hub := ws.NewHub(logger)
	t.Cleanup(hub.Stop)

	catalogue := game.DefaultCatalogue()
	tradeSvc := tradeapp.NewService(trades, statuses, ledger, locker, publisher, bus, scheduler,
		tradeapp.Config{Resources: catalogue.ResourceNames()}, logger)
	coopSvc := coopapp.NewService(coops, statuses, ledger, locker, publisher, bus, scheduler,
		catalogue, coopapp.Config{}, logger)
	listener := equipment.NewListener(ledger, coopSvc, publisher, logger)
	sessionSvc := session.NewService(tradeSvc, coopSvc, statuses, publisher, logger)

	subCtx, stop := context.WithCancel(context.Background())
	t.Cleanup(stop)
	policy := negotiation.RetryPolicy{Interval: 50 * time.Millisecond, MaxTries: 3}
	for topic, h := range map[negotiation.Topic]negotiation.Handler{
		negotiation.TopicTrade:     tradeSvc.Handle,
		negotiation.TopicCoop:      coopSvc.Handle,
		negotiation.TopicEquipment: listener.Handle,
		negotiation.TopicSession:   sessionSvc.Handle,
	} {
		require.NoError(t, bus.Subscribe(subCtx, topic, negotiation.WithRetry(h, policy, logger)))
	}
	require.NoError(t, bus.Subscribe(subCtx, negotiation.TopicOutbound, hub.HandleOutbound))

	api := httpapi.NewServer(trades, coops, statuses, bus, hub, nil, logger)
	server := httptest.NewServer(api.Router())
	t.Cleanup(server.Close)

	return &stack{
		server:  server,
		hub:     hub,
		ledger:  ledger,
		session: game.SessionID("it-" + uuid.NewString()),
	}
}

func (s *stack) dial(t *testing.T, ctx context.Context, player game.PlayerID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/v1/sessions/" + string(s.session) + "/players/" + string(player) + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func (s *stack) post(t *testing.T, player game.PlayerID, topic negotiation.Topic, msgType any, payload any) {
	t.Helper()
	body, err := json.Marshal(map[string]any{"topic": topic, "type": msgType, "payload": payload})
	require.NoError(t, err)
	url := s.server.URL + "/v1/sessions/" + string(s.session) + "/players/" + string(player) + "/messages"
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func writeFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, topic negotiation.Topic, msgType trade.MessageType, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(ws.Frame{Topic: topic, Type: string(msgType), Payload: raw})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))
}

// awaitType reads until a message of msgType arrives, skipping everything else.
func awaitType(t *testing.T, ctx context.Context, conn *websocket.Conn, msgType string) negotiation.Outbound {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err, "waiting for %s", msgType)
		var out negotiation.Outbound
		require.NoError(t, json.Unmarshal(data, &out))
		if out.Type == msgType {
			return out
		}
	}
}

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	return ""
}

func repoRoot(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	return filepath.Clean(filepath.Join(wd, "..", ".."))
}
