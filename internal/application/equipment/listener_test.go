package equipment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	coopapp "github.com/travelgame/negotiator/internal/application/coop"
	"github.com/travelgame/negotiator/internal/domain/coop"
	"github.com/travelgame/negotiator/internal/domain/game"
	gamemocks "github.com/travelgame/negotiator/internal/domain/game/mocks"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
	"github.com/travelgame/negotiator/internal/infrastructure/memory"
	"github.com/travelgame/negotiator/internal/schedule"
)

const session game.SessionID = "s1"

type recorder struct {
	mu   sync.Mutex
	msgs []negotiation.Outbound
}

func (r *recorder) Publish(_ context.Context, m negotiation.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) find(recipient game.PlayerID, msgType string) []negotiation.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []negotiation.Outbound
	for _, m := range r.msgs {
		if m.Recipient == recipient && m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

type nopEmitter struct{}

func (nopEmitter) Publish(context.Context, negotiation.Topic, negotiation.Envelope) error { return nil }

type mockChecker struct {
	mock.Mock
}

func (m *mockChecker) CheckResources(ctx context.Context, session game.SessionID, player game.PlayerID) error {
	return m.Called(ctx, session, player).Error(0)
}

func equipmentChanged(t *testing.T, player game.PlayerID) negotiation.Envelope {
	t.Helper()
	env, err := negotiation.EquipmentChanged(session, player)
	require.NoError(t, err)
	return env
}

func TestPartnerShortfallIsReported(t *testing.T) {
	ctx := context.Background()
	states := memory.NewStateStore(coop.Idle)
	ledger := memory.NewLedger()
	pub := &recorder{}
	scheduler := schedule.New(zerolog.Nop())
	t.Cleanup(scheduler.Close)
	coopSvc := coopapp.NewService(states, memory.NewStatusStore(), ledger, memory.NewPairLocker(), pub, nopEmitter{},
		scheduler, game.DefaultCatalogue(), coopapp.Config{}, zerolog.Nop())

	bid := coop.ResourcesDecideValues{Traveler: "alice", MoneyRatio: 50, Resources: game.Resources{"wood": 3}}
	require.NoError(t, states.Set(ctx, session, "alice", coop.GatheringResources{
		Self: "alice", Travel: "Paris", NegotiatedBid: &coop.NegotiatedBid{Counterpart: "bob", Bid: bid},
	}))
	require.NoError(t, states.Set(ctx, session, "bob", coop.GatheringResources{
		Self: "bob", Travel: "Paris", NegotiatedBid: &coop.NegotiatedBid{Counterpart: "alice", Bid: bid},
	}))
	ledger.Seed(session, "alice", game.Balances{Money: 50, Resources: game.Resources{"wood": 3}})
	ledger.Seed(session, "bob", game.Balances{Money: 50, Resources: game.Resources{"wheat": 1}})

	l := NewListener(ledger, coopSvc, pub, zerolog.Nop())
	require.NoError(t, l.Handle(ctx, equipmentChanged(t, "alice")))

	notices := pub.find("alice", TypeEquipment)
	require.Len(t, notices, 1)
	balances, err := negotiation.DecodePayload[game.Balances](notices[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, 50, balances.Money)

	for _, p := range []game.PlayerID{"alice", "bob"} {
		msgs := pub.find(p, coopapp.TypeResourcesUngathered)
		require.Len(t, msgs, 1, "ungathered for %s", p)
		got, err := negotiation.DecodePayload[coopapp.Ungathered](msgs[0].Payload)
		require.NoError(t, err)
		assert.Equal(t, map[game.PlayerID]game.Shortfall{"bob": {Resources: game.Resources{"wheat": 1}}}, got.Shortfalls)
		assert.Empty(t, pub.find(p, coopapp.TypeResourcesGathered))
	}

	st, err := states.Get(ctx, session, "alice")
	require.NoError(t, err)
	assert.IsType(t, coop.GatheringResources{}, st)
}

func TestHandleRunsBothConcerns(t *testing.T) {
	ledger := &gamemocks.MockLedger{}
	checker := &mockChecker{}
	pub := &recorder{}
	ledger.On("GetBalances", mock.Anything, session, game.PlayerID("bob")).
		Return(game.Balances{Money: 7}, nil).Once()
	checker.On("CheckResources", mock.Anything, session, game.PlayerID("bob")).Return(nil).Once()

	l := NewListener(ledger, checker, pub, zerolog.Nop())
	require.NoError(t, l.Handle(context.Background(), equipmentChanged(t, "bob")))

	ledger.AssertExpectations(t)
	checker.AssertExpectations(t)
	assert.Len(t, pub.find("bob", TypeEquipment), 1)
}

func TestHandleReturnsInfrastructureFailures(t *testing.T) {
	down := errors.New("ledger down")
	ledger := &gamemocks.MockLedger{}
	checker := &mockChecker{}
	ledger.On("GetBalances", mock.Anything, session, game.PlayerID("bob")).Return(game.Balances{}, down)
	checker.On("CheckResources", mock.Anything, session, game.PlayerID("bob")).Return(nil).Maybe()

	l := NewListener(ledger, checker, &recorder{}, zerolog.Nop())
	err := l.Handle(context.Background(), equipmentChanged(t, "bob"))
	assert.ErrorIs(t, err, down)
	assert.Equal(t, negotiation.KindInfrastructure, negotiation.KindOf(err))
}

func TestHandleIgnoresOtherEvents(t *testing.T) {
	ledger := &gamemocks.MockLedger{}
	checker := &mockChecker{}
	env, err := negotiation.NewEnvelope(session, "bob", "Something", nil)
	require.NoError(t, err)

	l := NewListener(ledger, checker, &recorder{}, zerolog.Nop())
	require.NoError(t, l.Handle(context.Background(), env))
	ledger.AssertNotCalled(t, "GetBalances", mock.Anything, mock.Anything, mock.Anything)
	checker.AssertNotCalled(t, "CheckResources", mock.Anything, mock.Anything, mock.Anything)
}
