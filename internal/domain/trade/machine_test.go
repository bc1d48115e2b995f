package trade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
)

const (
	alice game.PlayerID = "alice"
	bob   game.PlayerID = "bob"
	carol game.PlayerID = "carol"
)

var catalogue = []string{"clay", "ore", "wheat", "wood"}

func fullBid() Bid {
	return Bid{
		Offered:   game.Resources{"clay": 0, "ore": 1, "wheat": 0, "wood": 2},
		Requested: game.Resources{"clay": 1, "ore": 0, "wheat": 1, "wood": 0},
	}
}

func TestTransition_ProposalHandshake(t *testing.T) {
	// alice proposes to bob
	a, err := Transition(NoTrade{}, ProposeTradeUser{Proposer: alice, Target: bob})
	require.NoError(t, err)
	assert.Equal(t, WaitingForLastProposal{Me: alice, Target: bob}, a)

	// the mirrored proposal does not move bob
	b, err := Transition(NoTrade{}, ProposeTradeSystem{Proposer: alice})
	require.NoError(t, err)
	assert.Equal(t, NoTrade{}, b)

	// bob accepts, then alice learns about it
	b, err = Transition(b, ProposeTradeAckUser{Proposer: alice})
	require.NoError(t, err)
	assert.Equal(t, FirstBidPassive{Counterpart: alice}, b)

	a, err = Transition(a, ProposeTradeAckSystem{Acceptor: bob})
	require.NoError(t, err)
	assert.Equal(t, FirstBidActive{Counterpart: bob}, a)
}

func TestTransition_BidPingPongAndFinalize(t *testing.T) {
	bid := fullBid()

	a, err := Transition(FirstBidActive{Counterpart: bob}, TradeBidUser{Receiver: bob, Bid: bid})
	require.NoError(t, err)
	assert.Equal(t, TradeBidPassive{Counterpart: bob, Bid: bid}, a)

	b, err := Transition(FirstBidPassive{Counterpart: alice}, TradeBidSystem{Sender: alice, Bid: bid})
	require.NoError(t, err)
	assert.Equal(t, TradeBidActive{Counterpart: alice, Bid: bid}, b)

	b, err = Transition(b, TradeBidAckUser{Receiver: alice, Bid: bid})
	require.NoError(t, err)
	assert.Equal(t, NoTrade{}, b)

	a, err = Transition(a, TradeBidAckSystem{Sender: bob, Bid: bid})
	require.NoError(t, err)
	assert.Equal(t, NoTrade{}, a)
}

func TestTransition_LateAcceptance(t *testing.T) {
	// alice re-targeted carol before bob's ack arrived
	waiting := WaitingForLastProposal{Me: alice, Target: carol}
	_, err := Transition(waiting, ProposeTradeAckSystem{Acceptor: bob})
	require.Error(t, err)
	rej, ok := negotiation.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, negotiation.KindRaceRejection, rej.Kind)
	assert.Equal(t, "Proposal accepted too late", rej.Reason)

	for _, st := range []State{NoTrade{}, FirstBidActive{Counterpart: carol}, TradeBidPassive{Counterpart: carol}} {
		_, err := Transition(st, ProposeTradeAckSystem{Acceptor: bob})
		assert.Equal(t, negotiation.KindRaceRejection, negotiation.KindOf(err), "state %s", st.Kind())
	}
}

func TestTransition_Cancellation(t *testing.T) {
	committed := []State{
		FirstBidActive{Counterpart: bob},
		FirstBidPassive{Counterpart: bob},
		TradeBidActive{Counterpart: bob},
		TradeBidPassive{Counterpart: bob},
	}
	for _, st := range committed {
		t.Run(string(st.Kind()), func(t *testing.T) {
			next, err := Transition(st, CancelTradeUser{Receiver: bob})
			require.NoError(t, err)
			assert.Equal(t, NoTrade{}, next)

			next, err = Transition(st, CancelTradeSystem{Canceller: bob})
			require.NoError(t, err)
			assert.Equal(t, NoTrade{}, next)

			_, err = Transition(st, CancelTradeSystem{Canceller: carol})
			assert.Equal(t, negotiation.KindProtocolViolation, negotiation.KindOf(err))
		})
	}

	t.Run("pending proposal", func(t *testing.T) {
		waiting := WaitingForLastProposal{Me: alice, Target: bob}
		next, err := Transition(waiting, CancelTradeUser{Receiver: bob})
		require.NoError(t, err)
		assert.Equal(t, NoTrade{}, next)

		next, err = Transition(waiting, CancelTradeSystem{Canceller: bob})
		require.NoError(t, err)
		assert.Equal(t, NoTrade{}, next)
	})

	t.Run("idle declines", func(t *testing.T) {
		next, err := Transition(NoTrade{}, CancelTradeUser{Receiver: bob})
		require.NoError(t, err)
		assert.Equal(t, NoTrade{}, next)
	})
}

func TestTransition_AckMustMatchStoredBid(t *testing.T) {
	bid := fullBid()
	inflated := fullBid()
	inflated.Offered = game.Resources{"clay": 0, "ore": 0, "wheat": 0, "wood": 10}

	t.Run("counter bid replaces the stored one", func(t *testing.T) {
		a, err := Transition(TradeBidActive{Counterpart: bob, Bid: bid}, TradeBidUser{Receiver: bob, Bid: inflated})
		require.NoError(t, err)
		assert.Equal(t, TradeBidPassive{Counterpart: bob, Bid: inflated}, a)
	})

	t.Run("acker", func(t *testing.T) {
		st := TradeBidActive{Counterpart: alice, Bid: bid}
		_, err := Transition(st, TradeBidAckUser{Receiver: alice, Bid: inflated})
		rej, ok := negotiation.AsRejection(err)
		require.True(t, ok)
		assert.Equal(t, negotiation.KindProtocolViolation, rej.Kind)
		assert.Equal(t, "The bid has changed", rej.Reason)

		next, err := Transition(st, TradeBidAckUser{Receiver: alice, Bid: fullBid()})
		require.NoError(t, err)
		assert.Equal(t, NoTrade{}, next)
	})

	t.Run("author", func(t *testing.T) {
		st := TradeBidPassive{Counterpart: bob, Bid: bid}
		_, err := Transition(st, TradeBidAckSystem{Sender: bob, Bid: inflated})
		rej, ok := negotiation.AsRejection(err)
		require.True(t, ok)
		assert.Equal(t, "The bid has changed", rej.Reason)

		next, err := Transition(st, TradeBidAckSystem{Sender: bob, Bid: bid})
		require.NoError(t, err)
		assert.Equal(t, NoTrade{}, next)
	})
}

func TestTransition_IdempotentMessages(t *testing.T) {
	advert := AdvertiseUser{Side: SideSell, Resources: game.Resources{"wood": 2}}
	states := []State{
		NoTrade{},
		WaitingForLastProposal{Me: alice, Target: bob},
	}
	for _, st := range states {
		once, err := Transition(st, advert)
		require.NoError(t, err)
		twice, err := Transition(once, advert)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
		assert.Equal(t, st, once)
	}

	all := append(states,
		FirstBidActive{Counterpart: bob},
		FirstBidPassive{Counterpart: bob},
		TradeBidActive{Counterpart: bob},
		TradeBidPassive{Counterpart: bob},
	)
	for _, st := range all {
		next, err := Transition(st, SyncUser{})
		require.NoError(t, err)
		assert.Equal(t, st, next)
	}
}

func TestTransition_InvalidMessagesAreRejections(t *testing.T) {
	bid := fullBid()
	states := []State{
		NoTrade{},
		WaitingForLastProposal{Me: alice, Target: bob},
		FirstBidActive{Counterpart: bob},
		FirstBidPassive{Counterpart: bob},
		TradeBidActive{Counterpart: bob},
		TradeBidPassive{Counterpart: bob},
	}
	messages := []Message{
		AdvertiseUser{Side: SideBuy},
		ProposeTradeUser{Proposer: alice, Target: bob},
		ProposeTradeAckUser{Proposer: bob},
		TradeBidUser{Receiver: bob, Bid: bid},
		TradeBidAckUser{Receiver: bob, Bid: bid},
		CancelTradeUser{Receiver: bob},
		SyncUser{},
		ProposeTradeSystem{Proposer: bob},
		ProposeTradeAckSystem{Acceptor: bob},
		TradeBidSystem{Sender: bob, Bid: bid},
		TradeBidAckSystem{Sender: bob, Bid: bid},
		CancelTradeSystem{Canceller: bob},
	}
	for _, st := range states {
		for _, m := range messages {
			var next State
			var err error
			require.NotPanics(t, func() { next, err = Transition(st, m) })
			if err != nil {
				assert.Nil(t, next)
				rej, ok := negotiation.AsRejection(err)
				require.True(t, ok, "%s + %s", st.Kind(), m.Type())
				assert.Equal(t, string(st.Kind()), rej.State)
				assert.Equal(t, string(m.Type()), rej.Message)
				assert.NotEmpty(t, rej.Reason)
				continue
			}
			assert.NotNil(t, next)
		}
	}
}

func TestTransition_EveryStateCanReachIdle(t *testing.T) {
	states := []State{
		WaitingForLastProposal{Me: alice, Target: bob},
		FirstBidActive{Counterpart: bob},
		FirstBidPassive{Counterpart: bob},
		TradeBidActive{Counterpart: bob},
		TradeBidPassive{Counterpart: bob},
	}
	for _, st := range states {
		next, err := Transition(st, CancelTradeUser{Receiver: bob})
		require.NoError(t, err)
		assert.Equal(t, Idle(), next)
	}
}

func TestTransition_WrongCounterpart(t *testing.T) {
	_, err := Transition(TradeBidActive{Counterpart: bob}, TradeBidUser{Receiver: carol, Bid: fullBid()})
	rej, ok := negotiation.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "You are not trading with carol", rej.Reason)

	_, err = Transition(NoTrade{}, ProposeTradeUser{Proposer: alice, Target: alice})
	assert.Equal(t, negotiation.KindProtocolViolation, negotiation.KindOf(err))
}

func TestBid_CheckResourceCount(t *testing.T) {
	assert.NoError(t, fullBid().CheckResourceCount(catalogue))

	short := Bid{
		Offered:   game.Resources{"wood": 1, "ore": 1},
		Requested: game.Resources{"wood": 1},
	}
	assert.ErrorIs(t, short.CheckResourceCount(catalogue), ErrWrongResourceCount)

	renamed := fullBid()
	renamed.Requested = game.Resources{"clay": 1, "ore": 0, "wheat": 1, "gold": 0}
	assert.ErrorIs(t, renamed.CheckResourceCount(catalogue), ErrWrongResourceCount)

	negative := fullBid()
	negative.Offered["wood"] = -1
	assert.Error(t, negative.CheckResourceCount(catalogue))
}

func TestStateCodec(t *testing.T) {
	states := []State{
		NoTrade{},
		WaitingForLastProposal{Me: alice, Target: bob},
		FirstBidActive{Counterpart: bob},
		TradeBidPassive{Counterpart: carol, Bid: fullBid()},
	}
	for _, st := range states {
		raw, err := MarshalState(st)
		require.NoError(t, err)
		back, err := UnmarshalState(raw)
		require.NoError(t, err)
		assert.Equal(t, st, back)
	}

	idle, err := UnmarshalState(nil)
	require.NoError(t, err)
	assert.Equal(t, NoTrade{}, idle)

	_, err = UnmarshalState([]byte(`{"type":"Bogus"}`))
	assert.Error(t, err)
}

func TestDecodeUserMessage(t *testing.T) {
	m, err := DecodeUserMessage("ProposeTradeUser", []byte(`{"proposer":"alice","target":"bob"}`))
	require.NoError(t, err)
	assert.Equal(t, ProposeTradeUser{Proposer: alice, Target: bob}, m)

	_, err = DecodeUserMessage("ProposeTradeSystem", []byte(`{"proposer":"alice"}`))
	assert.ErrorIs(t, err, negotiation.ErrUnknownMessage)
}
