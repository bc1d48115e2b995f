package trade

import (
	"fmt"

	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
)

// Transition is the trade state machine. It has no side effects: it returns the
// next state of the player owning s, or a *negotiation.Rejection.
func Transition(s State, m Message) (State, error) {
	if s == nil {
		s = Idle()
	}
	if _, ok := m.(SyncUser); ok {
		return s, nil
	}
	switch st := s.(type) {
	case NoTrade:
		return fromNoTrade(st, m)
	case WaitingForLastProposal:
		return fromWaiting(st, m)
	case FirstBidActive:
		return fromFirstBidActive(st, m)
	case FirstBidPassive:
		return fromFirstBidPassive(st, m)
	case TradeBidActive:
		return fromTradeBidActive(st, m)
	case TradeBidPassive:
		return fromTradeBidPassive(st, m)
	}
	return nil, negotiation.Unhandled(fmt.Sprintf("%T", s), string(m.Type()))
}

func fromNoTrade(st NoTrade, m Message) (State, error) {
	switch msg := m.(type) {
	case AdvertiseUser, ProposeTradeSystem:
		return st, nil
	case ProposeTradeUser:
		if msg.Proposer == msg.Target {
			return nil, reject(st, m, "You cannot trade with yourself")
		}
		return WaitingForLastProposal{Me: msg.Proposer, Target: msg.Target}, nil
	case ProposeTradeAckUser:
		return FirstBidPassive{Counterpart: msg.Proposer}, nil
	case ProposeTradeAckSystem:
		return nil, tooLate(st, m)
	case CancelTradeUser:
		// Declining a pending proposal; the caller checks there is one.
		return st, nil
	}
	return nil, negotiation.Unhandled(string(st.Kind()), string(m.Type()))
}

func fromWaiting(st WaitingForLastProposal, m Message) (State, error) {
	switch msg := m.(type) {
	case AdvertiseUser, ProposeTradeSystem:
		return st, nil
	case ProposeTradeUser:
		if msg.Proposer != st.Me {
			return nil, reject(st, m, "Proposal sent on behalf of another player")
		}
		if msg.Proposer == msg.Target {
			return nil, reject(st, m, "You cannot trade with yourself")
		}
		return WaitingForLastProposal{Me: st.Me, Target: msg.Target}, nil
	case ProposeTradeAckSystem:
		if msg.Acceptor != st.Target {
			return nil, tooLate(st, m)
		}
		return FirstBidActive{Counterpart: st.Target}, nil
	case ProposeTradeAckUser:
		return FirstBidPassive{Counterpart: msg.Proposer}, nil
	case CancelTradeUser:
		return NoTrade{}, nil
	case CancelTradeSystem:
		if msg.Canceller != st.Target {
			return nil, notWith(st, m, msg.Canceller)
		}
		return NoTrade{}, nil
	}
	return nil, negotiation.Unhandled(string(st.Kind()), string(m.Type()))
}

func fromFirstBidActive(st FirstBidActive, m Message) (State, error) {
	switch msg := m.(type) {
	case TradeBidUser:
		if msg.Receiver != st.Counterpart {
			return nil, notWith(st, m, msg.Receiver)
		}
		return TradeBidPassive{Counterpart: st.Counterpart, Bid: msg.Bid}, nil
	case ProposeTradeAckSystem:
		return nil, tooLate(st, m)
	}
	if next, ok, err := cancelArm(st, st.Counterpart, m); ok {
		return next, err
	}
	return nil, negotiation.Unhandled(string(st.Kind()), string(m.Type()))
}

func fromFirstBidPassive(st FirstBidPassive, m Message) (State, error) {
	switch msg := m.(type) {
	case TradeBidSystem:
		if msg.Sender != st.Counterpart {
			return nil, notWith(st, m, msg.Sender)
		}
		return TradeBidActive{Counterpart: st.Counterpart, Bid: msg.Bid}, nil
	case ProposeTradeAckSystem:
		return nil, tooLate(st, m)
	}
	if next, ok, err := cancelArm(st, st.Counterpart, m); ok {
		return next, err
	}
	return nil, negotiation.Unhandled(string(st.Kind()), string(m.Type()))
}

func fromTradeBidActive(st TradeBidActive, m Message) (State, error) {
	switch msg := m.(type) {
	case TradeBidUser:
		if msg.Receiver != st.Counterpart {
			return nil, notWith(st, m, msg.Receiver)
		}
		return TradeBidPassive{Counterpart: st.Counterpart, Bid: msg.Bid}, nil
	case TradeBidAckUser:
		if msg.Receiver != st.Counterpart {
			return nil, notWith(st, m, msg.Receiver)
		}
		if !msg.Bid.Equal(st.Bid) {
			return nil, reject(st, m, "The bid has changed")
		}
		return NoTrade{}, nil
	case ProposeTradeAckSystem:
		return nil, tooLate(st, m)
	}
	if next, ok, err := cancelArm(st, st.Counterpart, m); ok {
		return next, err
	}
	return nil, negotiation.Unhandled(string(st.Kind()), string(m.Type()))
}

func fromTradeBidPassive(st TradeBidPassive, m Message) (State, error) {
	switch msg := m.(type) {
	case TradeBidSystem:
		if msg.Sender != st.Counterpart {
			return nil, notWith(st, m, msg.Sender)
		}
		return TradeBidActive{Counterpart: st.Counterpart, Bid: msg.Bid}, nil
	case TradeBidAckSystem:
		if msg.Sender != st.Counterpart {
			return nil, notWith(st, m, msg.Sender)
		}
		if !msg.Bid.Equal(st.Bid) {
			return nil, reject(st, m, "The bid has changed")
		}
		return NoTrade{}, nil
	case ProposeTradeAckSystem:
		return nil, tooLate(st, m)
	}
	if next, ok, err := cancelArm(st, st.Counterpart, m); ok {
		return next, err
	}
	return nil, negotiation.Unhandled(string(st.Kind()), string(m.Type()))
}

// cancelArm handles cancellation for every committed trade state.
func cancelArm(st State, counterpart game.PlayerID, m Message) (State, bool, error) {
	switch msg := m.(type) {
	case CancelTradeUser:
		if msg.Receiver != counterpart {
			return nil, true, notWith(st, m, msg.Receiver)
		}
		return NoTrade{}, true, nil
	case CancelTradeSystem:
		if msg.Canceller != counterpart {
			return nil, true, notWith(st, m, msg.Canceller)
		}
		return NoTrade{}, true, nil
	}
	return nil, false, nil
}

func reject(st State, m Message, reason string) error {
	return negotiation.Violation(string(st.Kind()), string(m.Type()), reason)
}

func tooLate(st State, m Message) error {
	return negotiation.TooLate(string(st.Kind()), string(m.Type()), "Proposal accepted too late")
}

func notWith(st State, m Message, other game.PlayerID) error {
	return reject(st, m, fmt.Sprintf("You are not trading with %s", other))
}
