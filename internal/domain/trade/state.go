package trade

import (
	"encoding/json"
	"fmt"

	"github.com/travelgame/negotiator/internal/domain/game"
)

// StateKind is the wire tag of a trade state.
type StateKind string

const (
	KindNoTrade                StateKind = "NoTrade"
	KindWaitingForLastProposal StateKind = "WaitingForLastProposal"
	KindFirstBidActive         StateKind = "FirstBidActive"
	KindFirstBidPassive        StateKind = "FirstBidPassive"
	KindTradeBidActive         StateKind = "TradeBidActive"
	KindTradeBidPassive        StateKind = "TradeBidPassive"
)

// State is one player's position in a trade negotiation. The bidding states
// keep the latest bid so an ack can be checked against it.
type State interface {
	Kind() StateKind
	isTradeState()
}

type NoTrade struct{}

// WaitingForLastProposal means Me proposed to Target and waits for the ack.
type WaitingForLastProposal struct {
	Me     game.PlayerID `json:"me"`
	Target game.PlayerID `json:"target"`
}

// FirstBidActive must send the opening bid.
type FirstBidActive struct {
	Counterpart game.PlayerID `json:"counterpart"`
}

// FirstBidPassive waits for the opening bid.
type FirstBidPassive struct {
	Counterpart game.PlayerID `json:"counterpart"`
}

// TradeBidActive holds the latest bid and must answer it.
type TradeBidActive struct {
	Counterpart game.PlayerID `json:"counterpart"`
	Bid         Bid           `json:"bid"`
}

// TradeBidPassive sent the latest bid and waits.
type TradeBidPassive struct {
	Counterpart game.PlayerID `json:"counterpart"`
	Bid         Bid           `json:"bid"`
}

func (NoTrade) Kind() StateKind                { return KindNoTrade }
func (WaitingForLastProposal) Kind() StateKind { return KindWaitingForLastProposal }
func (FirstBidActive) Kind() StateKind         { return KindFirstBidActive }
func (FirstBidPassive) Kind() StateKind        { return KindFirstBidPassive }
func (TradeBidActive) Kind() StateKind         { return KindTradeBidActive }
func (TradeBidPassive) Kind() StateKind        { return KindTradeBidPassive }

func (NoTrade) isTradeState()                {}
func (WaitingForLastProposal) isTradeState() {}
func (FirstBidActive) isTradeState()         {}
func (FirstBidPassive) isTradeState()        {}
func (TradeBidActive) isTradeState()         {}
func (TradeBidPassive) isTradeState()        {}

// Idle is the default state of a player with nothing stored.
func Idle() State { return NoTrade{} }

// Counterpart returns the player named by s, if any. A pending proposal names its target.
func Counterpart(s State) (game.PlayerID, bool) {
	switch st := s.(type) {
	case WaitingForLastProposal:
		return st.Target, true
	case FirstBidActive:
		return st.Counterpart, true
	case FirstBidPassive:
		return st.Counterpart, true
	case TradeBidActive:
		return st.Counterpart, true
	case TradeBidPassive:
		return st.Counterpart, true
	}
	return "", false
}

// Committed reports whether s is past the joint commit of a trade start.
func Committed(s State) bool {
	switch s.(type) {
	case FirstBidActive, FirstBidPassive, TradeBidActive, TradeBidPassive:
		return true
	}
	return false
}

type stateWire struct {
	Type    StateKind       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalState encodes a state with its type tag.
func MarshalState(s State) ([]byte, error) {
	if s == nil {
		s = Idle()
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stateWire{Type: s.Kind(), Payload: payload})
}

// UnmarshalState decodes a tagged state. Empty input yields the idle state.
func UnmarshalState(data []byte) (State, error) {
	if len(data) == 0 {
		return Idle(), nil
	}
	var w stateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case KindNoTrade:
		return NoTrade{}, nil
	case KindWaitingForLastProposal:
		return decodeState[WaitingForLastProposal](w.Payload)
	case KindFirstBidActive:
		return decodeState[FirstBidActive](w.Payload)
	case KindFirstBidPassive:
		return decodeState[FirstBidPassive](w.Payload)
	case KindTradeBidActive:
		return decodeState[TradeBidActive](w.Payload)
	case KindTradeBidPassive:
		return decodeState[TradeBidPassive](w.Payload)
	}
	return nil, fmt.Errorf("unknown trade state: %s", w.Type)
}

func decodeState[T State](raw json.RawMessage) (State, error) {
	var out T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}
