package coop

import (
	"encoding/json"
	"fmt"

	"github.com/travelgame/negotiator/internal/domain/game"
)

// StateKind is the wire tag of a coop state.
type StateKind string

const (
	KindNoPlanning                      StateKind = "NoPlanning"
	KindGatheringResources              StateKind = "GatheringResources"
	KindWaitingForCompany               StateKind = "WaitingForCompany"
	KindWaitingForOwnerAnswer           StateKind = "WaitingForOwnerAnswer"
	KindResourceNegotiatingFirstActive  StateKind = "ResourceNegotiatingFirstActive"
	KindResourceNegotiatingFirstPassive StateKind = "ResourceNegotiatingFirstPassive"
	KindResourceNegotiatingActive       StateKind = "ResourceNegotiatingActive"
	KindResourceNegotiatingPassive      StateKind = "ResourceNegotiatingPassive"
)

// ResourcesDecideValues is an agreed or proposed split of a travel cost.
// The traveler covers Resources and MoneyRatio percent of the money cost,
// the partner covers the rest.
type ResourcesDecideValues struct {
	Traveler   game.PlayerID  `json:"traveler"`
	MoneyRatio int            `json:"moneyRatio"`
	Resources  game.Resources `json:"resources"`
}

// Equal compares two bids value by value.
func (v ResourcesDecideValues) Equal(other ResourcesDecideValues) bool {
	return v.Traveler == other.Traveler && v.MoneyRatio == other.MoneyRatio && v.Resources.Equal(other.Resources)
}

// NegotiatedBid pairs the coop partner with the split agreed for the travel.
type NegotiatedBid struct {
	Counterpart game.PlayerID         `json:"counterpart"`
	Bid         ResourcesDecideValues `json:"bid"`
}

// State is one player's position in travel planning.
type State interface {
	Kind() StateKind
	isCoopState()
}

type NoPlanning struct{}

// GatheringResources is a planned travel, alone or with an agreed partner.
type GatheringResources struct {
	Self          game.PlayerID  `json:"self"`
	Travel        string         `json:"travel"`
	NegotiatedBid *NegotiatedBid `json:"negotiatedBid,omitempty"`
}

// WaitingForCompany is an owner looking for a partner, either by advertising
// or by a direct proposal to Counterpart.
type WaitingForCompany struct {
	Self        game.PlayerID `json:"self"`
	Travel      string        `json:"travel"`
	Counterpart game.PlayerID `json:"counterpart,omitempty"`
	Advertising bool          `json:"advertising"`
}

// WaitingForOwnerAnswer is a joiner waiting for an owner to let it in.
type WaitingForOwnerAnswer struct {
	Self           game.PlayerID `json:"self"`
	Owner          game.PlayerID `json:"owner"`
	Travel         string        `json:"travel"`
	PreviousTravel string        `json:"previousTravel,omitempty"`
}

// Negotiation is shared by the four resource negotiating states.
type Negotiation struct {
	Self           game.PlayerID          `json:"self"`
	Counterpart    game.PlayerID          `json:"counterpart"`
	Travel         string                 `json:"travel"`
	Bid            *ResourcesDecideValues `json:"bid,omitempty"`
	PreviousTravel string                 `json:"previousTravel,omitempty"`
}

// ResourceNegotiatingFirstActive must send the first bid.
type ResourceNegotiatingFirstActive struct{ Negotiation }

// ResourceNegotiatingFirstPassive waits for the first bid.
type ResourceNegotiatingFirstPassive struct{ Negotiation }

// ResourceNegotiatingActive holds the newest bid and must answer it.
type ResourceNegotiatingActive struct{ Negotiation }

// ResourceNegotiatingPassive sent the newest bid and waits.
type ResourceNegotiatingPassive struct{ Negotiation }

func (NoPlanning) Kind() StateKind            { return KindNoPlanning }
func (GatheringResources) Kind() StateKind    { return KindGatheringResources }
func (WaitingForCompany) Kind() StateKind     { return KindWaitingForCompany }
func (WaitingForOwnerAnswer) Kind() StateKind { return KindWaitingForOwnerAnswer }
func (ResourceNegotiatingFirstActive) Kind() StateKind {
	return KindResourceNegotiatingFirstActive
}
func (ResourceNegotiatingFirstPassive) Kind() StateKind {
	return KindResourceNegotiatingFirstPassive
}
func (ResourceNegotiatingActive) Kind() StateKind  { return KindResourceNegotiatingActive }
func (ResourceNegotiatingPassive) Kind() StateKind { return KindResourceNegotiatingPassive }

func (NoPlanning) isCoopState()                      {}
func (GatheringResources) isCoopState()              {}
func (WaitingForCompany) isCoopState()               {}
func (WaitingForOwnerAnswer) isCoopState()           {}
func (ResourceNegotiatingFirstActive) isCoopState()  {}
func (ResourceNegotiatingFirstPassive) isCoopState() {}
func (ResourceNegotiatingActive) isCoopState()       {}
func (ResourceNegotiatingPassive) isCoopState()      {}

// Idle is the default state of a player with nothing stored.
func Idle() State { return NoPlanning{} }

// NegotiationOf returns the shared negotiation fields of a negotiating state.
func NegotiationOf(s State) (Negotiation, bool) {
	switch st := s.(type) {
	case ResourceNegotiatingFirstActive:
		return st.Negotiation, true
	case ResourceNegotiatingFirstPassive:
		return st.Negotiation, true
	case ResourceNegotiatingActive:
		return st.Negotiation, true
	case ResourceNegotiatingPassive:
		return st.Negotiation, true
	}
	return Negotiation{}, false
}

// Counterpart returns the player s is linked with, if any.
func Counterpart(s State) (game.PlayerID, bool) {
	switch st := s.(type) {
	case GatheringResources:
		if st.NegotiatedBid != nil {
			return st.NegotiatedBid.Counterpart, true
		}
	case WaitingForCompany:
		if st.Counterpart != "" {
			return st.Counterpart, true
		}
	case WaitingForOwnerAnswer:
		return st.Owner, true
	}
	if n, ok := NegotiationOf(s); ok {
		return n.Counterpart, true
	}
	return "", false
}

// Committed reports whether s is past a joint commit with its counterpart.
func Committed(s State) bool {
	if g, ok := s.(GatheringResources); ok {
		return g.NegotiatedBid != nil
	}
	_, ok := NegotiationOf(s)
	return ok
}

// TravelOf returns the travel s is planning, if any.
func TravelOf(s State) (string, bool) {
	switch st := s.(type) {
	case GatheringResources:
		return st.Travel, true
	case WaitingForCompany:
		return st.Travel, true
	case WaitingForOwnerAnswer:
		return st.Travel, true
	}
	if n, ok := NegotiationOf(s); ok {
		return n.Travel, true
	}
	return "", false
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
	case KindNoPlanning:
		return NoPlanning{}, nil
	case KindGatheringResources:
		return decodeState[GatheringResources](w.Payload)
	case KindWaitingForCompany:
		return decodeState[WaitingForCompany](w.Payload)
	case KindWaitingForOwnerAnswer:
		return decodeState[WaitingForOwnerAnswer](w.Payload)
	case KindResourceNegotiatingFirstActive:
		return decodeState[ResourceNegotiatingFirstActive](w.Payload)
	case KindResourceNegotiatingFirstPassive:
		return decodeState[ResourceNegotiatingFirstPassive](w.Payload)
	case KindResourceNegotiatingActive:
		return decodeState[ResourceNegotiatingActive](w.Payload)
	case KindResourceNegotiatingPassive:
		return decodeState[ResourceNegotiatingPassive](w.Payload)
	}
	return nil, fmt.Errorf("unknown coop state: %s", w.Type)
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
