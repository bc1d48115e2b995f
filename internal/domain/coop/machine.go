package coop

import (
	"fmt"

	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
)

// Transition is the coop state machine. It has no side effects: it returns the
// next state of the player owning s, or a *negotiation.Rejection.
func Transition(s State, m Message) (State, error) {
	if s == nil {
		s = Idle()
	}
	if _, ok := m.(SyncUser); ok {
		return s, nil
	}
	switch st := s.(type) {
	case NoPlanning:
		return fromNoPlanning(st, m)
	case GatheringResources:
		return fromGathering(st, m)
	case WaitingForCompany:
		return fromWaitingForCompany(st, m)
	case WaitingForOwnerAnswer:
		return fromWaitingForOwner(st, m)
	case ResourceNegotiatingFirstActive, ResourceNegotiatingFirstPassive,
		ResourceNegotiatingActive, ResourceNegotiatingPassive:
		return fromNegotiating(s, m)
	}
	return nil, negotiation.Unhandled(fmt.Sprintf("%T", s), string(m.Type()))
}

func fromNoPlanning(st NoPlanning, m Message) (State, error) {
	switch msg := m.(type) {
	case StartPlanningUser:
		return GatheringResources{Self: msg.Player, Travel: msg.Travel}, nil
	case ProposeCoopSystem:
		return st, nil
	case ProposeCoopAckUser:
		return ResourceNegotiatingFirstActive{Negotiation{
			Self: msg.Player, Counterpart: msg.Owner, Travel: msg.Travel,
		}}, nil
	case JoinPlanningUser:
		if msg.Player == msg.Owner {
			return nil, reject(st, m, "You cannot join your own travel")
		}
		return WaitingForOwnerAnswer{Self: msg.Player, Owner: msg.Owner, Travel: msg.Travel}, nil
	case ProposeCoopAckSystem, JoinPlanningAckSystem:
		return nil, tooLate(st, m)
	case CancelCoopAtAnyStage, CancelNegotiationAtAnyStage, CancelPlanningAtAnyStage:
		return nil, reject(st, m, "You are not planning a travel")
	}
	return nil, negotiation.Unhandled(string(st.Kind()), string(m.Type()))
}

func fromGathering(st GatheringResources, m Message) (State, error) {
	solo := st.NegotiatedBid == nil
	switch msg := m.(type) {
	case StartPlanningUser:
		if !solo {
			return nil, reject(st, m, "Cancel the coop first")
		}
		return GatheringResources{Self: st.Self, Travel: msg.Travel}, nil
	case FindCompanyUser:
		if !solo {
			return nil, reject(st, m, "You are already in a coop")
		}
		return WaitingForCompany{Self: st.Self, Travel: st.Travel, Advertising: true}, nil
	case ProposeCoopUser:
		if !solo {
			return nil, reject(st, m, "You are already in a coop")
		}
		if msg.Target == st.Self {
			return nil, reject(st, m, "You cannot cooperate with yourself")
		}
		return WaitingForCompany{Self: st.Self, Travel: st.Travel, Counterpart: msg.Target}, nil
	case ProposeCoopSystem:
		if !solo {
			return nil, reject(st, m, "Player is already in a coop")
		}
		return st, nil
	case ProposeCoopAckUser:
		if !solo {
			return nil, reject(st, m, "You are already in a coop")
		}
		return ResourceNegotiatingFirstActive{Negotiation{
			Self: st.Self, Counterpart: msg.Owner, Travel: msg.Travel, PreviousTravel: st.Travel,
		}}, nil
	case JoinPlanningUser:
		if !solo {
			return nil, reject(st, m, "You are already in a coop")
		}
		if msg.Owner == st.Self {
			return nil, reject(st, m, "You cannot join your own travel")
		}
		return WaitingForOwnerAnswer{Self: st.Self, Owner: msg.Owner, Travel: msg.Travel, PreviousTravel: st.Travel}, nil
	case ProposeCoopAckSystem, JoinPlanningAckSystem:
		return nil, tooLate(st, m)
	case CancelCoopAtAnyStage:
		if solo {
			return nil, reject(st, m, "You are not in a coop")
		}
		return GatheringResources{Self: st.Self, Travel: st.Travel}, nil
	case CancelCoopSystem:
		if solo || st.NegotiatedBid.Counterpart != msg.Canceller {
			return nil, notWith(st, m, msg.Canceller)
		}
		return GatheringResources{Self: st.Self, Travel: st.Travel}, nil
	case CancelPlanningAtAnyStage:
		return NoPlanning{}, nil
	case StartTravelUser:
		if !solo && st.NegotiatedBid.Bid.Traveler != st.Self {
			return nil, reject(st, m, "Only the traveler can start the travel")
		}
		return NoPlanning{}, nil
	case StartTravelSystem:
		if solo || st.NegotiatedBid.Counterpart != msg.Traveler || st.NegotiatedBid.Bid.Traveler != msg.Traveler {
			return nil, notWith(st, m, msg.Traveler)
		}
		return NoPlanning{}, nil
	}
	return nil, negotiation.Unhandled(string(st.Kind()), string(m.Type()))
}

func fromWaitingForCompany(st WaitingForCompany, m Message) (State, error) {
	switch msg := m.(type) {
	case FindCompanyUser:
		st.Advertising = true
		return st, nil
	case StopFindingCompanyUser:
		return GatheringResources{Self: st.Self, Travel: st.Travel}, nil
	case ProposeCoopUser:
		if msg.Target == st.Self {
			return nil, reject(st, m, "You cannot cooperate with yourself")
		}
		st.Counterpart = msg.Target
		return st, nil
	case ProposeCoopSystem:
		return st, nil
	case JoinPlanningSystem:
		if !st.Advertising {
			return nil, reject(st, m, "Player is not looking for company")
		}
		return st, nil
	case JoinPlanningAckUser:
		if !st.Advertising {
			return nil, reject(st, m, "You are not looking for company")
		}
		if msg.Joiner == st.Self {
			return nil, reject(st, m, "You cannot cooperate with yourself")
		}
		return ResourceNegotiatingFirstPassive{Negotiation{
			Self: st.Self, Counterpart: msg.Joiner, Travel: st.Travel, PreviousTravel: st.Travel,
		}}, nil
	case ProposeCoopAckSystem:
		if st.Counterpart == "" || msg.Acceptor != st.Counterpart {
			return nil, tooLate(st, m)
		}
		return ResourceNegotiatingFirstPassive{Negotiation{
			Self: st.Self, Counterpart: msg.Acceptor, Travel: st.Travel, PreviousTravel: st.Travel,
		}}, nil
	case ProposeCoopAckUser:
		return ResourceNegotiatingFirstActive{Negotiation{
			Self: st.Self, Counterpart: msg.Owner, Travel: msg.Travel, PreviousTravel: st.Travel,
		}}, nil
	case JoinPlanningUser:
		if msg.Owner == st.Self {
			return nil, reject(st, m, "You cannot join your own travel")
		}
		return WaitingForOwnerAnswer{Self: st.Self, Owner: msg.Owner, Travel: msg.Travel, PreviousTravel: st.Travel}, nil
	case JoinPlanningAckSystem:
		return nil, tooLate(st, m)
	case CancelCoopAtAnyStage:
		return GatheringResources{Self: st.Self, Travel: st.Travel}, nil
	case CancelCoopSystem:
		if msg.Canceller == st.Counterpart {
			st.Counterpart = ""
		}
		return st, nil
	case CancelPlanningAtAnyStage:
		return NoPlanning{}, nil
	case StartTravelUser:
		return NoPlanning{}, nil
	}
	return nil, negotiation.Unhandled(string(st.Kind()), string(m.Type()))
}

func fromWaitingForOwner(st WaitingForOwnerAnswer, m Message) (State, error) {
	switch msg := m.(type) {
	case JoinPlanningAckSystem:
		if msg.Owner != st.Owner {
			return nil, tooLate(st, m)
		}
		travel := st.Travel
		if msg.Travel != "" {
			travel = msg.Travel
		}
		return ResourceNegotiatingFirstActive{Negotiation{
			Self: st.Self, Counterpart: st.Owner, Travel: travel, PreviousTravel: st.PreviousTravel,
		}}, nil
	case JoinPlanningUser:
		if msg.Owner == st.Self {
			return nil, reject(st, m, "You cannot join your own travel")
		}
		return WaitingForOwnerAnswer{Self: st.Self, Owner: msg.Owner, Travel: msg.Travel, PreviousTravel: st.PreviousTravel}, nil
	case ProposeCoopSystem:
		return st, nil
	case ProposeCoopAckSystem:
		return nil, tooLate(st, m)
	case CancelCoopAtAnyStage:
		return restore(st.Self, st.PreviousTravel), nil
	case CancelCoopSystem:
		if msg.Canceller != st.Owner {
			return nil, notWith(st, m, msg.Canceller)
		}
		return restore(st.Self, st.PreviousTravel), nil
	case CancelPlanningAtAnyStage:
		return NoPlanning{}, nil
	}
	return nil, negotiation.Unhandled(string(st.Kind()), string(m.Type()))
}

func fromNegotiating(s State, m Message) (State, error) {
	n, _ := NegotiationOf(s)
	switch msg := m.(type) {
	case ResourcesDecideUser:
		switch s.(type) {
		case ResourceNegotiatingFirstActive, ResourceNegotiatingActive:
		default:
			return nil, reject(s, m, "Wait for the counterpart's bid")
		}
		if err := checkTraveler(s, m, n, msg.Bid); err != nil {
			return nil, err
		}
		n.Bid = &msg.Bid
		return ResourceNegotiatingPassive{n}, nil
	case ResourcesDecideSystem:
		switch s.(type) {
		case ResourceNegotiatingFirstPassive, ResourceNegotiatingPassive:
		default:
			return nil, reject(s, m, "Counterpart bid out of turn")
		}
		if msg.Sender != n.Counterpart {
			return nil, notWith(s, m, msg.Sender)
		}
		if err := checkTraveler(s, m, n, msg.Bid); err != nil {
			return nil, err
		}
		n.Bid = &msg.Bid
		return ResourceNegotiatingActive{n}, nil
	case ResourcesDecideAckUser:
		if _, ok := s.(ResourceNegotiatingActive); !ok || n.Bid == nil {
			return nil, reject(s, m, "There is no bid to accept")
		}
		if !n.Bid.Equal(msg.Bid) {
			return nil, reject(s, m, "The bid has changed")
		}
		return agreed(n), nil
	case ResourcesDecideAckSystem:
		if _, ok := s.(ResourceNegotiatingPassive); !ok || n.Bid == nil {
			return nil, reject(s, m, "There is no bid to accept")
		}
		if msg.Sender != n.Counterpart {
			return nil, notWith(s, m, msg.Sender)
		}
		if !n.Bid.Equal(msg.Bid) {
			return nil, reject(s, m, "The bid has changed")
		}
		return agreed(n), nil
	case ProposeCoopSystem, JoinPlanningSystem:
		return nil, reject(s, m, "Player is negotiating")
	case ProposeCoopAckSystem, JoinPlanningAckSystem:
		return nil, tooLate(s, m)
	case CancelCoopAtAnyStage, CancelNegotiationAtAnyStage:
		return restore(n.Self, n.PreviousTravel), nil
	case CancelCoopSystem:
		if msg.Canceller != n.Counterpart {
			return nil, notWith(s, m, msg.Canceller)
		}
		return restore(n.Self, n.PreviousTravel), nil
	case CancelNegotiationSystem:
		if msg.Canceller != n.Counterpart {
			return nil, notWith(s, m, msg.Canceller)
		}
		return restore(n.Self, n.PreviousTravel), nil
	case CancelPlanningAtAnyStage:
		return NoPlanning{}, nil
	}
	return nil, negotiation.Unhandled(string(s.Kind()), string(m.Type()))
}

func agreed(n Negotiation) State {
	return GatheringResources{
		Self:          n.Self,
		Travel:        n.Travel,
		NegotiatedBid: &NegotiatedBid{Counterpart: n.Counterpart, Bid: *n.Bid},
	}
}

// restore returns a player to its plan from before the negotiation.
func restore(self game.PlayerID, previousTravel string) State {
	if previousTravel == "" {
		return NoPlanning{}
	}
	return GatheringResources{Self: self, Travel: previousTravel}
}

func checkTraveler(s State, m Message, n Negotiation, bid ResourcesDecideValues) error {
	if bid.Traveler != n.Self && bid.Traveler != n.Counterpart {
		return reject(s, m, "The traveler must be one of the coop players")
	}
	if bid.MoneyRatio < 0 || bid.MoneyRatio > 100 {
		return reject(s, m, "Money ratio must be between 0 and 100")
	}
	return nil
}

func reject(st State, m Message, reason string) error {
	return negotiation.Violation(string(st.Kind()), string(m.Type()), reason)
}

func tooLate(st State, m Message) error {
	return negotiation.TooLate(string(st.Kind()), string(m.Type()), "Proposal accepted too late")
}

func notWith(st State, m Message, other game.PlayerID) error {
	return reject(st, m, fmt.Sprintf("You are not in a coop with %s", other))
}
