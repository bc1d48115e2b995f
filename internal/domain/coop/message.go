package coop

import (
	"encoding/json"
	"fmt"

	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
)

// MessageType is the wire tag of a coop message.
type MessageType string

const (
	TypeStartPlanningUser           MessageType = "StartPlanningUser"
	TypeFindCompanyUser             MessageType = "FindCompanyUser"
	TypeStopFindingCompanyUser      MessageType = "StopFindingCompanyUser"
	TypeProposeCoopUser             MessageType = "ProposeCoopUser"
	TypeProposeCoopAckUser          MessageType = "ProposeCoopAckUser"
	TypeJoinPlanningUser            MessageType = "JoinPlanningUser"
	TypeJoinPlanningAckUser         MessageType = "JoinPlanningAckUser"
	TypeResourcesDecideUser         MessageType = "ResourcesDecideUser"
	TypeResourcesDecideAckUser      MessageType = "ResourcesDecideAckUser"
	TypeCancelCoopAtAnyStage        MessageType = "CancelCoopAtAnyStage"
	TypeCancelNegotiationAtAnyStage MessageType = "CancelNegotiationAtAnyStage"
	TypeCancelPlanningAtAnyStage    MessageType = "CancelPlanningAtAnyStage"
	TypeStartTravelUser             MessageType = "StartTravelUser"
	TypeSyncUser                    MessageType = "CoopSyncUser"

	TypeProposeCoopSystem        MessageType = "ProposeCoopSystem"
	TypeProposeCoopAckSystem     MessageType = "ProposeCoopAckSystem"
	TypeJoinPlanningSystem       MessageType = "JoinPlanningSystem"
	TypeJoinPlanningAckSystem    MessageType = "JoinPlanningAckSystem"
	TypeResourcesDecideSystem    MessageType = "ResourcesDecideSystem"
	TypeResourcesDecideAckSystem MessageType = "ResourcesDecideAckSystem"
	TypeCancelCoopSystem         MessageType = "CancelCoopSystem"
	TypeCancelNegotiationSystem  MessageType = "CancelNegotiationSystem"
	TypeStartTravelSystem        MessageType = "StartTravelSystem"
)

// Message is one input to the coop state machine.
type Message interface {
	Type() MessageType
	isCoopMessage()
}

// StartPlanningUser picks a travel. Player is filled in from the envelope sender.
type StartPlanningUser struct {
	Player game.PlayerID `json:"player,omitempty"`
	Travel string        `json:"travel"`
}

type FindCompanyUser struct{}

type StopFindingCompanyUser struct{}

type ProposeCoopUser struct {
	Target game.PlayerID `json:"target"`
}

// ProposeCoopAckUser accepts Owner's proposal. Travel is taken from the owner's live state.
type ProposeCoopAckUser struct {
	Player game.PlayerID `json:"player,omitempty"`
	Owner  game.PlayerID `json:"owner"`
	Travel string        `json:"travel"`
}

// JoinPlanningUser asks an advertising owner to join its travel.
type JoinPlanningUser struct {
	Player game.PlayerID `json:"player,omitempty"`
	Owner  game.PlayerID `json:"owner"`
	Travel string        `json:"travel"`
}

type JoinPlanningAckUser struct {
	Joiner game.PlayerID `json:"joiner"`
}

type ResourcesDecideUser struct {
	Bid ResourcesDecideValues `json:"bid"`
}

type ResourcesDecideAckUser struct {
	Bid ResourcesDecideValues `json:"bid"`
}

type CancelCoopAtAnyStage struct{}

type CancelNegotiationAtAnyStage struct{}

type CancelPlanningAtAnyStage struct{}

type StartTravelUser struct{}

type SyncUser struct{}

type ProposeCoopSystem struct {
	Owner  game.PlayerID `json:"owner"`
	Travel string        `json:"travel"`
}

type ProposeCoopAckSystem struct {
	Acceptor game.PlayerID `json:"acceptor"`
}

type JoinPlanningSystem struct {
	Joiner game.PlayerID `json:"joiner"`
}

type JoinPlanningAckSystem struct {
	Owner  game.PlayerID `json:"owner"`
	Travel string        `json:"travel"`
}

type ResourcesDecideSystem struct {
	Sender game.PlayerID         `json:"sender"`
	Bid    ResourcesDecideValues `json:"bid"`
}

type ResourcesDecideAckSystem struct {
	Sender game.PlayerID         `json:"sender"`
	Bid    ResourcesDecideValues `json:"bid"`
}

type CancelCoopSystem struct {
	Canceller game.PlayerID `json:"canceller"`
}

type CancelNegotiationSystem struct {
	Canceller game.PlayerID `json:"canceller"`
}

type StartTravelSystem struct {
	Traveler game.PlayerID `json:"traveler"`
}

func (StartPlanningUser) Type() MessageType           { return TypeStartPlanningUser }
func (FindCompanyUser) Type() MessageType             { return TypeFindCompanyUser }
func (StopFindingCompanyUser) Type() MessageType      { return TypeStopFindingCompanyUser }
func (ProposeCoopUser) Type() MessageType             { return TypeProposeCoopUser }
func (ProposeCoopAckUser) Type() MessageType          { return TypeProposeCoopAckUser }
func (JoinPlanningUser) Type() MessageType            { return TypeJoinPlanningUser }
func (JoinPlanningAckUser) Type() MessageType         { return TypeJoinPlanningAckUser }
func (ResourcesDecideUser) Type() MessageType         { return TypeResourcesDecideUser }
func (ResourcesDecideAckUser) Type() MessageType      { return TypeResourcesDecideAckUser }
func (CancelCoopAtAnyStage) Type() MessageType        { return TypeCancelCoopAtAnyStage }
func (CancelNegotiationAtAnyStage) Type() MessageType { return TypeCancelNegotiationAtAnyStage }
func (CancelPlanningAtAnyStage) Type() MessageType    { return TypeCancelPlanningAtAnyStage }
func (StartTravelUser) Type() MessageType             { return TypeStartTravelUser }
func (SyncUser) Type() MessageType                    { return TypeSyncUser }
func (ProposeCoopSystem) Type() MessageType           { return TypeProposeCoopSystem }
func (ProposeCoopAckSystem) Type() MessageType        { return TypeProposeCoopAckSystem }
func (JoinPlanningSystem) Type() MessageType          { return TypeJoinPlanningSystem }
func (JoinPlanningAckSystem) Type() MessageType       { return TypeJoinPlanningAckSystem }
func (ResourcesDecideSystem) Type() MessageType       { return TypeResourcesDecideSystem }
func (ResourcesDecideAckSystem) Type() MessageType    { return TypeResourcesDecideAckSystem }
func (CancelCoopSystem) Type() MessageType            { return TypeCancelCoopSystem }
func (CancelNegotiationSystem) Type() MessageType     { return TypeCancelNegotiationSystem }
func (StartTravelSystem) Type() MessageType           { return TypeStartTravelSystem }

func (StartPlanningUser) isCoopMessage()           {}
func (FindCompanyUser) isCoopMessage()             {}
func (StopFindingCompanyUser) isCoopMessage()      {}
func (ProposeCoopUser) isCoopMessage()             {}
func (ProposeCoopAckUser) isCoopMessage()          {}
func (JoinPlanningUser) isCoopMessage()            {}
func (JoinPlanningAckUser) isCoopMessage()         {}
func (ResourcesDecideUser) isCoopMessage()         {}
func (ResourcesDecideAckUser) isCoopMessage()      {}
func (CancelCoopAtAnyStage) isCoopMessage()        {}
func (CancelNegotiationAtAnyStage) isCoopMessage() {}
func (CancelPlanningAtAnyStage) isCoopMessage()    {}
func (StartTravelUser) isCoopMessage()             {}
func (SyncUser) isCoopMessage()                    {}
func (ProposeCoopSystem) isCoopMessage()           {}
func (ProposeCoopAckSystem) isCoopMessage()        {}
func (JoinPlanningSystem) isCoopMessage()          {}
func (JoinPlanningAckSystem) isCoopMessage()       {}
func (ResourcesDecideSystem) isCoopMessage()       {}
func (ResourcesDecideAckSystem) isCoopMessage()    {}
func (CancelCoopSystem) isCoopMessage()            {}
func (CancelNegotiationSystem) isCoopMessage()     {}
func (StartTravelSystem) isCoopMessage()           {}

// DecodeUserMessage decodes an inbound user message. System messages are
// produced by the engine only and are refused on the wire.
func DecodeUserMessage(msgType string, payload json.RawMessage) (Message, error) {
	switch MessageType(msgType) {
	case TypeStartPlanningUser:
		return decode[StartPlanningUser](payload)
	case TypeFindCompanyUser:
		return FindCompanyUser{}, nil
	case TypeStopFindingCompanyUser:
		return StopFindingCompanyUser{}, nil
	case TypeProposeCoopUser:
		return decode[ProposeCoopUser](payload)
	case TypeProposeCoopAckUser:
		return decode[ProposeCoopAckUser](payload)
	case TypeJoinPlanningUser:
		return decode[JoinPlanningUser](payload)
	case TypeJoinPlanningAckUser:
		return decode[JoinPlanningAckUser](payload)
	case TypeResourcesDecideUser:
		return decode[ResourcesDecideUser](payload)
	case TypeResourcesDecideAckUser:
		return decode[ResourcesDecideAckUser](payload)
	case TypeCancelCoopAtAnyStage:
		return CancelCoopAtAnyStage{}, nil
	case TypeCancelNegotiationAtAnyStage:
		return CancelNegotiationAtAnyStage{}, nil
	case TypeCancelPlanningAtAnyStage:
		return CancelPlanningAtAnyStage{}, nil
	case TypeStartTravelUser:
		return StartTravelUser{}, nil
	case TypeSyncUser:
		return SyncUser{}, nil
	}
	return nil, fmt.Errorf("%w: %s", negotiation.ErrUnknownMessage, msgType)
}

func decode[T Message](payload json.RawMessage) (Message, error) {
	v, err := negotiation.DecodePayload[T](payload)
	if err != nil {
		return nil, err
	}
	return v, nil
}
