package trade

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
)

// ErrWrongResourceCount rejects bids whose resource sets do not match the catalogue.
var ErrWrongResourceCount = errors.New("wrong resource count")

// MessageType is the wire tag of a trade message.
type MessageType string

const (
	TypeAdvertiseUser       MessageType = "TradeAdvertiseUser"
	TypeProposeTradeUser    MessageType = "ProposeTradeUser"
	TypeProposeTradeAckUser MessageType = "ProposeTradeAckUser"
	TypeTradeBidUser        MessageType = "TradeBidUser"
	TypeTradeBidAckUser     MessageType = "TradeBidAckUser"
	TypeCancelTradeUser     MessageType = "CancelTradeUser"
	TypeSyncUser            MessageType = "TradeSyncUser"

	TypeProposeTradeSystem    MessageType = "ProposeTradeSystem"
	TypeProposeTradeAckSystem MessageType = "ProposeTradeAckSystem"
	TypeTradeBidSystem        MessageType = "TradeBidSystem"
	TypeTradeBidAckSystem     MessageType = "TradeBidAckSystem"
	TypeCancelTradeSystem     MessageType = "CancelTradeSystem"
)

// Message is one input to the trade state machine.
type Message interface {
	Type() MessageType
	isTradeMessage()
}

// Bid is an exchange proposal seen from its author: what the author gives and wants.
type Bid struct {
	Offered   game.Resources `json:"offered"`
	Requested game.Resources `json:"requested"`
}

// Equal compares two bids amount by amount.
func (b Bid) Equal(other Bid) bool {
	return b.Offered.Equal(other.Offered) && b.Requested.Equal(other.Requested)
}

// CheckResourceCount requires both sides to name exactly the catalogue resources.
func (b Bid) CheckResourceCount(catalogue []string) error {
	if len(b.Offered) != len(b.Requested) || len(b.Offered) != len(catalogue) {
		return ErrWrongResourceCount
	}
	for _, name := range catalogue {
		if _, ok := b.Offered[name]; !ok {
			return ErrWrongResourceCount
		}
		if _, ok := b.Requested[name]; !ok {
			return ErrWrongResourceCount
		}
	}
	for name, v := range b.Offered {
		if v < 0 || b.Requested[name] < 0 {
			return fmt.Errorf("negative amount for %s", name)
		}
	}
	return nil
}

// AdvertSide says whether an advertiser buys or sells.
type AdvertSide string

const (
	SideBuy  AdvertSide = "buy"
	SideSell AdvertSide = "sell"
)

type AdvertiseUser struct {
	Side      AdvertSide     `json:"side"`
	Resources game.Resources `json:"resources"`
}

type ProposeTradeUser struct {
	Proposer game.PlayerID `json:"proposer"`
	Target   game.PlayerID `json:"target"`
}

type ProposeTradeAckUser struct {
	Proposer game.PlayerID `json:"proposer"`
}

type TradeBidUser struct {
	Receiver game.PlayerID `json:"receiver"`
	Bid      Bid           `json:"bid"`
}

// TradeBidAckUser accepts the counterpart's latest bid as final.
type TradeBidAckUser struct {
	Receiver game.PlayerID `json:"receiver"`
	Bid      Bid           `json:"bid"`
}

type CancelTradeUser struct {
	Receiver game.PlayerID `json:"receiver"`
}

type SyncUser struct{}

type ProposeTradeSystem struct {
	Proposer game.PlayerID `json:"proposer"`
}

type ProposeTradeAckSystem struct {
	Acceptor game.PlayerID `json:"acceptor"`
}

type TradeBidSystem struct {
	Sender game.PlayerID `json:"sender"`
	Bid    Bid           `json:"bid"`
}

type TradeBidAckSystem struct {
	Sender game.PlayerID `json:"sender"`
	Bid    Bid           `json:"bid"`
}

type CancelTradeSystem struct {
	Canceller game.PlayerID `json:"canceller"`
}

func (AdvertiseUser) Type() MessageType         { return TypeAdvertiseUser }
func (ProposeTradeUser) Type() MessageType      { return TypeProposeTradeUser }
func (ProposeTradeAckUser) Type() MessageType   { return TypeProposeTradeAckUser }
func (TradeBidUser) Type() MessageType          { return TypeTradeBidUser }
func (TradeBidAckUser) Type() MessageType       { return TypeTradeBidAckUser }
func (CancelTradeUser) Type() MessageType       { return TypeCancelTradeUser }
func (SyncUser) Type() MessageType              { return TypeSyncUser }
func (ProposeTradeSystem) Type() MessageType    { return TypeProposeTradeSystem }
func (ProposeTradeAckSystem) Type() MessageType { return TypeProposeTradeAckSystem }
func (TradeBidSystem) Type() MessageType        { return TypeTradeBidSystem }
func (TradeBidAckSystem) Type() MessageType     { return TypeTradeBidAckSystem }
func (CancelTradeSystem) Type() MessageType     { return TypeCancelTradeSystem }

func (AdvertiseUser) isTradeMessage()         {}
func (ProposeTradeUser) isTradeMessage()      {}
func (ProposeTradeAckUser) isTradeMessage()   {}
func (TradeBidUser) isTradeMessage()          {}
func (TradeBidAckUser) isTradeMessage()       {}
func (CancelTradeUser) isTradeMessage()       {}
func (SyncUser) isTradeMessage()              {}
func (ProposeTradeSystem) isTradeMessage()    {}
func (ProposeTradeAckSystem) isTradeMessage() {}
func (TradeBidSystem) isTradeMessage()        {}
func (TradeBidAckSystem) isTradeMessage()     {}
func (CancelTradeSystem) isTradeMessage()     {}

// DecodeUserMessage decodes an inbound user message. System messages are
// produced by the engine only and are refused on the wire.
func DecodeUserMessage(msgType string, payload json.RawMessage) (Message, error) {
	switch MessageType(msgType) {
	case TypeAdvertiseUser:
		return decode[AdvertiseUser](payload)
	case TypeProposeTradeUser:
		return decode[ProposeTradeUser](payload)
	case TypeProposeTradeAckUser:
		return decode[ProposeTradeAckUser](payload)
	case TypeTradeBidUser:
		return decode[TradeBidUser](payload)
	case TypeTradeBidAckUser:
		return decode[TradeBidAckUser](payload)
	case TypeCancelTradeUser:
		return decode[CancelTradeUser](payload)
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
