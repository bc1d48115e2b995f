package negotiation

import (
	"errors"
	"fmt"

	"github.com/travelgame/negotiator/internal/domain/game"
)

var (
	ErrLeaseHeld       = errors.New("negotiation pair lease is held")
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Kind classifies a failed negotiation step.
type Kind string

const (
	KindProtocolViolation     Kind = "PROTOCOL_VIOLATION"
	KindRaceRejection         Kind = "RACE_REJECTION"
	KindResourceInsufficiency Kind = "RESOURCE_INSUFFICIENCY"
	KindInfrastructure        Kind = "INFRASTRUCTURE_FAILURE"
)

// Rejection is a recoverable refusal of one message. No state changed.
type Rejection struct {
	Kind    Kind
	State   string
	Message string
	Reason  string
	// Shortfalls names missing resources per player for KindResourceInsufficiency.
	Shortfalls map[game.PlayerID]game.Shortfall
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s in state %s: %s", r.Kind, r.Message, r.State, r.Reason)
}

// Violation rejects a message that is not valid for the current state.
func Violation(state, message, reason string) *Rejection {
	return &Rejection{Kind: KindProtocolViolation, State: state, Message: message, Reason: reason}
}

// TooLate rejects a message whose counterpart moved on since it was sent.
func TooLate(state, message, reason string) *Rejection {
	return &Rejection{Kind: KindRaceRejection, State: state, Message: message, Reason: reason}
}

// Insufficient rejects a commit because a player cannot pay.
func Insufficient(state, message string, shortfalls map[game.PlayerID]game.Shortfall) *Rejection {
	return &Rejection{
		Kind:       KindResourceInsufficiency,
		State:      state,
		Message:    message,
		Reason:     "Not enough resources",
		Shortfalls: shortfalls,
	}
}

// Unhandled is the default arm of every transition table.
func Unhandled(state, message string) *Rejection {
	return Violation(state, message, fmt.Sprintf("%s is not allowed in %s", message, state))
}

// AsRejection unwraps a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// KindOf classifies err. Anything that is not a Rejection is an infrastructure failure.
func KindOf(err error) Kind {
	if r, ok := AsRejection(err); ok {
		return r.Kind
	}
	return KindInfrastructure
}
