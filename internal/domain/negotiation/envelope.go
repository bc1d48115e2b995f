package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/travelgame/negotiator/internal/domain/game"
)

// Topic names a logical queue on the transport.
type Topic string

const (
	TopicTrade     Topic = "trade"
	TopicCoop      Topic = "coop"
	TopicEquipment Topic = "equipment"
	TopicSession   Topic = "session"
	TopicOutbound  Topic = "outbound"
)

// Inbound reports whether players may publish on the topic.
func (t Topic) Inbound() bool {
	switch t {
	case TopicTrade, TopicCoop, TopicSession:
		return true
	}
	return false
}

// Envelope is the inbound wire format: a tagged message plus routing metadata.
type Envelope struct {
	ID        uuid.UUID       `json:"id"`
	Session   game.SessionID  `json:"session"`
	Sender    game.PlayerID   `json:"sender"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope around payload.
func NewEnvelope(session game.SessionID, sender game.PlayerID, msgType string, payload any) (Envelope, error) {
	env := Envelope{
		ID:        uuid.New(),
		Session:   session,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
		Type:      msgType,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = raw
	}
	return env, nil
}

// Validate checks the routing fields.
func (e Envelope) Validate() error {
	if strings.TrimSpace(string(e.Session)) == "" {
		return fmt.Errorf("%w: session is required", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(string(e.Sender)) == "" {
		return fmt.Errorf("%w: sender is required", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEnvelope)
	}
	return nil
}

// DecodePayload decodes an envelope payload into T. An empty payload yields the zero T.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return out, nil
}

// Audience selects who receives an outbound message.
type Audience string

const (
	AudiencePlayer  Audience = "player"
	AudienceNearby  Audience = "nearby"
	AudienceSession Audience = "session"
)

// Outbound is a message the engine wants delivered. Fan-out is the transport's job.
type Outbound struct {
	ID        uuid.UUID       `json:"id"`
	Session   game.SessionID  `json:"session"`
	Audience  Audience        `json:"audience"`
	Recipient game.PlayerID   `json:"recipient,omitempty"`
	Origin    game.PlayerID   `json:"origin,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ToPlayer addresses one player.
func ToPlayer(session game.SessionID, recipient game.PlayerID, msgType string, payload any) Outbound {
	return newOutbound(session, AudiencePlayer, recipient, "", msgType, payload)
}

// ToNearby addresses players near origin, excluding origin.
func ToNearby(session game.SessionID, origin game.PlayerID, msgType string, payload any) Outbound {
	return newOutbound(session, AudienceNearby, "", origin, msgType, payload)
}

// ToSession addresses every player in the session.
func ToSession(session game.SessionID, msgType string, payload any) Outbound {
	return newOutbound(session, AudienceSession, "", "", msgType, payload)
}

func newOutbound(session game.SessionID, audience Audience, recipient, origin game.PlayerID, msgType string, payload any) Outbound {
	out := Outbound{
		ID:        uuid.New(),
		Session:   session,
		Audience:  audience,
		Recipient: recipient,
		Origin:    origin,
		Type:      msgType,
		CreatedAt: time.Now().UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			out.Payload = raw
		}
	}
	return out
}

// Envelope wraps an outbound message for the outbound topic.
func (o Outbound) Envelope() (Envelope, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:        o.ID,
		Session:   o.Session,
		Sender:    o.Origin,
		Timestamp: o.CreatedAt,
		Type:      o.Type,
		Payload:   raw,
	}, nil
}

// OutboundFromEnvelope reverses Outbound.Envelope.
func OutboundFromEnvelope(env Envelope) (Outbound, error) {
	if len(env.Payload) == 0 {
		return Outbound{}, errors.New("outbound envelope has no payload")
	}
	return DecodePayload[Outbound](env.Payload)
}
