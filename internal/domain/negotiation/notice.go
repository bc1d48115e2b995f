package negotiation

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/travelgame/negotiator/internal/domain/game"
)

// Envelope types engines publish onto inbound topics.
const (
	TypeEquipmentChanged = "EquipmentChanged"
	TypeExitGameSession  = "ExitGameSession"
)

// Emitter publishes engine-originated envelopes onto inbound topics.
type Emitter interface {
	Publish(ctx context.Context, topic Topic, env Envelope) error
}

// RejectionNotice is the payload sent to a player whose message was refused.
type RejectionNotice struct {
	Kind       Kind                             `json:"kind"`
	Message    string                           `json:"message"`
	Reason     string                           `json:"reason"`
	Shortfalls map[game.PlayerID]game.Shortfall `json:"shortfalls,omitempty"`
}

// Reject logs a rejection with its full context and tells the sender why.
// It returns nil once the sender is notified. Errors that are not rejections
// are returned unchanged so the transport retries them.
func Reject(ctx context.Context, publisher Publisher, logger zerolog.Logger, env Envelope, noticeType string, err error) error {
	r, ok := AsRejection(err)
	if !ok {
		return err
	}
	logger.Warn().
		Str("session", string(env.Session)).
		Str("player", string(env.Sender)).
		Str("state", r.State).
		Str("message", r.Message).
		Str("kind", string(r.Kind)).
		Str("reason", r.Reason).
		Msg("message rejected")
	return publisher.Publish(ctx, ToPlayer(env.Session, env.Sender, noticeType, RejectionNotice{
		Kind:       r.Kind,
		Message:    r.Message,
		Reason:     r.Reason,
		Shortfalls: r.Shortfalls,
	}))
}

// EquipmentChanged builds the envelope announcing a balance change of player.
func EquipmentChanged(session game.SessionID, player game.PlayerID) (Envelope, error) {
	return NewEnvelope(session, player, TypeEquipmentChanged, nil)
}
