package session

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
)

const (
	TypeRejected = "SessionRejected"
	TypeLeft     = "PlayerLeftSession"
)

type Left struct {
	Player game.PlayerID `json:"player"`
}

// Leaver resets one negotiation flavor for a departing player.
type Leaver interface {
	Leave(ctx context.Context, session game.SessionID, player game.PlayerID) error
}

// Service handles the session topic.
type Service struct {
	trade     Leaver
	coop      Leaver
	statuses  game.StatusStore
	publisher negotiation.Publisher
	logger    zerolog.Logger
}

func NewService(trade, coop Leaver, statuses game.StatusStore, publisher negotiation.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		trade:     trade,
		coop:      coop,
		statuses:  statuses,
		publisher: publisher,
		logger:    logger.With().Str("service", "session").Logger(),
	}
}

func (s *Service) Handle(ctx context.Context, env negotiation.Envelope) error {
	if err := env.Validate(); err != nil {
		s.logger.Error().Err(err).Str("envelope_id", env.ID.String()).Msg("dropping invalid envelope")
		return nil
	}
	if env.Type != negotiation.TypeExitGameSession {
		return negotiation.Reject(ctx, s.publisher, s.logger, env, TypeRejected,
			negotiation.Violation("", env.Type, "Unknown message"))
	}
	return s.Exit(ctx, env.Session, env.Sender)
}

// Exit resets the player's trade and coop, rolling back their counterparts,
// and clears whatever status is left. Both flavors run concurrently since they
// keep separate state.
func (s *Service) Exit(ctx context.Context, session game.SessionID, player game.PlayerID) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.trade.Leave(gctx, session, player); err != nil {
			return fmt.Errorf("leave trade: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.coop.Leave(gctx, session, player); err != nil {
			return fmt.Errorf("leave coop: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if err := s.statuses.Remove(ctx, session, player); err != nil {
		return err
	}

	s.logger.Info().Str("session", string(session)).Str("player", string(player)).Msg("player left session")
	if err := s.publisher.Publish(ctx, negotiation.ToNearby(session, player, TypeLeft, Left{Player: player})); err != nil {
		s.logger.Error().Err(err).Str("player", string(player)).Msg("failed to announce departure")
	}
	return nil
}
