package equipment

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
)

// TypeEquipment carries a player's current balances.
const TypeEquipment = "Equipment"

// BalanceReader reads committed balances.
type BalanceReader interface {
	GetBalances(ctx context.Context, session game.SessionID, player game.PlayerID) (game.Balances, error)
}

// ResourceChecker re-evaluates whether a player's planned travel is funded.
type ResourceChecker interface {
	CheckResources(ctx context.Context, session game.SessionID, player game.PlayerID) error
}

// Listener reacts to balance changes. The balance notice and the coop check
// touch disjoint data and run concurrently; both finish before Handle returns.
type Listener struct {
	balances  BalanceReader
	checker   ResourceChecker
	publisher negotiation.Publisher
	logger    zerolog.Logger
}

func NewListener(balances BalanceReader, checker ResourceChecker, publisher negotiation.Publisher, logger zerolog.Logger) *Listener {
	return &Listener{
		balances:  balances,
		checker:   checker,
		publisher: publisher,
		logger:    logger.With().Str("service", "equipment").Logger(),
	}
}

// Handle processes one envelope from the equipment topic.
func (l *Listener) Handle(ctx context.Context, env negotiation.Envelope) error {
	if err := env.Validate(); err != nil {
		l.logger.Error().Err(err).Str("envelope_id", env.ID.String()).Msg("dropping invalid envelope")
		return nil
	}
	if env.Type != negotiation.TypeEquipmentChanged {
		l.logger.Warn().Str("type", env.Type).Msg("ignoring unknown equipment event")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := l.balances.GetBalances(gctx, env.Session, env.Sender)
		if err != nil {
			return err
		}
		return l.publisher.Publish(gctx, negotiation.ToPlayer(env.Session, env.Sender, TypeEquipment, b))
	})
	g.Go(func() error {
		return l.checker.CheckResources(gctx, env.Session, env.Sender)
	})
	if err := g.Wait(); err != nil {
		l.logger.Error().Err(err).
			Str("session", string(env.Session)).
			Str("player", string(env.Sender)).
			Msg("equipment change handling failed")
		return err
	}
	return nil
}
