package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
)

// LeaseRepository implements negotiation.PairLocker with one expiring row per
// player, so a crashed holder cannot block a player past its TTL.
type LeaseRepository struct {
	pool     *pgxpool.Pool
	ttl      time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

func NewLeaseRepository(pool *pgxpool.Pool, ttl time.Duration, logger zerolog.Logger) *LeaseRepository {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &LeaseRepository{
		pool:     pool,
		ttl:      ttl,
		interval: 25 * time.Millisecond,
		logger:   logger.With().Str("component", "player_lease").Logger(),
	}
}

func (r *LeaseRepository) Acquire(ctx context.Context, session game.SessionID, a, b game.PlayerID) (func(), error) {
	holder := uuid.New()
	return negotiation.AcquireEach(negotiation.LeaseKeys(session, a, b), func(key string) (func(), error) {
		return r.acquireKey(ctx, key, holder)
	})
}

func (r *LeaseRepository) acquireKey(ctx context.Context, key string, holder uuid.UUID) (func(), error) {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := r.tryAcquire(ctx, key, holder)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !ok {
			return struct{}{}, negotiation.ErrLeaseHeld
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(r.interval)),
		backoff.WithMaxElapsedTime(r.ttl),
	)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := r.pool.Exec(ctx, `
			DELETE FROM player_leases WHERE lease_key=$1 AND holder=$2
		`, key, holder); err != nil {
			r.logger.Warn().Err(err).Str("lease", key).Msg("release lease")
		}
	}, nil
}

func (r *LeaseRepository) tryAcquire(ctx context.Context, key string, holder uuid.UUID) (bool, error) {
	var got uuid.UUID
	err := r.pool.QueryRow(ctx, `
		INSERT INTO player_leases (lease_key, holder, expires_at)
		VALUES ($1,$2,now() + make_interval(secs => $3))
		ON CONFLICT (lease_key) DO UPDATE
		SET holder=EXCLUDED.holder, expires_at=EXCLUDED.expires_at
		WHERE player_leases.expires_at < now()
		RETURNING holder
	`, key, holder, r.ttl.Seconds()).Scan(&got)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return got == holder, nil
}
