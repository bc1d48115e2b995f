package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/travelgame/negotiator/internal/domain/game"
)

// StatusRepository implements game.StatusStore. SetBatch checks and writes
// inside one serializable transaction.
type StatusRepository struct {
	pool *pgxpool.Pool
}

func NewStatusRepository(pool *pgxpool.Pool) *StatusRepository {
	return &StatusRepository{pool: pool}
}

func (r *StatusRepository) Get(ctx context.Context, session game.SessionID, player game.PlayerID) (game.InteractionStatus, error) {
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT status FROM interaction_statuses WHERE session_id=$1 AND player_id=$2
	`, string(session), string(player)).Scan(&status)
	if err == pgx.ErrNoRows {
		return game.StatusIdle, nil
	}
	if err != nil {
		return "", err
	}
	return game.InteractionStatus(status), nil
}

func (r *StatusRepository) Set(ctx context.Context, session game.SessionID, player game.PlayerID, status game.InteractionStatus) error {
	return r.SetBatch(ctx, session, []game.PlayerStatus{{Player: player, Status: status}})
}

func (r *StatusRepository) SetBatch(ctx context.Context, session game.SessionID, statuses []game.PlayerStatus) error {
	for _, ps := range statuses {
		if !ps.Status.Valid() {
			return fmt.Errorf("invalid interaction status %q", ps.Status)
		}
	}
	return serializable(ctx, r.pool, func(tx pgx.Tx) error {
		for _, ps := range statuses {
			var current string
			err := tx.QueryRow(ctx, `
				SELECT status FROM interaction_statuses
				WHERE session_id=$1 AND player_id=$2
				FOR UPDATE
			`, string(session), string(ps.Player)).Scan(&current)
			if err != nil && err != pgx.ErrNoRows {
				return err
			}
			if !game.CanAcquire(game.InteractionStatus(current), ps.Status) {
				return fmt.Errorf("%w: %s is %s", game.ErrStatusConflict, ps.Player, current)
			}
		}
		for _, ps := range statuses {
			if _, err := tx.Exec(ctx, `
				INSERT INTO interaction_statuses (session_id, player_id, status, updated_at)
				VALUES ($1,$2,$3,now())
				ON CONFLICT (session_id, player_id) DO UPDATE
				SET status=EXCLUDED.status, updated_at=EXCLUDED.updated_at
			`, string(session), string(ps.Player), string(ps.Status)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *StatusRepository) Remove(ctx context.Context, session game.SessionID, player game.PlayerID) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM interaction_statuses WHERE session_id=$1 AND player_id=$2
	`, string(session), string(player))
	return err
}
