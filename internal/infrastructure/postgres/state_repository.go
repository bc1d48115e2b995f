package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/travelgame/negotiator/internal/domain/game"
)

// StateRepository implements game.StateStore for one negotiation flavor.
// States are stored as tagged JSONB produced by the flavor's codec.
type StateRepository[S any] struct {
	pool      *pgxpool.Pool
	flavor    string
	marshal   func(S) ([]byte, error)
	unmarshal func([]byte) (S, error)
}

func NewStateRepository[S any](pool *pgxpool.Pool, flavor string, marshal func(S) ([]byte, error), unmarshal func([]byte) (S, error)) *StateRepository[S] {
	return &StateRepository[S]{pool: pool, flavor: flavor, marshal: marshal, unmarshal: unmarshal}
}

func (r *StateRepository[S]) Get(ctx context.Context, session game.SessionID, player game.PlayerID) (S, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `
		SELECT state FROM negotiation_states
		WHERE flavor=$1 AND session_id=$2 AND player_id=$3
	`, r.flavor, string(session), string(player)).Scan(&raw)
	if err == pgx.ErrNoRows {
		return r.unmarshal(nil)
	}
	if err != nil {
		var zero S
		return zero, err
	}
	return r.unmarshal(raw)
}

func (r *StateRepository[S]) Set(ctx context.Context, session game.SessionID, player game.PlayerID, state S) error {
	raw, err := r.marshal(state)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO negotiation_states (flavor, session_id, player_id, state, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (flavor, session_id, player_id) DO UPDATE
		SET state=EXCLUDED.state, updated_at=EXCLUDED.updated_at
	`, r.flavor, string(session), string(player), raw)
	return err
}

func (r *StateRepository[S]) Remove(ctx context.Context, session game.SessionID, player game.PlayerID) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM negotiation_states WHERE flavor=$1 AND session_id=$2 AND player_id=$3
	`, r.flavor, string(session), string(player))
	return err
}
