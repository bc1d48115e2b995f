package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/travelgame/negotiator/internal/domain/game"
)

// LedgerRepository implements game.Ledger on the player_balances table.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

func (r *LedgerRepository) GetBalances(ctx context.Context, session game.SessionID, player game.PlayerID) (game.Balances, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT money, resources FROM player_balances WHERE session_id=$1 AND player_id=$2
	`, string(session), string(player))
	return scanBalances(row)
}

// InTx runs fn in one serializable transaction. Serialization failures are
// retried, so fn must not have side effects outside tx.
func (r *LedgerRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx game.LedgerTx) error) error {
	return serializable(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &ledgerTx{tx: tx})
	})
}

// Seed upserts a player's balances, used for session setup and tests.
func (r *LedgerRepository) Seed(ctx context.Context, session game.SessionID, player game.PlayerID, b game.Balances) error {
	return upsertBalances(ctx, r.pool, session, player, b)
}

type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) GetBalances(ctx context.Context, session game.SessionID, player game.PlayerID) (game.Balances, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT money, resources FROM player_balances
		WHERE session_id=$1 AND player_id=$2
		FOR UPDATE
	`, string(session), string(player))
	return scanBalances(row)
}

func (t *ledgerTx) UpdateBalances(ctx context.Context, session game.SessionID, player game.PlayerID, b game.Balances) error {
	return upsertBalances(ctx, t.tx, session, player, b)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func upsertBalances(ctx context.Context, db execer, session game.SessionID, player game.PlayerID, b game.Balances) error {
	resources := b.Resources
	if resources == nil {
		resources = game.Resources{}
	}
	raw, err := json.Marshal(resources)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO player_balances (session_id, player_id, money, resources, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (session_id, player_id) DO UPDATE
		SET money=EXCLUDED.money, resources=EXCLUDED.resources, updated_at=EXCLUDED.updated_at
	`, string(session), string(player), b.Money, raw)
	return err
}

func scanBalances(row pgx.Row) (game.Balances, error) {
	var b game.Balances
	var raw []byte
	if err := row.Scan(&b.Money, &raw); err != nil {
		if err == pgx.ErrNoRows {
			return game.Balances{Resources: game.Resources{}}, nil
		}
		return game.Balances{}, err
	}
	b.Resources = game.Resources{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &b.Resources); err != nil {
			return game.Balances{}, err
		}
	}
	return b, nil
}
