package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const serializationRetries = 8

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

// serializable runs fn in a SERIALIZABLE transaction, retrying serialization
// failures with exponential backoff. Any other error is returned as is.
func serializable(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 75 * time.Millisecond
	policy.MaxInterval = 1200 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		defer tx.Rollback(ctx)

		if err := fn(tx); err != nil {
			if isSerializationError(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		if err := tx.Commit(ctx); err != nil {
			if isSerializationError(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(serializationRetries),
	)
	return err
}
