package game

import "context"

// StateStore keeps one negotiation state value per (session, player).
// Get returns the idle default when nothing is stored.
type StateStore[S any] interface {
	Get(ctx context.Context, session SessionID, player PlayerID) (S, error)
	Set(ctx context.Context, session SessionID, player PlayerID, state S) error
	Remove(ctx context.Context, session SessionID, player PlayerID) error
}

// StatusStore keeps the interaction status per (session, player).
type StatusStore interface {
	Get(ctx context.Context, session SessionID, player PlayerID) (InteractionStatus, error)
	// Set succeeds when the current status is idle or already equal to status.
	// Otherwise it returns ErrStatusConflict and writes nothing.
	Set(ctx context.Context, session SessionID, player PlayerID, status InteractionStatus) error
	// SetBatch checks every pair before writing any of them.
	SetBatch(ctx context.Context, session SessionID, statuses []PlayerStatus) error
	Remove(ctx context.Context, session SessionID, player PlayerID) error
}

// Ledger holds per-player balances.
type Ledger interface {
	GetBalances(ctx context.Context, session SessionID, player PlayerID) (Balances, error)
	// InTx runs fn inside one local transaction; any error rolls it back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
}

// LedgerTx is the transactional view of the ledger.
type LedgerTx interface {
	GetBalances(ctx context.Context, session SessionID, player PlayerID) (Balances, error)
	UpdateBalances(ctx context.Context, session SessionID, player PlayerID, balances Balances) error
}
