package memory

import (
	"context"
	"sync"

	"github.com/travelgame/negotiator/internal/domain/game"
)

// Ledger is an in-process game.Ledger. Transactions are serialized and
// staged on a copy, so a failing fn leaves balances untouched.
type Ledger struct {
	mu       sync.Mutex
	balances map[key]game.Balances
}

func NewLedger() *Ledger {
	return &Ledger{balances: map[key]game.Balances{}}
}

// Seed sets a player's balances outside any transaction.
func (l *Ledger) Seed(session game.SessionID, player game.PlayerID, b game.Balances) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[key{session, player}] = b.Clone()
}

func (l *Ledger) GetBalances(_ context.Context, session game.SessionID, player game.PlayerID) (game.Balances, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[key{session, player}].Clone(), nil
}

func (l *Ledger) InTx(ctx context.Context, fn func(ctx context.Context, tx game.LedgerTx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx := &ledgerTx{base: l.balances, staged: map[key]game.Balances{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for k, b := range tx.staged {
		l.balances[k] = b
	}
	return nil
}

type ledgerTx struct {
	base   map[key]game.Balances
	staged map[key]game.Balances
}

func (t *ledgerTx) GetBalances(_ context.Context, session game.SessionID, player game.PlayerID) (game.Balances, error) {
	k := key{session, player}
	if b, ok := t.staged[k]; ok {
		return b.Clone(), nil
	}
	return t.base[k].Clone(), nil
}

func (t *ledgerTx) UpdateBalances(_ context.Context, session game.SessionID, player game.PlayerID, balances game.Balances) error {
	t.staged[key{session, player}] = balances.Clone()
	return nil
}
