package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/travelgame/negotiator/internal/domain/game"
)

// MockStatusStore is a mock implementation of game.StatusStore
type MockStatusStore struct {
	mock.Mock
}

func (m *MockStatusStore) Get(ctx context.Context, session game.SessionID, player game.PlayerID) (game.InteractionStatus, error) {
	args := m.Called(ctx, session, player)
	return args.Get(0).(game.InteractionStatus), args.Error(1)
}

func (m *MockStatusStore) Set(ctx context.Context, session game.SessionID, player game.PlayerID, status game.InteractionStatus) error {
	args := m.Called(ctx, session, player, status)
	return args.Error(0)
}

func (m *MockStatusStore) SetBatch(ctx context.Context, session game.SessionID, statuses []game.PlayerStatus) error {
	args := m.Called(ctx, session, statuses)
	return args.Error(0)
}

func (m *MockStatusStore) Remove(ctx context.Context, session game.SessionID, player game.PlayerID) error {
	args := m.Called(ctx, session, player)
	return args.Error(0)
}

// MockLedger is a mock implementation of game.Ledger. InTx runs fn against
// the LedgerTx returned by the expectation, if any.
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) GetBalances(ctx context.Context, session game.SessionID, player game.PlayerID) (game.Balances, error) {
	args := m.Called(ctx, session, player)
	return args.Get(0).(game.Balances), args.Error(1)
}

func (m *MockLedger) InTx(ctx context.Context, fn func(ctx context.Context, tx game.LedgerTx) error) error {
	args := m.Called(ctx, fn)
	if tx, ok := args.Get(0).(game.LedgerTx); ok {
		if err := fn(ctx, tx); err != nil {
			return err
		}
	}
	return args.Error(1)
}
