package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/trade"
)

const session game.SessionID = "s1"

func TestStateStoreDefaultsToIdle(t *testing.T) {
	ctx := context.Background()
	store := NewStateStore(trade.Idle)

	st, err := store.Get(ctx, session, "alice")
	require.NoError(t, err)
	assert.Equal(t, trade.NoTrade{}, st)

	require.NoError(t, store.Set(ctx, session, "alice", trade.FirstBidActive{Counterpart: "bob"}))
	st, err = store.Get(ctx, session, "alice")
	require.NoError(t, err)
	assert.Equal(t, trade.FirstBidActive{Counterpart: "bob"}, st)
	assert.Equal(t, []game.PlayerID{"alice"}, store.Players(session))

	require.NoError(t, store.Remove(ctx, session, "alice"))
	st, err = store.Get(ctx, session, "alice")
	require.NoError(t, err)
	assert.Equal(t, trade.NoTrade{}, st)
}

func TestStatusStoreSet(t *testing.T) {
	ctx := context.Background()
	store := NewStatusStore()

	require.NoError(t, store.Set(ctx, session, "alice", game.StatusTradeBusy))
	require.NoError(t, store.Set(ctx, session, "alice", game.StatusTradeBusy))

	err := store.Set(ctx, session, "alice", game.StatusCoopBusy)
	assert.ErrorIs(t, err, game.ErrStatusConflict)

	st, err := store.Get(ctx, session, "alice")
	require.NoError(t, err)
	assert.Equal(t, game.StatusTradeBusy, st)

	require.NoError(t, store.Remove(ctx, session, "alice"))
	st, err = store.Get(ctx, session, "alice")
	require.NoError(t, err)
	assert.Equal(t, game.StatusIdle, st)
}

func TestStatusStoreSetBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := NewStatusStore()
	require.NoError(t, store.Set(ctx, session, "bob", game.StatusCoopBusy))

	err := store.SetBatch(ctx, session, []game.PlayerStatus{
		{Player: "alice", Status: game.StatusTradeBusy},
		{Player: "bob", Status: game.StatusTradeBusy},
	})
	assert.ErrorIs(t, err, game.ErrStatusConflict)

	alice, _ := store.Get(ctx, session, "alice")
	bob, _ := store.Get(ctx, session, "bob")
	assert.Equal(t, game.StatusIdle, alice)
	assert.Equal(t, game.StatusCoopBusy, bob)

	require.NoError(t, store.SetBatch(ctx, session, []game.PlayerStatus{
		{Player: "alice", Status: game.StatusCoopBusy},
		{Player: "bob", Status: game.StatusCoopBusy},
	}))
	alice, _ = store.Get(ctx, session, "alice")
	assert.Equal(t, game.StatusCoopBusy, alice)
}

func TestLedgerRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger()
	ledger.Seed(session, "alice", game.Balances{Money: 10, Resources: game.Resources{"wood": 2}})

	boom := errors.New("boom")
	err := ledger.InTx(ctx, func(ctx context.Context, tx game.LedgerTx) error {
		b, err := tx.GetBalances(ctx, session, "alice")
		require.NoError(t, err)
		b.Money = 0
		require.NoError(t, tx.UpdateBalances(ctx, session, "alice", b))

		staged, err := tx.GetBalances(ctx, session, "alice")
		require.NoError(t, err)
		assert.Equal(t, 0, staged.Money)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	b, err := ledger.GetBalances(ctx, session, "alice")
	require.NoError(t, err)
	assert.Equal(t, 10, b.Money)

	require.NoError(t, ledger.InTx(ctx, func(ctx context.Context, tx game.LedgerTx) error {
		return tx.UpdateBalances(ctx, session, "alice", game.Balances{Money: 3})
	}))
	b, err = ledger.GetBalances(ctx, session, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, b.Money)
}

func TestPairLockerSerializesPair(t *testing.T) {
	locker := NewPairLocker()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, session, "alice", "bob")
	require.NoError(t, err)

	// same pair in the other order waits
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(short, session, "bob", "alice")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// a pair sharing one player waits too
	shared, cancelShared := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShared()
	_, err = locker.Acquire(shared, session, "carol", "bob")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// a disjoint pair is independent
	other, err := locker.Acquire(ctx, session, "carol", "dave")
	require.NoError(t, err)
	other()

	acquired := make(chan struct{})
	go func() {
		r, err := locker.Acquire(ctx, session, "bob", "alice")
		if err == nil {
			r()
			close(acquired)
		}
	}()
	release()
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lease")
	}
}

func TestPairLockerFailedAcquireKeepsNothing(t *testing.T) {
	locker := NewPairLocker()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, session, "bob", "carol")
	require.NoError(t, err)

	// alice is taken first, then the wait on bob times out
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(short, session, "alice", "bob")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	free, cancelFree := context.WithTimeout(ctx, time.Second)
	defer cancelFree()
	again, err := locker.Acquire(free, session, "alice", "dave")
	require.NoError(t, err)
	again()
	release()
}
