package replica

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travelgame/negotiator/internal/domain/coop"
	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
)

// localApplier applies commands straight to a machine, standing in for a
// single-node cluster.
type localApplier struct {
	m *Machine
}

func (a localApplier) Apply(_ context.Context, cmd Command) error { return a.m.Apply(cmd) }
func (a localApplier) Machine() *Machine                          { return a.m }

func TestStateStoreOverReplica(t *testing.T) {
	ctx := context.Background()
	store := NewStateStore(localApplier{m: NewMachine()}, "coop", coop.MarshalState, coop.UnmarshalState)

	st, err := store.Get(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, coop.NoPlanning{}, st)

	want := coop.GatheringResources{Self: "alice", Travel: "Paris"}
	require.NoError(t, store.Set(ctx, "s1", "alice", want))
	st, err = store.Get(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, want, st)

	require.NoError(t, store.Remove(ctx, "s1", "alice"))
	st, err = store.Get(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, coop.NoPlanning{}, st)
}

func TestStatusStoreOverReplica(t *testing.T) {
	ctx := context.Background()
	store := NewStatusStore(localApplier{m: NewMachine()})

	require.NoError(t, store.SetBatch(ctx, "s1", []game.PlayerStatus{
		{Player: "alice", Status: game.StatusCoopBusy},
		{Player: "bob", Status: game.StatusCoopBusy},
	}))
	err := store.Set(ctx, "s1", "bob", game.StatusTradeBusy)
	assert.True(t, errors.Is(err, game.ErrStatusConflict))

	require.NoError(t, store.Remove(ctx, "s1", "bob"))
	got, err := store.Get(ctx, "s1", "bob")
	require.NoError(t, err)
	assert.Equal(t, game.StatusIdle, got)

	assert.Error(t, store.Set(ctx, "s1", "bob", "NAPPING"))
}

func TestPairLockerOverReplica(t *testing.T) {
	applier := localApplier{m: NewMachine()}
	locker := NewPairLocker(applier, 150*time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "s1", "alice", "bob")
	require.NoError(t, err)
	for _, key := range negotiation.LeaseKeys("s1", "bob", "alice") {
		_, held := applier.m.Lease(key)
		assert.True(t, held, key)
	}

	t.Run("held pair times out", func(t *testing.T) {
		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := locker.Acquire(waitCtx, "s1", "bob", "alice")
		assert.Error(t, err)
	})

	t.Run("pair sharing a player times out", func(t *testing.T) {
		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := locker.Acquire(waitCtx, "s1", "carol", "alice")
		assert.Error(t, err)
		_, held := applier.m.Lease("s1/carol")
		assert.False(t, held)
	})

	release()
	_, held := applier.m.Lease("s1/alice")
	assert.False(t, held)

	release2, err := locker.Acquire(ctx, "s1", "bob", "alice")
	require.NoError(t, err)
	release2()
}

func TestNodeSingleVoterAppliesCommands(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a raft node")
	}
	node, err := NewNode(Config{
		NodeID:    "n1",
		RaftAddr:  "127.0.0.1:0",
		DataDir:   t.TempDir(),
		Bootstrap: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = node.Shutdown() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.Eventually(t, node.IsLeader, 8*time.Second, 50*time.Millisecond)

	statuses := NewStatusStore(node)
	require.NoError(t, statuses.SetBatch(ctx, "s1", []game.PlayerStatus{
		{Player: "alice", Status: game.StatusTradeBusy},
		{Player: "bob", Status: game.StatusTradeBusy},
	}))
	err = statuses.Set(ctx, "s1", "alice", game.StatusCoopBusy)
	assert.True(t, errors.Is(err, game.ErrStatusConflict))

	got, err := statuses.Get(ctx, "s1", "bob")
	require.NoError(t, err)
	assert.Equal(t, game.StatusTradeBusy, got)
	assert.NotEmpty(t, node.LeaderAddr())
}
