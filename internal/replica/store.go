package replica

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
)

// Applier proposes commands and exposes the locally applied machine.
// Reads are served from the local replica.
type Applier interface {
	Apply(ctx context.Context, cmd Command) error
	Machine() *Machine
}

func apply(ctx context.Context, a Applier, op Operation, session game.SessionID, payload any) error {
	cmd, err := NewCommand(op, session, payload)
	if err != nil {
		return err
	}
	return a.Apply(ctx, cmd)
}

// StateStore implements game.StateStore for one negotiation flavor.
type StateStore[S any] struct {
	applier   Applier
	flavor    string
	marshal   func(S) ([]byte, error)
	unmarshal func([]byte) (S, error)
}

func NewStateStore[S any](applier Applier, flavor string, marshal func(S) ([]byte, error), unmarshal func([]byte) (S, error)) *StateStore[S] {
	return &StateStore[S]{applier: applier, flavor: flavor, marshal: marshal, unmarshal: unmarshal}
}

func (s *StateStore[S]) Get(_ context.Context, session game.SessionID, player game.PlayerID) (S, error) {
	raw, ok := s.applier.Machine().State(s.flavor, session, player)
	if !ok {
		return s.unmarshal(nil)
	}
	return s.unmarshal(raw)
}

func (s *StateStore[S]) Set(ctx context.Context, session game.SessionID, player game.PlayerID, state S) error {
	raw, err := s.marshal(state)
	if err != nil {
		return err
	}
	return apply(ctx, s.applier, OpStateSet, session, StateSetPayload{Flavor: s.flavor, Player: player, State: raw})
}

func (s *StateStore[S]) Remove(ctx context.Context, session game.SessionID, player game.PlayerID) error {
	return apply(ctx, s.applier, OpStateRemove, session, StateRemovePayload{Flavor: s.flavor, Player: player})
}

// StatusStore implements game.StatusStore. A batch is one log entry, so the
// check-then-write happens atomically on every replica.
type StatusStore struct {
	applier Applier
}

func NewStatusStore(applier Applier) *StatusStore {
	return &StatusStore{applier: applier}
}

func (s *StatusStore) Get(_ context.Context, session game.SessionID, player game.PlayerID) (game.InteractionStatus, error) {
	return s.applier.Machine().Status(session, player), nil
}

func (s *StatusStore) Set(ctx context.Context, session game.SessionID, player game.PlayerID, status game.InteractionStatus) error {
	return s.SetBatch(ctx, session, []game.PlayerStatus{{Player: player, Status: status}})
}

func (s *StatusStore) SetBatch(ctx context.Context, session game.SessionID, statuses []game.PlayerStatus) error {
	for _, ps := range statuses {
		if !ps.Status.Valid() {
			return fmt.Errorf("invalid interaction status %q", ps.Status)
		}
	}
	return apply(ctx, s.applier, OpStatusSetBatch, session, StatusSetBatchPayload{Statuses: statuses})
}

func (s *StatusStore) Remove(ctx context.Context, session game.SessionID, player game.PlayerID) error {
	return apply(ctx, s.applier, OpStatusRemove, session, StatusRemovePayload{Player: player})
}

// PairLocker implements negotiation.PairLocker with replicated expiring
// leases, one per player.
type PairLocker struct {
	applier  Applier
	ttl      time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

func NewPairLocker(applier Applier, ttl time.Duration, logger zerolog.Logger) *PairLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &PairLocker{
		applier:  applier,
		ttl:      ttl,
		interval: 25 * time.Millisecond,
		logger:   logger.With().Str("component", "player_lease").Logger(),
	}
}

func (l *PairLocker) Acquire(ctx context.Context, session game.SessionID, a, b game.PlayerID) (func(), error) {
	holder := uuid.NewString()
	return negotiation.AcquireEach(negotiation.LeaseKeys(session, a, b), func(key string) (func(), error) {
		return l.acquireKey(ctx, session, key, holder)
	})
}

func (l *PairLocker) acquireKey(ctx context.Context, session game.SessionID, key, holder string) (func(), error) {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := apply(ctx, l.applier, OpLeaseAcquire, session, LeaseAcquirePayload{Key: key, Holder: holder, TTL: l.ttl})
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, negotiation.ErrLeaseHeld) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(l.interval)),
		backoff.WithMaxElapsedTime(l.ttl),
	)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apply(ctx, l.applier, OpLeaseRelease, session, LeaseReleasePayload{Key: key, Holder: holder}); err != nil {
			l.logger.Warn().Err(err).Str("lease", key).Msg("release lease")
		}
	}, nil
}
