package memory

import (
	"context"
	"sync"

	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
)

// PairLocker leases each player inside this process. A pair holds both
// players' leases, taken in key order.
type PairLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewPairLocker() *PairLocker {
	return &PairLocker{held: map[string]chan struct{}{}}
}

func (l *PairLocker) Acquire(ctx context.Context, session game.SessionID, a, b game.PlayerID) (func(), error) {
	release, err := negotiation.AcquireEach(negotiation.LeaseKeys(session, a, b), func(k string) (func(), error) {
		return l.acquireKey(ctx, k)
	})
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *PairLocker) acquireKey(ctx context.Context, k string) (func(), error) {
	for {
		l.mu.Lock()
		wait, busy := l.held[k]
		if !busy {
			done := make(chan struct{})
			l.held[k] = done
			l.mu.Unlock()
			return func() {
				l.mu.Lock()
				delete(l.held, k)
				l.mu.Unlock()
				close(done)
			}, nil
		}
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}
