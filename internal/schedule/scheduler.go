package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task runs when its delay elapses. ctx is cancelled when the task is.
type Task func(ctx context.Context)

type entry struct {
	token  uint64
	cancel context.CancelFunc
}

// Scheduler runs delayed tasks keyed by an owner. Scheduling under a key that
// already has a pending task cancels the older one.
type Scheduler struct {
	mu      sync.Mutex
	root    context.Context
	stop    context.CancelFunc
	pending map[string]entry
	next    uint64
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

func New(logger zerolog.Logger) *Scheduler {
	root, stop := context.WithCancel(context.Background())
	return &Scheduler{
		root:    root,
		stop:    stop,
		pending: map[string]entry{},
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}
}

// Schedule registers fn to run after delay and returns its cancellation token.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn Task) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.pending[key]; ok {
		old.cancel()
	}
	s.next++
	token := s.next
	ctx, cancel := context.WithCancel(s.root)
	s.pending[key] = entry{token: token, cancel: cancel}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !s.release(key, token) {
			return
		}
		fn(ctx)
		cancel()
	}()
	return token
}

// Cancel drops the pending task for key. It reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[key]
	if !ok {
		return false
	}
	e.cancel()
	delete(s.pending, key)
	s.logger.Debug().Str("key", key).Uint64("token", e.token).Msg("scheduled task cancelled")
	return true
}

// Pending reports whether key has a task waiting to run.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Close cancels every pending task and waits for running ones.
func (s *Scheduler) Close() {
	s.stop()
	s.mu.Lock()
	s.pending = map[string]entry{}
	s.mu.Unlock()
	s.wg.Wait()
}

// release removes key if it still belongs to token, so a replaced task never fires.
func (s *Scheduler) release(key string, token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[key]
	if !ok || e.token != token {
		return false
	}
	delete(s.pending, key)
	return true
}
