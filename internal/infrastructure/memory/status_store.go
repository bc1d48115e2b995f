package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/travelgame/negotiator/internal/domain/game"
)

// StatusStore is an in-process game.StatusStore.
type StatusStore struct {
	mu       sync.Mutex
	statuses map[key]game.InteractionStatus
}

func NewStatusStore() *StatusStore {
	return &StatusStore{statuses: map[key]game.InteractionStatus{}}
}

func (s *StatusStore) Get(_ context.Context, session game.SessionID, player game.PlayerID) (game.InteractionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[key{session, player}]; ok {
		return st, nil
	}
	return game.StatusIdle, nil
}

func (s *StatusStore) Set(_ context.Context, session game.SessionID, player game.PlayerID, status game.InteractionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(session, []game.PlayerStatus{{Player: player, Status: status}})
}

func (s *StatusStore) SetBatch(_ context.Context, session game.SessionID, statuses []game.PlayerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(session, statuses)
}

func (s *StatusStore) Remove(_ context.Context, session game.SessionID, player game.PlayerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, key{session, player})
	return nil
}

func (s *StatusStore) setLocked(session game.SessionID, statuses []game.PlayerStatus) error {
	for _, ps := range statuses {
		if !ps.Status.Valid() {
			return fmt.Errorf("invalid interaction status %q", ps.Status)
		}
		current := s.statuses[key{session, ps.Player}]
		if !game.CanAcquire(current, ps.Status) {
			return fmt.Errorf("%w: %s is %s", game.ErrStatusConflict, ps.Player, current)
		}
	}
	for _, ps := range statuses {
		if ps.Status == game.StatusIdle {
			delete(s.statuses, key{session, ps.Player})
			continue
		}
		s.statuses[key{session, ps.Player}] = ps.Status
	}
	return nil
}
