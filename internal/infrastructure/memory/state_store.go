package memory

import (
	"context"
	"sync"

	"github.com/travelgame/negotiator/internal/domain/game"
)

type key struct {
	session game.SessionID
	player  game.PlayerID
}

// StateStore keeps negotiation states in a map. Absent entries read as idle().
type StateStore[S any] struct {
	mu     sync.RWMutex
	states map[key]S
	idle   func() S
}

func NewStateStore[S any](idle func() S) *StateStore[S] {
	return &StateStore[S]{states: map[key]S{}, idle: idle}
}

func (s *StateStore[S]) Get(_ context.Context, session game.SessionID, player game.PlayerID) (S, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[key{session, player}]; ok {
		return st, nil
	}
	return s.idle(), nil
}

func (s *StateStore[S]) Set(_ context.Context, session game.SessionID, player game.PlayerID, state S) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key{session, player}] = state
	return nil
}

func (s *StateStore[S]) Remove(_ context.Context, session game.SessionID, player game.PlayerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key{session, player})
	return nil
}

// Players lists the players of a session that have a stored state.
func (s *StateStore[S]) Players(session game.SessionID) []game.PlayerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]game.PlayerID, 0)
	for k := range s.states {
		if k.session == session {
			out = append(out, k.player)
		}
	}
	return out
}
