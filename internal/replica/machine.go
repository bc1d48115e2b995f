package replica

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
)

// Lease is a held player lease.
type Lease struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type snapshot struct {
	States   map[string]json.RawMessage        `json:"states"`
	Statuses map[string]game.InteractionStatus `json:"statuses"`
	Leases   map[string]Lease                  `json:"leases"`
}

// Machine is the deterministic replicated store. Every replica applies the
// same commands in the same order and reaches the same snapshot.
type Machine struct {
	mu sync.RWMutex
	s  snapshot
}

func NewMachine() *Machine {
	return &Machine{s: emptySnapshot()}
}

func emptySnapshot() snapshot {
	return snapshot{
		States:   map[string]json.RawMessage{},
		Statuses: map[string]game.InteractionStatus{},
		Leases:   map[string]Lease{},
	}
}

func stateKey(flavor string, session game.SessionID, player game.PlayerID) string {
	return flavor + "/" + string(session) + "/" + string(player)
}

func statusKey(session game.SessionID, player game.PlayerID) string {
	return string(session) + "/" + string(player)
}

// Marshal serializes the current snapshot.
func (m *Machine) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.s)
}

// Unmarshal restores the machine from a snapshot payload.
func (m *Machine) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot")
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.States == nil {
		s.States = map[string]json.RawMessage{}
	}
	if s.Statuses == nil {
		s.Statuses = map[string]game.InteractionStatus{}
	}
	if s.Leases == nil {
		s.Leases = map[string]Lease{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	return nil
}

// Apply validates and applies one command. Commands are idempotent, so a
// retried proposal that was already committed applies cleanly again.
func (m *Machine) Apply(cmd Command) error {
	if err := cmd.ValidateBasic(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	at := cmd.Timestamp.UTC()

	switch cmd.Op {
	case OpStateSet:
		p, err := DecodePayload[StateSetPayload](cmd.Payload)
		if err != nil {
			return err
		}
		m.s.States[stateKey(p.Flavor, cmd.Session, p.Player)] = append(json.RawMessage(nil), p.State...)
	case OpStateRemove:
		p, err := DecodePayload[StateRemovePayload](cmd.Payload)
		if err != nil {
			return err
		}
		delete(m.s.States, stateKey(p.Flavor, cmd.Session, p.Player))
	case OpStatusSetBatch:
		p, err := DecodePayload[StatusSetBatchPayload](cmd.Payload)
		if err != nil {
			return err
		}
		return m.applyStatusBatchLocked(cmd.Session, p.Statuses)
	case OpStatusRemove:
		p, err := DecodePayload[StatusRemovePayload](cmd.Payload)
		if err != nil {
			return err
		}
		delete(m.s.Statuses, statusKey(cmd.Session, p.Player))
	case OpLeaseAcquire:
		p, err := DecodePayload[LeaseAcquirePayload](cmd.Payload)
		if err != nil {
			return err
		}
		return m.applyLeaseAcquireLocked(p, at)
	case OpLeaseRelease:
		p, err := DecodePayload[LeaseReleasePayload](cmd.Payload)
		if err != nil {
			return err
		}
		if cur, ok := m.s.Leases[p.Key]; ok && cur.Holder == p.Holder {
			delete(m.s.Leases, p.Key)
		}
	default:
		return fmt.Errorf("unsupported op: %s", cmd.Op)
	}
	return nil
}

func (m *Machine) applyStatusBatchLocked(session game.SessionID, statuses []game.PlayerStatus) error {
	for _, ps := range statuses {
		if !ps.Status.Valid() {
			return fmt.Errorf("invalid interaction status %q", ps.Status)
		}
		current := m.s.Statuses[statusKey(session, ps.Player)]
		if !game.CanAcquire(current, ps.Status) {
			return fmt.Errorf("%w: %s is %s", game.ErrStatusConflict, ps.Player, current)
		}
	}
	for _, ps := range statuses {
		k := statusKey(session, ps.Player)
		if ps.Status == game.StatusIdle {
			delete(m.s.Statuses, k)
			continue
		}
		m.s.Statuses[k] = ps.Status
	}
	return nil
}

func (m *Machine) applyLeaseAcquireLocked(p LeaseAcquirePayload, at time.Time) error {
	if p.Key == "" || p.Holder == "" {
		return errors.New("lease key and holder are required")
	}
	if cur, ok := m.s.Leases[p.Key]; ok && cur.Holder != p.Holder && cur.ExpiresAt.After(at) {
		return negotiation.ErrLeaseHeld
	}
	m.s.Leases[p.Key] = Lease{Holder: p.Holder, ExpiresAt: at.Add(p.TTL)}
	return nil
}

// State returns the raw stored state, if any.
func (m *Machine) State(flavor string, session game.SessionID, player game.PlayerID) (json.RawMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.s.States[stateKey(flavor, session, player)]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), raw...), true
}

// Status returns the interaction status, idle when unset.
func (m *Machine) Status(session game.SessionID, player game.PlayerID) game.InteractionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.s.Statuses[statusKey(session, player)]; ok {
		return st
	}
	return game.StatusIdle
}

// Lease returns the current lease under key, if any.
func (m *Machine) Lease(key string) (Lease, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.s.Leases[key]
	return l, ok
}

// Stats summarizes the replicated data.
type Stats struct {
	States   int `json:"states"`
	Statuses int `json:"statuses"`
	Leases   int `json:"leases"`
}

func (m *Machine) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{States: len(m.s.States), Statuses: len(m.s.Statuses), Leases: len(m.s.Leases)}
}
