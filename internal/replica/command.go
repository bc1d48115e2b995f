package replica

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/travelgame/negotiator/internal/domain/game"
)

// Operation names a replicated write.
type Operation string

const (
	OpStateSet       Operation = "STATE_SET"
	OpStateRemove    Operation = "STATE_REMOVE"
	OpStatusSetBatch Operation = "STATUS_SET_BATCH"
	OpStatusRemove   Operation = "STATUS_REMOVE"
	OpLeaseAcquire   Operation = "LEASE_ACQUIRE"
	OpLeaseRelease   Operation = "LEASE_RELEASE"
)

var validOps = map[Operation]struct{}{
	OpStateSet:       {},
	OpStateRemove:    {},
	OpStatusSetBatch: {},
	OpStatusRemove:   {},
	OpLeaseAcquire:   {},
	OpLeaseRelease:   {},
}

// Command is the replicated log entry. Timestamp is set by the proposer so
// every replica evaluates lease expiry identically.
type Command struct {
	ID        string          `json:"id"`
	Op        Operation       `json:"op"`
	Session   game.SessionID  `json:"session"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type StateSetPayload struct {
	Flavor string          `json:"flavor"`
	Player game.PlayerID   `json:"player"`
	State  json.RawMessage `json:"state"`
}

type StateRemovePayload struct {
	Flavor string        `json:"flavor"`
	Player game.PlayerID `json:"player"`
}

type StatusSetBatchPayload struct {
	Statuses []game.PlayerStatus `json:"statuses"`
}

type StatusRemovePayload struct {
	Player game.PlayerID `json:"player"`
}

type LeaseAcquirePayload struct {
	Key    string        `json:"key"`
	Holder string        `json:"holder"`
	TTL    time.Duration `json:"ttl"`
}

type LeaseReleasePayload struct {
	Key    string `json:"key"`
	Holder string `json:"holder"`
}

// NewCommand builds a command around payload.
func NewCommand(op Operation, session game.SessionID, payload any) (Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{
		ID:        uuid.NewString(),
		Op:        op,
		Session:   session,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// ValidateBasic checks required command fields.
func (c Command) ValidateBasic() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("command id is required")
	}
	if _, ok := validOps[c.Op]; !ok {
		return fmt.Errorf("unsupported op: %s", c.Op)
	}
	if c.Op != OpLeaseAcquire && c.Op != OpLeaseRelease && strings.TrimSpace(string(c.Session)) == "" {
		return errors.New("session is required")
	}
	if c.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// DecodePayload decodes a command payload into T.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, errors.New("payload is required")
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
