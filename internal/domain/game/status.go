package game

// InteractionStatus is the per-player busy flag used as a cooperative lock.
type InteractionStatus string

const (
	StatusIdle      InteractionStatus = "IDLE"
	StatusTradeBusy InteractionStatus = "TRADE_BUSY"
	StatusCoopBusy  InteractionStatus = "COOP_BUSY"
)

// Valid reports whether the status is a known value.
func (s InteractionStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusTradeBusy, StatusCoopBusy:
		return true
	}
	return false
}

// IsIdle treats the zero value as idle.
func (s InteractionStatus) IsIdle() bool {
	return s == "" || s == StatusIdle
}

// PlayerStatus pairs a player with a requested status.
type PlayerStatus struct {
	Player PlayerID          `json:"player"`
	Status InteractionStatus `json:"status"`
}

// CanAcquire reports whether a player holding current may be set to requested.
// Setting is idempotent for an equal status and always allowed from idle.
func CanAcquire(current, requested InteractionStatus) bool {
	return current.IsIdle() || current == requested
}
