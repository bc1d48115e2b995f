package game

import (
	"errors"
	"sort"
)

var (
	ErrStatusConflict        = errors.New("interaction status conflict")
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrUnknownTravel         = errors.New("unknown travel")
)

// SessionID identifies one game session.
type SessionID string

// PlayerID identifies a player inside a game session.
type PlayerID string

// Resources maps a resource name to an amount.
type Resources map[string]int

// Clone returns an independent copy.
func (r Resources) Clone() Resources {
	if r == nil {
		return nil
	}
	out := make(Resources, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Names returns the sorted resource names.
func (r Resources) Names() []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Equal reports whether both maps hold the same non-zero amounts.
func (r Resources) Equal(other Resources) bool {
	for k, v := range r {
		if other[k] != v {
			return false
		}
	}
	for k, v := range other {
		if r[k] != v {
			return false
		}
	}
	return true
}

// Balances is the ledger view of one player's equipment.
type Balances struct {
	Money     int       `json:"money"`
	Resources Resources `json:"resources"`
}

// Clone returns an independent copy.
func (b Balances) Clone() Balances {
	return Balances{Money: b.Money, Resources: b.Resources.Clone()}
}

// Requirement is what one player must hold for an operation to succeed.
type Requirement struct {
	Money     int       `json:"money"`
	Resources Resources `json:"resources"`
}

// Shortfall lists what is missing to satisfy a Requirement.
type Shortfall struct {
	Money     int       `json:"money,omitempty"`
	Resources Resources `json:"resources,omitempty"`
}

// Empty reports whether nothing is missing.
func (s Shortfall) Empty() bool {
	return s.Money <= 0 && len(s.Resources) == 0
}

// ShortfallOf compares balances against a requirement.
func ShortfallOf(b Balances, req Requirement) Shortfall {
	var out Shortfall
	if req.Money > b.Money {
		out.Money = req.Money - b.Money
	}
	for name, amount := range req.Resources {
		if amount <= 0 {
			continue
		}
		if have := b.Resources[name]; have < amount {
			if out.Resources == nil {
				out.Resources = Resources{}
			}
			out.Resources[name] = amount - have
		}
	}
	return out
}

// Debit subtracts a requirement. It fails without mutation when balances are short.
func (b Balances) Debit(req Requirement) (Balances, error) {
	if !ShortfallOf(b, req).Empty() {
		return b, ErrInsufficientResources
	}
	out := b.Clone()
	if out.Resources == nil {
		out.Resources = Resources{}
	}
	out.Money -= req.Money
	for name, amount := range req.Resources {
		out.Resources[name] -= amount
	}
	return out, nil
}

// Credit adds resources and money.
func (b Balances) Credit(req Requirement) Balances {
	out := b.Clone()
	if out.Resources == nil {
		out.Resources = Resources{}
	}
	out.Money += req.Money
	for name, amount := range req.Resources {
		out.Resources[name] += amount
	}
	return out
}
