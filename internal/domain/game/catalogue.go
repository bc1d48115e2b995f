package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"
)

// DefaultSplitFormula computes the traveler's money share.
// Parameters: money (travel money cost), ratio (traveler percentile 0..100).
const DefaultSplitFormula = "money * ratio / 100"

// Travel is a purchasable action with a resource and money cost.
type Travel struct {
	Name         string    `json:"name"`
	Cost         Resources `json:"cost"`
	Money        int       `json:"money"`
	SplitFormula string    `json:"splitFormula,omitempty"`
}

// Catalogue declares the game's resources and travels.
type Catalogue struct {
	Resources    []string          `json:"resources"`
	Travels      map[string]Travel `json:"travels"`
	SplitFormula string            `json:"splitFormula,omitempty"`
}

// DefaultCatalogue is used when no catalogue file is configured.
func DefaultCatalogue() *Catalogue {
	return &Catalogue{
		Resources: []string{"clay", "ore", "wheat", "wood"},
		Travels: map[string]Travel{
			"Paris":  {Name: "Paris", Cost: Resources{"wood": 3, "wheat": 2}, Money: 100},
			"Rome":   {Name: "Rome", Cost: Resources{"ore": 2, "clay": 3, "wood": 1}, Money: 150},
			"Berlin": {Name: "Berlin", Cost: Resources{"ore": 4, "wheat": 4}, Money: 200},
		},
		SplitFormula: DefaultSplitFormula,
	}
}

// LoadCatalogue reads a JSON catalogue file.
func LoadCatalogue(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue: %w", err)
	}
	var c Catalogue
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode catalogue: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks catalogue consistency and expression syntax.
func (c *Catalogue) Validate() error {
	if len(c.Resources) == 0 {
		return errors.New("catalogue declares no resources")
	}
	known := make(map[string]struct{}, len(c.Resources))
	for _, r := range c.Resources {
		r = strings.TrimSpace(r)
		if r == "" {
			return errors.New("catalogue resource name is empty")
		}
		if _, dup := known[r]; dup {
			return fmt.Errorf("duplicate resource: %s", r)
		}
		known[r] = struct{}{}
	}
	for name, t := range c.Travels {
		if t.Name == "" {
			t.Name = name
			c.Travels[name] = t
		}
		if t.Money < 0 {
			return fmt.Errorf("travel %s: negative money cost", name)
		}
		for r, amount := range t.Cost {
			if _, ok := known[r]; !ok {
				return fmt.Errorf("travel %s: unknown resource %s", name, r)
			}
			if amount < 0 {
				return fmt.Errorf("travel %s: negative cost for %s", name, r)
			}
		}
		if _, err := govaluate.NewEvaluableExpression(c.formulaFor(t)); err != nil {
			return fmt.Errorf("travel %s: split formula: %w", name, err)
		}
	}
	return nil
}

// ResourceNames returns the declared resource names, sorted.
func (c *Catalogue) ResourceNames() []string {
	out := append([]string(nil), c.Resources...)
	sort.Strings(out)
	return out
}

// Travel looks up a travel by name.
func (c *Catalogue) Travel(name string) (Travel, error) {
	t, ok := c.Travels[name]
	if !ok {
		return Travel{}, fmt.Errorf("%w: %s", ErrUnknownTravel, name)
	}
	if t.Name == "" {
		t.Name = name
	}
	return t, nil
}

// Requirement is the full cost of a travel paid by one player.
func (c *Catalogue) Requirement(travel string) (Requirement, error) {
	t, err := c.Travel(travel)
	if err != nil {
		return Requirement{}, err
	}
	return Requirement{Money: t.Money, Resources: t.Cost.Clone()}, nil
}

// Split divides a travel cost between the traveler and the partner. The traveler
// pays travelerResources and its money share; the partner pays the remainder.
func (c *Catalogue) Split(travel string, ratio int, travelerResources Resources) (traveler, partner Requirement, err error) {
	t, err := c.Travel(travel)
	if err != nil {
		return Requirement{}, Requirement{}, err
	}
	if ratio < 0 || ratio > 100 {
		return Requirement{}, Requirement{}, fmt.Errorf("money ratio out of range: %d", ratio)
	}
	share, err := c.MoneyShare(t, ratio)
	if err != nil {
		return Requirement{}, Requirement{}, err
	}
	traveler = Requirement{Money: share, Resources: Resources{}}
	partner = Requirement{Money: t.Money - share, Resources: Resources{}}
	for name, amount := range travelerResources {
		cost, ok := t.Cost[name]
		if !ok {
			return Requirement{}, Requirement{}, fmt.Errorf("travel %s does not cost %s", t.Name, name)
		}
		if amount < 0 || amount > cost {
			return Requirement{}, Requirement{}, fmt.Errorf("amount of %s out of range: %d", name, amount)
		}
	}
	for name, cost := range t.Cost {
		mine := travelerResources[name]
		if mine > 0 {
			traveler.Resources[name] = mine
		}
		if rest := cost - mine; rest > 0 {
			partner.Resources[name] = rest
		}
	}
	return traveler, partner, nil
}

// MoneyShare evaluates the travel's split formula for the traveler.
func (c *Catalogue) MoneyShare(t Travel, ratio int) (int, error) {
	expr, err := govaluate.NewEvaluableExpression(c.formulaFor(t))
	if err != nil {
		return 0, err
	}
	result, err := expr.Evaluate(map[string]interface{}{
		"money": float64(t.Money),
		"ratio": float64(ratio),
	})
	if err != nil {
		return 0, err
	}
	v, ok := result.(float64)
	if !ok {
		return 0, errors.New("split formula did not evaluate to a number")
	}
	share := int(math.Round(v))
	if share < 0 {
		share = 0
	}
	if share > t.Money {
		share = t.Money
	}
	return share, nil
}

func (c *Catalogue) formulaFor(t Travel) string {
	if f := strings.TrimSpace(t.SplitFormula); f != "" {
		return f
	}
	if f := strings.TrimSpace(c.SplitFormula); f != "" {
		return f
	}
	return DefaultSplitFormula
}
