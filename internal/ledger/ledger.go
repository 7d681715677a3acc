package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownResource is returned when a resource name is outside the closed resource set.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrNegativeAmount indicates a quantity that must be non-negative was below zero.
	ErrNegativeAmount = errors.New("negative amount")
)

// Resource identifies one commodity held by a treasury.
type Resource int

const (
	Money Resource = iota
	Coal
	Oil
	Uranium
	Iron
	Bauxite
	Lead
	Gasoline
	Munitions
	Steel
	Aluminum
	Food
	Credits

	numResources
)

var resourceNames = [numResources]string{
	Money:     "money",
	Coal:      "coal",
	Oil:       "oil",
	Uranium:   "uranium",
	Iron:      "iron",
	Bauxite:   "bauxite",
	Lead:      "lead",
	Gasoline:  "gasoline",
	Munitions: "munitions",
	Steel:     "steel",
	Aluminum:  "aluminum",
	Food:      "food",
	Credits:   "credits",
}

// String returns the canonical lowercase resource name.
func (r Resource) String() string {
	if r < 0 || r >= numResources {
		return fmt.Sprintf("resource(%d)", int(r))
	}
	return resourceNames[r]
}

// Bankable reports whether alliance banks can hold and move the resource.
func (r Resource) Bankable() bool {
	return r != Credits
}

// MarshalText encodes the resource by name.
func (r Resource) MarshalText() ([]byte, error) {
	if r < 0 || r >= numResources {
		return nil, fmt.Errorf("%w: %d", ErrUnknownResource, int(r))
	}
	return []byte(resourceNames[r]), nil
}

// UnmarshalText decodes a resource name.
func (r *Resource) UnmarshalText(text []byte) error {
	parsed, err := ParseResource(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseResource resolves a resource name, case-insensitively.
func ParseResource(name string) (Resource, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range resourceNames {
		if candidate == n {
			return Resource(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownResource, name)
}

// All returns every resource in canonical order.
func All() []Resource {
	out := make([]Resource, 0, numResources)
	for r := Resource(0); r < numResources; r++ {
		out = append(out, r)
	}
	return out
}

// Ledger is a bag of resource quantities. The zero value is an empty ledger.
type Ledger struct {
	amounts [numResources]decimal.Decimal
}

// New builds a ledger from resource/amount pairs.
func New(amounts map[Resource]decimal.Decimal) Ledger {
	var l Ledger
	for r, v := range amounts {
		l.Set(r, v)
	}
	return l
}

// FromMap builds a ledger from named float quantities, rejecting unknown names.
func FromMap(values map[string]float64) (Ledger, error) {
	var l Ledger
	for name, v := range values {
		r, err := ParseResource(name)
		if err != nil {
			return Ledger{}, err
		}
		l.Set(r, decimal.NewFromFloat(v))
	}
	return l, nil
}

// Get returns the quantity held for r.
func (l Ledger) Get(r Resource) decimal.Decimal {
	if r < 0 || r >= numResources {
		return decimal.Zero
	}
	return l.amounts[r]
}

// Set replaces the quantity held for r. Out-of-range resources are ignored.
func (l *Ledger) Set(r Resource, v decimal.Decimal) {
	if r < 0 || r >= numResources {
		return
	}
	l.amounts[r] = v
}

// Add returns the pointwise sum of l and o.
func (l Ledger) Add(o Ledger) Ledger {
	var out Ledger
	for i := range l.amounts {
		out.amounts[i] = l.amounts[i].Add(o.amounts[i])
	}
	return out
}

// Sub returns the pointwise difference l - o.
func (l Ledger) Sub(o Ledger) Ledger {
	var out Ledger
	for i := range l.amounts {
		out.amounts[i] = l.amounts[i].Sub(o.amounts[i])
	}
	return out
}

// ClampZero replaces every negative quantity with zero.
func (l Ledger) ClampZero() Ledger {
	var out Ledger
	for i, v := range l.amounts {
		if v.IsPositive() {
			out.amounts[i] = v
		}
	}
	return out
}

// Positive keeps only the bankable quantities strictly greater than zero.
func (l Ledger) Positive() Ledger {
	var out Ledger
	for i, v := range l.amounts {
		if Resource(i).Bankable() && v.IsPositive() {
			out.amounts[i] = v
		}
	}
	return out
}

// Round rounds every quantity to the given number of decimal places.
func (l Ledger) Round(places int32) Ledger {
	var out Ledger
	for i, v := range l.amounts {
		out.amounts[i] = v.Round(places)
	}
	return out
}

// DropBelow zeroes every quantity less than or equal to epsilon.
func (l Ledger) DropBelow(epsilon decimal.Decimal) Ledger {
	var out Ledger
	for i, v := range l.amounts {
		if v.GreaterThan(epsilon) {
			out.amounts[i] = v
		}
	}
	return out
}

// IsZero reports whether every quantity is zero.
func (l Ledger) IsZero() bool {
	for _, v := range l.amounts {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

// HasNegative reports whether any quantity is below zero.
func (l Ledger) HasNegative() bool {
	for _, v := range l.amounts {
		if v.IsNegative() {
			return true
		}
	}
	return false
}

// Resources lists the resources with a non-zero quantity in canonical order.
func (l Ledger) Resources() []Resource {
	var out []Resource
	for i, v := range l.amounts {
		if !v.IsZero() {
			out = append(out, Resource(i))
		}
	}
	return out
}

// Equal reports whether both ledgers hold the same quantities.
func (l Ledger) Equal(o Ledger) bool {
	for i := range l.amounts {
		if !l.amounts[i].Equal(o.amounts[i]) {
			return false
		}
	}
	return true
}

// Map returns the non-zero quantities keyed by resource name.
func (l Ledger) Map() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, r := range l.Resources() {
		out[r.String()] = l.amounts[r]
	}
	return out
}

// String renders the non-zero quantities, e.g. "money=100 coal=2.5".
func (l Ledger) String() string {
	parts := make([]string, 0, numResources)
	for _, r := range l.Resources() {
		parts = append(parts, r.String()+"="+l.amounts[r].String())
	}
	return strings.Join(parts, " ")
}

// MarshalJSON encodes the non-zero quantities as a name keyed object.
func (l Ledger) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Map())
}

// UnmarshalJSON decodes a name keyed object, rejecting unknown resource names.
func (l *Ledger) UnmarshalJSON(data []byte) error {
	var raw map[string]decimal.Decimal
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out Ledger
	for name, v := range raw {
		r, err := ParseResource(name)
		if err != nil {
			return err
		}
		out.amounts[r] = v
	}
	*l = out
	return nil
}
