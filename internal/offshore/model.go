package offshore

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
)

// Offshore is a partner treasury that holds surplus funds for the alliance.
// Lower priority values are drawn first. API keys are stored sealed.
type Offshore struct {
	ID                string
	Name              string
	AllianceID        int
	Enabled           bool
	Priority          int
	SealedAPIKey      string
	SealedMutationKey string
	Guardrails        []Guardrail
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Guardrail is the balance automated fulfillment must leave in an offshore.
type Guardrail struct {
	OffshoreID    string
	Resource      ledger.Resource
	MinimumAmount decimal.Decimal
}

// GuardrailFor returns the guardrail protecting r, if one exists.
func (o Offshore) GuardrailFor(r ledger.Resource) (Guardrail, bool) {
	for _, g := range o.Guardrails {
		if g.Resource == r {
			return g, true
		}
	}
	return Guardrail{}, false
}

// Minimum is the protected floor for r; zero when unguarded.
func (o Offshore) Minimum(r ledger.Resource) decimal.Decimal {
	if g, ok := o.GuardrailFor(r); ok {
		return g.MinimumAmount
	}
	return decimal.Zero
}

// Input carries the editable fields of an offshore. A nil key leaves the
// stored key untouched on update; an empty key clears it.
type Input struct {
	Name        string
	AllianceID  int
	Enabled     bool
	Priority    int
	APIKey      *string
	MutationKey *string
}
