package ledger

import "github.com/shopspring/decimal"

// Of is a test helper that builds a ledger from resource/float pairs.
func Of(pairs map[Resource]float64) Ledger {
	var l Ledger
	for r, v := range pairs {
		l.Set(r, decimal.NewFromFloat(v))
	}
	return l
}
