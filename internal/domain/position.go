package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the current open-position view for one symbol.
type Position struct {
	Symbol       string
	Quantity     decimal.Decimal
	AveragePrice decimal.Decimal
	LastUpdated  time.Time
}

// IsClosed reports whether the position carries no quantity.
func (p *Position) IsClosed() bool {
	return p == nil || p.Quantity.IsZero()
}
