// Package domain holds the entities shared across the reconciler, the
// serializer, the lifecycle engine, and the tracker. It exists to avoid
// import cycles between those packages, the same reason the teacher keeps
// a bare types package for Position/Trade.
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Side is which side of the book an order sits on.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// StatusNorm is the normalized ACTIVE/INACTIVE classification derived from
// a broker's raw status code.
type StatusNorm string

const (
	StatusActive   StatusNorm = "ACTIVE"
	StatusInactive StatusNorm = "INACTIVE"
)

// Source records where an order update originated.
type Source string

const (
	SourceStream       Source = "stream"
	SourceRestSnapshot Source = "rest_snapshot"
)

// activeStatuses and inactiveStatuses are the authoritative normalization
// table. Anything not in either set normalizes to INACTIVE (safer) and the
// caller is expected to log a warning.
var activeStatuses = map[string]struct{}{
	"DON": {}, "QUE": {}, "QUEUED": {}, "ACK": {}, "REC": {}, "RECEIVED": {},
	"NEW": {}, "OPEN": {}, "PENDING": {}, "PND": {}, "PARTIALLY_FILLED": {},
	"PARTIAL": {}, "WORKING": {}, "ACTIVE": {},
}

var inactiveStatuses = map[string]struct{}{
	"FILLED": {}, "FIL": {}, "FLL": {}, "CANCELED": {}, "CAN": {},
	"CANCELLED": {}, "EXPIRED": {}, "EXP": {}, "REJECTED": {}, "REJ": {},
	"OUT": {}, "CLOSED": {},
}

// Normalize applies the authoritative status table. It returns the
// normalized status and whether statusRaw was recognized at all (false
// means it fell through to the safe INACTIVE default and the caller
// should emit a warning).
func Normalize(statusRaw string) (StatusNorm, bool) {
	if _, ok := activeStatuses[statusRaw]; ok {
		return StatusActive, true
	}
	if _, ok := inactiveStatuses[statusRaw]; ok {
		return StatusInactive, true
	}
	return StatusInactive, false
}

// Order is a single broker order as tracked by the reconciler.
type Order struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Side          Side
	TypeRaw       string
	StatusRaw     string
	StatusNorm    StatusNorm
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	Qty           decimal.Decimal
	RemainingQty  decimal.Decimal
	OpenedAt      time.Time
	UpdatedAt     time.Time
	Source        Source
	FullOrderData json.RawMessage
}

// IsStopLimit reports whether TypeRaw names a stop-limit order, tolerant of
// case and underscore/hyphen variance the way broker feeds mix them.
func (o *Order) IsStopLimit() bool {
	switch normalizeTypeRaw(o.TypeRaw) {
	case "stoplimit":
		return true
	default:
		return false
	}
}

func normalizeTypeRaw(t string) string {
	out := make([]byte, 0, len(t))
	for i := 0; i < len(t); i++ {
		c := t[i]
		switch c {
		case '_', '-', ' ':
			continue
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// SymbolSideKey identifies an order's slot in activeOrdersBySymbolSide.
type SymbolSideKey struct {
	Symbol string
	Side   Side
}
