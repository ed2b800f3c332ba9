package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TrackerProgress is the ratchet state for one symbol's trailing stop.
type TrackerProgress struct {
	Symbol           string
	GroupID          string
	CurrentStepIndex int // -1 = before first step
	LastPnl          decimal.Decimal
	LastUpdate       time.Time
}

// TrackerStep is a single (pnl-threshold, stop-offset) rung.
type TrackerStep struct {
	Pnl  decimal.Decimal // USD threshold
	Stop decimal.Decimal // USD offset vs. buy price, may be negative
}

// TrackerGroup is an ordered set of steps applicable when the fill/entry
// price falls within [MinPrice, MaxPrice].
type TrackerGroup struct {
	GroupID                string
	MinPrice               decimal.Decimal
	MaxPrice               decimal.Decimal
	Enabled                bool
	InitialStopPriceOffset decimal.Decimal
	Steps                  []TrackerStep
}

// TrackerConfig is the versioned document of all groups.
type TrackerConfig struct {
	Version int
	Groups  []TrackerGroup
}

// MatchGroup returns the first enabled group whose [MinPrice, MaxPrice]
// contains price, or nil if none matches (B3: no group -> NoOp).
func (c *TrackerConfig) MatchGroup(price decimal.Decimal) *TrackerGroup {
	if c == nil {
		return nil
	}
	for i := range c.Groups {
		g := &c.Groups[i]
		if !g.Enabled {
			continue
		}
		if price.GreaterThanOrEqual(g.MinPrice) && price.LessThanOrEqual(g.MaxPrice) {
			return g
		}
	}
	return nil
}

// Validate enforces spec §3's monotonic-stop invariant and ascending-pnl
// ordering within each group, and rejects overlapping groups, matching the
// ConfigError policy of "reject config update; retain previous version".
func (c *TrackerConfig) Validate() error {
	for gi := range c.Groups {
		g := &c.Groups[gi]
		for oi := range c.Groups {
			if oi == gi {
				continue
			}
			o := &c.Groups[oi]
			if g.MinPrice.LessThanOrEqual(o.MaxPrice) && o.MinPrice.LessThanOrEqual(g.MaxPrice) {
				return errOverlappingGroups(g.GroupID, o.GroupID)
			}
		}
		prevStop := (*decimal.Decimal)(nil)
		prevPnl := (*decimal.Decimal)(nil)
		for _, step := range g.Steps {
			if prevStop != nil && step.Stop.LessThan(*prevStop) {
				return errNonMonotonicStop(g.GroupID)
			}
			if prevPnl != nil && step.Pnl.LessThan(*prevPnl) {
				return errNonAscendingPnl(g.GroupID)
			}
			s := step.Stop
			prevStop = &s
			p := step.Pnl
			prevPnl = &p
		}
	}
	return nil
}
