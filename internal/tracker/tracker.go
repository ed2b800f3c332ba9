// Package tracker implements the Trailing-Stop Tracker of spec §4.4:
// consumes a quote stream and, for each open position, advances the stop
// price through configured ordered P&L steps as profit grows. Grounded on
// the teacher's risk/tp_sl.go TPSLManager.calculateTrailingStop (high
// water mark, ratchet-only-up) generalized from one trailing percentage
// to a per-group ordered step table.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/internal/domain"
	"github.com/quantrail/quantrail/internal/reconciler"
	"github.com/quantrail/quantrail/internal/serializer"
	"github.com/quantrail/quantrail/internal/store"
	"github.com/quantrail/quantrail/internal/trackerconfig"
)

const quoteDebounce = 200 * time.Millisecond

// OnStepAdvance is implemented by the lifecycle engine.
type OnStepAdvance func(symbol string, newStopPrice decimal.Decimal) error

// Tracker is the trailing-stop tracker.
type Tracker struct {
	rec        *reconciler.Reconciler
	cfg        *trackerconfig.Store
	db         *store.Store
	ser        *serializer.KeyedMutex
	onAdvance  OnStepAdvance

	mu       sync.Mutex
	progress map[string]*domain.TrackerProgress
	timers   map[string]*time.Timer
	pending  map[string]decimal.Decimal
}

func New(rec *reconciler.Reconciler, cfg *trackerconfig.Store, db *store.Store, ser *serializer.KeyedMutex, onAdvance OnStepAdvance) *Tracker {
	return &Tracker{
		rec:       rec,
		cfg:       cfg,
		db:        db,
		ser:       ser,
		onAdvance: onAdvance,
		progress:  make(map[string]*domain.TrackerProgress),
		timers:    make(map[string]*time.Timer),
		pending:   make(map[string]decimal.Decimal),
	}
}

// LoadProgress restores persisted progress on startup.
func (t *Tracker) LoadProgress() error {
	rows, err := t.db.LoadAllTrackerProgress()
	if err != nil {
		return err
	}
	t.mu.Lock()
	for _, p := range rows {
		t.progress[p.Symbol] = p
	}
	t.mu.Unlock()
	return nil
}

// OnQuote is wired as the quote stream's callback. It debounces bursts by
// symbol with a 200ms window; only the last quote per symbol per window
// triggers evaluation (spec §4.4 "Quote batching").
func (t *Tracker) OnQuote(symbol string, last decimal.Decimal) {
	t.mu.Lock()
	t.pending[symbol] = last
	if timer, ok := t.timers[symbol]; ok {
		timer.Stop()
	}
	t.timers[symbol] = time.AfterFunc(quoteDebounce, func() { t.evaluate(symbol) })
	t.mu.Unlock()
}

func (t *Tracker) evaluate(symbol string) {
	t.mu.Lock()
	last, ok := t.pending[symbol]
	delete(t.pending, symbol)
	delete(t.timers, symbol)
	t.mu.Unlock()
	if !ok {
		return
	}

	pos, ok := t.rec.Position(symbol)
	if !ok || pos.IsClosed() {
		return
	}

	group := t.cfg.Current().MatchGroup(pos.AveragePrice)
	if group == nil {
		return // B3: no group matches; NoOp, no stop-limit touched.
	}

	pnl := last.Sub(pos.AveragePrice).Mul(pos.Quantity)

	release := t.ser.Acquire(symbol)
	defer release()

	t.mu.Lock()
	progress, ok := t.progress[symbol]
	if !ok {
		progress = &domain.TrackerProgress{Symbol: symbol, GroupID: group.GroupID, CurrentStepIndex: -1}
		t.progress[symbol] = progress
	}
	t.mu.Unlock()

	// Advance at most one step per evaluation (spec §4.4: "when pnl
	// crosses the next step's threshold upward, advance currentStepIndex
	// by one") — even a pnl that clears several thresholds at once only
	// ratchets to the immediately next step; later quotes carry it
	// further.
	nextIndex := progress.CurrentStepIndex
	if nextIndex+1 < len(group.Steps) && pnl.GreaterThanOrEqual(group.Steps[nextIndex+1].Pnl) {
		nextIndex++
	}
	if nextIndex == progress.CurrentStepIndex {
		return
	}

	newStop := pos.AveragePrice.Add(group.Steps[nextIndex].Stop)

	if err := t.onAdvance(symbol, newStop); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("tracker step advance failed, progress not persisted")
		return
	}

	progress.CurrentStepIndex = nextIndex
	progress.LastPnl = pnl
	progress.LastUpdate = time.Now()
	t.db.UpsertTrackerProgress(progress)
}

// OnPositionClosed resets progress to -1 and deletes the persisted row
// within this call (spec §4.4 ratchet invariant).
func (t *Tracker) OnPositionClosed(symbol string) {
	t.mu.Lock()
	delete(t.progress, symbol)
	if timer, ok := t.timers[symbol]; ok {
		timer.Stop()
		delete(t.timers, symbol)
	}
	delete(t.pending, symbol)
	t.mu.Unlock()

	if err := t.db.DeleteTrackerProgress(symbol); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("failed to delete tracker progress on position close")
	}
}

// Run is a placeholder lifecycle hook kept for symmetry with the other
// components' Start(ctx); the tracker has no background loop of its own,
// only the per-symbol debounce timers OnQuote schedules.
func (t *Tracker) Run(ctx context.Context) {
	<-ctx.Done()
}
