// Package lifecycle implements the StopLimit Lifecycle Engine, spec §4.3:
// for every symbol with Quantity > 0 it ensures exactly one ACTIVE
// protective stop-limit sell whose quantity matches the position and
// whose stop price matches the tracker's current step, creating one when
// absent and resizing the existing one on every rebuy. Grounded on the
// teacher's execution/executor.go order/position state machine and, for
// the cancel-before-replace/ratchet-only-upward/reconcile-on-mismatch
// discipline specifically, the pack's stoploss_manager.go UpdateStopLoss
// and ReconcilePosition.
package lifecycle

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/internal/backoff"
	"github.com/quantrail/quantrail/internal/broker"
	"github.com/quantrail/quantrail/internal/cache"
	"github.com/quantrail/quantrail/internal/domain"
	"github.com/quantrail/quantrail/internal/errkind"
	"github.com/quantrail/quantrail/internal/reconciler"
	"github.com/quantrail/quantrail/internal/serializer"
	"github.com/quantrail/quantrail/internal/store"
	"github.com/quantrail/quantrail/internal/trackerconfig"
	"github.com/quantrail/quantrail/internal/waitfor"
)

// Engine is the StopLimit Lifecycle Engine.
type Engine struct {
	broker      *broker.Client
	db          *store.Store
	rec         *reconciler.Reconciler
	ser         *serializer.KeyedMutex
	trackerCfg  *trackerconfig.Store
	backoffs    *backoff.PerKey

	repo *cache.RWMap[string, *domain.StopLimitEntry] // in-memory repository, by symbol

	pendingMu     sync.Mutex
	pendingManual map[string]struct{}

	positionWait    time.Duration
	fallbackWait    time.Duration
	postCreateCheck time.Duration

	queue          chan func(context.Context)
	workerPoolSize int
}

// New constructs the engine. positionWait and postCreateCheck are the spec
// §6 STOPLIMIT_POSITION_WAIT_MS/STOPLIMIT_POST_CREATE_CHECK_MS knobs;
// fallbackWait is the shorter FALLBACK position wait used inside a
// reconnect window.
func New(
	brokerClient *broker.Client,
	db *store.Store,
	rec *reconciler.Reconciler,
	ser *serializer.KeyedMutex,
	trackerCfg *trackerconfig.Store,
	positionWait, fallbackWait, postCreateCheck time.Duration,
	workerPoolSize int,
) *Engine {
	e := &Engine{
		broker:          brokerClient,
		db:              db,
		rec:             rec,
		ser:             ser,
		trackerCfg:      trackerCfg,
		backoffs:        backoff.NewPerKey(backoff.LifecyclePolicy),
		repo:            cache.NewRWMap[string, *domain.StopLimitEntry](),
		pendingManual:   make(map[string]struct{}),
		positionWait:    positionWait,
		fallbackWait:    fallbackWait,
		postCreateCheck: postCreateCheck,
		queue:           make(chan func(context.Context), 1024),
	}
	if workerPoolSize <= 0 {
		workerPoolSize = 8
	}
	e.workerPoolSize = workerPoolSize
	return e
}

// Start launches the bounded lifecycle worker pool (spec §5: "default 8").
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.workerPoolSize; i++ {
		go e.worker(ctx)
	}
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-e.queue:
			task(ctx)
		}
	}
}

func (e *Engine) enqueue(task func(context.Context)) {
	e.queue <- task
}

// MarkPendingBuy registers brokerOrderID as a tracked buy the engine
// originated, so its eventual fill is not routed through FALLBACK.
func (e *Engine) MarkPendingBuy(brokerOrderID string) {
	e.pendingMu.Lock()
	e.pendingManual[brokerOrderID] = struct{}{}
	e.pendingMu.Unlock()
}

func (e *Engine) isPendingBuy(brokerOrderID string) bool {
	e.pendingMu.Lock()
	_, ok := e.pendingManual[brokerOrderID]
	e.pendingMu.Unlock()
	return ok
}

func (e *Engine) clearPendingBuy(brokerOrderID string) {
	e.pendingMu.Lock()
	delete(e.pendingManual, brokerOrderID)
	e.pendingMu.Unlock()
}

// OnOrderStatusChange is wired as the reconciler's order-status callback.
// It dispatches sell-side terminal transitions and buy-side fills
// (tracked or FALLBACK) onto the worker pool.
func (e *Engine) OnOrderStatusChange(order *domain.Order) {
	if order.Side == domain.SideSell {
		if order.StatusNorm == domain.StatusInactive {
			e.enqueue(func(context.Context) { e.handleSellStatusChange(order) })
		}
		return
	}
	if !isFillStatus(order.StatusRaw) {
		return
	}

	fillPrice := decimal.Zero
	if order.LimitPrice != nil {
		fillPrice = *order.LimitPrice
	}

	if e.isPendingBuy(order.BrokerOrderID) {
		e.clearPendingBuy(order.BrokerOrderID)
		symbol, brokerOrderID := order.Symbol, order.BrokerOrderID
		e.enqueue(func(ctx context.Context) {
			result := e.OnBuyFilled(ctx, symbol, brokerOrderID, fillPrice)
			logResult("onBuyFilled", symbol, result)
		})
		return
	}

	if !isFallbackCandidateType(order.TypeRaw) {
		return
	}
	orderCopy := order
	e.enqueue(func(ctx context.Context) {
		result := e.onFallbackBuyFill(ctx, orderCopy)
		logResult("fallbackBuyFill", orderCopy.Symbol, result)
	})
}

func (e *Engine) handleSellStatusChange(order *domain.Order) {
	if order.StatusNorm != domain.StatusInactive {
		return
	}
	entry, ok := e.repo.Get(order.Symbol)
	if !ok || entry.OrderID != order.BrokerOrderID {
		return
	}
	release := e.ser.Acquire(order.Symbol)
	defer release()
	e.markTerminal(order.Symbol)
}

// OnBuyFilled implements spec §4.3's onBuyFilled hard path for a tracked
// buy fill.
func (e *Engine) OnBuyFilled(ctx context.Context, symbol, brokerOrderID string, fillPrice decimal.Decimal) Result {
	release := e.ser.Acquire(symbol)
	defer release()
	return e.onBuyFilledLocked(ctx, symbol, brokerOrderID, fillPrice)
}

func (e *Engine) onBuyFilledLocked(ctx context.Context, symbol, brokerOrderID string, fillPrice decimal.Decimal) Result {
	// Idempotence (R1): a replayed FIL for the exact buy that already
	// caused creation is a no-op, not a re-modify.
	if entry, ok := e.repo.Get(symbol); ok && entry.State == domain.RepoActive && entry.CausingBuyOrderID == brokerOrderID {
		return noOp("idempotent_replay")
	}

	pos, ok := e.waitForPosition(ctx, symbol, e.positionWait)
	if !ok {
		return skipped("position_missing")
	}

	return e.resolveAndApply(ctx, symbol, brokerOrderID, fillPrice, pos.Quantity)
}

// onFallbackBuyFill implements the FALLBACK path of spec §4.3.
func (e *Engine) onFallbackBuyFill(ctx context.Context, order *domain.Order) Result {
	release := e.ser.Acquire(order.Symbol)
	defer release()

	if e.isPendingBuy(order.BrokerOrderID) {
		return skipped("became_tracked")
	}

	waitCap := e.positionWait
	inWindow := e.rec.InReconnectWindow()
	if inWindow {
		waitCap = e.fallbackWait
	}

	pos, ok := e.waitForPosition(ctx, order.Symbol, waitCap)
	if !ok {
		if inWindow {
			return skipped("reconnect_replay_no_position")
		}
		return skipped("position_missing")
	}

	fillPrice := decimal.Zero
	if order.LimitPrice != nil {
		fillPrice = *order.LimitPrice
	}
	return e.resolveAndApply(ctx, order.Symbol, order.BrokerOrderID, fillPrice, pos.Quantity)
}

func (e *Engine) waitForPosition(ctx context.Context, symbol string, timeout time.Duration) (*domain.Position, bool) {
	var pos *domain.Position
	outcome := waitfor.Deadline(ctx, func() bool {
		p, ok := e.rec.Position(symbol)
		if ok && !p.IsClosed() {
			pos = p
			return true
		}
		return false
	}, 500*time.Millisecond, timeout)

	if outcome == waitfor.Satisfied {
		return pos, true
	}

	// Still missing after the poll window: fall back to the DB (spec
	// §4.3 step 2). If the DB shows a live quantity, trust it; otherwise
	// the position was evidently sold and the caller aborts.
	if dbPos, ok := e.db.GetPosition(symbol); ok && !dbPos.IsClosed() {
		return dbPos, true
	}
	return nil, false
}

// resolveAndApply performs steps 3-6 of spec §4.3: the authoritative
// existence check, then modify-or-create.
func (e *Engine) resolveAndApply(ctx context.Context, symbol, brokerOrderID string, fillPrice, qty decimal.Decimal) Result {
	if e.rec.InReconnectWindow() {
		e.rec.ReconcileSymbolOrders(ctx, symbol)
	}

	existing := e.findExistingStopLimit(symbol)
	if existing != nil {
		return e.modifyOrFallThrough(ctx, symbol, brokerOrderID, fillPrice, qty, existing)
	}
	return e.createNew(ctx, symbol, brokerOrderID, fillPrice, qty)
}

// findExistingStopLimit is the single authoritative resolver from the
// design notes: in-memory repository, then DB row, then
// activeOrdersBySymbolSide.
func (e *Engine) findExistingStopLimit(symbol string) *domain.StopLimitEntry {
	if entry, ok := e.repo.Get(symbol); ok && entry.IsActive() {
		return entry
	}
	if entry, ok := e.db.FindActiveStopLimitBySymbol(symbol); ok {
		e.repo.Set(symbol, entry)
		return entry
	}
	if order, ok := e.rec.ActiveOrder(symbol, domain.SideSell); ok && order.IsStopLimit() {
		entry := &domain.StopLimitEntry{
			Symbol:  symbol,
			OrderID: order.BrokerOrderID,
			Status:  order.StatusRaw,
			State:   domain.RepoActive,
		}
		e.repo.Set(symbol, entry)
		return entry
	}
	return nil
}

func (e *Engine) modifyOrFallThrough(ctx context.Context, symbol, brokerOrderID string, fillPrice, qty decimal.Decimal, existing *domain.StopLimitEntry) Result {
	// Rebuy semantics (P3): qty is ALWAYS the current position quantity,
	// never existing.qty + delta.
	err := e.broker.ModifyOrderQuantity(ctx, existing.OrderID, qty)
	if err == nil {
		return modified(existing.OrderID)
	}

	if isTerminalUpstream(err) {
		e.removeRepoEntry(symbol)
		return e.createNew(ctx, symbol, brokerOrderID, fillPrice, qty)
	}

	// Transient: log and return. The next fill or reconcile retries.
	return failed(errkind.TransientUpstream, "modify_order_quantity transient failure: "+err.Error())
}

func (e *Engine) createNew(ctx context.Context, symbol, brokerOrderID string, fillPrice, qty decimal.Decimal) Result {
	group := e.trackerCfg.Current().MatchGroup(fillPrice)
	if group == nil {
		return noOp("no_tracker_group")
	}
	initialStop := fillPrice.Add(group.InitialStopPriceOffset)

	resp, err := e.placeWithRetry(ctx, symbol, qty, initialStop)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("🚨 stop-limit creation failed after retries, alerting operator")
		return failed(errkind.TransientUpstream, "create_failed: "+err.Error())
	}

	entry := &domain.StopLimitEntry{
		Symbol:             symbol,
		OrderID:            resp.OrderID,
		OpenedDateTime:     time.Now(),
		Status:             resp.Status,
		State:              domain.RepoActive,
		CausingBuyOrderID:  brokerOrderID,
	}
	e.repo.Set(symbol, entry)
	if err := e.db.UpsertStopLimitEntry(entry); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("immediate repository write failed for new stop-limit")
	}

	e.postCreationVerify(ctx, symbol, entry)
	return created(resp.OrderID)
}

func (e *Engine) placeWithRetry(ctx context.Context, symbol string, qty, stop decimal.Decimal) (*broker.PlaceOrderResponse, error) {
	const maxRetries = 2
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := e.broker.PlaceStopLimit(ctx, symbol, qty, stop)
		if err == nil {
			e.backoffs.Reset(symbol)
			return resp, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}

		// Post-creation verification can adopt a stop-limit that in fact
		// landed despite the timeout, before burning a retry.
		if entry := e.findExistingStopLimit(symbol); entry != nil {
			return &broker.PlaceOrderResponse{OrderID: entry.OrderID, Status: entry.Status}, nil
		}

		if attempt < maxRetries {
			time.Sleep(e.backoffs.Next(symbol))
		}
	}
	return nil, lastErr
}

// postCreationVerify re-queries the durable repository row for symbol; if
// a different active stop-limit shows up there, it resolves the conflict
// per spec §7 (StateConflict: cancel the newer duplicate, keep the older)
// and alerts. The activeOrdersBySymbolSide index is not consulted here.
func (e *Engine) postCreationVerify(ctx context.Context, symbol string, created *domain.StopLimitEntry) {
	time.Sleep(e.postCreateCheck)

	dbEntry, ok := e.db.FindActiveStopLimitBySymbol(symbol)
	if !ok || dbEntry.OrderID == created.OrderID {
		return
	}

	survivor, loser := created, dbEntry
	if !dbEntry.OpenedDateTime.IsZero() && dbEntry.OpenedDateTime.Before(created.OpenedDateTime) {
		survivor, loser = dbEntry, created
	}

	log.Warn().
		Str("symbol", symbol).
		Str("survivor", survivor.OrderID).
		Str("cancelled", loser.OrderID).
		Msg("🚨 state conflict: two active stop-limits detected, cancelling duplicate")

	if err := e.broker.CancelOrder(ctx, loser.OrderID); err != nil {
		log.Warn().Err(err).Str("orderId", loser.OrderID).Msg("duplicate cancellation failed, non-fatal")
	}
	e.repo.Set(symbol, survivor)
	if err := e.db.UpsertStopLimitEntry(survivor); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("failed to persist conflict survivor")
	}
}

// OnPositionUpdate implements spec §4.3's onPositionUpdate hook: on every
// non-zero position update, whatever caused it (a buy fill, a partial fill
// surfaced only as a qty delta on the Positions stream, or a non-closing
// decrease), the active stop-limit is resized to the current position
// quantity through the same
// existence-check -> modify-or-create path onBuyFilled uses, so the
// invariant "qty equals the current position quantity" holds for every
// symbol with Quantity > 0 regardless of which stream observed the change.
func (e *Engine) OnPositionUpdate(symbol string, newQty, avgPrice decimal.Decimal) {
	e.enqueue(func(ctx context.Context) {
		release := e.ser.Acquire(symbol)
		defer release()
		result := e.resolveAndApply(ctx, symbol, "", avgPrice, newQty)
		logResult("onPositionUpdate", symbol, result)
	})
}

// OnPositionClosed implements the cleanup path: cancel the active
// stop-limit (best-effort) and remove the repository entry.
func (e *Engine) OnPositionClosed(symbol string) Result {
	release := e.ser.Acquire(symbol)
	defer release()

	entry, ok := e.repo.Get(symbol)
	if !ok {
		return noOp("no_active_stoplimit")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.broker.CancelOrder(ctx, entry.OrderID); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Str("orderId", entry.OrderID).Msg("cancel on position-close failed, non-fatal")
	}
	e.removeRepoEntry(symbol)
	return noOp("position_closed")
}

// OnTrackerStepAdvance modifies the active stop-limit's stop price.
func (e *Engine) OnTrackerStepAdvance(symbol string, newStopPrice decimal.Decimal) Result {
	release := e.ser.Acquire(symbol)
	defer release()

	entry, ok := e.repo.Get(symbol)
	if !ok {
		return noOp("no_active_stoplimit")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.broker.ModifyOrderStopPrice(ctx, entry.OrderID, newStopPrice); err != nil {
		return failed(errkind.TransientUpstream, "modify_stop_price failed: "+err.Error())
	}
	return modified(entry.OrderID)
}

func (e *Engine) markTerminal(symbol string) {
	if entry, ok := e.repo.Get(symbol); ok {
		entry.State = domain.RepoTerminal
	}
	e.removeRepoEntry(symbol)
}

func (e *Engine) removeRepoEntry(symbol string) {
	e.repo.Delete(symbol)
	if err := e.db.DeleteStopLimitEntry(symbol); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("failed to delete terminal repository entry")
	}
}

// ActiveStopLimits supports the operator status endpoint.
func (e *Engine) ActiveStopLimits() int {
	return e.repo.Len()
}

func isFillStatus(statusRaw string) bool {
	switch strings.ToUpper(statusRaw) {
	case "FIL", "FLL", "FILLED":
		return true
	default:
		return false
	}
}

func isFallbackCandidateType(typeRaw string) bool {
	switch strings.ToLower(strings.TrimSpace(typeRaw)) {
	case "limit", "", "unknown":
		return true
	default:
		return false
	}
}

func isTransient(err error) bool {
	if e, ok := err.(*errkind.Error); ok {
		return e.Kind == errkind.TransientUpstream
	}
	return true
}

func isTerminalUpstream(err error) bool {
	if e, ok := err.(*errkind.Error); ok {
		return e.Kind == errkind.PermanentUpstream
	}
	return false
}

func logResult(op, symbol string, r Result) {
	ev := log.Info()
	if r.Outcome == Failed {
		ev = log.Error()
	}
	ev.Str("op", op).Str("symbol", symbol).Str("outcome", r.Outcome.String()).Str("reason", r.Reason).Str("orderId", r.OrderID).Msg("lifecycle outcome")
}
