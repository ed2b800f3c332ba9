// Package reconciler is the State Reconciler of spec §4.1: it merges
// stream events, open-orders REST snapshots, and durable store contents
// into the in-memory caches (ordersCache, positionsCache,
// activeOrdersBySymbolSide) that the rest of the core treats as the
// live view of the broker. A (re)connect only declares the reconnect
// window; the open-orders snapshot is fetched per symbol by
// ReconcileSymbolOrders, called by the lifecycle engine inside that window
// and by RehydrateActiveOrders. The positions snapshot is never fetched.
// Grounded on the teacher's
// execution/reconciler.go (startup recovery, persist/remove split between
// debounced and synchronous writes) and, for the existence-check and
// closed-position detection idiom, the pack's stoploss_manager.go
// ReconcilePosition (authoritative-snapshot-wins comparison).
package reconciler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/internal/broker"
	"github.com/quantrail/quantrail/internal/cache"
	"github.com/quantrail/quantrail/internal/domain"
	"github.com/quantrail/quantrail/internal/store"
)

// Reconciler owns the three in-memory caches the lifecycle engine and
// tracker read from.
type Reconciler struct {
	brokerClient *broker.Client
	db           *store.Store

	ordersCache              *cache.RWMap[string, *domain.Order]             // by brokerOrderId
	positionsCache           *cache.RWMap[string, *domain.Position]          // by symbol
	activeOrdersBySymbolSide *cache.RWMap[domain.SymbolSideKey, *domain.Order]

	reconnectWindowUntil atomic.Int64 // unix nanos

	reconcileCooldown time.Duration
	lastReconcileMu   sync.Mutex
	lastReconcileAt   map[string]time.Time

	// Callbacks into the lifecycle engine and tracker, set once at wiring
	// time, mirroring the teacher's OnFill/OnReject setter pattern
	// (execution/executor.go) rather than a direct import (which would
	// cycle: lifecycle needs the reconciler's caches).
	onPositionUpdate   func(symbol string, qty, avgPrice decimal.Decimal)
	onPositionClosed   func(symbol string)
	onOrderStatusChange func(order *domain.Order)
}

func New(brokerClient *broker.Client, db *store.Store, reconcileCooldown time.Duration) *Reconciler {
	return &Reconciler{
		brokerClient:             brokerClient,
		db:                       db,
		ordersCache:              cache.NewRWMap[string, *domain.Order](),
		positionsCache:           cache.NewRWMap[string, *domain.Position](),
		activeOrdersBySymbolSide: cache.NewRWMap[domain.SymbolSideKey, *domain.Order](),
		reconcileCooldown:        reconcileCooldown,
		lastReconcileAt:          make(map[string]time.Time),
	}
}

func (r *Reconciler) OnPositionUpdate(fn func(symbol string, qty, avgPrice decimal.Decimal)) {
	r.onPositionUpdate = fn
}
func (r *Reconciler) OnPositionClosed(fn func(symbol string)) { r.onPositionClosed = fn }
func (r *Reconciler) OnOrderStatusChange(fn func(order *domain.Order)) {
	r.onOrderStatusChange = fn
}

// DeclareReconnectWindow advances reconnectWindowUntil to now+d. Spec §4.1:
// every existence check consults this and triggers reconcile if inside it.
func (r *Reconciler) DeclareReconnectWindow(d time.Duration) {
	r.reconnectWindowUntil.Store(time.Now().Add(d).UnixNano())
}

func (r *Reconciler) ReconnectWindowUntil() time.Time {
	return time.Unix(0, r.reconnectWindowUntil.Load())
}

func (r *Reconciler) InReconnectWindow() bool {
	return time.Now().Before(r.ReconnectWindowUntil())
}

// UpsertOrder applies an order update from any source to the caches and
// durable store, and triggers the order-status callback.
func (r *Reconciler) UpsertOrder(order *domain.Order) {
	r.ordersCache.Set(order.BrokerOrderID, order)

	key := domain.SymbolSideKey{Symbol: order.Symbol, Side: order.Side}
	if order.StatusNorm == domain.StatusActive {
		r.activeOrdersBySymbolSide.Set(key, order)
	} else {
		// Only remove if the indexed order is this very order: a newer
		// ACTIVE order for the same (symbol, side) must not be evicted by
		// a stale INACTIVE update arriving out of order.
		if existing, ok := r.activeOrdersBySymbolSide.Get(key); ok && existing.BrokerOrderID == order.BrokerOrderID {
			r.activeOrdersBySymbolSide.Delete(key)
		}
	}

	r.db.UpsertOrderState(order)

	if r.onOrderStatusChange != nil {
		r.onOrderStatusChange(order)
	}
}

// GetOrder returns a cached order by brokerOrderId.
func (r *Reconciler) GetOrder(brokerOrderID string) (*domain.Order, bool) {
	return r.ordersCache.Get(brokerOrderID)
}

// ActiveOrder returns the ACTIVE order, if any, for (symbol, side).
func (r *Reconciler) ActiveOrder(symbol string, side domain.Side) (*domain.Order, bool) {
	return r.activeOrdersBySymbolSide.Get(domain.SymbolSideKey{Symbol: symbol, Side: side})
}

// UpsertPosition applies a position update; qty=0 triggers the
// position-closed callback.
func (r *Reconciler) UpsertPosition(symbol string, qty, avgPrice decimal.Decimal) {
	pos := &domain.Position{Symbol: symbol, Quantity: qty, AveragePrice: avgPrice, LastUpdated: time.Now()}
	r.positionsCache.Set(symbol, pos)
	r.db.UpsertPosition(pos)

	if qty.IsZero() {
		if r.onPositionClosed != nil {
			r.onPositionClosed(symbol)
		}
		return
	}
	if r.onPositionUpdate != nil {
		r.onPositionUpdate(symbol, qty, avgPrice)
	}
}

// Position returns the cached position for symbol, if any.
func (r *Reconciler) Position(symbol string) (*domain.Position, bool) {
	return r.positionsCache.Get(symbol)
}

// ReconcileSymbolOrders fetches the open-orders snapshot and upserts every
// order for symbol, rate-limited to once per reconcileCooldown per symbol.
// It never marks a DB-active order INACTIVE from a partial snapshot: that
// transition is trusted only from the stream.
func (r *Reconciler) ReconcileSymbolOrders(ctx context.Context, symbol string) {
	r.lastReconcileMu.Lock()
	last, ok := r.lastReconcileAt[symbol]
	if ok && time.Since(last) < r.reconcileCooldown {
		r.lastReconcileMu.Unlock()
		return
	}
	r.lastReconcileAt[symbol] = time.Now()
	r.lastReconcileMu.Unlock()

	orders, err := r.brokerClient.ListOpenOrders(ctx)
	if err == broker.ErrSnapshotUnavailable {
		log.Debug().Str("symbol", symbol).Msg("open-orders snapshot unavailable, relying on stream")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("reconcileSymbolOrders: snapshot fetch failed")
		return
	}

	for _, raw := range orders {
		if raw.Symbol != symbol {
			continue
		}
		statusNorm, recognized := domain.Normalize(raw.Status)
		if !recognized {
			log.Warn().Str("statusRaw", raw.Status).Msg("reconcileSymbolOrders: unrecognized status, defaulting to INACTIVE")
		}
		order := &domain.Order{
			BrokerOrderID: raw.OrderID,
			Symbol:        raw.Symbol,
			Side:          domain.Side(raw.Side),
			TypeRaw:       raw.Type,
			StatusRaw:     raw.Status,
			StatusNorm:    statusNorm,
			LimitPrice:    raw.LimitPrice,
			StopPrice:     raw.StopPrice,
			Qty:           raw.Qty,
			RemainingQty:  raw.RemainingQty,
			UpdatedAt:     time.Now(),
			Source:        domain.SourceRestSnapshot,
		}
		r.UpsertOrder(order)
	}
}

// RehydrateActiveOrders loads all ACTIVE rows from the store on startup
// and schedules a paced ReconcileSymbolOrders per distinct symbol.
func (r *Reconciler) RehydrateActiveOrders(ctx context.Context) {
	orders, err := r.db.LoadAllActiveOrders()
	if err != nil {
		log.Error().Err(err).Msg("rehydrateActiveOrders: failed to load active orders from store")
		return
	}

	symbols := make(map[string]struct{})
	for _, o := range orders {
		r.ordersCache.Set(o.BrokerOrderID, o)
		r.activeOrdersBySymbolSide.Set(domain.SymbolSideKey{Symbol: o.Symbol, Side: o.Side}, o)
		symbols[o.Symbol] = struct{}{}
	}

	log.Info().Int("orders", len(orders)).Int("symbols", len(symbols)).Msg("rehydrated active orders from store")

	for symbol := range symbols {
		r.ReconcileSymbolOrders(ctx, symbol)
		time.Sleep(200 * time.Millisecond)
	}
}

// CacheSizes supports the operator status endpoint (spec §6).
func (r *Reconciler) CacheSizes() (orders, positions, activeBySymbolSide int) {
	return r.ordersCache.Len(), r.positionsCache.Len(), r.activeOrdersBySymbolSide.Len()
}
