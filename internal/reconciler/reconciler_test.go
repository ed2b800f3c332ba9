package reconciler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/quantrail/internal/broker"
	"github.com/quantrail/quantrail/internal/domain"
	"github.com/quantrail/quantrail/internal/reconciler"
	"github.com/quantrail/quantrail/internal/store"
)

func price(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ReconcileSymbolOrders is rate-limited to at most once per cooldown
// window per symbol, regardless of how many callers ask for it.
func TestReconcileSymbolOrders_RateLimitedPerSymbol(t *testing.T) {
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_ = json.NewEncoder(w).Encode([]broker.RawOrder{
			{OrderID: "O1", Symbol: "IBM", Side: "sell", Type: "stop_limit", Status: "ACK",
				Qty: price("10"), RemainingQty: price("10")},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	brk := broker.NewClient(srv.URL, "key", false)
	db, err := store.New("", 0, 0)
	require.NoError(t, err)
	rec := reconciler.New(brk, db, 200*time.Millisecond)

	ctx := context.Background()
	rec.ReconcileSymbolOrders(ctx, "IBM")
	rec.ReconcileSymbolOrders(ctx, "IBM")
	rec.ReconcileSymbolOrders(ctx, "IBM")
	require.EqualValues(t, 1, atomic.LoadInt32(&hits), "repeated calls inside the cooldown window must not re-hit the broker")

	time.Sleep(250 * time.Millisecond)
	rec.ReconcileSymbolOrders(ctx, "IBM")
	require.EqualValues(t, 2, atomic.LoadInt32(&hits), "a call after the cooldown has elapsed must hit the broker again")

	order, ok := rec.ActiveOrder("IBM", domain.SideSell)
	require.True(t, ok)
	require.Equal(t, "O1", order.BrokerOrderID)
}

// A 404 from the snapshot endpoint is treated as "rely on the stream", not
// a hard failure: the cooldown still applies and no cache is touched.
func TestReconcileSymbolOrders_SnapshotUnavailable_IsNotAnError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	brk := broker.NewClient(srv.URL, "key", false)
	db, err := store.New("", 0, 0)
	require.NoError(t, err)
	rec := reconciler.New(brk, db, time.Second)

	rec.ReconcileSymbolOrders(context.Background(), "GME")
	_, ok := rec.ActiveOrder("GME", domain.SideSell)
	require.False(t, ok)
}

// P5 — rehydration on startup restores activeOrdersBySymbolSide to the same
// shape a clean replay of those orders would produce.
func TestRehydrateActiveOrders_RestoresCachesFromDurableStore(t *testing.T) {
	db, err := store.New(":memory:", 0, 0)
	require.NoError(t, err)

	db.UpsertOrderState(&domain.Order{
		BrokerOrderID: "A1", Symbol: "AAPL", Side: domain.SideSell,
		TypeRaw: "stop_limit", StatusRaw: "ACK", StatusNorm: domain.StatusActive,
		Qty: price("100"), RemainingQty: price("100"), UpdatedAt: time.Now(),
	})
	db.UpsertOrderState(&domain.Order{
		BrokerOrderID: "A2", Symbol: "MSFT", Side: domain.SideSell,
		TypeRaw: "stop_limit", StatusRaw: "ACK", StatusNorm: domain.StatusActive,
		Qty: price("10"), RemainingQty: price("10"), UpdatedAt: time.Now(),
	})
	// A terminal order must never be rehydrated into the active index.
	db.UpsertOrderState(&domain.Order{
		BrokerOrderID: "A3", Symbol: "TSLA", Side: domain.SideSell,
		TypeRaw: "stop_limit", StatusRaw: "FIL", StatusNorm: domain.StatusInactive,
		Qty: price("5"), RemainingQty: price("0"), UpdatedAt: time.Now(),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	brk := broker.NewClient(srv.URL, "key", false)

	rec := reconciler.New(brk, db, time.Second)
	rec.RehydrateActiveOrders(context.Background())

	orders, positions, activeBySide := rec.CacheSizes()
	require.Equal(t, 2, orders, "only the two ACTIVE rows are loaded; the FIL row is left out")
	require.Equal(t, 0, positions)
	require.Equal(t, 2, activeBySide)

	o, ok := rec.ActiveOrder("AAPL", domain.SideSell)
	require.True(t, ok)
	require.Equal(t, "A1", o.BrokerOrderID)

	_, ok = rec.ActiveOrder("TSLA", domain.SideSell)
	require.False(t, ok, "a FILLED order must never appear in the active index")
}

func TestDeclareReconnectWindow_InReconnectWindow(t *testing.T) {
	db, err := store.New("", 0, 0)
	require.NoError(t, err)
	brk := broker.NewClient("http://unused.invalid", "key", false)
	rec := reconciler.New(brk, db, time.Second)

	require.False(t, rec.InReconnectWindow())
	rec.DeclareReconnectWindow(100 * time.Millisecond)
	require.True(t, rec.InReconnectWindow())

	time.Sleep(150 * time.Millisecond)
	require.False(t, rec.InReconnectWindow())
}

// UpsertOrder must never let a stale INACTIVE update (e.g. a delayed REST
// snapshot for an order that has since been replaced) evict a newer ACTIVE
// order occupying the same (symbol, side) slot.
func TestUpsertOrder_StaleInactiveUpdate_NeverEvictsNewerActiveOrder(t *testing.T) {
	db, err := store.New("", 0, 0)
	require.NoError(t, err)
	brk := broker.NewClient("http://unused.invalid", "key", false)
	rec := reconciler.New(brk, db, time.Second)

	older := &domain.Order{BrokerOrderID: "OLD", Symbol: "QQQ", Side: domain.SideSell, StatusNorm: domain.StatusActive}
	rec.UpsertOrder(older)

	newer := &domain.Order{BrokerOrderID: "NEW", Symbol: "QQQ", Side: domain.SideSell, StatusNorm: domain.StatusActive}
	rec.UpsertOrder(newer)

	staleUpdate := &domain.Order{BrokerOrderID: "OLD", Symbol: "QQQ", Side: domain.SideSell, StatusNorm: domain.StatusInactive}
	rec.UpsertOrder(staleUpdate)

	active, ok := rec.ActiveOrder("QQQ", domain.SideSell)
	require.True(t, ok)
	require.Equal(t, "NEW", active.BrokerOrderID, "a stale INACTIVE update for a superseded order must not evict the current active order")
}

// UpsertPosition with a zero quantity must fire the position-closed
// callback rather than the position-update callback.
func TestUpsertPosition_ZeroQuantity_FiresPositionClosed(t *testing.T) {
	db, err := store.New("", 0, 0)
	require.NoError(t, err)
	brk := broker.NewClient("http://unused.invalid", "key", false)
	rec := reconciler.New(brk, db, time.Second)

	var closedSymbol string
	var updateCalls int
	rec.OnPositionClosed(func(symbol string) { closedSymbol = symbol })
	rec.OnPositionUpdate(func(symbol string, qty, avgPrice decimal.Decimal) { updateCalls++ })

	rec.UpsertPosition("SPY", price("50"), price("400"))
	require.Equal(t, 1, updateCalls)

	rec.UpsertPosition("SPY", decimal.Zero, price("400"))
	require.Equal(t, "SPY", closedSymbol)
	require.Equal(t, 1, updateCalls, "closing must not also fire the position-update callback")
}
