package lifecycle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/quantrail/internal/broker"
	"github.com/quantrail/quantrail/internal/domain"
	"github.com/quantrail/quantrail/internal/lifecycle"
	"github.com/quantrail/quantrail/internal/reconciler"
	"github.com/quantrail/quantrail/internal/serializer"
	"github.com/quantrail/quantrail/internal/store"
	"github.com/quantrail/quantrail/internal/trackerconfig"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// harness wires a lifecycle.Engine against a fakeBroker and a volatile
// (in-memory-only) store, the way every scenario in spec §8 is phrased:
// preconditions on caches, an input event, an expected broker call.
type harness struct {
	t       *testing.T
	fb      *fakeBroker
	db      *store.Store
	rec     *reconciler.Reconciler
	ser     *serializer.KeyedMutex
	cfg     *trackerconfig.Store
	engine  *lifecycle.Engine
	brk     *broker.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fb := newFakeBroker()
	srv := fb.server()
	t.Cleanup(srv.Close)

	brk := broker.NewClient(srv.URL, "test-key", false)
	db, err := store.New("", 0, 0)
	require.NoError(t, err)
	rec := reconciler.New(brk, db, 5*time.Second)
	ser := serializer.New()
	cfg := trackerconfig.New(db)
	require.NoError(t, cfg.Update(trackerconfig.Default()))

	engine := lifecycle.New(brk, db, rec, ser, cfg, 1*time.Second, 200*time.Millisecond, 50*time.Millisecond, 2)
	rec.OnOrderStatusChange(engine.OnOrderStatusChange)

	return &harness{t: t, fb: fb, db: db, rec: rec, ser: ser, cfg: cfg, engine: engine, brk: brk}
}

// S1 — fresh buy, new stop-limit.
func TestOnBuyFilled_FreshBuy_CreatesStopLimit(t *testing.T) {
	h := newHarness(t)
	h.rec.UpsertPosition("AAPL", dec("500"), dec("225.50"))

	result := h.engine.OnBuyFilled(context.Background(), "AAPL", "B1", dec("225.50"))

	require.Equal(t, lifecycle.Created, result.Outcome)
	require.Equal(t, 1, h.fb.placeCount())
	call := h.fb.lastPlace()
	require.Equal(t, "AAPL", call.Symbol)
	require.Equal(t, "500", call.Qty)
	require.Equal(t, "225.3", call.Stop)
}

// S2 — rebuy updates quantity to the CURRENT position quantity, never a sum.
func TestOnBuyFilled_Rebuy_ModifiesToCurrentQuantity_NotSum(t *testing.T) {
	h := newHarness(t)
	h.rec.UpsertPosition("AAPL", dec("500"), dec("225.50"))
	first := h.engine.OnBuyFilled(context.Background(), "AAPL", "B1", dec("225.50"))
	require.Equal(t, lifecycle.Created, first.Outcome)
	require.Equal(t, 1, h.fb.placeCount())

	h.rec.UpsertPosition("AAPL", dec("550"), dec("225.50"))
	second := h.engine.OnBuyFilled(context.Background(), "AAPL", "B2", dec("225.50"))

	require.Equal(t, lifecycle.Modified, second.Outcome)
	require.Equal(t, 1, h.fb.placeCount(), "no second place_order call")
	require.Equal(t, 1, h.fb.modifyQtyCount())
	mod := h.fb.lastModifyQty()
	require.Equal(t, "550", mod.Qty, "quantity written must be the current position quantity, not existing+delta")
}

// R1 — replaying the same FIL N times produces the same number of
// broker place-orders as processing it once (idempotence).
func TestOnBuyFilled_ReplayedFill_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.rec.UpsertPosition("AAPL", dec("500"), dec("225.50"))

	for i := 0; i < 5; i++ {
		h.engine.OnBuyFilled(context.Background(), "AAPL", "B1", dec("225.50"))
	}

	require.Equal(t, 1, h.fb.placeCount(), "5 replays of the same FIL must place exactly one order")
	require.Equal(t, 0, h.fb.modifyQtyCount())
}

// B1 — position-wait expiry yields Skipped(position_missing).
func TestOnBuyFilled_PositionNeverAppears_SkipsAfterDeadline(t *testing.T) {
	h := newHarness(t)
	// No UpsertPosition call: positionsCache and the (disabled) DB both
	// report no position for "ZZZZ".

	start := time.Now()
	result := h.engine.OnBuyFilled(context.Background(), "ZZZZ", "B1", dec("10.00"))
	elapsed := time.Since(start)

	require.Equal(t, lifecycle.Skipped, result.Outcome)
	require.Equal(t, "position_missing", result.Reason)
	require.Equal(t, 0, h.fb.placeCount())
	require.Less(t, elapsed, 2*time.Second, "position-wait must respect its configured (1s) deadline")
}

// B3 — a fill price outside every enabled group's [minPrice, maxPrice]
// matches no group: NoOp, no stop-limit created.
func TestOnBuyFilled_NoMatchingTrackerGroup_IsNoOp(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.cfg.Update(&domain.TrackerConfig{
		Groups: []domain.TrackerGroup{
			{GroupID: "narrow", MinPrice: dec("1000"), MaxPrice: dec("2000"), Enabled: true},
		},
	}))
	h.rec.UpsertPosition("PENNY", dec("100"), dec("0.50"))

	result := h.engine.OnBuyFilled(context.Background(), "PENNY", "B1", dec("0.50"))

	require.Equal(t, lifecycle.NoOp, result.Outcome)
	require.Equal(t, "no_tracker_group", result.Reason)
	require.Equal(t, 0, h.fb.placeCount())
}

// B2 / S3 — inside the reconnect window, FALLBACK must reconcile first;
// if the snapshot shows an existing stop-limit, the engine modifies it
// and never creates a duplicate.
func TestFallback_ReconnectWindow_ExistingSnapshotOrder_Modifies(t *testing.T) {
	h := newHarness(t)
	h.rec.UpsertPosition("PLTR", dec("100"), dec("18"))
	h.rec.DeclareReconnectWindow(30 * time.Second)
	h.fb.openOrders = []map[string]interface{}{
		{
			"orderId":      "EXISTING1",
			"symbol":       "PLTR",
			"side":         "sell",
			"type":         "stop_limit",
			"status":       "ACK",
			"qty":          "100",
			"remainingQty": "100",
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Start(ctx)

	order := &domain.Order{
		BrokerOrderID: "B3",
		Symbol:        "PLTR",
		Side:          domain.SideBuy,
		TypeRaw:       "",
		StatusRaw:     "FIL",
		StatusNorm:    domain.StatusInactive,
	}
	h.engine.OnOrderStatusChange(order)

	require.Eventually(t, func() bool { return h.fb.modifyQtyCount() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, h.fb.placeCount(), "reconnect-window replay with an existing sell must modify, never create")
}

// S4 — two concurrent fills for the same symbol: the serializer sequences
// them, and the second observes the first's repository entry and routes
// to modify, never to a second place_order.
func TestConcurrentFills_SameSymbol_SerializedNoDuplicateCreate(t *testing.T) {
	h := newHarness(t)
	h.rec.UpsertPosition("TRX", dec("100"), dec("10"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.engine.OnBuyFilled(context.Background(), "TRX", "B1", dec("10"))
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		h.rec.UpsertPosition("TRX", dec("110"), dec("10"))
		h.engine.OnBuyFilled(context.Background(), "TRX", "B2", dec("10"))
	}()
	wg.Wait()

	require.Equal(t, 1, h.fb.placeCount(), "exactly one place_order across both concurrent fills")
	require.LessOrEqual(t, h.fb.modifyQtyCount(), 1)
}

// S6 — position closed: cancel the active stop-limit, remove the
// repository entry; a subsequent close is a no-op (no further broker calls).
func TestOnPositionClosed_CancelsAndRemovesEntry(t *testing.T) {
	h := newHarness(t)
	h.rec.UpsertPosition("TRX", dec("100"), dec("10"))
	created := h.engine.OnBuyFilled(context.Background(), "TRX", "B1", dec("10"))
	require.Equal(t, lifecycle.Created, created.Outcome)

	result := h.engine.OnPositionClosed("TRX")
	require.Equal(t, lifecycle.NoOp, result.Outcome)
	require.Equal(t, 1, len(h.fb.cancelCalls))

	require.Equal(t, 0, h.engine.ActiveStopLimits())

	// A second close on an already-cleared symbol triggers no new broker call.
	h.engine.OnPositionClosed("TRX")
	require.Equal(t, 1, len(h.fb.cancelCalls))
}

// P1 — eventually exactly one ACTIVE repository entry exists for a
// symbol with a position, and ActiveStopLimits() reflects it.
func TestActiveStopLimits_ReflectsRepositoryState(t *testing.T) {
	h := newHarness(t)
	h.rec.UpsertPosition("MSFT", dec("10"), dec("400"))
	h.engine.OnBuyFilled(context.Background(), "MSFT", "B1", dec("400"))
	require.Equal(t, 1, h.engine.ActiveStopLimits())

	h.engine.OnPositionClosed("MSFT")
	require.Equal(t, 0, h.engine.ActiveStopLimits())
}
