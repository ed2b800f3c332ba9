// Command quantraild is the stop-limit lifecycle coordinator's entrypoint.
// Wiring order and shutdown sequence follow the teacher's
// cmd/polybot/main.go: load .env, load config, construct the durable
// store, the broker client, the tracker configuration store, the
// reconciler, the serializer, the lifecycle engine and the tracker, start
// the lifecycle workers, rehydrate, start the streams, the store flush loop
// and the operator HTTP surface, then block on SIGINT/SIGTERM. Teardown
// shuts down the HTTP surface, stops the streams, cancels the root context
// and waits for the store's final flush.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/internal/broker"
	"github.com/quantrail/quantrail/internal/config"
	"github.com/quantrail/quantrail/internal/control"
	"github.com/quantrail/quantrail/internal/lifecycle"
	"github.com/quantrail/quantrail/internal/reconciler"
	"github.com/quantrail/quantrail/internal/serializer"
	"github.com/quantrail/quantrail/internal/store"
	"github.com/quantrail/quantrail/internal/streams"
	"github.com/quantrail/quantrail/internal/tracker"
	"github.com/quantrail/quantrail/internal/trackerconfig"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, continuing with process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// 1. Durable store.
	db, err := store.New(cfg.DBURI, cfg.CacheDebounce(), cfg.CacheFlush())
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}

	// 2. Broker HTTP client.
	brokerClient := broker.NewClient(cfg.BrokerAPIBaseURL, cfg.BrokerAPIKey, false)

	// 3. Tracker configuration store.
	trackerCfgStore := trackerconfig.New(db)
	if err := trackerCfgStore.Load(); err != nil {
		log.Warn().Err(err).Msg("failed to load persisted tracker config, starting from default")
	}
	if trackerCfgStore.Current().Version == 0 {
		if err := trackerCfgStore.Update(trackerconfig.Default()); err != nil {
			log.Fatal().Err(err).Msg("failed to seed default tracker config")
		}
	}

	// 4. State reconciler.
	rec := reconciler.New(brokerClient, db, cfg.ReconcileCooldown())

	// 5. Per-symbol serializer.
	ser := serializer.New()

	// 6. Lifecycle engine.
	engine := lifecycle.New(
		brokerClient, db, rec, ser, trackerCfgStore,
		cfg.PositionWait(), 2*time.Second, cfg.PostCreateCheck(),
		cfg.WorkerPoolSize,
	)

	// 7. Trailing-stop tracker.
	trk := tracker.New(rec, trackerCfgStore, db, ser, func(symbol string, newStop decimal.Decimal) error {
		result := engine.OnTrackerStepAdvance(symbol, newStop)
		if result.Outcome == lifecycle.Failed {
			return errors.New(result.Reason)
		}
		return nil
	})
	if err := trk.LoadProgress(); err != nil {
		log.Warn().Err(err).Msg("failed to load tracker progress")
	}

	rec.OnOrderStatusChange(engine.OnOrderStatusChange)
	rec.OnPositionUpdate(engine.OnPositionUpdate)
	rec.OnPositionClosed(func(symbol string) {
		engine.OnPositionClosed(symbol)
		trk.OnPositionClosed(symbol)
	})

	ctx, cancel := context.WithCancel(context.Background())

	engine.Start(ctx)

	// Startup recovery: rehydrate active orders, then reconcile paced by
	// symbol, before any queued fill is drained (spec §7 degraded-mode
	// resumption order).
	rec.RehydrateActiveOrders(ctx)

	reconnectTracker := &reconnectTimes{}

	ordersStream := streams.NewOrdersStream(cfg.OrdersStreamURL, rec.UpsertOrder, reconnectHandler(rec, cfg, reconnectTracker))
	positionsStream := streams.NewPositionsStream(cfg.PositionsStreamURL, rec.UpsertPosition, reconnectHandler(rec, cfg, reconnectTracker))
	quoteStream := streams.NewQuoteStream(cfg.QuoteStreamURL, trk.OnQuote, reconnectHandler(rec, cfg, reconnectTracker))

	ordersStream.Start(ctx)
	positionsStream.Start(ctx)
	quoteStream.Start(ctx)

	flushDone := make(chan struct{})
	go func() {
		db.FlushLoop(ctx)
		close(flushDone)
	}()
	go trk.Run(ctx)

	streamToggles := map[string]control.StreamToggle{
		"orders":    toggle{ordersStream, ctx},
		"positions": toggle{positionsStream, ctx},
		"quotes":    toggle{quoteStream, ctx},
	}
	status := &statusProvider{rec: rec, engine: engine, reconnects: reconnectTracker}
	controlServer := control.New(streamToggles, status)

	httpServer := &http.Server{Addr: cfg.ControlAddr, Handler: controlServer.Handler()}
	go func() {
		log.Info().Str("addr", cfg.ControlAddr).Msg("🎛️  operator control surface listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("control server stopped unexpectedly")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = httpServer.Shutdown(shutdownCtx)
	shutdownCancel()

	ordersStream.Stop()
	positionsStream.Stop()
	quoteStream.Stop()
	cancel()
	<-flushDone

	log.Info().Msg("quantrail stopped")
}

// toggle adapts a streams.*Stream (which embeds *base and exposes
// Enable(ctx)/Disable()/Connected()) to control.StreamToggle's
// argument-free Enable(), closing over the root context.
type toggle struct {
	stream interface {
		Enable(context.Context)
		Disable()
		Connected() bool
	}
	ctx context.Context
}

func (t toggle) Enable()          { t.stream.Enable(t.ctx) }
func (t toggle) Disable()         { t.stream.Disable() }
func (t toggle) Connected() bool  { return t.stream.Connected() }

type reconnectTimes struct {
	mu   sync.Mutex
	last time.Time
}

func (r *reconnectTimes) set(t time.Time) {
	r.mu.Lock()
	if t.After(r.last) {
		r.last = t
	}
	r.mu.Unlock()
}

func (r *reconnectTimes) get() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func reconnectHandler(rec *reconciler.Reconciler, cfg *config.Config, rt *reconnectTimes) func(time.Time) {
	return func(t time.Time) {
		rt.set(t)
		rec.DeclareReconnectWindow(cfg.ReconnectWindow())
	}
}

type statusProvider struct {
	rec        *reconciler.Reconciler
	engine     *lifecycle.Engine
	reconnects *reconnectTimes
}

func (s *statusProvider) CacheSizes() (int, int, int)  { return s.rec.CacheSizes() }
func (s *statusProvider) ActiveStopLimits() int        { return s.engine.ActiveStopLimits() }
func (s *statusProvider) LastReconnectAt() time.Time   { return s.reconnects.get() }
func (s *statusProvider) RehydrationComplete() bool    { return true }
