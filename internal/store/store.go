// Package store is the durable repository of spec §4.5: four keyed
// collections (order-state, position-cache, stoplimit-repository,
// tracker-progress) plus the tracker-config document, backed by gorm with
// the same Postgres-or-SQLite dispatch the teacher's
// internal/database/database.go uses, and the same "no DSN -> volatile,
// warn and continue" escape hatch as the teacher's storage/database.go's
// `enabled bool`.
package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quantrail/quantrail/internal/domain"
	"github.com/quantrail/quantrail/internal/errkind"
)

// Store is the durable repository. When db is nil the store is volatile:
// every write is discarded and every read reports nothing found, so the
// callers' in-memory caches are the only copy of the state.
type Store struct {
	db      *gorm.DB
	enabled bool

	debounceInterval time.Duration
	flushInterval    time.Duration

	mu       sync.Mutex
	pendingOrders   map[string]OrderStateRow
	pendingPositions map[string]PositionRow
	pendingTracker  map[string]TrackerProgressRow

	// orderTimers/positionTimers/trackerTimers hold the per-key debounce
	// timer (spec §4.1 "debounced 2s per key"); FlushLoop's flushInterval
	// tick remains a catch-all on top of these.
	orderTimers    map[string]*time.Timer
	positionTimers map[string]*time.Timer
	trackerTimers  map[string]*time.Timer

	stopCh chan struct{}
}

// New opens the store. dsn is DB_URI from spec §6: a postgres://... URL
// selects gorm's Postgres driver, anything else is treated as a SQLite
// file path, and an empty dsn disables persistence entirely (the
// "repository becomes volatile" clause).
func New(dsn string, debounceInterval, flushInterval time.Duration) (*Store, error) {
	s := &Store{
		debounceInterval: debounceInterval,
		flushInterval:    flushInterval,
		pendingOrders:    make(map[string]OrderStateRow),
		pendingPositions: make(map[string]PositionRow),
		pendingTracker:   make(map[string]TrackerProgressRow),
		orderTimers:      make(map[string]*time.Timer),
		positionTimers:   make(map[string]*time.Timer),
		trackerTimers:    make(map[string]*time.Timer),
		stopCh:           make(chan struct{}),
	}

	if dsn == "" {
		log.Warn().Msg("DB_URI not set — stoplimit repository is running in volatile in-memory mode")
		return s, nil
	}

	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, errkind.New(errkind.PersistenceFailure, err)
	}

	if err := db.AutoMigrate(
		&OrderStateRow{}, &PositionRow{}, &StopLimitEntryRow{},
		&TrackerProgressRow{}, &TrackerConfigRow{},
	); err != nil {
		return nil, errkind.New(errkind.PersistenceFailure, err)
	}

	s.db = db
	s.enabled = true
	return s, nil
}

func (s *Store) IsEnabled() bool { return s.enabled }

// FlushLoop drains the debounce queues every flushInterval until ctx is
// cancelled. Callers run it in its own goroutine, mirroring the single
// dedicated snapshot-flush worker of spec §5.
func (s *Store) FlushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *Store) flush() {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	orders := s.pendingOrders
	positions := s.pendingPositions
	tracker := s.pendingTracker
	s.pendingOrders = make(map[string]OrderStateRow)
	s.pendingPositions = make(map[string]PositionRow)
	s.pendingTracker = make(map[string]TrackerProgressRow)
	for key, t := range s.orderTimers {
		t.Stop()
		delete(s.orderTimers, key)
	}
	for key, t := range s.positionTimers {
		t.Stop()
		delete(s.positionTimers, key)
	}
	for key, t := range s.trackerTimers {
		t.Stop()
		delete(s.trackerTimers, key)
	}
	s.mu.Unlock()

	for _, row := range orders {
		s.writeOrderRow(row)
	}
	for _, row := range positions {
		s.writePositionRow(row)
	}
	for _, row := range tracker {
		s.writeTrackerRow(row)
	}
}

// UpsertOrderState queues a debounced write by default: the row lands in
// pendingOrders immediately and a per-key timer fires the actual write
// debounceInterval later (spec §4.1 "debounced 2s per key"), coalescing
// any updates to the same key that arrive before it fires. Critical
// writers (stop-limit repository upserts) bypass this and call the
// immediate write path instead.
func (s *Store) UpsertOrderState(o *domain.Order) {
	row := orderToRow(o)
	if !s.enabled {
		return
	}
	key := o.BrokerOrderID
	s.mu.Lock()
	s.pendingOrders[key] = row
	if s.debounceInterval > 0 {
		if _, scheduled := s.orderTimers[key]; !scheduled {
			s.orderTimers[key] = time.AfterFunc(s.debounceInterval, func() { s.flushOrderKey(key) })
		}
	}
	s.mu.Unlock()

	if s.debounceInterval <= 0 {
		s.writeOrderRow(row)
	}
}

func (s *Store) flushOrderKey(key string) {
	s.mu.Lock()
	row, ok := s.pendingOrders[key]
	if ok {
		delete(s.pendingOrders, key)
	}
	delete(s.orderTimers, key)
	s.mu.Unlock()
	if ok {
		s.writeOrderRow(row)
	}
}

func (s *Store) DeleteOrderState(brokerOrderID string) error {
	s.mu.Lock()
	delete(s.pendingOrders, brokerOrderID)
	if t, ok := s.orderTimers[brokerOrderID]; ok {
		t.Stop()
		delete(s.orderTimers, brokerOrderID)
	}
	s.mu.Unlock()
	if !s.enabled {
		return nil
	}
	if err := s.db.Delete(&OrderStateRow{}, "broker_order_id = ?", brokerOrderID).Error; err != nil {
		log.Error().Err(err).Str("orderId", brokerOrderID).Msg("delete order_state failed, will not retry on its own")
		return errkind.New(errkind.PersistenceFailure, err)
	}
	return nil
}

func (s *Store) UpsertPosition(p *domain.Position) {
	row := positionToRow(p)
	if !s.enabled {
		return
	}
	key := p.Symbol
	s.mu.Lock()
	s.pendingPositions[key] = row
	if s.debounceInterval > 0 {
		if _, scheduled := s.positionTimers[key]; !scheduled {
			s.positionTimers[key] = time.AfterFunc(s.debounceInterval, func() { s.flushPositionKey(key) })
		}
	}
	s.mu.Unlock()
	if s.debounceInterval <= 0 {
		s.writePositionRow(row)
	}
}

func (s *Store) flushPositionKey(key string) {
	s.mu.Lock()
	row, ok := s.pendingPositions[key]
	if ok {
		delete(s.pendingPositions, key)
	}
	delete(s.positionTimers, key)
	s.mu.Unlock()
	if ok {
		s.writePositionRow(row)
	}
}

func (s *Store) DeletePosition(symbol string) error {
	s.mu.Lock()
	delete(s.pendingPositions, symbol)
	if t, ok := s.positionTimers[symbol]; ok {
		t.Stop()
		delete(s.positionTimers, symbol)
	}
	s.mu.Unlock()
	if !s.enabled {
		return nil
	}
	if err := s.db.Delete(&PositionRow{}, "symbol = ?", symbol).Error; err != nil {
		return errkind.New(errkind.PersistenceFailure, err)
	}
	return nil
}

// GetPosition loads a single position row directly, used as the step-2
// DB fallback in the lifecycle engine's position-wait loop when the
// in-memory cache has not observed a position yet.
func (s *Store) GetPosition(symbol string) (*domain.Position, bool) {
	if !s.enabled {
		return nil, false
	}
	var row PositionRow
	if err := s.db.Where("symbol = ?", symbol).First(&row).Error; err != nil {
		return nil, false
	}
	qty, _ := decimal.NewFromString(row.Quantity)
	avg, _ := decimal.NewFromString(row.AveragePrice)
	return &domain.Position{Symbol: row.Symbol, Quantity: qty, AveragePrice: avg, LastUpdated: row.LastUpdated}, true
}

// UpsertStopLimitEntry always writes immediately (synchronous): this is
// the write spec §4.1 and §9 single out as needing immediate mode, since
// the DB is the tie-breaker for "does an active stop-limit exist?".
func (s *Store) UpsertStopLimitEntry(e *domain.StopLimitEntry) error {
	if !s.enabled {
		return nil
	}
	row := StopLimitEntryRow{
		Symbol:            e.Symbol,
		OrderID:           e.OrderID,
		OpenedDateTime:    e.OpenedDateTime,
		Status:            e.Status,
		State:             string(e.State),
		Order:             string(e.Order),
		CausingBuyOrderID: e.CausingBuyOrderID,
	}
	if err := s.db.Save(&row).Error; err != nil {
		log.Error().Err(err).Str("symbol", e.Symbol).Msg("immediate stoplimit repository write failed")
		return errkind.New(errkind.PersistenceFailure, err)
	}
	return nil
}

// DeleteStopLimitEntry removes a terminal entry, also immediate.
func (s *Store) DeleteStopLimitEntry(symbol string) error {
	if !s.enabled {
		return nil
	}
	if err := s.db.Delete(&StopLimitEntryRow{}, "symbol = ?", symbol).Error; err != nil {
		return errkind.New(errkind.PersistenceFailure, err)
	}
	return nil
}

// FindActiveStopLimitBySymbol is the authoritative existence check used
// during reconnect windows (spec §4.3 step 3b).
func (s *Store) FindActiveStopLimitBySymbol(symbol string) (*domain.StopLimitEntry, bool) {
	if !s.enabled {
		return nil, false
	}
	var row StopLimitEntryRow
	err := s.db.Where("symbol = ?", symbol).First(&row).Error
	if err != nil {
		return nil, false
	}
	entry := rowToStopLimitEntry(row)
	if !entry.IsActive() {
		return nil, false
	}
	return entry, true
}

func (s *Store) UpsertTrackerProgress(p *domain.TrackerProgress) {
	row := trackerToRow(p)
	if !s.enabled {
		return
	}
	key := p.Symbol
	s.mu.Lock()
	s.pendingTracker[key] = row
	if s.debounceInterval > 0 {
		if _, scheduled := s.trackerTimers[key]; !scheduled {
			s.trackerTimers[key] = time.AfterFunc(s.debounceInterval, func() { s.flushTrackerKey(key) })
		}
	}
	s.mu.Unlock()
	if s.debounceInterval <= 0 {
		s.writeTrackerRow(row)
	}
}

func (s *Store) flushTrackerKey(key string) {
	s.mu.Lock()
	row, ok := s.pendingTracker[key]
	if ok {
		delete(s.pendingTracker, key)
	}
	delete(s.trackerTimers, key)
	s.mu.Unlock()
	if ok {
		s.writeTrackerRow(row)
	}
}

func (s *Store) DeleteTrackerProgress(symbol string) error {
	s.mu.Lock()
	delete(s.pendingTracker, symbol)
	if t, ok := s.trackerTimers[symbol]; ok {
		t.Stop()
		delete(s.trackerTimers, symbol)
	}
	s.mu.Unlock()
	if !s.enabled {
		return nil
	}
	if err := s.db.Delete(&TrackerProgressRow{}, "symbol = ?", symbol).Error; err != nil {
		return errkind.New(errkind.PersistenceFailure, err)
	}
	return nil
}

func (s *Store) LoadAllTrackerProgress() ([]*domain.TrackerProgress, error) {
	if !s.enabled {
		return nil, nil
	}
	var rows []TrackerProgressRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, errkind.New(errkind.PersistenceFailure, err)
	}
	out := make([]*domain.TrackerProgress, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToTrackerProgress(r))
	}
	return out, nil
}

// LoadAllActiveOrders supports rehydration on startup (spec §4.1).
func (s *Store) LoadAllActiveOrders() ([]*domain.Order, error) {
	if !s.enabled {
		return nil, nil
	}
	var rows []OrderStateRow
	if err := s.db.Where("status_norm = ?", string(domain.StatusActive)).Find(&rows).Error; err != nil {
		return nil, errkind.New(errkind.PersistenceFailure, err)
	}
	out := make([]*domain.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToOrder(r))
	}
	return out, nil
}

// SaveTrackerConfig persists the singleton tracker config document.
func (s *Store) SaveTrackerConfig(row TrackerConfigRow) error {
	if !s.enabled {
		return nil
	}
	if err := s.db.Save(&row).Error; err != nil {
		return errkind.New(errkind.PersistenceFailure, err)
	}
	return nil
}

// LoadTrackerConfig loads the singleton tracker config document, if any.
func (s *Store) LoadTrackerConfig() (TrackerConfigRow, bool, error) {
	if !s.enabled {
		return TrackerConfigRow{}, false, nil
	}
	var row TrackerConfigRow
	err := s.db.Where("id = ?", 1).First(&row).Error
	if err != nil {
		return TrackerConfigRow{}, false, nil
	}
	return row, true, nil
}

func (s *Store) writeOrderRow(row OrderStateRow) {
	if err := s.db.Save(&row).Error; err != nil {
		log.Error().Err(err).Str("orderId", row.BrokerOrderID).Msg("debounced order_state write failed, re-queueing")
		s.mu.Lock()
		s.pendingOrders[row.BrokerOrderID] = row
		s.mu.Unlock()
	}
}

func (s *Store) writePositionRow(row PositionRow) {
	if err := s.db.Save(&row).Error; err != nil {
		log.Error().Err(err).Str("symbol", row.Symbol).Msg("debounced position write failed, re-queueing")
		s.mu.Lock()
		s.pendingPositions[row.Symbol] = row
		s.mu.Unlock()
	}
}

func (s *Store) writeTrackerRow(row TrackerProgressRow) {
	if err := s.db.Save(&row).Error; err != nil {
		log.Error().Err(err).Str("symbol", row.Symbol).Msg("debounced tracker_progress write failed, re-queueing")
		s.mu.Lock()
		s.pendingTracker[row.Symbol] = row
		s.mu.Unlock()
	}
}

func orderToRow(o *domain.Order) OrderStateRow {
	row := OrderStateRow{
		BrokerOrderID: o.BrokerOrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		TypeRaw:       o.TypeRaw,
		StatusRaw:     o.StatusRaw,
		StatusNorm:    string(o.StatusNorm),
		Qty:           o.Qty.String(),
		RemainingQty:  o.RemainingQty.String(),
		OpenedAt:      o.OpenedAt,
		UpdatedAt:     o.UpdatedAt,
		Source:        string(o.Source),
		FullOrderData: string(o.FullOrderData),
	}
	if o.LimitPrice != nil {
		row.LimitPrice = o.LimitPrice.String()
	}
	if o.StopPrice != nil {
		row.StopPrice = o.StopPrice.String()
	}
	return row
}

func rowToOrder(r OrderStateRow) *domain.Order {
	o := &domain.Order{
		BrokerOrderID: r.BrokerOrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          domain.Side(r.Side),
		TypeRaw:       r.TypeRaw,
		StatusRaw:     r.StatusRaw,
		StatusNorm:    domain.StatusNorm(r.StatusNorm),
		OpenedAt:      r.OpenedAt,
		UpdatedAt:     r.UpdatedAt,
		Source:        domain.Source(r.Source),
		FullOrderData: []byte(r.FullOrderData),
	}
	if v, err := decimal.NewFromString(r.Qty); err == nil {
		o.Qty = v
	}
	if v, err := decimal.NewFromString(r.RemainingQty); err == nil {
		o.RemainingQty = v
	}
	if r.LimitPrice != "" {
		if v, err := decimal.NewFromString(r.LimitPrice); err == nil {
			o.LimitPrice = &v
		}
	}
	if r.StopPrice != "" {
		if v, err := decimal.NewFromString(r.StopPrice); err == nil {
			o.StopPrice = &v
		}
	}
	return o
}

func positionToRow(p *domain.Position) PositionRow {
	return PositionRow{
		Symbol:       p.Symbol,
		Quantity:     p.Quantity.String(),
		AveragePrice: p.AveragePrice.String(),
		LastUpdated:  p.LastUpdated,
	}
}

func rowToStopLimitEntry(r StopLimitEntryRow) *domain.StopLimitEntry {
	return &domain.StopLimitEntry{
		Symbol:            r.Symbol,
		OrderID:           r.OrderID,
		OpenedDateTime:    r.OpenedDateTime,
		Status:            r.Status,
		State:             domain.RepoState(r.State),
		Order:             json.RawMessage(r.Order),
		CausingBuyOrderID: r.CausingBuyOrderID,
	}
}

func trackerToRow(p *domain.TrackerProgress) TrackerProgressRow {
	return TrackerProgressRow{
		Symbol:           p.Symbol,
		GroupID:          p.GroupID,
		CurrentStepIndex: p.CurrentStepIndex,
		LastPnl:          p.LastPnl.String(),
		LastUpdate:       p.LastUpdate,
	}
}

func rowToTrackerProgress(r TrackerProgressRow) *domain.TrackerProgress {
	p := &domain.TrackerProgress{
		Symbol:           r.Symbol,
		GroupID:          r.GroupID,
		CurrentStepIndex: r.CurrentStepIndex,
		LastUpdate:       r.LastUpdate,
	}
	if v, err := decimal.NewFromString(r.LastPnl); err == nil {
		p.LastPnl = v
	}
	return p
}
