package store

import "time"

// Gorm row models for the four durable collections spec §3/§4.5/§6 names.
// Generalized from the teacher's internal/database/database.go models
// (Market, Trade, ArbTrade, ...), each carrying gorm struct tags and an
// AutoMigrate entry in New().

// OrderStateRow mirrors domain.Order for persistence. LimitPrice/StopPrice
// are stored as strings to preserve decimal precision across the gorm
// driver boundary, the same way the teacher stores decimal.Decimal fields.
type OrderStateRow struct {
	BrokerOrderID string `gorm:"primaryKey;column:broker_order_id"`
	ClientOrderID string `gorm:"column:client_order_id"`
	Symbol        string `gorm:"column:symbol;index:idx_order_symbol_side_status"`
	Side          string `gorm:"column:side;index:idx_order_symbol_side_status;index:idx_order_status_side"`
	TypeRaw       string `gorm:"column:type_raw"`
	StatusRaw     string `gorm:"column:status_raw"`
	StatusNorm    string `gorm:"column:status_norm;index:idx_order_symbol_side_status;index:idx_order_status_side"`
	LimitPrice    string `gorm:"column:limit_price"`
	StopPrice     string `gorm:"column:stop_price"`
	Qty           string `gorm:"column:qty"`
	RemainingQty  string `gorm:"column:remaining_qty"`
	OpenedAt      time.Time
	UpdatedAt     time.Time
	Source        string `gorm:"column:source"`
	FullOrderData string `gorm:"column:full_order_data;type:text"`
}

func (OrderStateRow) TableName() string { return "order_state" }

// PositionRow mirrors domain.Position.
type PositionRow struct {
	Symbol       string `gorm:"primaryKey;column:symbol"`
	Quantity     string `gorm:"column:quantity"`
	AveragePrice string `gorm:"column:average_price"`
	LastUpdated  time.Time
}

func (PositionRow) TableName() string { return "position_cache" }

// StopLimitEntryRow mirrors domain.StopLimitEntry.
type StopLimitEntryRow struct {
	Symbol            string `gorm:"primaryKey;column:symbol"`
	OrderID           string `gorm:"column:order_id"`
	OpenedDateTime    time.Time
	Status            string `gorm:"column:status"`
	State             string `gorm:"column:state"`
	Order             string `gorm:"column:order_echo;type:text"`
	CausingBuyOrderID string `gorm:"column:causing_buy_order_id"`
}

func (StopLimitEntryRow) TableName() string { return "stoplimit_repository" }

// TrackerProgressRow mirrors domain.TrackerProgress.
type TrackerProgressRow struct {
	Symbol           string `gorm:"primaryKey;column:symbol"`
	GroupID          string `gorm:"column:group_id"`
	CurrentStepIndex int    `gorm:"column:current_step_index"`
	LastPnl          string `gorm:"column:last_pnl"`
	LastUpdate       time.Time
}

func (TrackerProgressRow) TableName() string { return "tracker_progress" }

// TrackerConfigRow holds the single versioned tracker config document as
// a JSON blob, keyed by a fixed singleton id so AutoMigrate/upsert work
// the same way the rest of the store's keyed collections do.
type TrackerConfigRow struct {
	ID      uint `gorm:"primaryKey"`
	Version int  `gorm:"column:version"`
	Payload string `gorm:"column:payload;type:text"`
}

func (TrackerConfigRow) TableName() string { return "tracker_config" }
