package streams

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/internal/domain"
)

// rawOrderMessage is the wire shape of an Orders-stream update. Symbol may
// appear on the root or inside the first leg; resolve in that order per
// spec §4.1.
type rawOrderMessage struct {
	Type string `json:"type"`
	Data struct {
		Symbol        string           `json:"symbol"`
		BrokerOrderID string           `json:"brokerOrderId"`
		ClientOrderID string           `json:"clientOrderId"`
		Side          string           `json:"side"`
		TypeRaw       string           `json:"type"`
		StatusRaw     string           `json:"status"`
		LimitPrice    *decimal.Decimal `json:"limitPrice"`
		StopPrice     *decimal.Decimal `json:"stopPrice"`
		Qty           decimal.Decimal  `json:"qty"`
		RemainingQty  decimal.Decimal  `json:"remainingQty"`
		Legs          []struct {
			Symbol string `json:"symbol"`
		} `json:"legs"`
	} `json:"data"`
}

// OrdersStream consumes broker order-status updates.
type OrdersStream struct {
	*base
	onOrder func(*domain.Order)
}

// NewOrdersStream constructs the client. onReconnected lets the reconciler
// declare the reconnect window (spec §4.1). onOrder is called for every
// parsed update.
func NewOrdersStream(url string, onOrder func(*domain.Order), onReconnected func(time.Time)) *OrdersStream {
	s := &OrdersStream{onOrder: onOrder}
	s.base = newBase("orders", url, s.handle, onReconnected)
	return s
}

func (s *OrdersStream) Start(ctx context.Context) { s.base.Start(ctx) }

func (s *OrdersStream) handle(raw []byte) {
	var msg rawOrderMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warn().Err(err).Msg("orders stream: malformed message, skipping")
		return
	}

	symbol := msg.Data.Symbol
	if symbol == "" && len(msg.Data.Legs) > 0 {
		symbol = msg.Data.Legs[0].Symbol
	}
	if symbol == "" || msg.Data.BrokerOrderID == "" {
		log.Warn().Msg("orders stream: message missing symbol/brokerOrderId, skipping")
		return
	}

	statusNorm, recognized := domain.Normalize(msg.Data.StatusRaw)
	if !recognized {
		log.Warn().Str("statusRaw", msg.Data.StatusRaw).Msg("orders stream: unrecognized status, defaulting to INACTIVE")
	}

	order := &domain.Order{
		BrokerOrderID: msg.Data.BrokerOrderID,
		ClientOrderID: msg.Data.ClientOrderID,
		Symbol:        symbol,
		Side:          domain.Side(msg.Data.Side),
		TypeRaw:       msg.Data.TypeRaw,
		StatusRaw:     msg.Data.StatusRaw,
		StatusNorm:    statusNorm,
		LimitPrice:    msg.Data.LimitPrice,
		StopPrice:     msg.Data.StopPrice,
		Qty:           msg.Data.Qty,
		RemainingQty:  msg.Data.RemainingQty,
		UpdatedAt:     time.Now(),
		Source:        domain.SourceStream,
		FullOrderData: raw,
	}
	if s.onOrder != nil {
		s.onOrder(order)
	}
}
