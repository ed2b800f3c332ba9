package streams

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type rawPositionMessage struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"Quantity"`
	AveragePrice decimal.Decimal `json:"AveragePrice"`
}

// PositionsStream consumes broker position qty/avg-price updates.
type PositionsStream struct {
	*base
	onPosition func(symbol string, qty, avgPrice decimal.Decimal)
}

func NewPositionsStream(url string, onPosition func(symbol string, qty, avgPrice decimal.Decimal), onReconnected func(time.Time)) *PositionsStream {
	s := &PositionsStream{onPosition: onPosition}
	s.base = newBase("positions", url, s.handle, onReconnected)
	return s
}

func (s *PositionsStream) Start(ctx context.Context) { s.base.Start(ctx) }

func (s *PositionsStream) handle(raw []byte) {
	var msg rawPositionMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warn().Err(err).Msg("positions stream: malformed message, skipping")
		return
	}
	if msg.Symbol == "" {
		log.Warn().Msg("positions stream: message missing symbol, skipping")
		return
	}
	if s.onPosition != nil {
		s.onPosition(msg.Symbol, msg.Quantity, msg.AveragePrice)
	}
}
