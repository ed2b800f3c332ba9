package streams

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type rawQuoteMessage struct {
	Symbol string          `json:"symbol"`
	Last   decimal.Decimal `json:"last"`
	Ts     int64           `json:"ts"`
}

// QuoteStream is at-least-once per spec §6; the tracker's 200ms debounce
// absorbs duplicate/bursty delivery.
type QuoteStream struct {
	*base
	onQuote func(symbol string, last decimal.Decimal)
}

func NewQuoteStream(url string, onQuote func(symbol string, last decimal.Decimal), onReconnected func(time.Time)) *QuoteStream {
	s := &QuoteStream{onQuote: onQuote}
	s.base = newBase("quotes", url, s.handle, onReconnected)
	return s
}

func (s *QuoteStream) Start(ctx context.Context) { s.base.Start(ctx) }

func (s *QuoteStream) handle(raw []byte) {
	var msg rawQuoteMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warn().Err(err).Msg("quote stream: malformed message, skipping")
		return
	}
	if msg.Symbol == "" {
		return
	}
	if s.onQuote != nil {
		s.onQuote(msg.Symbol, msg.Last)
	}
}
