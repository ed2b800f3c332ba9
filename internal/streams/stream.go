// Package streams holds the three long-lived WebSocket clients (Orders,
// Positions, Quote) described in spec §6/§2. All three share one
// reconnect-loop/ping-loop/read-loop shape, generalized from the
// teacher's feeds/polymarket_ws.go PolymarketFeed, with the flat
// reconnectDelay replaced by internal/backoff's jittered exponential
// schedule and a reconnect-window barrier added per spec §4.1.
package streams

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantrail/quantrail/internal/backoff"
)

// connKeepaliveInterval mirrors the teacher's 30s ping ticker.
const connKeepaliveInterval = 30 * time.Second

// base holds the reconnect machinery shared by all three stream clients.
// Each concrete client embeds it and supplies a handleMessage callback.
type base struct {
	url  string
	name string

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	enabled   bool

	onReconnected func(time.Time)
	handleMessage func([]byte)

	stopCh chan struct{}
	once   sync.Once
}

func newBase(name, url string, handleMessage func([]byte), onReconnected func(time.Time)) *base {
	return &base{
		name:          name,
		url:           url,
		handleMessage: handleMessage,
		onReconnected: onReconnected,
		stopCh:        make(chan struct{}),
	}
}

func (b *base) Start(ctx context.Context) {
	b.mu.Lock()
	b.enabled = true
	b.mu.Unlock()
	go b.connectionLoop(ctx)
}

func (b *base) Stop() {
	b.once.Do(func() { close(b.stopCh) })
}

func (b *base) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Enable (re)starts the connection loop under a fresh ctx, supporting the
// operator control surface's "enable stream" endpoint after a prior
// Disable. Disable stops it; a disabled stream's Connected() reports
// false until Enable is called again.
func (b *base) Enable(ctx context.Context) {
	b.mu.Lock()
	if b.enabled {
		b.mu.Unlock()
		return
	}
	b.enabled = true
	b.stopCh = make(chan struct{})
	b.once = sync.Once{}
	b.mu.Unlock()
	go b.connectionLoop(ctx)
}

func (b *base) Disable() {
	b.mu.Lock()
	b.enabled = false
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	b.Stop()
	if conn != nil {
		// Unblocks readLoop so connectionLoop exits and clears connected.
		_ = conn.Close()
	}
}

func (b *base) connectionLoop(ctx context.Context) {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		default:
		}

		if err := b.connect(ctx); err != nil {
			delay := backoff.StreamPolicy.Duration(attempts)
			attempts++
			log.Warn().Str("stream", b.name).Err(err).Dur("retryIn", delay).Msg("stream connect failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-time.After(delay):
			}
			continue
		}

		attempts = 0
		b.mu.Lock()
		b.connected = true
		b.mu.Unlock()
		now := time.Now()
		if b.onReconnected != nil {
			b.onReconnected(now)
		}
		log.Info().Str("stream", b.name).Msg("📡 stream connected")

		b.readLoop(ctx)

		b.mu.Lock()
		b.connected = false
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		default:
		}
	}
}

func (b *base) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	go b.pingLoop()
	return nil
}

func (b *base) pingLoop() {
	ticker := time.NewTicker(connKeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.RLock()
			conn := b.conn
			b.mu.RUnlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *base) readLoop(ctx context.Context) {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Str("stream", b.name).Err(err).Msg("stream read failed, will reconnect")
			return
		}
		b.handleMessage(msg)

		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		default:
		}
	}
}
