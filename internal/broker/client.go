// Package broker is the thin HTTP adapter to the upstream broker (spec
// §6): place/modify/cancel orders and list open-orders/positions
// snapshots. Grounded on the teacher's exec/client.go request/response
// skeleton (dry-run short-circuit, doRequest with status-code error
// classification, bounded http.Client) with the Polymarket-specific
// EIP-712/HMAC signing dropped: this broker authenticates with a bearer
// API key in both Authorization and X-API-Key, nothing more.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/internal/errkind"
)

// ErrSnapshotUnavailable is returned by ListOpenOrders/ListPositions when
// the broker responds 404, which spec §6/§9 treats as "endpoint not
// implemented, rely on the stream" rather than a hard failure.
var ErrSnapshotUnavailable = fmt.Errorf("broker: snapshot endpoint unavailable")

// Client is the HTTP adapter. DryRun, when set, short-circuits every
// mutating call with a synthetic response, the same escape hatch the
// teacher's exec.Client uses for paper-trading.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	dryRun     bool
}

func NewClient(baseURL, apiKey string, dryRun bool) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		dryRun:  dryRun,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		},
	}
}

// PlaceOrderRequest mirrors the place_order body of spec §6.
type PlaceOrderRequest struct {
	Symbol     string           `json:"symbol"`
	Side       string           `json:"side"`
	Type       string           `json:"type"`
	Qty        decimal.Decimal  `json:"qty"`
	LimitPrice *decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice  *decimal.Decimal `json:"stopPrice,omitempty"`
}

type PlaceOrderResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResponse, error) {
	if c.dryRun {
		log.Info().Str("symbol", req.Symbol).Str("type", req.Type).Msg("🧪 dry-run place_order")
		return &PlaceOrderResponse{OrderID: "dryrun-" + req.Symbol, Status: "ACK"}, nil
	}
	var resp PlaceOrderResponse
	if err := c.post(ctx, "/place_order", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PlaceStopLimit is a convenience wrapper for the lifecycle engine's
// create path, stop and limit always set equal per spec §4.3 step 5b.
func (c *Client) PlaceStopLimit(ctx context.Context, symbol string, qty, stop decimal.Decimal) (*PlaceOrderResponse, error) {
	return c.PlaceOrder(ctx, PlaceOrderRequest{
		Symbol:     symbol,
		Side:       "sell",
		Type:       "stop_limit",
		Qty:        qty,
		LimitPrice: &stop,
		StopPrice:  &stop,
	})
}

type modifyQtyRequest struct {
	OrderID string          `json:"orderId"`
	Qty     decimal.Decimal `json:"qty"`
}

type modifyStopRequest struct {
	OrderID    string          `json:"orderId"`
	StopPrice  decimal.Decimal `json:"stopPrice"`
	LimitPrice decimal.Decimal `json:"limitPrice"`
}

type modifyResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (c *Client) ModifyOrderQuantity(ctx context.Context, orderID string, qty decimal.Decimal) error {
	if c.dryRun {
		log.Info().Str("orderId", orderID).Str("qty", qty.String()).Msg("🧪 dry-run modify_order_quantity")
		return nil
	}
	var resp modifyResponse
	if err := c.post(ctx, "/modify_order_quantity", modifyQtyRequest{OrderID: orderID, Qty: qty}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errkind.New(errkind.PermanentUpstream, fmt.Errorf("modify_order_quantity: %s", resp.Error))
	}
	return nil
}

func (c *Client) ModifyOrderStopPrice(ctx context.Context, orderID string, stopPrice decimal.Decimal) error {
	if c.dryRun {
		log.Info().Str("orderId", orderID).Str("stopPrice", stopPrice.String()).Msg("🧪 dry-run modify_order_stop_price")
		return nil
	}
	var resp modifyResponse
	req := modifyStopRequest{OrderID: orderID, StopPrice: stopPrice, LimitPrice: stopPrice}
	if err := c.post(ctx, "/modify_order_stop_price", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errkind.New(errkind.PermanentUpstream, fmt.Errorf("modify_order_stop_price: %s", resp.Error))
	}
	return nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		log.Info().Str("orderId", orderID).Msg("🧪 dry-run cancel_order")
		return nil
	}
	var resp modifyResponse
	if err := c.post(ctx, "/cancel_order", map[string]string{"orderId": orderID}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errkind.New(errkind.PermanentUpstream, fmt.Errorf("cancel_order: %s", resp.Error))
	}
	return nil
}

// RawOrder is the snapshot shape from GET /orders.
type RawOrder struct {
	OrderID      string          `json:"orderId"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	LimitPrice   *decimal.Decimal `json:"limitPrice"`
	StopPrice    *decimal.Decimal `json:"stopPrice"`
	Qty          decimal.Decimal `json:"qty"`
	RemainingQty decimal.Decimal `json:"remainingQty"`
}

func (c *Client) ListOpenOrders(ctx context.Context) ([]RawOrder, error) {
	var out []RawOrder
	err := c.get(ctx, "/orders", &out)
	if err == ErrSnapshotUnavailable {
		return nil, ErrSnapshotUnavailable
	}
	return out, err
}

// RawPosition is the snapshot shape from GET /positions.
type RawPosition struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"averagePrice"`
}

func (c *Client) ListPositions(ctx context.Context) ([]RawPosition, error) {
	var out []RawPosition
	err := c.get(ctx, "/positions", &out)
	if err == ErrSnapshotUnavailable {
		return nil, ErrSnapshotUnavailable
	}
	return out, err
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return errkind.New(errkind.ProtocolViolation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return errkind.New(errkind.TransientUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.doRequest(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errkind.New(errkind.TransientUpstream, err)
	}
	c.addHeaders(req)
	return c.doRequest(req, out)
}

func (c *Client) addHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-API-Key", c.apiKey)
}

func (c *Client) doRequest(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errkind.New(errkind.TransientUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errkind.New(errkind.TransientUpstream, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrSnapshotUnavailable
	}
	// 429 and 5xx are transient: spec §5's per-symbol backpressure backoff
	// (500ms -> 1s -> 2s, cap 10s) only fires on TransientUpstream, and a
	// 429 must never be treated as a terminal-order error on the modify
	// path (that would fall through to a compensating create, the exact
	// duplicate §4.3 forbids).
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return errkind.New(errkind.TransientUpstream, fmt.Errorf("broker %s: %d: %s", req.URL.Path, resp.StatusCode, string(body)))
	}
	if resp.StatusCode >= 400 {
		return errkind.New(errkind.PermanentUpstream, fmt.Errorf("broker %s: %d: %s", req.URL.Path, resp.StatusCode, string(body)))
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errkind.New(errkind.ProtocolViolation, err)
	}
	return nil
}
