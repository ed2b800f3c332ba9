package lifecycle_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/shopspring/decimal"
)

// fakeBroker is a minimal in-process stand-in for the upstream broker's
// HTTP surface (spec §6), recording every call so tests can assert on
// exactly-one-call properties (P1-P3, R1).
type fakeBroker struct {
	mu sync.Mutex

	placeCalls  []placeCall
	modifyQty   []modifyQtyCall
	modifyStop  []modifyStopCall
	cancelCalls []string

	nextOrderID int

	// placeErr makes the next place_order answer 500 (transient);
	// modifyQtyErr makes the next modify_order_quantity answer 400
	// (permanent).
	modifyQtyErr error
	placeErr     error

	// openOrders is what ListOpenOrders (GET /orders) returns; the endpoint
	// answers 404 instead whenever snapshot404 is true.
	openOrders  []map[string]interface{}
	snapshot404 bool
}

type placeCall struct {
	Symbol string
	Qty    string
	Stop   string
}
type modifyQtyCall struct {
	OrderID string
	Qty     string
}
type modifyStopCall struct {
	OrderID string
	Stop    string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{}
}

func (f *fakeBroker) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/place_order", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Symbol     string          `json:"symbol"`
			Qty        decimal.Decimal `json:"qty"`
			StopPrice  decimal.Decimal `json:"stopPrice"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.placeErr != nil {
			err := f.placeErr
			f.placeErr = nil
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		f.nextOrderID++
		id := "S" + decimal.NewFromInt(int64(f.nextOrderID)).String()
		f.placeCalls = append(f.placeCalls, placeCall{Symbol: body.Symbol, Qty: body.Qty.String(), Stop: body.StopPrice.String()})
		_ = json.NewEncoder(w).Encode(map[string]string{"orderId": id, "status": "ACK"})
	})
	mux.HandleFunc("/modify_order_quantity", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			OrderID string          `json:"orderId"`
			Qty     decimal.Decimal `json:"qty"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.modifyQtyErr != nil {
			err := f.modifyQtyErr
			f.modifyQtyErr = nil
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		f.modifyQty = append(f.modifyQty, modifyQtyCall{OrderID: body.OrderID, Qty: body.Qty.String()})
		_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})
	mux.HandleFunc("/modify_order_stop_price", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			OrderID   string          `json:"orderId"`
			StopPrice decimal.Decimal `json:"stopPrice"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.modifyStop = append(f.modifyStop, modifyStopCall{OrderID: body.OrderID, Stop: body.StopPrice.String()})
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})
	mux.HandleFunc("/cancel_order", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			OrderID string `json:"orderId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.cancelCalls = append(f.cancelCalls, body.OrderID)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.snapshot404 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(f.openOrders)
	})
	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{})
	})
	return httptest.NewServer(mux)
}

func (f *fakeBroker) placeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placeCalls)
}

func (f *fakeBroker) modifyQtyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.modifyQty)
}

func (f *fakeBroker) lastModifyQty() modifyQtyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modifyQty[len(f.modifyQty)-1]
}

func (f *fakeBroker) lastPlace() placeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placeCalls[len(f.placeCalls)-1]
}
