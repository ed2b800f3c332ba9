// Package control is the operator HTTP surface of spec §6: two control
// endpoints (enable/disable per stream) and a status endpoint. Built on
// github.com/go-chi/chi/v5, adopted from the pack's
// arijanluiken-marketmaestro stack (chi + zerolog + gorilla/websocket +
// godotenv + sqlite) since the teacher itself ships no HTTP server, only
// an HTTP client.
package control

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// StreamToggle lets the control surface enable/disable one named stream.
type StreamToggle interface {
	Enable()
	Disable()
	Connected() bool
}

// StatusProvider supplies the fields of the status endpoint response.
type StatusProvider interface {
	CacheSizes() (orders, positions, activeBySymbolSide int)
	ActiveStopLimits() int
	LastReconnectAt() time.Time
	RehydrationComplete() bool
}

// Server wraps a chi.Router with the routes spec §6 names.
type Server struct {
	router   chi.Router
	streams  map[string]StreamToggle
	status   StatusProvider
}

func New(streams map[string]StreamToggle, status StatusProvider) *Server {
	s := &Server{router: chi.NewRouter(), streams: streams, status: status}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Post("/streams/{name}/enable", s.handleToggle(true))
	s.router.Post("/streams/{name}/disable", s.handleToggle(false))
	s.router.Get("/status", s.handleStatus)
}

func (s *Server) handleToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		stream, ok := s.streams[name]
		if !ok {
			http.Error(w, "unknown stream", http.StatusNotFound)
			return
		}
		if enable {
			stream.Enable()
		} else {
			stream.Disable()
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type statusResponse struct {
	StreamsConnected     map[string]bool `json:"streamsConnected"`
	CacheSizes           cacheSizes      `json:"cacheSizes"`
	LastReconnectAt      time.Time       `json:"lastReconnectAt"`
	ActiveStopLimits     int             `json:"activeStopLimits"`
	RehydrationComplete  bool            `json:"rehydrationComplete"`
}

type cacheSizes struct {
	Orders             int `json:"orders"`
	Positions          int `json:"positions"`
	ActiveBySymbolSide int `json:"activeBySymbolSide"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	connected := make(map[string]bool, len(s.streams))
	for name, stream := range s.streams {
		connected[name] = stream.Connected()
	}
	orders, positions, active := s.status.CacheSizes()

	resp := statusResponse{
		StreamsConnected: connected,
		CacheSizes:       cacheSizes{Orders: orders, Positions: positions, ActiveBySymbolSide: active},
		LastReconnectAt:  s.status.LastReconnectAt(),
		ActiveStopLimits: s.status.ActiveStopLimits(),
		RehydrationComplete: s.status.RehydrationComplete(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to encode status response")
	}
}

func (s *Server) Handler() http.Handler { return s.router }
