// Package trackerconfig is the Configuration Store of spec §2.8: a
// versioned TrackerConfig document with update validation that rejects
// overlapping groups or non-monotonic steps and retains the previous
// version, per the ConfigError policy in spec §7.
package trackerconfig

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantrail/quantrail/internal/domain"
	"github.com/quantrail/quantrail/internal/errkind"
	"github.com/quantrail/quantrail/internal/store"
)

// Store holds the current TrackerConfig in memory and persists updates.
type Store struct {
	mu      sync.RWMutex
	current *domain.TrackerConfig
	db      *store.Store
}

func New(db *store.Store) *Store {
	return &Store{current: &domain.TrackerConfig{Version: 0, Groups: nil}, db: db}
}

// Current returns the active config.
func (s *Store) Current() *domain.TrackerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update validates and, if valid, replaces the current config, bumping
// Version. On validation failure the previous version is retained and a
// ConfigError is returned.
func (s *Store) Update(next *domain.TrackerConfig) error {
	if err := next.Validate(); err != nil {
		log.Error().Err(err).Msg("tracker config update rejected, retaining previous version")
		return errkind.New(errkind.ConfigError, err)
	}

	s.mu.Lock()
	next.Version = s.current.Version + 1
	s.current = next
	s.mu.Unlock()

	if s.db != nil {
		s.persist(next)
	}
	return nil
}

func (s *Store) persist(cfg *domain.TrackerConfig) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal tracker config for persistence")
		return
	}
	row := store.TrackerConfigRow{ID: 1, Version: cfg.Version, Payload: string(payload)}
	if err := s.db.SaveTrackerConfig(row); err != nil {
		log.Error().Err(err).Msg("failed to persist tracker config")
	}
}

// Load restores the last persisted config on startup, if any.
func (s *Store) Load() error {
	if s.db == nil {
		return nil
	}
	row, ok, err := s.db.LoadTrackerConfig()
	if err != nil {
		return errkind.New(errkind.PersistenceFailure, err)
	}
	if !ok {
		return nil
	}
	var cfg domain.TrackerConfig
	if err := json.Unmarshal([]byte(row.Payload), &cfg); err != nil {
		return errkind.New(errkind.ProtocolViolation, err)
	}
	if err := cfg.Validate(); err != nil {
		return errkind.New(errkind.ConfigError, err)
	}
	s.mu.Lock()
	s.current = &cfg
	s.mu.Unlock()
	return nil
}

// Default builds a minimal single-group config, used when no
// configuration has ever been persisted, so the tracker has something to
// evaluate against in a fresh deployment.
func Default() *domain.TrackerConfig {
	return &domain.TrackerConfig{
		Version: 1,
		Groups: []domain.TrackerGroup{
			{
				GroupID:                "default",
				MinPrice:               decimal.Zero,
				MaxPrice:               decimal.NewFromInt(1_000_000),
				Enabled:                true,
				InitialStopPriceOffset: decimal.NewFromFloat(-0.20),
				Steps: []domain.TrackerStep{
					{Pnl: decimal.NewFromInt(50), Stop: decimal.NewFromFloat(0.00)},
					{Pnl: decimal.NewFromInt(100), Stop: decimal.NewFromFloat(0.10)},
				},
			},
		},
	}
}
