package domain

import (
	"encoding/json"
	"time"
)

// RepoState is the state machine a StopLimitEntry moves through:
// INITIAL -> CREATING -> ACTIVE -> (MODIFYING <-> ACTIVE)* -> TERMINAL.
// Only ACTIVE is observable externally as "protective order exists";
// TERMINAL means the entry is deleted, not merely flagged. The lifecycle
// engine writes new entries directly as ACTIVE and sets TERMINAL just before
// deleting one; it never assigns INITIAL, CREATING or MODIFYING.
type RepoState string

const (
	RepoInitial   RepoState = "INITIAL"
	RepoCreating  RepoState = "CREATING"
	RepoActive    RepoState = "ACTIVE"
	RepoModifying RepoState = "MODIFYING"
	RepoTerminal  RepoState = "TERMINAL"
)

// StopLimitEntry is the durable record of the single active protective
// order for one symbol. The lifecycle engine is the only writer.
type StopLimitEntry struct {
	Symbol         string
	OrderID        string
	OpenedDateTime time.Time
	Status         string // raw broker status, last known
	State          RepoState
	Order          json.RawMessage // last known full echo
	// CausingBuyOrderID is the brokerOrderId of the buy fill that caused
	// this entry's creation, used for the idempotence check in R1.
	CausingBuyOrderID string
}

// IsActive reports whether the entry's raw status is in the ACTIVE set.
func (e *StopLimitEntry) IsActive() bool {
	if e == nil {
		return false
	}
	norm, _ := Normalize(e.Status)
	return norm == StatusActive
}
