package queue

import (
	"time"

	"github.com/google/uuid"
)

// SetupMessage asks the router to establish a call.
type SetupMessage struct {
	CallID             uuid.UUID `json:"call_id"`
	UserID             string    `json:"user_id"`
	Direction          string    `json:"direction"`
	Emergency          bool      `json:"emergency"`
	TestEmergency      bool      `json:"test_emergency"`
	PreferredComponent string    `json:"preferred_component,omitempty"`
	PreferredAccountID string    `json:"preferred_account_id,omitempty"`
	EnqueuedAt         time.Time `json:"enqueued_at"`
}

// OutcomeMessage reports the terminal result of one call resolution.
type OutcomeMessage struct {
	CallID          uuid.UUID `json:"call_id"`
	UserID          string    `json:"user_id"`
	Emergency       bool      `json:"emergency"`
	Succeeded       bool      `json:"succeeded"`
	Cause           string    `json:"cause,omitempty"`
	ConnectionID    uuid.UUID `json:"connection_id,omitempty"`
	TargetComponent string    `json:"target_component,omitempty"`
	TargetAccountID string    `json:"target_account_id,omitempty"`
	RelayComponent  string    `json:"relay_component,omitempty"`
	RelayAccountID  string    `json:"relay_account_id,omitempty"`
	DurationMs      int64     `json:"duration_ms"`
	OccurredAt      time.Time `json:"occurred_at"`
}
