package domain

import (
	"github.com/google/uuid"
)

// CallDirection distinguishes incoming and outgoing calls.
type CallDirection string

const (
	DirectionIncoming CallDirection = "incoming"
	DirectionOutgoing CallDirection = "outgoing"
)

// CallState enumerates lifecycle stages of a call.
type CallState string

const (
	CallStateNew          CallState = "new"
	CallStateDialing      CallState = "dialing"
	CallStateConnecting   CallState = "connecting"
	CallStateConnected    CallState = "connected"
	CallStateDisconnected CallState = "disconnected"
)

// Terminal reports whether the state admits no further transitions.
func (s CallState) Terminal() bool {
	return s == CallStateConnected || s == CallStateDisconnected
}

// DisconnectCause classifies why a call, or one attempt at it, failed.
type DisconnectCause string

const (
	CauseNone          DisconnectCause = ""
	CauseError         DisconnectCause = "error"
	CauseBusy          DisconnectCause = "busy"
	CauseRejected      DisconnectCause = "rejected"
	CauseRelayRejected DisconnectCause = "relay_rejected"
	CauseBindFailed    DisconnectCause = "bind_failed"
	CauseTimedOut      DisconnectCause = "timed_out"
	CauseLocal         DisconnectCause = "local"
)

// CallRequest identifies one outgoing or incoming call to be established.
// The routing core mutates only TargetHandle and RelayHandle; everything
// else belongs to the caller.
type CallRequest struct {
	ID            uuid.UUID
	UserID        string
	Direction     CallDirection
	Emergency     bool
	TestEmergency bool

	// PreferredHandle is the user- or system-selected account, when any.
	PreferredHandle *AccountHandle

	// TargetHandle and RelayHandle are set by the attempt coordinator to
	// reflect the accounts of the attempt currently in flight.
	TargetHandle *AccountHandle
	RelayHandle  *AccountHandle

	State           CallState
	DisconnectCause DisconnectCause
}

// SetAttemptAccounts records the routing accounts for the attempt in flight.
func (c *CallRequest) SetAttemptAccounts(target AccountHandle, relay *AccountHandle) {
	t := target
	c.TargetHandle = &t
	if relay == nil {
		c.RelayHandle = nil
		return
	}
	r := *relay
	c.RelayHandle = &r
}

// ConnectionPayload is the provider's success payload: the established
// connection reference plus provider metadata.
type ConnectionPayload struct {
	ConnectionID uuid.UUID
	Extras       map[string]any
}
