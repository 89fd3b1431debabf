package domain

import (
	"fmt"
	"strings"
)

// ComponentID names the provider component an account binds against.
type ComponentID string

// InvalidSlotIndex is the reserved sentinel for accounts without a physical
// SIM slot. It sorts after every valid slot.
const InvalidSlotIndex = -1

// Capability is a bitset of account capabilities.
type Capability uint32

const (
	// CapSIMSubscription marks accounts backed by a SIM subscription.
	CapSIMSubscription Capability = 1 << iota
	// CapPlaceEmergencyCalls marks accounts able to place emergency calls.
	CapPlaceEmergencyCalls
	// CapEmergencyPreferred marks the account the platform prefers for
	// emergency routing, ahead of every slot-based rule.
	CapEmergencyPreferred
	// CapSelfManaged marks accounts whose connections are managed by a
	// third-party app rather than the platform dialer.
	CapSelfManaged
	// CapVoiceCallingAvailable reports the relay's current voice service
	// state.
	CapVoiceCallingAvailable
	// CapVoiceCallingIndications marks relays that advertise voice-calling
	// availability at all; without it CapVoiceCallingAvailable is
	// meaningless.
	CapVoiceCallingIndications
)

// Has reports whether all bits in mask are set.
func (c Capability) Has(mask Capability) bool {
	return c&mask == mask
}

// AccountHandle is the stable identity of an account: the provider component
// it binds to, a per-account id, and the owning user.
type AccountHandle struct {
	Component ComponentID `json:"component"`
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
}

// Key returns a deterministic content-derived key for the handle. Ordering
// code relies on this being total over handle content, never on pointer or
// map identity.
func (h AccountHandle) Key() string {
	var b strings.Builder
	b.WriteString(string(h.Component))
	b.WriteByte(0)
	b.WriteString(h.ID)
	b.WriteByte(0)
	b.WriteString(h.UserID)
	return b.String()
}

func (h AccountHandle) String() string {
	return fmt.Sprintf("%s/%s@%s", h.Component, h.ID, h.UserID)
}

// IsZero reports whether the handle is unset.
func (h AccountHandle) IsZero() bool {
	return h == AccountHandle{}
}

// Account is a usable calling endpoint. Instances are immutable snapshots
// valid for a single resolution pass.
type Account struct {
	Handle         AccountHandle
	Capabilities   Capability
	BindPermitted  bool
	SubscriptionID *int
	SlotIndex      int
}

// HasValidSlot reports whether the account maps to a physical slot.
func (a Account) HasValidSlot() bool {
	return a.SlotIndex >= 0
}

// EmergencyCapable reports whether the account may serve as an emergency
// attempt target. Self-managed accounts never qualify, even when they
// declare emergency capability.
func (a Account) EmergencyCapable() bool {
	return a.Capabilities.Has(CapSIMSubscription) &&
		a.Capabilities.Has(CapPlaceEmergencyCalls) &&
		!a.Capabilities.Has(CapSelfManaged)
}
