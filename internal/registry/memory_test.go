package registry

import (
	"context"
	"testing"

	"github.com/acme/call-router/internal/domain"
)

func account(component, id, user string, caps domain.Capability) domain.Account {
	return domain.Account{
		Handle: domain.AccountHandle{
			Component: domain.ComponentID(component),
			ID:        id,
			UserID:    user,
		},
		Capabilities:  caps,
		BindPermitted: true,
		SlotIndex:     0,
	}
}

func TestAccountsForFiltersByUser(t *testing.T) {
	m := NewMemory()
	m.SetAccounts([]domain.Account{
		account("tel", "a", "alice", domain.CapSIMSubscription),
		account("tel", "b", "bob", domain.CapSIMSubscription),
		account("tel", "c", "alice", domain.CapSIMSubscription),
	})

	got := m.AccountsFor(context.Background(), "alice")
	if len(got) != 2 {
		t.Fatalf("got %d accounts for alice, want 2", len(got))
	}
	for _, a := range got {
		if a.Handle.UserID != "alice" {
			t.Errorf("leaked account for %s", a.Handle.UserID)
		}
	}
	if got := m.AccountsFor(context.Background(), "nobody"); len(got) != 0 {
		t.Errorf("got %d accounts for unknown user", len(got))
	}
}

func TestAccountByHandleReturnsSnapshot(t *testing.T) {
	m := NewMemory()
	original := account("tel", "a", "alice", domain.CapSIMSubscription)
	m.SetAccounts([]domain.Account{original})

	got := m.AccountByHandle(context.Background(), original.Handle)
	if got == nil {
		t.Fatal("account not found")
	}
	got.BindPermitted = false

	again := m.AccountByHandle(context.Background(), original.Handle)
	if again == nil || !again.BindPermitted {
		t.Error("mutating a returned account changed registry state")
	}

	missing := domain.AccountHandle{Component: "tel", ID: "z", UserID: "alice"}
	if m.AccountByHandle(context.Background(), missing) != nil {
		t.Error("lookup of unknown handle returned an account")
	}
}

func TestRelayForResolvesUserDefault(t *testing.T) {
	m := NewMemory()
	relay := account("relay", "cm", "alice", domain.CapVoiceCallingIndications)
	m.SetAccounts([]domain.Account{relay})
	m.SetRelay("alice", relay.Handle)

	call := &domain.CallRequest{UserID: "alice"}
	if got := m.RelayFor(context.Background(), call); got == nil || got.Handle != relay.Handle {
		t.Errorf("RelayFor = %v, want %v", got, relay.Handle)
	}
	if got := m.RelayFor(context.Background(), &domain.CallRequest{UserID: "bob"}); got != nil {
		t.Errorf("RelayFor for user without a relay = %v, want nil", got)
	}
}

func TestEmergencyRelayExplicitBeatsSystemFallback(t *testing.T) {
	m := NewMemory()
	explicit := account("relay", "emergency", "alice", domain.CapVoiceCallingIndications)
	system := account("system-relay", "cm", "alice", domain.CapVoiceCallingIndications)
	m.SetAccounts([]domain.Account{explicit, system})
	m.SetEmergencyRelay("alice", explicit.Handle)
	m.SetSystemRelayComponent("system-relay")

	got := m.EmergencyRelayFor(context.Background(), "alice")
	if got == nil || got.Handle != explicit.Handle {
		t.Errorf("EmergencyRelayFor = %v, want explicit relay", got)
	}
}

func TestEmergencyRelayFallsBackToSystemComponent(t *testing.T) {
	m := NewMemory()
	system := account("system-relay", "cm", "alice", domain.CapVoiceCallingIndications)
	m.SetAccounts([]domain.Account{system})
	m.SetSystemRelayComponent("system-relay")

	got := m.EmergencyRelayFor(context.Background(), "alice")
	if got == nil || got.Handle != system.Handle {
		t.Errorf("EmergencyRelayFor = %v, want system relay account", got)
	}
	if got := m.EmergencyRelayFor(context.Background(), "bob"); got != nil {
		t.Errorf("fallback leaked another user's relay: %v", got)
	}
}

func TestEmergencyRelayNilWithoutAnyRelay(t *testing.T) {
	m := NewMemory()
	m.SetAccounts([]domain.Account{account("tel", "a", "alice", domain.CapSIMSubscription)})
	if got := m.EmergencyRelayFor(context.Background(), "alice"); got != nil {
		t.Errorf("EmergencyRelayFor = %v, want nil", got)
	}
}

func TestSystemRelayComponent(t *testing.T) {
	m := NewMemory()
	if m.SystemRelayComponent(context.Background()) != nil {
		t.Error("unset system relay component is non-nil")
	}
	m.SetSystemRelayComponent("system-relay")
	got := m.SystemRelayComponent(context.Background())
	if got == nil || *got != "system-relay" {
		t.Errorf("SystemRelayComponent = %v", got)
	}
}

func TestFilterRestricted(t *testing.T) {
	m := NewMemory()
	a := account("tel", "a", "alice", domain.CapSIMSubscription)
	b := account("tel", "b", "alice", domain.CapSIMSubscription)

	got := m.FilterRestricted(context.Background(), []domain.Account{a, b})
	if len(got) != 2 {
		t.Fatalf("default restriction pruned: got %d accounts", len(got))
	}

	m.SetRestriction(func(accounts []domain.Account) []domain.Account {
		var out []domain.Account
		for _, acc := range accounts {
			if acc.Handle.ID != "b" {
				out = append(out, acc)
			}
		}
		return out
	})
	got = m.FilterRestricted(context.Background(), []domain.Account{a, b})
	if len(got) != 1 || got[0].Handle.ID != "a" {
		t.Fatalf("restriction not applied: %v", got)
	}
}
