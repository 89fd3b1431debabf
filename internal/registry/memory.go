package registry

import (
	"context"
	"sync"

	"github.com/acme/call-router/internal/domain"
)

// RestrictionFunc prunes a candidate set. The default keeps everything.
type RestrictionFunc func(accounts []domain.Account) []domain.Account

// Memory is an in-process Registry. It holds immutable account snapshots
// behind a RWMutex so harness code may swap state between resolutions while
// resolutions read concurrently.
type Memory struct {
	mu              sync.RWMutex
	accounts        []domain.Account
	relays          map[string]domain.AccountHandle // userID -> default relay
	emergencyRelays map[string]domain.AccountHandle // userID -> emergency relay
	systemRelay     *domain.ComponentID
	restrict        RestrictionFunc
}

// NewMemory builds an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		relays:          make(map[string]domain.AccountHandle),
		emergencyRelays: make(map[string]domain.AccountHandle),
	}
}

// SetAccounts replaces the account snapshot.
func (m *Memory) SetAccounts(accounts []domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = append([]domain.Account(nil), accounts...)
}

// AddAccount appends one account to the snapshot.
func (m *Memory) AddAccount(account domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = append(m.accounts, account)
}

// SetRelay designates the default connection-manager account for a user.
func (m *Memory) SetRelay(userID string, handle domain.AccountHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relays[userID] = handle
}

// SetEmergencyRelay designates the emergency connection-manager account for
// a user.
func (m *Memory) SetEmergencyRelay(userID string, handle domain.AccountHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencyRelays[userID] = handle
}

// SetSystemRelayComponent designates the platform fallback relay component.
func (m *Memory) SetSystemRelayComponent(component domain.ComponentID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemRelay = &component
}

// SetRestriction installs the external restriction policy.
func (m *Memory) SetRestriction(fn RestrictionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restrict = fn
}

// AccountsFor implements Registry.
func (m *Memory) AccountsFor(_ context.Context, userID string) []domain.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Account
	for _, a := range m.accounts {
		if a.Handle.UserID == userID {
			out = append(out, a)
		}
	}
	return out
}

// AccountByHandle implements Registry.
func (m *Memory) AccountByHandle(_ context.Context, handle domain.AccountHandle) *domain.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(handle)
}

func (m *Memory) lookupLocked(handle domain.AccountHandle) *domain.Account {
	for _, a := range m.accounts {
		if a.Handle == handle {
			snapshot := a
			return &snapshot
		}
	}
	return nil
}

// RelayFor implements Registry.
func (m *Memory) RelayFor(_ context.Context, call *domain.CallRequest) *domain.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handle, ok := m.relays[call.UserID]
	if !ok {
		return nil
	}
	return m.lookupLocked(handle)
}

// EmergencyRelayFor implements Registry.
func (m *Memory) EmergencyRelayFor(_ context.Context, userID string) *domain.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if handle, ok := m.emergencyRelays[userID]; ok {
		if a := m.lookupLocked(handle); a != nil {
			return a
		}
	}
	// Fall back to an account published under the system relay component.
	if m.systemRelay == nil {
		return nil
	}
	for _, a := range m.accounts {
		if a.Handle.Component == *m.systemRelay && a.Handle.UserID == userID {
			snapshot := a
			return &snapshot
		}
	}
	return nil
}

// SystemRelayComponent implements Registry.
func (m *Memory) SystemRelayComponent(_ context.Context) *domain.ComponentID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.systemRelay == nil {
		return nil
	}
	component := *m.systemRelay
	return &component
}

// FilterRestricted implements Registry.
func (m *Memory) FilterRestricted(_ context.Context, accounts []domain.Account) []domain.Account {
	m.mu.RLock()
	restrict := m.restrict
	m.mu.RUnlock()
	if restrict == nil {
		return accounts
	}
	return restrict(accounts)
}
