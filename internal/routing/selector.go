package routing

import (
	"context"

	"go.uber.org/zap"

	"github.com/acme/call-router/internal/domain"
	"github.com/acme/call-router/internal/registry"
	"github.com/acme/call-router/pkg/logger"
)

// Attempt pairs a target account with an optional relay account. When a
// relay is present the attempt binds the relay's provider first.
type Attempt struct {
	Target domain.Account
	Relay  *domain.Account
}

// Selector builds the ordered attempt queue for a call.
type Selector struct {
	registry registry.Registry
	logger   *logger.Logger
}

// NewSelector constructs a selector over the given registry.
func NewSelector(reg registry.Registry, lg *logger.Logger) *Selector {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Selector{registry: reg, logger: lg}
}

// AttemptsFor produces the attempt queue for the call. An empty queue means
// no usable account exists; the attempt coordinator turns that into an
// immediate failure outcome.
func (s *Selector) AttemptsFor(ctx context.Context, call *domain.CallRequest) []Attempt {
	if !call.Emergency {
		return s.directAttempts(ctx, call)
	}
	if call.TestEmergency {
		return s.testEmergencyAttempts(ctx, call)
	}
	return s.emergencyAttempts(ctx, call)
}

func (s *Selector) directAttempts(ctx context.Context, call *domain.CallRequest) []Attempt {
	if call.PreferredHandle == nil {
		return nil
	}
	target := s.registry.AccountByHandle(ctx, *call.PreferredHandle)
	if target == nil {
		return nil
	}
	relay := s.registry.RelayFor(ctx, call)
	return []Attempt{wrap(*target, relay)}
}

func (s *Selector) emergencyAttempts(ctx context.Context, call *domain.CallRequest) []Attempt {
	// Targeting a self-managed account directly yields no attempts at all.
	if call.PreferredHandle != nil {
		if acct := s.registry.AccountByHandle(ctx, *call.PreferredHandle); acct != nil &&
			acct.Capabilities.Has(domain.CapSelfManaged) {
			s.logger.Warn("self-managed account targeted for emergency call",
				zap.String("call.id", call.ID.String()),
				zap.String("account", acct.Handle.String()))
			return nil
		}
	}

	var candidates []domain.Account
	for _, a := range s.registry.AccountsFor(ctx, call.UserID) {
		if a.EmergencyCapable() {
			candidates = append(candidates, a)
		}
	}
	candidates = s.registry.FilterRestricted(ctx, candidates)
	if len(candidates) == 0 {
		return nil
	}

	SortCandidates(candidates)

	// A valid user-chosen or incoming target moves to the front, but an
	// emergency-preferred account always wins.
	if call.PreferredHandle != nil && !hasPreferred(candidates) {
		promote(candidates, *call.PreferredHandle)
	}

	relay := s.registry.EmergencyRelayFor(ctx, call.UserID)
	attempts := make([]Attempt, 0, len(candidates))
	for _, target := range candidates {
		attempts = append(attempts, wrap(target, relay))
	}
	return attempts
}

func (s *Selector) testEmergencyAttempts(ctx context.Context, call *domain.CallRequest) []Attempt {
	// Test-emergency calls skip local selection: the externally filtered
	// candidate list is used verbatim, relay wrapping still applies.
	candidates := s.registry.FilterRestricted(ctx, s.registry.AccountsFor(ctx, call.UserID))
	relay := s.registry.EmergencyRelayFor(ctx, call.UserID)
	attempts := make([]Attempt, 0, len(candidates))
	for _, target := range candidates {
		attempts = append(attempts, wrap(target, relay))
	}
	return attempts
}

// wrap pairs a target with the relay unless the relay is the target itself.
func wrap(target domain.Account, relay *domain.Account) Attempt {
	if relay == nil || relay.Handle == target.Handle {
		return Attempt{Target: target}
	}
	r := *relay
	return Attempt{Target: target, Relay: &r}
}

func hasPreferred(accounts []domain.Account) bool {
	for _, a := range accounts {
		if a.Capabilities.Has(domain.CapEmergencyPreferred) {
			return true
		}
	}
	return false
}

// promote moves the account with the given handle to the front, preserving
// the relative order of the rest. No-op when the handle is absent.
func promote(accounts []domain.Account, handle domain.AccountHandle) {
	for i, a := range accounts {
		if a.Handle == handle {
			chosen := accounts[i]
			copy(accounts[1:i+1], accounts[:i])
			accounts[0] = chosen
			return
		}
	}
}
