package registry

import (
	"context"

	"github.com/acme/call-router/internal/domain"
)

// Registry is the account-registry collaborator: a side-effect-free query
// surface over the usable calling endpoints known to the platform. The
// routing core never mutates it and never caches its answers beyond one
// resolution pass.
type Registry interface {
	// AccountsFor lists every account owned by the user.
	AccountsFor(ctx context.Context, userID string) []domain.Account

	// AccountByHandle resolves a handle to its current snapshot, or nil.
	AccountByHandle(ctx context.Context, handle domain.AccountHandle) *domain.Account

	// RelayFor returns the connection-manager account for the call, or nil
	// when the call routes directly.
	RelayFor(ctx context.Context, call *domain.CallRequest) *domain.Account

	// EmergencyRelayFor returns the emergency connection-manager account
	// for the user, or nil.
	EmergencyRelayFor(ctx context.Context, userID string) *domain.Account

	// SystemRelayComponent names the platform-designated fallback relay
	// component, or nil when none is configured.
	SystemRelayComponent(ctx context.Context) *domain.ComponentID

	// FilterRestricted applies external policy (for example regulatory
	// restriction) to prune a candidate set. Order is preserved.
	FilterRestricted(ctx context.Context, accounts []domain.Account) []domain.Account
}
