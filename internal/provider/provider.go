package provider

import (
	"context"

	"github.com/acme/call-router/internal/domain"
)

// Operation names checked through IsValid before invocation.
const (
	OperationCreateConnection = "createConnection"
	OperationDisconnect       = "disconnect"
)

// ResponseSink receives the asynchronous result of a create-connection
// invocation. Exactly one of the two methods fires per invocation, on the
// provider's callback goroutine.
type ResponseSink interface {
	OnSuccess(ctx context.Context, call *domain.CallRequest, payload domain.ConnectionPayload)
	OnFailure(ctx context.Context, call *domain.CallRequest, cause domain.DisconnectCause)
}

// Provider abstracts the transport that actually establishes and tears down
// a connection for a call.
type Provider interface {
	// CreateConnection starts establishing the call and reports the result
	// to sink. It returns immediately; a non-nil error means the attempt
	// could not even be issued.
	CreateConnection(ctx context.Context, call *domain.CallRequest, sink ResponseSink) error

	// Disconnect tears down the call's connection, established or pending.
	Disconnect(ctx context.Context, call *domain.CallRequest) error

	// IsValid reports whether the provider supports the named operation.
	IsValid(operation string) bool
}

// Binder resolves a provider component to a bound Provider.
type Binder interface {
	ProviderFor(ctx context.Context, component domain.ComponentID) (Provider, error)
}
