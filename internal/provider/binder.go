package provider

import (
	"context"
	"fmt"

	"github.com/acme/call-router/internal/domain"
	apperrors "github.com/acme/call-router/pkg/errors"
)

// StaticBinder maps component ids to providers, with an optional fallback
// for components not explicitly registered.
type StaticBinder struct {
	providers map[domain.ComponentID]Provider
	fallback  Provider
}

// NewStaticBinder constructs a binder with the given fallback (may be nil).
func NewStaticBinder(fallback Provider) *StaticBinder {
	return &StaticBinder{
		providers: make(map[domain.ComponentID]Provider),
		fallback:  fallback,
	}
}

// Register binds a component to a provider.
func (b *StaticBinder) Register(component domain.ComponentID, p Provider) {
	b.providers[component] = p
}

// ProviderFor implements Binder.
func (b *StaticBinder) ProviderFor(_ context.Context, component domain.ComponentID) (Provider, error) {
	if p, ok := b.providers[component]; ok {
		return p, nil
	}
	if b.fallback != nil {
		return b.fallback, nil
	}
	return nil, fmt.Errorf("%w: no provider for component %s", apperrors.ErrUnavailable, component)
}
