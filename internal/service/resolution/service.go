package resolution

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/call-router/internal/domain"
	"github.com/acme/call-router/internal/processor"
	"github.com/acme/call-router/internal/provider"
	"github.com/acme/call-router/internal/registry"
	"github.com/acme/call-router/internal/routing"
	"github.com/acme/call-router/internal/watchdog"
	apperrors "github.com/acme/call-router/pkg/errors"
	"github.com/acme/call-router/pkg/logger"
)

// Service is the call-establishment resolver entry point: it selects the
// attempt queue for a call and drives it to a terminal outcome through the
// call-provider collaborator.
type Service struct {
	registry registry.Registry
	binder   provider.Binder
	policy   watchdog.PolicySource
	selector *routing.Selector
	logger   *logger.Logger
}

// NewService builds the resolver.
func NewService(reg registry.Registry, binder provider.Binder, policy watchdog.PolicySource, lg *logger.Logger) *Service {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Service{
		registry: reg,
		binder:   binder,
		policy:   policy,
		selector: routing.NewSelector(reg, lg),
		logger:   lg,
	}
}

// Resolve builds the attempt queue for the call and starts processing it.
// The terminal outcome arrives on sink exactly once; the returned
// coordinator lets the caller abort. A validation error means processing
// never started and nothing will reach the sink.
func (s *Service) Resolve(ctx context.Context, call *domain.CallRequest, sink provider.ResponseSink) (*processor.Coordinator, error) {
	if err := validate(call); err != nil {
		return nil, err
	}

	attempts := s.selector.AttemptsFor(ctx, call)
	s.logger.Info("resolved attempt queue",
		zap.String("call.id", call.ID.String()),
		zap.Bool("emergency", call.Emergency),
		zap.Int("attempts", len(attempts)))

	opts := []processor.Option{processor.WithLogger(s.logger)}
	if call.Emergency {
		wd := watchdog.New(s.policy, s.registry.SystemRelayComponent(ctx), s.logger)
		opts = append(opts, processor.WithWatchdog(wd))
	}

	coordinator := processor.New(call, attempts, s.binder, sink, opts...)
	coordinator.Process(ctx)
	return coordinator, nil
}

func validate(call *domain.CallRequest) error {
	if call == nil {
		return fmt.Errorf("%w: call request is required", apperrors.ErrValidation)
	}
	if call.ID == uuid.Nil {
		return fmt.Errorf("%w: call id is required", apperrors.ErrValidation)
	}
	if call.UserID == "" {
		return fmt.Errorf("%w: user id is required", apperrors.ErrValidation)
	}
	return nil
}
