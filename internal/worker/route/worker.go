package route

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/call-router/internal/app"
	"github.com/acme/call-router/internal/domain"
	"github.com/acme/call-router/internal/queue"
	"github.com/acme/call-router/internal/service/concurrency"
	"github.com/acme/call-router/pkg/logger"
)

// Worker consumes call setup requests and runs them through the resolver.
type Worker struct {
	container *app.Container
	limiter   *concurrency.Limiter
}

// New creates a route worker instance.
func New(container *app.Container) (*Worker, error) {
	limiters, err := container.Limiters()
	if err != nil {
		return nil, err
	}
	return &Worker{container: container, limiter: limiters.Concurrency}, nil
}

// Run starts the worker loop.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.container.Config
	reader := w.container.Kafka.NewReader(cfg.Kafka.SetupTopic, cfg.Kafka.ConsumerGroupID)
	defer reader.Close()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.container.Logger.Error("route worker: fetch message", zap.Error(err))
			continue
		}

		if err := w.processMessage(ctx, reader, m); err != nil {
			w.container.Logger.Error("route worker: process", zap.Error(err))
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, reader *kafka.Reader, m kafka.Message) error {
	var setup queue.SetupMessage
	if err := json.Unmarshal(m.Value, &setup); err != nil {
		_ = reader.CommitMessages(ctx, m)
		return fmt.Errorf("unmarshal setup: %w", err)
	}

	tracer := otel.Tracer("callrouter.routeworker")
	sctx, span := tracer.Start(ctx, "call.resolve", trace.WithAttributes(
		attribute.String("call.id", setup.CallID.String()),
		attribute.String("user.id", setup.UserID),
		attribute.Bool("emergency", setup.Emergency),
	))
	defer span.End()

	release, err := w.waitForSlot(sctx, setup.UserID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if release != nil {
		defer release()
	}

	call := callFromSetup(setup)

	dispatchers, err := w.container.Dispatchers()
	if err != nil {
		span.RecordError(err)
		return err
	}
	services, err := w.container.Services()
	if err != nil {
		span.RecordError(err)
		return err
	}

	sink := &outcomeSink{
		publisher: dispatchers.OutcomePublisher,
		logger:    w.container.Logger,
		started:   time.Now().UTC(),
		done:      make(chan struct{}),
	}

	coordinator, err := services.Resolution.Resolve(sctx, call, sink)
	if err != nil {
		span.RecordError(err)
		_ = reader.CommitMessages(sctx, m)
		return fmt.Errorf("resolve call %s: %w", setup.CallID, err)
	}

	select {
	case <-sink.done:
	case <-ctx.Done():
		coordinator.Abort(context.Background())
		return ctx.Err()
	}

	if err := reader.CommitMessages(sctx, m); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

func (w *Worker) waitForSlot(ctx context.Context, userID string) (func(), error) {
	limiter := w.limiter
	if limiter == nil || userID == "" {
		return nil, nil
	}

	limit := w.container.Config.Throttle.MaxActivePerUser
	if limit <= 0 {
		return nil, nil
	}

	for {
		acquired, err := limiter.Acquire(ctx, userID, limit)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if acquired {
			release := func() {
				if err := limiter.Release(context.Background(), userID); err != nil {
					w.container.Logger.Warn("route worker: release slot", zap.Error(err))
				}
			}
			return release, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func callFromSetup(setup queue.SetupMessage) *domain.CallRequest {
	call := &domain.CallRequest{
		ID:            setup.CallID,
		UserID:        setup.UserID,
		Direction:     domain.CallDirection(setup.Direction),
		Emergency:     setup.Emergency,
		TestEmergency: setup.TestEmergency,
		State:         domain.CallStateNew,
	}
	if setup.PreferredComponent != "" && setup.PreferredAccountID != "" {
		call.PreferredHandle = &domain.AccountHandle{
			Component: domain.ComponentID(setup.PreferredComponent),
			ID:        setup.PreferredAccountID,
			UserID:    setup.UserID,
		}
	}
	return call
}

// outcomeSink publishes the terminal outcome and releases the waiting
// worker goroutine.
type outcomeSink struct {
	publisher *queue.OutcomePublisher
	logger    *logger.Logger
	started   time.Time
	done      chan struct{}
	once      sync.Once
}

func (s *outcomeSink) OnSuccess(ctx context.Context, call *domain.CallRequest, payload domain.ConnectionPayload) {
	s.once.Do(func() {
		defer close(s.done)
		msg := s.base(call)
		msg.Succeeded = true
		msg.ConnectionID = payload.ConnectionID
		if err := s.publisher.PublishOutcome(ctx, msg); err != nil {
			s.logger.Error("route worker: publish outcome", zap.Error(err))
		}
	})
}

func (s *outcomeSink) OnFailure(ctx context.Context, call *domain.CallRequest, cause domain.DisconnectCause) {
	s.once.Do(func() {
		defer close(s.done)
		msg := s.base(call)
		msg.Cause = string(cause)
		if err := s.publisher.PublishOutcome(ctx, msg); err != nil {
			s.logger.Error("route worker: publish outcome", zap.Error(err))
		}
	})
}

func (s *outcomeSink) base(call *domain.CallRequest) queue.OutcomeMessage {
	msg := queue.OutcomeMessage{
		CallID:     call.ID,
		UserID:     call.UserID,
		Emergency:  call.Emergency,
		DurationMs: time.Since(s.started).Milliseconds(),
		OccurredAt: time.Now().UTC(),
	}
	if call.TargetHandle != nil {
		msg.TargetComponent = string(call.TargetHandle.Component)
		msg.TargetAccountID = call.TargetHandle.ID
	}
	if call.RelayHandle != nil {
		msg.RelayComponent = string(call.RelayHandle.Component)
		msg.RelayAccountID = call.RelayHandle.ID
	}
	return msg
}
