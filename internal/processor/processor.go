package processor

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/call-router/internal/domain"
	"github.com/acme/call-router/internal/provider"
	"github.com/acme/call-router/internal/routing"
	"github.com/acme/call-router/internal/watchdog"
	"github.com/acme/call-router/pkg/logger"
)

// State enumerates coordinator lifecycle states.
type State string

const (
	StateIdle       State = "idle"
	StateAttempting State = "attempting"
	StateSucceeded  State = "succeeded"
	StateExhausted  State = "exhausted"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger attaches a logger.
func WithLogger(lg *logger.Logger) Option {
	return func(c *Coordinator) { c.logger = lg }
}

// WithWatchdog attaches the emergency connect watchdog for this call.
func WithWatchdog(w *watchdog.Watchdog) Option {
	return func(c *Coordinator) { c.watchdog = w }
}

// Coordinator owns one call's attempt queue and drives it to exactly one
// terminal outcome. All mutable state is confined to its mutex: the caller's
// Process, provider callbacks, and Abort all serialize through it, and every
// in-flight attempt carries a generation token so callbacks from superseded
// attempts are discarded.
type Coordinator struct {
	mu sync.Mutex

	call     *domain.CallRequest
	queue    []routing.Attempt
	binder   provider.Binder
	sink     provider.ResponseSink
	watchdog *watchdog.Watchdog
	logger   *logger.Logger
	tracer   trace.Tracer

	// attempted holds every target and relay handle of the original queue,
	// for the watchdog's relay-participation check.
	attempted []domain.AccountHandle

	state      State
	generation int
	current    *activeAttempt
	lastCause  domain.DisconnectCause
	reported   bool
}

type activeAttempt struct {
	attempt       routing.Attempt
	prov          provider.Provider
	generation    int
	relayBypassed bool
}

// New builds a coordinator for the call over the given attempt queue.
func New(call *domain.CallRequest, attempts []routing.Attempt, binder provider.Binder, sink provider.ResponseSink, opts ...Option) *Coordinator {
	c := &Coordinator{
		call:   call,
		queue:  append([]routing.Attempt(nil), attempts...),
		binder: binder,
		sink:   sink,
		logger: logger.Nop(),
		tracer: otel.Tracer("callrouter.processor"),
		state:  StateIdle,
	}
	for _, attempt := range attempts {
		c.attempted = append(c.attempted, attempt.Target.Handle)
		if attempt.Relay != nil {
			c.attempted = append(c.attempted, attempt.Relay.Handle)
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Process starts working the queue. It returns once the first provider
// invocation has been issued (or the queue proved empty); the outcome
// arrives later through the response sink.
func (c *Coordinator) Process(ctx context.Context) {
	c.mu.Lock()
	var report func()
	if c.state == StateIdle {
		report = c.attemptNextLocked(ctx)
	}
	c.mu.Unlock()
	if report != nil {
		report()
	}
}

// Abort cancels the resolution. Any bound provider is torn down best-effort
// and no outcome is reported; the caller initiated the cancellation and
// needs no echo.
func (c *Coordinator) Abort(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateSucceeded || c.state == StateExhausted {
		c.mu.Unlock()
		return
	}
	cur := c.current
	c.state = StateExhausted
	c.generation++
	c.current = nil
	if c.watchdog != nil {
		c.watchdog.Cancel()
	}
	c.mu.Unlock()

	c.logger.Info("resolution aborted", zap.String("call.id", c.call.ID.String()))
	if cur != nil {
		_ = cur.prov.Disconnect(ctx, c.call)
	}
}

// State returns the coordinator state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BoundProvider returns the provider bound by the succeeding attempt, or
// nil before success.
func (c *Coordinator) BoundProvider() provider.Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSucceeded || c.current == nil {
		return nil
	}
	return c.current.prov
}

// attemptNextLocked pops attempts until one is in flight or the queue is
// exhausted. It returns the terminal failure report to run outside the
// lock, or nil when an attempt was issued.
func (c *Coordinator) attemptNextLocked(ctx context.Context) func() {
	for len(c.queue) > 0 {
		attempt := c.queue[0]
		c.queue = c.queue[1:]
		if c.startAttemptLocked(ctx, attempt, false) {
			return nil
		}
	}
	return c.finishLocked(ctx)
}

// startAttemptLocked binds the attempt's provider and issues the create.
// Returns false when the attempt could not be issued; lastCause then holds
// the binding failure.
func (c *Coordinator) startAttemptLocked(ctx context.Context, attempt routing.Attempt, relayBypassed bool) bool {
	bindAccount := attempt.Target
	if attempt.Relay != nil {
		bindAccount = *attempt.Relay
	}

	if !bindAccount.BindPermitted {
		c.lastCause = domain.CauseBindFailed
		c.logger.Warn("provider bind denied",
			zap.String("call.id", c.call.ID.String()),
			zap.String("account", bindAccount.Handle.String()))
		return false
	}

	prov, err := c.binder.ProviderFor(ctx, bindAccount.Handle.Component)
	if err != nil {
		c.lastCause = domain.CauseBindFailed
		c.logger.Warn("provider bind failed",
			zap.String("call.id", c.call.ID.String()),
			zap.String("component", string(bindAccount.Handle.Component)),
			zap.Error(err))
		return false
	}
	if !prov.IsValid(provider.OperationCreateConnection) {
		c.lastCause = domain.CauseBindFailed
		c.logger.Warn("provider does not support createConnection",
			zap.String("component", string(bindAccount.Handle.Component)))
		return false
	}

	c.generation++
	gen := c.generation
	c.current = &activeAttempt{
		attempt:       attempt,
		prov:          prov,
		generation:    gen,
		relayBypassed: relayBypassed,
	}
	c.state = StateAttempting

	var relayHandle *domain.AccountHandle
	if attempt.Relay != nil {
		h := attempt.Relay.Handle
		relayHandle = &h
	}
	c.call.SetAttemptAccounts(attempt.Target.Handle, relayHandle)

	// A timer armed for a superseded relayed attempt must not outlive it:
	// an unwatched attempt (relay bypass, relay-less queue entry) disarms,
	// a watched one replaces the timer.
	if c.watchdog != nil {
		if c.watchdog.IsTimeoutNeeded(c.call, c.attempted, attempt.Relay) {
			c.watchdog.Arm(c.call, attempt.Relay, prov)
		} else {
			c.watchdog.Disarm()
		}
	}

	_, span := c.tracer.Start(ctx, "attempt.create", trace.WithAttributes(
		attribute.String("call.id", c.call.ID.String()),
		attribute.String("target", attempt.Target.Handle.String()),
		attribute.Bool("relayed", attempt.Relay != nil),
		attribute.Int("generation", gen),
	))
	defer span.End()

	c.logger.Info("attempt started",
		zap.String("call.id", c.call.ID.String()),
		zap.String("target", attempt.Target.Handle.String()),
		zap.Bool("relayed", attempt.Relay != nil),
		zap.Int("generation", gen))

	if err := prov.CreateConnection(ctx, c.call, &attemptSink{c: c, generation: gen}); err != nil {
		span.RecordError(err)
		c.lastCause = domain.CauseBindFailed
		c.current = nil
		c.logger.Warn("createConnection rejected",
			zap.String("call.id", c.call.ID.String()),
			zap.Error(err))
		return false
	}
	return true
}

func (c *Coordinator) handleSuccess(ctx context.Context, gen int, payload domain.ConnectionPayload) {
	c.mu.Lock()
	if c.state != StateAttempting || c.current == nil || c.current.generation != gen {
		c.mu.Unlock()
		c.logger.Debug("stale success callback discarded",
			zap.String("call.id", c.call.ID.String()),
			zap.Int("generation", gen))
		return
	}
	c.state = StateSucceeded
	if c.watchdog != nil {
		c.watchdog.Cancel()
	}
	c.markReportedLocked()
	c.mu.Unlock()

	c.logger.Info("call established",
		zap.String("call.id", c.call.ID.String()),
		zap.String("connection.id", payload.ConnectionID.String()))
	c.sink.OnSuccess(ctx, c.call, payload)
}

func (c *Coordinator) handleFailure(ctx context.Context, gen int, cause domain.DisconnectCause) {
	c.mu.Lock()
	if c.state != StateAttempting || c.current == nil || c.current.generation != gen {
		c.mu.Unlock()
		c.logger.Debug("stale failure callback discarded",
			zap.String("call.id", c.call.ID.String()),
			zap.Int("generation", gen))
		return
	}
	cur := c.current
	c.lastCause = cause

	// A local teardown (abort or watchdog cutoff) ends the resolution; it
	// never triggers fallback to the remaining queue.
	if cause == domain.CauseLocal || cause == domain.CauseTimedOut {
		c.logger.Warn("attempt torn down locally",
			zap.String("call.id", c.call.ID.String()),
			zap.String("cause", string(cause)))
		report := c.finishLocked(ctx)
		c.mu.Unlock()
		report()
		return
	}

	// Relay rejection grants the same target one retry without its relay.
	// The bypass never repeats for an attempt and never recurses.
	if cause == domain.CauseRelayRejected && cur.attempt.Relay != nil && !cur.relayBypassed {
		c.logger.Info("relay rejected call, retrying target without relay",
			zap.String("call.id", c.call.ID.String()),
			zap.String("target", cur.attempt.Target.Handle.String()))
		if c.startAttemptLocked(ctx, routing.Attempt{Target: cur.attempt.Target}, true) {
			c.mu.Unlock()
			return
		}
	} else {
		c.logger.Warn("attempt failed",
			zap.String("call.id", c.call.ID.String()),
			zap.String("target", cur.attempt.Target.Handle.String()),
			zap.String("cause", string(cause)))
	}

	report := c.attemptNextLocked(ctx)
	c.mu.Unlock()
	if report != nil {
		report()
	}
}

// finishLocked transitions to Exhausted and prepares the one-and-only
// failure report.
func (c *Coordinator) finishLocked(ctx context.Context) func() {
	c.state = StateExhausted
	c.current = nil
	if c.watchdog != nil {
		c.watchdog.Cancel()
	}
	cause := c.lastCause
	if cause == domain.CauseNone {
		cause = domain.CauseError
	}
	c.markReportedLocked()

	c.logger.Warn("attempt queue exhausted",
		zap.String("call.id", c.call.ID.String()),
		zap.String("cause", string(cause)))
	return func() {
		c.sink.OnFailure(ctx, c.call, cause)
	}
}

// markReportedLocked enforces the at-most-once outcome contract. A second
// report means the generation or terminal-state guards are broken, which is
// a programming error, not a condition to swallow.
func (c *Coordinator) markReportedLocked() {
	if c.reported {
		panic("processor: outcome already reported for call " + c.call.ID.String())
	}
	c.reported = true
}

// attemptSink tags provider callbacks with the generation of the attempt
// they belong to.
type attemptSink struct {
	c          *Coordinator
	generation int
}

func (s *attemptSink) OnSuccess(ctx context.Context, _ *domain.CallRequest, payload domain.ConnectionPayload) {
	s.c.handleSuccess(ctx, s.generation, payload)
}

func (s *attemptSink) OnFailure(ctx context.Context, _ *domain.CallRequest, cause domain.DisconnectCause) {
	s.c.handleFailure(ctx, s.generation, cause)
}
