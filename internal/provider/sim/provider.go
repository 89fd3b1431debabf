package sim

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-router/internal/config"
	"github.com/acme/call-router/internal/domain"
	"github.com/acme/call-router/internal/provider"
)

// Outcome scripts the result of one create-connection invocation.
type Outcome struct {
	Succeed bool
	Cause   domain.DisconnectCause
	Delay   time.Duration
}

// Provider simulates a call provider. Results are delivered asynchronously
// on a per-invocation goroutine; unscripted handles resolve from the
// configured failure rate.
type Provider struct {
	mu       sync.Mutex
	delay    time.Duration
	failRate float64
	rng      *rand.Rand
	script   map[string]Outcome // target handle key -> outcome
	pending  map[uuid.UUID]chan struct{}
	created  int
	torn     int
}

// NewProvider constructs a simulated provider.
func NewProvider(cfg config.ProviderConfig) *Provider {
	delay := cfg.ResponseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	return &Provider{
		delay:    delay,
		failRate: cfg.FailureRate,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		script:   make(map[string]Outcome),
		pending:  make(map[uuid.UUID]chan struct{}),
	}
}

// Script fixes the outcome for attempts targeting the given account.
func (p *Provider) Script(handle domain.AccountHandle, out Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script[handle.Key()] = out
}

// CreateConnection implements provider.Provider.
func (p *Provider) CreateConnection(ctx context.Context, call *domain.CallRequest, sink provider.ResponseSink) error {
	p.mu.Lock()
	out, scripted := p.lookupLocked(call)
	cancel := make(chan struct{})
	p.pending[call.ID] = cancel
	p.created++
	if !scripted {
		out = Outcome{Succeed: p.rng.Float64() >= p.failRate, Cause: domain.CauseError}
	}
	if out.Delay <= 0 {
		out.Delay = p.delay
	}
	p.mu.Unlock()

	go func() {
		timer := time.NewTimer(out.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			p.clearPending(call.ID)
			sink.OnFailure(ctx, call, domain.CauseLocal)
			return
		case <-cancel:
			sink.OnFailure(ctx, call, domain.CauseLocal)
			return
		case <-timer.C:
		}
		p.clearPending(call.ID)
		if out.Succeed {
			sink.OnSuccess(ctx, call, domain.ConnectionPayload{ConnectionID: uuid.New()})
			return
		}
		sink.OnFailure(ctx, call, out.Cause)
	}()

	return nil
}

func (p *Provider) lookupLocked(call *domain.CallRequest) (Outcome, bool) {
	// Relay attempts are keyed on the relay handle so a scripted relay
	// rejection applies regardless of the wrapped target.
	if call.RelayHandle != nil {
		if out, ok := p.script[call.RelayHandle.Key()]; ok {
			return out, true
		}
	}
	if call.TargetHandle != nil {
		if out, ok := p.script[call.TargetHandle.Key()]; ok {
			return out, true
		}
	}
	return Outcome{}, false
}

// Disconnect implements provider.Provider. A pending create for the call is
// cancelled and resolves with a local cause.
func (p *Provider) Disconnect(_ context.Context, call *domain.CallRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.torn++
	if cancel, ok := p.pending[call.ID]; ok {
		delete(p.pending, call.ID)
		close(cancel)
	}
	return nil
}

// IsValid implements provider.Provider.
func (p *Provider) IsValid(operation string) bool {
	switch operation {
	case provider.OperationCreateConnection, provider.OperationDisconnect:
		return true
	}
	return false
}

// Disconnects reports how many disconnects the provider has served.
func (p *Provider) Disconnects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.torn
}

// Creates reports how many create-connection invocations were issued.
func (p *Provider) Creates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

func (p *Provider) clearPending(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, id)
}
