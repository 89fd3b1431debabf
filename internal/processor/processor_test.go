package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/call-router/internal/domain"
	"github.com/acme/call-router/internal/provider"
	"github.com/acme/call-router/internal/routing"
	"github.com/acme/call-router/internal/watchdog"
)

const emergencyCaps = domain.CapSIMSubscription | domain.CapPlaceEmergencyCalls

func account(component, id string, slot int, caps domain.Capability) domain.Account {
	return domain.Account{
		Handle: domain.AccountHandle{
			Component: domain.ComponentID(component),
			ID:        id,
			UserID:    "user0",
		},
		Capabilities:  caps,
		BindPermitted: true,
		SlotIndex:     slot,
	}
}

func newCall() *domain.CallRequest {
	return &domain.CallRequest{
		ID:        uuid.New(),
		UserID:    "user0",
		Direction: domain.DirectionOutgoing,
		Emergency: true,
		State:     domain.CallStateNew,
	}
}

// createRecord captures one createConnection invocation: the routing fields
// the coordinator had set on the call, and the sink to complete it with.
type createRecord struct {
	target *domain.AccountHandle
	relay  *domain.AccountHandle
	sink   provider.ResponseSink
}

type fakeProvider struct {
	mu          sync.Mutex
	creates     []createRecord
	disconnects int
	createErr   error
}

func (f *fakeProvider) CreateConnection(_ context.Context, call *domain.CallRequest, sink provider.ResponseSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	rec := createRecord{sink: sink}
	if call.TargetHandle != nil {
		h := *call.TargetHandle
		rec.target = &h
	}
	if call.RelayHandle != nil {
		h := *call.RelayHandle
		rec.relay = &h
	}
	f.creates = append(f.creates, rec)
	return nil
}

func (f *fakeProvider) Disconnect(context.Context, *domain.CallRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeProvider) IsValid(string) bool { return true }

func (f *fakeProvider) record(t *testing.T, i int) createRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.creates) {
		t.Fatalf("create %d not issued, have %d", i, len(f.creates))
	}
	return f.creates[i]
}

func (f *fakeProvider) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func (f *fakeProvider) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type fakeBinder struct {
	prov provider.Provider
}

func (b *fakeBinder) ProviderFor(context.Context, domain.ComponentID) (provider.Provider, error) {
	return b.prov, nil
}

type recordSink struct {
	mu        sync.Mutex
	successes int
	failures  []domain.DisconnectCause
}

func (s *recordSink) OnSuccess(context.Context, *domain.CallRequest, domain.ConnectionPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
}

func (s *recordSink) OnFailure(_ context.Context, _ *domain.CallRequest, cause domain.DisconnectCause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, cause)
}

func (s *recordSink) counts() (int, []domain.DisconnectCause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successes, append([]domain.DisconnectCause(nil), s.failures...)
}

func TestEmptyQueueReportsErrorOnce(t *testing.T) {
	call := newCall()
	sink := &recordSink{}
	c := New(call, nil, &fakeBinder{prov: &fakeProvider{}}, sink)

	c.Process(context.Background())

	if got := c.State(); got != StateExhausted {
		t.Fatalf("state = %s, want %s", got, StateExhausted)
	}
	successes, failures := sink.counts()
	if successes != 0 || len(failures) != 1 || failures[0] != domain.CauseError {
		t.Fatalf("got successes=%d failures=%v, want one error failure", successes, failures)
	}
}

func TestSuccessOnFirstAttempt(t *testing.T) {
	call := newCall()
	target := account("tel", "zero", 0, emergencyCaps)
	prov := &fakeProvider{}
	sink := &recordSink{}
	c := New(call, []routing.Attempt{{Target: target}}, &fakeBinder{prov: prov}, sink)

	c.Process(context.Background())
	rec := prov.record(t, 0)
	rec.sink.OnSuccess(context.Background(), call, domain.ConnectionPayload{ConnectionID: uuid.New()})

	if got := c.State(); got != StateSucceeded {
		t.Fatalf("state = %s, want %s", got, StateSucceeded)
	}
	successes, failures := sink.counts()
	if successes != 1 || len(failures) != 0 {
		t.Fatalf("got successes=%d failures=%v, want exactly one success", successes, failures)
	}
	if call.TargetHandle == nil || *call.TargetHandle != target.Handle {
		t.Errorf("call target not bound: %v", call.TargetHandle)
	}
	if c.BoundProvider() == nil {
		t.Errorf("bound provider not exposed after success")
	}
}

func TestFailureAdvancesQueue(t *testing.T) {
	call := newCall()
	first := account("tel", "zero", 0, emergencyCaps)
	second := account("tel", "one", 1, emergencyCaps)
	prov := &fakeProvider{}
	sink := &recordSink{}
	c := New(call, []routing.Attempt{{Target: first}, {Target: second}}, &fakeBinder{prov: prov}, sink)

	c.Process(context.Background())
	prov.record(t, 0).sink.OnFailure(context.Background(), call, domain.CauseBusy)

	rec := prov.record(t, 1)
	if rec.target == nil || *rec.target != second.Handle {
		t.Fatalf("second attempt targets %v, want %v", rec.target, second.Handle)
	}
	rec.sink.OnSuccess(context.Background(), call, domain.ConnectionPayload{})

	successes, failures := sink.counts()
	if successes != 1 || len(failures) != 0 {
		t.Fatalf("got successes=%d failures=%v", successes, failures)
	}
	if call.TargetHandle == nil || *call.TargetHandle != second.Handle {
		t.Errorf("call bound to %v, want %v", call.TargetHandle, second.Handle)
	}
}

func TestRelayRejectedRetriesTargetWithoutRelay(t *testing.T) {
	call := newCall()
	target := account("tel", "zero", 0, emergencyCaps)
	relay := account("relay", "cm", domain.InvalidSlotIndex, domain.CapVoiceCallingIndications)
	prov := &fakeProvider{}
	sink := &recordSink{}
	c := New(call, []routing.Attempt{{Target: target, Relay: &relay}}, &fakeBinder{prov: prov}, sink)

	c.Process(context.Background())
	first := prov.record(t, 0)
	if first.relay == nil || *first.relay != relay.Handle {
		t.Fatalf("first attempt missing relay binding")
	}

	first.sink.OnFailure(context.Background(), call, domain.CauseRelayRejected)

	retry := prov.record(t, 1)
	if retry.target == nil || *retry.target != target.Handle {
		t.Fatalf("retry targets %v, want %v", retry.target, target.Handle)
	}
	if retry.relay != nil {
		t.Fatalf("retry must not carry the relay")
	}

	retry.sink.OnSuccess(context.Background(), call, domain.ConnectionPayload{})
	successes, failures := sink.counts()
	if successes != 1 || len(failures) != 0 {
		t.Fatalf("got successes=%d failures=%v", successes, failures)
	}
	if call.RelayHandle != nil {
		t.Errorf("relay still bound on call after bypass success")
	}
}

func TestRelayBypassDoesNotRepeat(t *testing.T) {
	call := newCall()
	target := account("tel", "zero", 0, emergencyCaps)
	relay := account("relay", "cm", domain.InvalidSlotIndex, 0)
	prov := &fakeProvider{}
	sink := &recordSink{}
	c := New(call, []routing.Attempt{{Target: target, Relay: &relay}}, &fakeBinder{prov: prov}, sink)

	c.Process(context.Background())
	prov.record(t, 0).sink.OnFailure(context.Background(), call, domain.CauseRelayRejected)
	// The bypass attempt fails with the same cause; with no relay left it
	// must not retry again.
	prov.record(t, 1).sink.OnFailure(context.Background(), call, domain.CauseRelayRejected)

	if got := prov.createCount(); got != 2 {
		t.Fatalf("got %d creates, want 2", got)
	}
	if got := c.State(); got != StateExhausted {
		t.Fatalf("state = %s, want %s", got, StateExhausted)
	}
	successes, failures := sink.counts()
	if successes != 0 || len(failures) != 1 || failures[0] != domain.CauseRelayRejected {
		t.Fatalf("got successes=%d failures=%v", successes, failures)
	}
}

func TestExhaustionReportsLastCause(t *testing.T) {
	call := newCall()
	prov := &fakeProvider{}
	sink := &recordSink{}
	c := New(call, []routing.Attempt{
		{Target: account("tel", "zero", 0, emergencyCaps)},
		{Target: account("tel", "one", 1, emergencyCaps)},
	}, &fakeBinder{prov: prov}, sink)

	c.Process(context.Background())
	prov.record(t, 0).sink.OnFailure(context.Background(), call, domain.CauseBusy)
	prov.record(t, 1).sink.OnFailure(context.Background(), call, domain.CauseRejected)

	successes, failures := sink.counts()
	if successes != 0 || len(failures) != 1 || failures[0] != domain.CauseRejected {
		t.Fatalf("got successes=%d failures=%v, want single rejected failure", successes, failures)
	}
}

func TestRelayBypassDisarmsWatchdog(t *testing.T) {
	call := newCall()
	systemRelay := domain.ComponentID("relay")
	target := account("tel", "zero", 0, emergencyCaps)
	relay := account("relay", "cm", domain.InvalidSlotIndex,
		domain.CapVoiceCallingIndications|domain.CapVoiceCallingAvailable)
	prov := &fakeProvider{}
	sink := &recordSink{}
	wd := watchdog.New(watchdog.StaticPolicy{Standard: 30 * time.Millisecond, Extended: time.Minute}, &systemRelay, nil)
	c := New(call, []routing.Attempt{{Target: target, Relay: &relay}},
		&fakeBinder{prov: prov}, sink, WithWatchdog(wd))

	c.Process(context.Background())
	prov.record(t, 0).sink.OnFailure(context.Background(), call, domain.CauseRelayRejected)

	// The direct bypass attempt is unwatched; the timer armed for the
	// relayed attempt must not survive into it.
	time.Sleep(90 * time.Millisecond)
	if got := prov.disconnectCount(); got != 0 {
		t.Fatalf("watchdog fired during unwatched direct attempt: %d disconnects, want 0", got)
	}
	if got := c.State(); got != StateAttempting {
		t.Fatalf("state = %s, want %s", got, StateAttempting)
	}

	prov.record(t, 1).sink.OnSuccess(context.Background(), call, domain.ConnectionPayload{})
	successes, failures := sink.counts()
	if successes != 1 || len(failures) != 0 {
		t.Fatalf("got successes=%d failures=%v", successes, failures)
	}
}

func TestWatchdogRearmedForLaterRelayedAttempt(t *testing.T) {
	call := newCall()
	systemRelay := domain.ComponentID("relay")
	direct := account("tel", "zero", 0, emergencyCaps)
	second := account("tel", "one", 1, emergencyCaps)
	relay := account("relay", "cm", domain.InvalidSlotIndex,
		domain.CapVoiceCallingIndications|domain.CapVoiceCallingAvailable)
	prov := &fakeProvider{}
	sink := &recordSink{}
	wd := watchdog.New(watchdog.StaticPolicy{Standard: 30 * time.Millisecond, Extended: time.Minute}, &systemRelay, nil)
	c := New(call, []routing.Attempt{
		{Target: direct},
		{Target: second, Relay: &relay},
	}, &fakeBinder{prov: prov}, sink, WithWatchdog(wd))

	c.Process(context.Background())
	// Direct first attempt is unwatched; its failure moves the queue to a
	// relayed attempt that must be watchable again.
	prov.record(t, 0).sink.OnFailure(context.Background(), call, domain.CauseBusy)

	deadline := time.After(2 * time.Second)
	for prov.disconnectCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("watchdog never fired for the relayed attempt")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := prov.disconnectCount(); got != 1 {
		t.Fatalf("got %d disconnects, want 1", got)
	}
}

func TestLocalTeardownDoesNotAdvanceQueue(t *testing.T) {
	call := newCall()
	prov := &fakeProvider{}
	sink := &recordSink{}
	c := New(call, []routing.Attempt{
		{Target: account("tel", "zero", 0, emergencyCaps)},
		{Target: account("tel", "one", 1, emergencyCaps)},
	}, &fakeBinder{prov: prov}, sink)

	c.Process(context.Background())
	// A forced disconnect surfaces as a local cause; the second queued
	// account must not be tried.
	prov.record(t, 0).sink.OnFailure(context.Background(), call, domain.CauseLocal)

	if got := prov.createCount(); got != 1 {
		t.Fatalf("got %d creates, want 1", got)
	}
	if got := c.State(); got != StateExhausted {
		t.Fatalf("state = %s, want %s", got, StateExhausted)
	}
	successes, failures := sink.counts()
	if successes != 0 || len(failures) != 1 || failures[0] != domain.CauseLocal {
		t.Fatalf("got successes=%d failures=%v", successes, failures)
	}
}

func TestBindDeniedFailsAttempt(t *testing.T) {
	call := newCall()
	denied := account("tel", "zero", 0, emergencyCaps)
	denied.BindPermitted = false
	prov := &fakeProvider{}
	sink := &recordSink{}
	c := New(call, []routing.Attempt{{Target: denied}}, &fakeBinder{prov: prov}, sink)

	c.Process(context.Background())

	if got := prov.createCount(); got != 0 {
		t.Fatalf("got %d creates for a bind-denied account, want 0", got)
	}
	successes, failures := sink.counts()
	if successes != 0 || len(failures) != 1 || failures[0] != domain.CauseBindFailed {
		t.Fatalf("got successes=%d failures=%v", successes, failures)
	}
}

func TestAbortDisconnectsWithoutReporting(t *testing.T) {
	call := newCall()
	target := account("tel", "zero", 0, emergencyCaps)
	prov := &fakeProvider{}
	sink := &recordSink{}
	c := New(call, []routing.Attempt{{Target: target}}, &fakeBinder{prov: prov}, sink)

	c.Process(context.Background())
	rec := prov.record(t, 0)

	c.Abort(context.Background())

	if got := prov.disconnectCount(); got != 1 {
		t.Fatalf("got %d disconnects, want 1", got)
	}
	if got := c.State(); got != StateExhausted {
		t.Fatalf("state = %s, want %s", got, StateExhausted)
	}

	// A provider callback racing the abort is stale and must be ignored.
	rec.sink.OnSuccess(context.Background(), call, domain.ConnectionPayload{})
	successes, failures := sink.counts()
	if successes != 0 || len(failures) != 0 {
		t.Fatalf("abort must not report, got successes=%d failures=%v", successes, failures)
	}
}

func TestStaleCallbackAfterFallbackDiscarded(t *testing.T) {
	call := newCall()
	target := account("tel", "zero", 0, emergencyCaps)
	relay := account("relay", "cm", domain.InvalidSlotIndex, 0)
	prov := &fakeProvider{}
	sink := &recordSink{}
	c := New(call, []routing.Attempt{{Target: target, Relay: &relay}}, &fakeBinder{prov: prov}, sink)

	c.Process(context.Background())
	first := prov.record(t, 0)
	first.sink.OnFailure(context.Background(), call, domain.CauseRelayRejected)

	// Duplicate delivery for the superseded attempt.
	first.sink.OnFailure(context.Background(), call, domain.CauseError)
	first.sink.OnSuccess(context.Background(), call, domain.ConnectionPayload{})

	if got := prov.createCount(); got != 2 {
		t.Fatalf("stale callbacks advanced the queue: %d creates", got)
	}
	if got := c.State(); got != StateAttempting {
		t.Fatalf("state = %s, want %s", got, StateAttempting)
	}
	successes, failures := sink.counts()
	if successes != 0 || len(failures) != 0 {
		t.Fatalf("stale callbacks reported an outcome: successes=%d failures=%v", successes, failures)
	}
}
