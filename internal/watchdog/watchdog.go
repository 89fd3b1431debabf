package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/acme/call-router/internal/domain"
	"github.com/acme/call-router/pkg/logger"
)

// PolicySource supplies the watchdog deadlines for a call.
type PolicySource interface {
	StandardTimeout(call *domain.CallRequest) time.Duration
	ExtendedTimeout(call *domain.CallRequest) time.Duration
}

// StaticPolicy is a PolicySource with fixed durations.
type StaticPolicy struct {
	Standard time.Duration
	Extended time.Duration
}

func (p StaticPolicy) StandardTimeout(*domain.CallRequest) time.Duration { return p.Standard }
func (p StaticPolicy) ExtendedTimeout(*domain.CallRequest) time.Duration { return p.Extended }

// Disconnecter is the subset of the call provider the watchdog needs.
type Disconnecter interface {
	Disconnect(ctx context.Context, call *domain.CallRequest) error
}

// Watchdog bounds the wall-clock time an emergency call may spend
// connecting through a relay. One instance serves one call resolution; it
// fires at most once, and never after Cancel.
type Watchdog struct {
	policy      PolicySource
	systemRelay *domain.ComponentID
	logger      *logger.Logger

	// done is the single terminal flag consulted by both the cancel path
	// and the timer callback; whichever flips it first wins the race.
	done atomic.Bool

	mu    sync.Mutex
	seq   int
	timer *time.Timer
}

// New constructs a watchdog for one call resolution.
func New(policy PolicySource, systemRelay *domain.ComponentID, lg *logger.Logger) *Watchdog {
	if lg == nil {
		lg = logger.Nop()
	}
	return &Watchdog{policy: policy, systemRelay: systemRelay, logger: lg}
}

// IsTimeoutNeeded decides whether the current attempt is watched. True only
// for emergency calls currently bound through a relay that participates in
// the attempted handles, is the platform-designated fallback relay
// component, and advertises voice-calling indications.
func (w *Watchdog) IsTimeoutNeeded(call *domain.CallRequest, attempted []domain.AccountHandle, currentRelay *domain.Account) bool {
	if call == nil || !call.Emergency {
		return false
	}
	if currentRelay == nil {
		return false
	}
	if !containsHandle(attempted, currentRelay.Handle) {
		return false
	}
	if w.systemRelay == nil || currentRelay.Handle.Component != *w.systemRelay {
		return false
	}
	return currentRelay.Capabilities.Has(domain.CapVoiceCallingIndications)
}

// Arm schedules the forced-disconnect timer for the attempt, replacing any
// timer from a superseded attempt. The deadline follows the relay's current
// voice-calling availability. Returns false when the watchdog stays
// disarmed.
func (w *Watchdog) Arm(call *domain.CallRequest, relay *domain.Account, prov Disconnecter) bool {
	if w.done.Load() {
		return false
	}
	if relay == nil || !relay.Capabilities.Has(domain.CapVoiceCallingIndications) {
		return false
	}

	var deadline time.Duration
	if relay.Capabilities.Has(domain.CapVoiceCallingAvailable) {
		deadline = w.policy.StandardTimeout(call)
	} else {
		deadline = w.policy.ExtendedTimeout(call)
	}
	if deadline <= 0 {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	seq := w.seq
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(deadline, func() {
		w.fire(seq, call, prov)
	})

	w.logger.Debug("emergency connect watchdog armed",
		zap.String("call.id", call.ID.String()),
		zap.String("relay", relay.Handle.String()),
		zap.Duration("deadline", deadline))
	return true
}

// Disarm stops any pending timer without terminating the watchdog. Used on
// fallback transitions to an unwatched attempt; a later watched attempt in
// the same resolution may arm again.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Cancel disarms the watchdog for good. Safe to call multiple times and
// concurrently with a firing timer; at most one of Cancel and fire takes
// effect.
func (w *Watchdog) Cancel() {
	if !w.done.CompareAndSwap(false, true) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watchdog) fire(seq int, call *domain.CallRequest, prov Disconnecter) {
	w.mu.Lock()
	stale := seq != w.seq
	w.mu.Unlock()
	if stale {
		return
	}
	if !w.done.CompareAndSwap(false, true) {
		return
	}

	w.logger.Warn("emergency connect watchdog fired, forcing disconnect",
		zap.String("call.id", call.ID.String()))
	if err := prov.Disconnect(context.Background(), call); err != nil {
		w.logger.Error("watchdog disconnect", zap.Error(err))
	}
}

func containsHandle(handles []domain.AccountHandle, h domain.AccountHandle) bool {
	for _, candidate := range handles {
		if candidate == h {
			return true
		}
	}
	return false
}
