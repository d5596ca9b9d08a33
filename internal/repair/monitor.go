package repair

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Remediator performs one repair action for a grouped error signature.
type Remediator interface {
	Repair(ctx context.Context, signature string, events []Event) error
}

// RemediatorFunc adapts a function to the Remediator interface.
type RemediatorFunc func(ctx context.Context, signature string, events []Event) error

func (f RemediatorFunc) Repair(ctx context.Context, signature string, events []Event) error {
	return f(ctx, signature, events)
}

// Options tunes the monitor's polling and circuit-breaker behavior.
type Options struct {
	Interval         time.Duration // how often to scan the bus
	Window           time.Duration // how far back to look for events
	FailureThreshold int           // repeated occurrences before attempting a repair
	MaxAttempts      int           // failed repairs per signature before the circuit opens
	RetryBackoff     time.Duration // initial delay between failed attempts on one signature
}

func (o *Options) fill() {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.Window <= 0 {
		o.Window = time.Hour
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 5 * time.Second
	}
}

// signatureState tracks remediation progress for one error signature.
type signatureState struct {
	attempts     int
	circuitOpen  bool
	nextAttempt  time.Time
	backoff      *backoff.ExponentialBackOff
	handledUntil time.Time
}

// Monitor scans the error bus on an interval and triggers remediation when a
// signature repeats past the threshold or any event is critical. After
// MaxAttempts failed repairs for a signature its circuit opens and the
// signature is only logged from then on.
type Monitor struct {
	bus        *Bus
	remediator Remediator
	opts       Options
	logger     *slog.Logger

	mu           sync.Mutex
	states       map[string]*signatureState
	totalRepairs int
	successes    int
	lastCheck    time.Time
}

// NewMonitor creates a Monitor. A nil remediator means every trigger is
// logged but never acted on, which still exercises the circuit bookkeeping.
func NewMonitor(bus *Bus, remediator Remediator, opts Options, logger *slog.Logger) *Monitor {
	opts.fill()
	if logger == nil {
		logger = slog.Default()
	}
	if remediator == nil {
		remediator = RemediatorFunc(func(context.Context, string, []Event) error {
			return fmt.Errorf("no remediator configured")
		})
	}
	return &Monitor{
		bus:        bus,
		remediator: remediator,
		opts:       opts,
		logger:     logger,
		states:     make(map[string]*signatureState),
	}
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.logger.Info("repair monitor started",
		"interval", m.opts.Interval, "window", m.opts.Window)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("repair monitor stopped")
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single scan-and-remediate pass.
func (m *Monitor) RunOnce(ctx context.Context) {
	events := m.bus.Recent(m.opts.Window)
	now := time.Now().UTC()

	m.mu.Lock()
	m.lastCheck = now
	m.mu.Unlock()

	for signature, group := range groupBySignature(events) {
		m.consider(ctx, now, signature, group)
	}
}

// consider decides whether one signature's recent events warrant a repair
// attempt, and runs it if so.
func (m *Monitor) consider(ctx context.Context, now time.Time, signature string, group []Event) {
	m.mu.Lock()
	state := m.states[signature]
	if state == nil {
		state = &signatureState{backoff: newRepairBackoff(m.opts.RetryBackoff)}
		m.states[signature] = state
	}

	// Only events newer than the last successful repair count.
	live := group[:0:0]
	critical := false
	for _, e := range group {
		if !e.Time.After(state.handledUntil) {
			continue
		}
		live = append(live, e)
		if e.Severity == SeverityCritical {
			critical = true
		}
	}

	triggered := critical || len(live) >= m.opts.FailureThreshold
	if !triggered {
		m.mu.Unlock()
		return
	}
	if state.circuitOpen {
		m.mu.Unlock()
		m.logger.Warn("repair circuit open, skipping",
			"signature", signature, "component", live[0].Component, "events", len(live))
		return
	}
	if now.Before(state.nextAttempt) {
		m.mu.Unlock()
		return
	}
	m.totalRepairs++
	m.mu.Unlock()

	m.logger.Info("attempting repair",
		"signature", signature, "component", live[0].Component,
		"events", len(live), "critical", critical)

	err := m.remediator.Repair(ctx, signature, live)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		state.attempts++
		state.nextAttempt = now.Add(state.backoff.NextBackOff())
		if state.attempts >= m.opts.MaxAttempts {
			state.circuitOpen = true
			m.logger.Error("repair exhausted, opening circuit",
				"signature", signature, "attempts", state.attempts, "error", err)
		} else {
			m.logger.Warn("repair failed",
				"signature", signature, "attempt", state.attempts, "error", err)
		}
		return
	}

	m.successes++
	state.attempts = 0
	state.backoff.Reset()
	state.nextAttempt = time.Time{}
	state.handledUntil = now
	m.logger.Info("repair succeeded", "signature", signature)
}

func newRepairBackoff(initial time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0
	return bo
}

func groupBySignature(events []Event) map[string][]Event {
	groups := make(map[string][]Event)
	for _, e := range events {
		groups[e.Signature] = append(groups[e.Signature], e)
	}
	return groups
}

// Health is the monitor's externally visible status.
type Health struct {
	Status         string    `json:"status"` // healthy or degraded
	ErrorsLastHour int       `json:"errors_last_hour"`
	CriticalErrors int       `json:"critical_errors"`
	OpenCircuits   int       `json:"open_circuits"`
	TotalRepairs   int       `json:"total_repairs"`
	SuccessRate    *float64  `json:"success_rate,omitempty"`
	LastCheck      time.Time `json:"last_check"`
}

// Health summarizes the last hour of events and repair outcomes. Status is
// degraded when critical errors were seen or any repair circuit is open.
func (m *Monitor) Health() Health {
	events := m.bus.Recent(time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()

	h := Health{
		Status:         "healthy",
		ErrorsLastHour: len(events),
		TotalRepairs:   m.totalRepairs,
		LastCheck:      m.lastCheck,
	}
	for _, e := range events {
		if e.Severity == SeverityCritical {
			h.CriticalErrors++
		}
	}
	for _, s := range m.states {
		if s.circuitOpen {
			h.OpenCircuits++
		}
	}
	if m.totalRepairs > 0 {
		rate := float64(m.successes) / float64(m.totalRepairs)
		h.SuccessRate = &rate
	}
	if h.CriticalErrors > 0 || h.OpenCircuits > 0 {
		h.Status = "degraded"
	}
	return h
}
