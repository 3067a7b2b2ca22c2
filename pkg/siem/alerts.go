package siem

import (
	"log/slog"
	"sync"
	"time"
)

// Alert fires when an event type crosses its rate threshold.
type Alert struct {
	Type      EventType `json:"type"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Window    string    `json:"window"`
	FiredAt   time.Time `json:"fired_at"`
}

// Threshold bounds one event type within a sliding window.
type Threshold struct {
	Count  int
	Window time.Duration
}

// DefaultThresholds are the shipped per-type limits.
func DefaultThresholds() map[EventType]Threshold {
	return map[EventType]Threshold{
		EventAuthFailure:     {Count: 10, Window: time.Minute},
		EventPromptInjection: {Count: 3, Window: time.Minute},
		EventHashMismatch:    {Count: 1, Window: time.Minute},
		EventSandboxEscape:   {Count: 1, Window: time.Minute},
		EventRateLimitBreach: {Count: 20, Window: time.Minute},
		EventPolicyViolation: {Count: 15, Window: time.Minute},
		EventTenantViolation: {Count: 1, Window: time.Minute},
	}
}

// AlertManager counts events per type over sliding windows and fires a
// callback when a threshold trips. A tripped type stays quiet until its
// window rolls over.
type AlertManager struct {
	mu sync.Mutex

	thresholds map[EventType]Threshold
	seen       map[EventType][]time.Time
	muted      map[EventType]time.Time
	onAlert    func(Alert)
	logger     *slog.Logger
	now        func() time.Time

	fired []Alert
}

// AlertOption configures the manager.
type AlertOption func(*AlertManager)

// WithAlertClock injects time, for tests.
func WithAlertClock(now func() time.Time) AlertOption {
	return func(a *AlertManager) { a.now = now }
}

// WithAlertHook registers the fired-alert callback.
func WithAlertHook(fn func(Alert)) AlertOption {
	return func(a *AlertManager) { a.onAlert = fn }
}

// NewAlertManager builds a manager; nil thresholds take the defaults.
func NewAlertManager(thresholds map[EventType]Threshold, opts ...AlertOption) *AlertManager {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	a := &AlertManager{
		thresholds: thresholds,
		seen:       make(map[EventType][]time.Time),
		muted:      make(map[EventType]time.Time),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record counts one event and fires an alert if its type crossed the
// threshold inside the window.
func (a *AlertManager) Record(event *Event) {
	th, ok := a.thresholds[event.Type]
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	cutoff := now.Add(-th.Window)
	kept := a.seen[event.Type][:0]
	for _, t := range a.seen[event.Type] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	a.seen[event.Type] = kept

	if len(kept) < th.Count {
		return
	}
	if mutedUntil, muted := a.muted[event.Type]; muted && now.Before(mutedUntil) {
		return
	}
	a.muted[event.Type] = now.Add(th.Window)

	alert := Alert{
		Type:      event.Type,
		Count:     len(kept),
		Threshold: th.Count,
		Window:    th.Window.String(),
		FiredAt:   now,
	}
	a.fired = append(a.fired, alert)
	a.logger.Warn("siem: alert threshold crossed",
		"type", alert.Type, "count", alert.Count, "threshold", alert.Threshold)
	if a.onAlert != nil {
		a.onAlert(alert)
	}
}

// Fired returns every alert raised so far.
func (a *AlertManager) Fired() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Alert(nil), a.fired...)
}
