package siem

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCorrelationWindow groups related events into one incident.
const DefaultCorrelationWindow = 300 * time.Second

// Correlator assigns a shared correlation id to events from the same
// actor within the window, so a burst of related events reads as one
// incident downstream.
type Correlator struct {
	mu sync.Mutex

	window time.Duration
	open   map[string]*incident
	now    func() time.Time
}

type incident struct {
	id      string
	started time.Time
	count   int
}

// CorrelatorOption configures the correlator.
type CorrelatorOption func(*Correlator)

// WithCorrelatorClock injects time, for tests.
func WithCorrelatorClock(now func() time.Time) CorrelatorOption {
	return func(c *Correlator) { c.now = now }
}

// NewCorrelator builds a correlator; window <= 0 takes the default 300 s.
func NewCorrelator(window time.Duration, opts ...CorrelatorOption) *Correlator {
	if window <= 0 {
		window = DefaultCorrelationWindow
	}
	c := &Correlator{
		window: window,
		open:   make(map[string]*incident),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// correlationKey buckets by actor: agent when known, else source IP,
// else tenant.
func correlationKey(event *Event) string {
	switch {
	case event.AgentID != "":
		return "agent:" + event.AgentID
	case event.SourceIP != "":
		return "ip:" + event.SourceIP
	case event.TenantID != "":
		return "tenant:" + event.TenantID
	}
	return "anonymous"
}

// Correlate returns the incident id for the event, opening a new incident
// when the actor's previous one expired.
func (c *Correlator) Correlate(event *Event) string {
	key := correlationKey(event)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked(now)
	inc, ok := c.open[key]
	if !ok {
		inc = &incident{id: uuid.NewString(), started: now}
		c.open[key] = inc
	}
	inc.count++
	return inc.id
}

func (c *Correlator) expireLocked(now time.Time) {
	for key, inc := range c.open {
		if now.Sub(inc.started) >= c.window {
			delete(c.open, key)
		}
	}
}

// OpenIncidents reports the current incident count.
func (c *Correlator) OpenIncidents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(c.now())
	return len(c.open)
}
