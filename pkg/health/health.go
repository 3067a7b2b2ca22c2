// Package health aggregates component probes into one roll-up served by
// the daemon's /health endpoint. The aggregate is worst-wins: one
// unhealthy component marks the whole bus unhealthy.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status of a component or the aggregate.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// rank orders statuses for the worst-wins roll-up.
func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// DefaultProbeTimeout bounds one probe call.
const DefaultProbeTimeout = 2 * time.Second

// Probe checks one component. Returning an error maps to unhealthy; a
// non-healthy status with nil error passes through as reported.
type Probe func(ctx context.Context) (Status, string)

// Component is one probe's latest result.
type Component struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	Latency   string    `json:"latency"`
}

// Snapshot is the aggregate roll-up.
type Snapshot struct {
	Status     Status      `json:"status"`
	Components []Component `json:"components"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// Registry holds named probes and runs them on demand.
type Registry struct {
	mu      sync.RWMutex
	probes  map[string]Probe
	timeout time.Duration
	now     func() time.Time
}

// RegistryOption configures the registry.
type RegistryOption func(*Registry)

// WithProbeTimeout overrides the per-probe timeout.
func WithProbeTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock injects time, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds an empty probe registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		probes:  make(map[string]Probe),
		timeout: DefaultProbeTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a component probe.
func (r *Registry) Register(name string, probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[name] = probe
}

// RegisterStatic registers a probe that always reports the given status.
func (r *Registry) RegisterStatic(name string, status Status, detail string) {
	r.Register(name, func(context.Context) (Status, string) { return status, detail })
}

// Check runs every probe with a timeout and rolls the results up,
// worst status winning.
func (r *Registry) Check(ctx context.Context) *Snapshot {
	r.mu.RLock()
	names := make([]string, 0, len(r.probes))
	for name := range r.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	probes := make([]Probe, len(names))
	for i, name := range names {
		probes[i] = r.probes[name]
	}
	r.mu.RUnlock()

	snapshot := &Snapshot{Status: StatusHealthy, CheckedAt: r.now()}
	for i, name := range names {
		component := r.runProbe(ctx, name, probes[i])
		if component.Status.rank() > snapshot.Status.rank() {
			snapshot.Status = component.Status
		}
		snapshot.Components = append(snapshot.Components, component)
	}
	return snapshot
}

func (r *Registry) runProbe(ctx context.Context, name string, probe Probe) Component {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	type result struct {
		status Status
		detail string
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{StatusUnhealthy, fmt.Sprintf("probe panic: %v", rec)}
			}
		}()
		status, detail := probe(ctx)
		done <- result{status, detail}
	}()

	component := Component{Name: name, CheckedAt: r.now()}
	select {
	case res := <-done:
		component.Status = res.status
		component.Detail = res.detail
	case <-ctx.Done():
		component.Status = StatusUnhealthy
		component.Detail = "probe timeout"
	}
	component.Latency = time.Since(start).Round(time.Microsecond).String()
	return component
}

// Handler serves the JSON snapshot; 200 for healthy and degraded, 503
// for unhealthy.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		snapshot := r.Check(req.Context())
		w.Header().Set("Content-Type", "application/json")
		if snapshot.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snapshot)
	})
}
