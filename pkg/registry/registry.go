// Package registry is the source of truth for registered agents. It owns
// every AgentRecord; callers get snapshot copies, never shared pointers.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrAgentExists   = errors.New("agent already registered")
	ErrAgentNotFound = errors.New("agent not found")
)

// AgentStatus is the lifecycle state of a registration.
type AgentStatus string

const (
	StatusActive    AgentStatus = "active"
	StatusSuspended AgentStatus = "suspended"
)

// AgentRecord describes one registered agent.
type AgentRecord struct {
	AgentID           string         `json:"agent_id"`
	AgentType         string         `json:"agent_type"`
	Capabilities      []string       `json:"capabilities,omitempty"`
	TenantID          string         `json:"tenant_id,omitempty"`
	ConstitutionalKey string         `json:"constitutional_key,omitempty"`
	Status            AgentStatus    `json:"status"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	RegisteredAt      time.Time      `json:"registered_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// HasCapabilities reports whether the record's capability set covers every
// requested capability.
func (r *AgentRecord) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(r.Capabilities))
	for _, c := range r.Capabilities {
		have[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

func (r *AgentRecord) clone() *AgentRecord {
	c := *r
	c.Capabilities = append([]string(nil), r.Capabilities...)
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Registry is the agent directory. All operations are safe for concurrent
// use. Register never overwrites; re-registering an id fails with
// ErrAgentExists.
type Registry interface {
	Register(ctx context.Context, rec *AgentRecord) error
	Unregister(ctx context.Context, agentID string) error
	Get(ctx context.Context, agentID string) (*AgentRecord, error)
	ListAgents(ctx context.Context) ([]string, error)
	Exists(ctx context.Context, agentID string) (bool, error)
	UpdateMetadata(ctx context.Context, agentID string, update func(*AgentRecord)) error
	Clear(ctx context.Context) error
}

// InMemoryRegistry is the default single-process implementation.
type InMemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{agents: make(map[string]*AgentRecord)}
}

func (r *InMemoryRegistry) Register(_ context.Context, rec *AgentRecord) error {
	if rec == nil || rec.AgentID == "" {
		return errors.New("registration requires an agent_id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[rec.AgentID]; ok {
		return ErrAgentExists
	}
	stored := rec.clone()
	now := time.Now().UTC()
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = now
	}
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = StatusActive
	}
	r.agents[rec.AgentID] = stored
	return nil
}

func (r *InMemoryRegistry) Unregister(_ context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		return ErrAgentNotFound
	}
	delete(r.agents, agentID)
	return nil
}

// Get returns a snapshot copy; mutating it does not affect the registry.
func (r *InMemoryRegistry) Get(_ context.Context, agentID string) (*AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return rec.clone(), nil
}

func (r *InMemoryRegistry) ListAgents(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *InMemoryRegistry) Exists(_ context.Context, agentID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok, nil
}

// UpdateMetadata applies update under the write lock, so the read-modify-
// write is atomic with respect to other mutations.
func (r *InMemoryRegistry) UpdateMetadata(_ context.Context, agentID string, update func(*AgentRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	update(rec)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Clear wipes the registry. Test support only.
func (r *InMemoryRegistry) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*AgentRecord)
	return nil
}

// Snapshot returns copies of all records, for broadcast fan-out and
// capability search. Callers own the returned slice.
func (r *InMemoryRegistry) Snapshot(_ context.Context) ([]*AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// Snapshotter is implemented by registries that can enumerate full records
// in one call. The router prefers it over per-id Gets.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]*AgentRecord, error)
}
