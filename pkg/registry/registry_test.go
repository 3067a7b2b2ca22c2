package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeAgent(id, tenant string, caps ...string) *AgentRecord {
	return &AgentRecord{
		AgentID:      id,
		AgentType:    "worker",
		TenantID:     tenant,
		Capabilities: caps,
	}
}

func TestInMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewInMemoryRegistry()

	t.Run("Register and Get", func(t *testing.T) {
		err := r.Register(ctx, activeAgent("agent-a", "t1", "analysis"))
		require.NoError(t, err)

		got, err := r.Get(ctx, "agent-a")
		require.NoError(t, err)
		assert.Equal(t, "t1", got.TenantID)
		assert.Equal(t, StatusActive, got.Status)
		assert.False(t, got.RegisteredAt.IsZero())
	})

	t.Run("No Overwrite", func(t *testing.T) {
		err := r.Register(ctx, activeAgent("agent-a", "t2"))
		assert.ErrorIs(t, err, ErrAgentExists)

		got, err := r.Get(ctx, "agent-a")
		require.NoError(t, err)
		assert.Equal(t, "t1", got.TenantID, "existing record must be untouched")
	})

	t.Run("Get Not Found", func(t *testing.T) {
		_, err := r.Get(ctx, "missing-agent")
		assert.ErrorIs(t, err, ErrAgentNotFound)
	})

	t.Run("Get Returns Snapshot", func(t *testing.T) {
		got, err := r.Get(ctx, "agent-a")
		require.NoError(t, err)
		got.TenantID = "mutated"
		got.Capabilities = append(got.Capabilities, "extra")

		again, err := r.Get(ctx, "agent-a")
		require.NoError(t, err)
		assert.Equal(t, "t1", again.TenantID)
		assert.Equal(t, []string{"analysis"}, again.Capabilities)
	})

	t.Run("Exists and List", func(t *testing.T) {
		require.NoError(t, r.Register(ctx, activeAgent("agent-b", "t1")))

		ok, err := r.Exists(ctx, "agent-a")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = r.Exists(ctx, "ghost")
		require.NoError(t, err)
		assert.False(t, ok)

		ids, err := r.ListAgents(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"agent-a", "agent-b"}, ids)
	})

	t.Run("UpdateMetadata", func(t *testing.T) {
		err := r.UpdateMetadata(ctx, "agent-a", func(rec *AgentRecord) {
			if rec.Metadata == nil {
				rec.Metadata = map[string]any{}
			}
			rec.Metadata["load"] = 0.7
			rec.Status = StatusSuspended
		})
		require.NoError(t, err)

		got, err := r.Get(ctx, "agent-a")
		require.NoError(t, err)
		assert.Equal(t, 0.7, got.Metadata["load"])
		assert.Equal(t, StatusSuspended, got.Status)
		assert.True(t, got.UpdatedAt.After(got.RegisteredAt) || got.UpdatedAt.Equal(got.RegisteredAt))

		err = r.UpdateMetadata(ctx, "ghost", func(*AgentRecord) {})
		assert.ErrorIs(t, err, ErrAgentNotFound)
	})

	t.Run("Unregister", func(t *testing.T) {
		require.NoError(t, r.Unregister(ctx, "agent-b"))
		assert.ErrorIs(t, r.Unregister(ctx, "agent-b"), ErrAgentNotFound)
	})

	t.Run("Clear", func(t *testing.T) {
		require.NoError(t, r.Clear(ctx))
		ids, err := r.ListAgents(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestInMemoryRegistryConcurrentRegister(t *testing.T) {
	ctx := context.Background()
	r := NewInMemoryRegistry()

	const goroutines = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Register(ctx, activeAgent("contended", "t1")); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent registration may win")
}

func TestHasCapabilities(t *testing.T) {
	rec := activeAgent("a", "t1", "search", "summarise")
	assert.True(t, rec.HasCapabilities(nil))
	assert.True(t, rec.HasCapabilities([]string{"search"}))
	assert.True(t, rec.HasCapabilities([]string{"search", "summarise"}))
	assert.False(t, rec.HasCapabilities([]string{"search", "execute"}))
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	r := NewInMemoryRegistry()
	require.NoError(t, r.Register(ctx, activeAgent("b", "t2")))
	require.NoError(t, r.Register(ctx, activeAgent("a", "t1")))

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].AgentID)
	assert.Equal(t, "b", snap[1].AgentID)

	snap[0].TenantID = "mutated"
	got, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TenantID)
}
