package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisRegistryForTest(t *testing.T) *RedisRegistry {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRegistryWithClient(client, time.Second)
}

func TestRedisRegistryRegisterGet(t *testing.T) {
	ctx := context.Background()
	r := redisRegistryForTest(t)

	require.NoError(t, r.Register(ctx, activeAgent("agent-a", "t1", "analysis")))

	got, err := r.Get(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, []string{"analysis"}, got.Capabilities)
}

func TestRedisRegistryNoOverwrite(t *testing.T) {
	ctx := context.Background()
	r := redisRegistryForTest(t)

	require.NoError(t, r.Register(ctx, activeAgent("agent-a", "t1")))
	err := r.Register(ctx, activeAgent("agent-a", "t2"))
	assert.ErrorIs(t, err, ErrAgentExists)

	got, err := r.Get(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TenantID)
}

func TestRedisRegistryUnregister(t *testing.T) {
	ctx := context.Background()
	r := redisRegistryForTest(t)

	require.NoError(t, r.Register(ctx, activeAgent("agent-a", "t1")))
	require.NoError(t, r.Unregister(ctx, "agent-a"))
	assert.ErrorIs(t, r.Unregister(ctx, "agent-a"), ErrAgentNotFound)
	_, err := r.Get(ctx, "agent-a")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRedisRegistryListExists(t *testing.T) {
	ctx := context.Background()
	r := redisRegistryForTest(t)

	require.NoError(t, r.Register(ctx, activeAgent("b", "t1")))
	require.NoError(t, r.Register(ctx, activeAgent("a", "t2")))

	ids, err := r.ListAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	ok, err := r.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.Exists(ctx, "zz")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisRegistryUpdateMetadata(t *testing.T) {
	ctx := context.Background()
	r := redisRegistryForTest(t)

	require.NoError(t, r.Register(ctx, activeAgent("agent-a", "t1")))
	err := r.UpdateMetadata(ctx, "agent-a", func(rec *AgentRecord) {
		if rec.Metadata == nil {
			rec.Metadata = map[string]any{}
		}
		rec.Metadata["region"] = "eu-west-1"
	})
	require.NoError(t, err)

	got, err := r.Get(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", got.Metadata["region"])

	err = r.UpdateMetadata(ctx, "ghost", func(*AgentRecord) {})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRedisRegistrySnapshotClear(t *testing.T) {
	ctx := context.Background()
	r := redisRegistryForTest(t)

	require.NoError(t, r.Register(ctx, activeAgent("a", "t1")))
	require.NoError(t, r.Register(ctx, activeAgent("b", "t2")))

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].AgentID)

	require.NoError(t, r.Clear(ctx))
	ids, err := r.ListAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
