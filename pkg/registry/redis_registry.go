package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// registryHashKey is the single Redis hash holding all registrations:
// field = agent_id, value = JSON-encoded AgentRecord.
const registryHashKey = "acgs2:registry:agents"

// RedisRegistry is the distributed registry for multi-process deployments.
// Creation uses HSETNX so concurrent registrations of the same id resolve
// to exactly one winner.
type RedisRegistry struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisRegistry connects to the given redis:// URL. The client pools
// connections internally and is reused across calls.
func NewRedisRegistry(url string, timeout time.Duration) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis registry: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RedisRegistry{client: redis.NewClient(opts), timeout: timeout}, nil
}

// NewRedisRegistryWithClient wraps an existing client. Used by tests and by
// callers sharing one pool across subsystems.
func NewRedisRegistryWithClient(client *redis.Client, timeout time.Duration) *RedisRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RedisRegistry{client: client, timeout: timeout}
}

func (r *RedisRegistry) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func (r *RedisRegistry) Register(ctx context.Context, rec *AgentRecord) error {
	if rec == nil || rec.AgentID == "" {
		return errors.New("registration requires an agent_id")
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
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode agent record: %w", err)
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	created, err := r.client.HSetNX(ctx, registryHashKey, rec.AgentID, raw).Result()
	if err != nil {
		return fmt.Errorf("redis register: %w", err)
	}
	if !created {
		return ErrAgentExists
	}
	return nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, agentID string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	removed, err := r.client.HDel(ctx, registryHashKey, agentID).Result()
	if err != nil {
		return fmt.Errorf("redis unregister: %w", err)
	}
	if removed == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, agentID string) (*AgentRecord, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	raw, err := r.client.HGet(ctx, registryHashKey, agentID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var rec AgentRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode agent record: %w", err)
	}
	return &rec, nil
}

func (r *RedisRegistry) ListAgents(ctx context.Context) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	ids, err := r.client.HKeys(ctx, registryHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisRegistry) Exists(ctx context.Context, agentID string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	ok, err := r.client.HExists(ctx, registryHashKey, agentID).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return ok, nil
}

// UpdateMetadata runs an optimistic WATCH transaction so concurrent updates
// to the same record retry instead of clobbering each other.
func (r *RedisRegistry) UpdateMetadata(ctx context.Context, agentID string, update func(*AgentRecord)) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.HGet(ctx, registryHashKey, agentID).Result()
			if errors.Is(err, redis.Nil) {
				return ErrAgentNotFound
			}
			if err != nil {
				return err
			}
			var rec AgentRecord
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				return fmt.Errorf("decode agent record: %w", err)
			}
			update(&rec)
			rec.UpdatedAt = time.Now().UTC()
			encoded, err := json.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("encode agent record: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, registryHashKey, agentID, encoded)
				return nil
			})
			return err
		}, registryHashKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis update: too many conflicts for %s", agentID)
}

func (r *RedisRegistry) Clear(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.Del(ctx, registryHashKey).Err(); err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	return nil
}

// Snapshot loads every record with one HGETALL.
func (r *RedisRegistry) Snapshot(ctx context.Context) ([]*AgentRecord, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	raw, err := r.client.HGetAll(ctx, registryHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis snapshot: %w", err)
	}
	out := make([]*AgentRecord, 0, len(raw))
	for _, v := range raw {
		var rec AgentRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("decode agent record: %w", err)
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// Close releases the connection pool.
func (r *RedisRegistry) Close() error { return r.client.Close() }
