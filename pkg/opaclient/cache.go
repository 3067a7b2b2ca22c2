package opaclient

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type cacheEntry struct {
	key     string
	dec     Decision
	expires time.Time
}

// decisionCache is a TTL-bounded LRU. Reads refresh recency; inserts past
// capacity evict the oldest entry.
type decisionCache struct {
	mu    sync.Mutex
	max   int
	ttl   time.Duration
	order *list.List // *cacheEntry, most recent first
	index map[string]*list.Element
	now   func() time.Time
}

func newDecisionCache(max int, ttl time.Duration) *decisionCache {
	if max <= 0 {
		max = 1000
	}
	return &decisionCache{
		max:   max,
		ttl:   ttl,
		order: list.New(),
		index: make(map[string]*list.Element),
		now:   time.Now,
	}
}

func (c *decisionCache) get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return Decision{}, false
	}
	ent := el.Value.(*cacheEntry)
	if c.now().After(ent.expires) {
		c.order.Remove(el)
		delete(c.index, key)
		return Decision{}, false
	}
	c.order.MoveToFront(el)
	return ent.dec, true
}

func (c *decisionCache) set(key string, dec Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		ent := el.Value.(*cacheEntry)
		ent.dec = dec
		ent.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, dec: dec, expires: c.now().Add(c.ttl)})
	c.index[key] = el
	for c.order.Len() > c.max {
		back := c.order.Back()
		c.order.Remove(back)
		delete(c.index, back.Value.(*cacheEntry).key)
	}
}

func (c *decisionCache) clear(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prefix == "" {
		c.order.Init()
		c.index = make(map[string]*list.Element)
		return
	}
	for key, el := range c.index {
		if strings.HasPrefix(key, prefix) {
			c.order.Remove(el)
			delete(c.index, key)
		}
	}
}

func (c *decisionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// pathKeysKey tracks which cache keys belong to a policy path so a bundle
// reload can invalidate just that path.
func pathKeysKey(path string) string { return "opa:path_keys:" + path }

func (c *Client) cacheGet(ctx context.Context, key string) (*Decision, bool) {
	if c.redis != nil {
		raw, err := c.redis.Get(ctx, key).Result()
		switch {
		case err == nil:
			var dec Decision
			if json.Unmarshal([]byte(raw), &dec) == nil {
				return &dec, true
			}
		case !errors.Is(err, redis.Nil):
			slog.Warn("opaclient: redis cache read failed", "error", err)
		}
	}

	if dec, ok := c.memory.get(key); ok {
		return &dec, true
	}
	return nil, false
}

func (c *Client) cacheSet(ctx context.Context, path, key string, dec *Decision) {
	if c.redis != nil {
		raw, err := json.Marshal(dec)
		if err == nil {
			pipe := c.redis.TxPipeline()
			pipe.Set(ctx, key, raw, c.cfg.CacheTTL)
			pipe.SAdd(ctx, pathKeysKey(path), key)
			pipe.Expire(ctx, pathKeysKey(path), 2*c.cfg.CacheTTL)
			if _, err := pipe.Exec(ctx); err == nil {
				return
			}
			slog.Warn("opaclient: redis cache write failed", "key", key)
		}
	}
	c.memory.set(key, *dec)
}

// ClearCache drops cached decisions. An empty path clears everything; a
// dotted path clears only that rule's entries.
func (c *Client) ClearCache(ctx context.Context, path string) {
	path = normalizePath(path)

	if c.redis != nil {
		if path != "" {
			keys, err := c.redis.SMembers(ctx, pathKeysKey(path)).Result()
			if err == nil && len(keys) > 0 {
				c.redis.Del(ctx, keys...)
			}
			c.redis.Del(ctx, pathKeysKey(path))
		} else {
			iter := c.redis.Scan(ctx, 0, "opa:*", 0).Iterator()
			var keys []string
			for iter.Next(ctx) {
				keys = append(keys, iter.Val())
			}
			if len(keys) > 0 {
				c.redis.Del(ctx, keys...)
			}
		}
	}

	if path == "" {
		c.memory.clear("")
		return
	}
	c.memory.clear("opa:" + path + ":")
}
