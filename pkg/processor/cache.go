package processor

import (
	"container/list"
	"sync"

	"github.com/acgs-project/agentbus/pkg/constitutional"
)

type cacheEntry struct {
	key    string
	result *constitutional.ValidationResult
}

// resultCache is a fixed-capacity LRU keyed by content digest and
// constitutional hash. Only valid results are stored: a denial must be
// recomputed every time so policy changes take effect immediately.
type resultCache struct {
	mu    sync.Mutex
	max   int
	order *list.List // *cacheEntry, most recent first
	index map[string]*list.Element
}

func newResultCache(max int) *resultCache {
	if max <= 0 {
		max = 1000
	}
	return &resultCache{
		max:   max,
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// get returns a copy of the cached result so callers can annotate it
// without mutating the stored entry.
func (c *resultCache) get(key string) (*constitutional.ValidationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return cloneResult(el.Value.(*cacheEntry).result), true
}

func (c *resultCache) set(key string, result *constitutional.ValidationResult) {
	if result == nil || !result.IsValid {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		el.Value.(*cacheEntry).result = cloneResult(result)
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, result: cloneResult(result)})
	c.index[key] = el
	for c.order.Len() > c.max {
		back := c.order.Back()
		c.order.Remove(back)
		delete(c.index, back.Value.(*cacheEntry).key)
	}
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func cloneResult(r *constitutional.ValidationResult) *constitutional.ValidationResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Errors = append([]string(nil), r.Errors...)
	out.Warnings = append([]string(nil), r.Warnings...)
	out.Metadata = make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return &out
}
