package cache

import (
	"context"
	"iter"
	"sync"

	"github.com/telhawk-systems/telhawk-warehouse/internal/metrics"
)

// MemoryCache is a fixed size ring of payloads guarded by a mutex.
type MemoryCache struct {
	mu    sync.RWMutex
	items [][]byte
	head  int // index of the oldest payload
	size  int
}

func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryCache{items: make([][]byte, maxEntries)}
}

func (c *MemoryCache) Put(_ context.Context, payload []byte) error {
	stored := clone(payload)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.size == len(c.items) {
		c.items[c.head] = nil
		c.head = (c.head + 1) % len(c.items)
		c.size--
		metrics.CacheEvictions.Inc()
	}
	c.items[(c.head+c.size)%len(c.items)] = stored
	c.size++
	return nil
}

// All walks a snapshot taken when iteration starts, so concurrent Puts and
// Drains do not affect a running iteration.
func (c *MemoryCache) All(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		c.mu.RLock()
		snapshot := make([][]byte, c.size)
		for i := range snapshot {
			snapshot[i] = c.items[(c.head+i)%len(c.items)]
		}
		c.mu.RUnlock()

		for _, payload := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(clone(payload), nil) {
				return
			}
		}
	}
}

func (c *MemoryCache) Len(context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size, nil
}

func (c *MemoryCache) Drain(_ context.Context, max int) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := min(max, c.size)
	if n <= 0 {
		return nil, nil
	}

	out := make([][]byte, n)
	for i := range out {
		out[i] = c.items[c.head]
		c.items[c.head] = nil
		c.head = (c.head + 1) % len(c.items)
	}
	c.size -= n
	return out, nil
}

// clone copies p into a non-nil slice, so a zero length payload reads back
// as an empty slice rather than nil.
func clone(p []byte) []byte {
	return append(make([]byte, 0, len(p)), p...)
}

func (c *MemoryCache) Capacity() int {
	return len(c.items)
}

func (c *MemoryCache) Close() error {
	return nil
}
