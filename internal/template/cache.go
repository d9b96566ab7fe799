package template

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"shardbft/internal/types"
)

// LoadedModule is an in-memory, ready-to-call template module. The concrete
// shape (compiled WASM module, Flow graph, manifest) is owned by the engine
// adapters; the cache only needs its byte size for weight accounting.
type LoadedModule struct {
	Address  types.SubstateId
	Type     Type
	Bytes    []byte
	Compiled interface{}
}

func (m *LoadedModule) weight() int64 { return int64(len(m.Bytes)) }

// Cache is an in-memory LRU weighted by code size up to a configured byte
// cap, with at most one concurrent load per address enforced by a per-key
// semaphore of weight 1, itself bounded by a global concurrent-load
// semaphore (default 100) — spec.md §4.2/§5 ("Shared resources: Template
// cache").
type Cache struct {
	maxBytes int64

	mu        sync.Mutex
	lru       *lru.Cache[types.SubstateId, *LoadedModule]
	curBytes  int64

	globalSem *semaphore.Weighted
	keySemMu  sync.Mutex
	keySems   map[types.SubstateId]*semaphore.Weighted
}

const defaultGlobalConcurrentLoads = 100

// NewCache constructs a weighted template cache with the given byte budget.
// capacityEntries bounds the underlying LRU's entry count as a backstop
// against pathological numbers of tiny templates; evictions driven by byte
// weight happen in Put regardless of entry count.
func NewCache(maxBytes int64, capacityEntries int) *Cache {
	if capacityEntries <= 0 {
		capacityEntries = 4096
	}
	l, _ := lru.New[types.SubstateId, *LoadedModule](capacityEntries)
	return &Cache{
		maxBytes:  maxBytes,
		lru:       l,
		globalSem: semaphore.NewWeighted(defaultGlobalConcurrentLoads),
		keySems:   make(map[types.SubstateId]*semaphore.Weighted),
	}
}

func (c *Cache) Get(addr types.SubstateId) (*LoadedModule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(addr)
}

// Put inserts a loaded module, evicting the least-recently-used entries
// until the cache is back under its byte budget.
func (c *Cache) Put(m *LoadedModule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.lru.Peek(m.Address); ok {
		c.curBytes -= old.weight()
	}
	c.lru.Add(m.Address, m)
	c.curBytes += m.weight()
	for c.curBytes > c.maxBytes {
		_, evicted, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		c.curBytes -= evicted.weight()
	}
}

func (c *Cache) keySemFor(addr types.SubstateId) *semaphore.Weighted {
	c.keySemMu.Lock()
	defer c.keySemMu.Unlock()
	s, ok := c.keySems[addr]
	if !ok {
		s = semaphore.NewWeighted(1)
		c.keySems[addr] = s
	}
	return s
}

// LoadOnce ensures at most one concurrent loader runs per address, bounded
// by the global concurrency cap, preventing thundering-herd loads and WASM
// stack exhaustion under stress (spec.md §4.2). Callers whose module is
// already cached by the time they acquire the lock get it for free without
// invoking load.
func (c *Cache) LoadOnce(ctx context.Context, addr types.SubstateId, load func(context.Context) (*LoadedModule, error)) (*LoadedModule, error) {
	if m, ok := c.Get(addr); ok {
		return m, nil
	}

	if err := c.globalSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.globalSem.Release(1)

	keySem := c.keySemFor(addr)
	if err := keySem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer keySem.Release(1)

	if m, ok := c.Get(addr); ok {
		return m, nil
	}

	m, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.Put(m)
	return m, nil
}
