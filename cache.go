package weakref

import (
	"fmt"
	"runtime"
	"sync"
	"weak"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache maps keys to weakly held values.
//
// An entry lives as long as its value is reachable from elsewhere. Once the
// value is collected, the entry is dropped by a runtime cleanup. With
// WithKeepAlive, the most recently used values are also held strongly, so
// they are not collected while they stay in the keep-alive tier.
//
// Cache is safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]cacheSlot[V]
	keep    *lru.Cache[K, *V] // nil without WithKeepAlive
	loads   singleflight.Group

	conf    *config
	metrics *cacheMetrics
}

type cacheSlot[V any] struct {
	handle  Handle[V]
	cleanup runtime.Cleanup
}

// cacheEntry is the argument of a value's cleanup. It refers to the cache
// weakly: the cleanup must not keep the cache, and with it the keep-alive
// tier holding the value, reachable.
type cacheEntry[K comparable, V any] struct {
	cache  weak.Pointer[Cache[K, V]]
	key    K
	handle Handle[V]
}

type loadResult[K comparable, V any] struct {
	key   K
	value *V
}

// NewCache creates an empty cache.
func NewCache[K comparable, V any](opts ...Option) (*Cache[K, V], error) {
	conf := newConfig(opts)
	if conf.keepAlive < 0 {
		return nil, ErrInvalidKeepAlive
	}

	metrics, err := newCacheMetrics(conf)
	if err != nil {
		return nil, err
	}

	c := &Cache[K, V]{
		entries: make(map[K]cacheSlot[V]),
		conf:    conf,
		metrics: metrics,
	}

	if conf.keepAlive > 0 {
		if c.keep, err = lru.New[K, *V](conf.keepAlive); err != nil {
			return nil, fmt.Errorf("weakref: keep-alive tier: %w", err)
		}
	}

	return c, nil
}

// Get returns the live value stored under key.
func (c *Cache[K, V]) Get(key K) (*V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v := c.lookupLocked(key)
	if v == nil {
		c.metrics.misses.Inc()
		return nil, false
	}

	c.metrics.hits.Inc()
	return v, true
}

// Put stores v under key, replacing any previous entry.
func (c *Cache[K, V]) Put(key K, v *V) error {
	if v == nil {
		return ErrNilValue
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.storeLocked(key, v)
	return nil
}

// GetOrLoad returns the live value stored under key, calling load to
// produce and store one if there is none.
//
// Concurrent calls for the same key share a single load. load runs without
// the cache locked, so it may use the cache, but it must not call GetOrLoad
// for the key it is loading: that call waits for itself and never returns.
func (c *Cache[K, V]) GetOrLoad(key K, load func(K) (*V, error)) (*V, error) {
	if load == nil {
		return nil, ErrNilLoader
	}

	// Fast-path.
	if v, ok := c.peek(key); ok {
		c.metrics.hits.Inc()
		return v, nil
	}
	c.metrics.misses.Inc()

	res, err, _ := c.loads.Do(fmt.Sprintf("%#v", key), func() (any, error) {
		v, err := c.load(key, load)
		return loadResult[K, V]{key: key, value: v}, err
	})

	// Distinct keys can share a flight name; such a caller loads on its own.
	r := res.(loadResult[K, V])
	if r.key != key {
		return c.load(key, load)
	}
	if err != nil {
		return nil, err
	}

	return r.value, nil
}

// Delete removes the entry stored under key.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot, ok := c.entries[key]; ok {
		slot.cleanup.Stop()
		delete(c.entries, key)
	}
	if c.keep != nil {
		c.keep.Remove(key)
	}
}

// Len returns the number of entries. Entries whose value was collected
// but whose cleanup has not run yet are counted.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Purge removes all entries.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, slot := range c.entries {
		slot.cleanup.Stop()
	}
	clear(c.entries)
	if c.keep != nil {
		c.keep.Purge()
	}
}

func (c *Cache[K, V]) peek(key K) (*V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v := c.lookupLocked(key)
	return v, v != nil
}

// load runs load for key unless a live value appeared since the caller
// missed, and stores the result.
func (c *Cache[K, V]) load(key K, load func(K) (*V, error)) (*V, error) {
	// Double-check.
	if v, ok := c.peek(key); ok {
		return v, nil
	}

	v, err := load(key)
	if err != nil {
		c.conf.logger.Warn("weakref: cache load failed",
			zap.String("name", c.conf.name),
			zap.Any("key", key),
			zap.Error(err),
		)
		return nil, fmt.Errorf("weakref: load %v: %w", key, err)
	}
	if v == nil {
		return nil, ErrNilValue
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.storeLocked(key, v)
	return v, nil
}

// lookupLocked resolves the entry under key and refreshes its position in
// the keep-alive tier. c.mu must be held.
func (c *Cache[K, V]) lookupLocked(key K) *V {
	slot, ok := c.entries[key]
	if !ok {
		return nil
	}

	v := slot.handle.Value()
	if v != nil && c.keep != nil {
		c.keep.Add(key, v)
	}
	return v
}

func (c *Cache[K, V]) storeLocked(key K, v *V) {
	if c.keep != nil {
		c.keep.Add(key, v)
	}

	prev, ok := c.entries[key]
	if ok && prev.handle.Is(v) {
		return
	}
	if ok {
		prev.cleanup.Stop()
	}

	h := Make(v)
	c.entries[key] = cacheSlot[V]{
		handle:  h,
		cleanup: runtime.AddCleanup(v, reclaimCacheEntry[K, V], cacheEntry[K, V]{
			cache:  weak.Make(c),
			key:    key,
			handle: h,
		}),
	}
}

// reclaimCacheEntry drops the entry for a collected value, unless the key
// was stored again since or the cache itself is gone.
func reclaimCacheEntry[K comparable, V any](e cacheEntry[K, V]) {
	c := e.cache.Value()
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if found, ok := c.entries[e.key]; !ok || found.handle != e.handle {
		return
	}

	delete(c.entries, e.key)
	c.metrics.reclaimed.Inc()
	c.conf.logger.Debug("weakref: cache entry reclaimed",
		zap.String("name", c.conf.name),
		zap.Any("key", e.key),
	)
}
