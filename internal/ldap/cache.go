package ldap

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CachePolicy selects how a SearchCache ages its entries.
type CachePolicy string

const (
	CacheNone         CachePolicy = "none"           // Pass-through
	CacheByAccessTime CachePolicy = "by-access-time" // Sliding expiration, LRU capacity eviction
	CacheBySearchTime CachePolicy = "by-search-time" // Fixed expiration, FIFO capacity eviction
)

// ParseCachePolicy parses the configuration form of a policy.
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch p := CachePolicy(s); p {
	case CacheNone, CacheByAccessTime, CacheBySearchTime:
		return p, nil
	case "":
		return CacheNone, nil
	default:
		return "", fmt.Errorf("unknown cache policy %q", s)
	}
}

// CacheOption customises a SearchCache.
type CacheOption func(*cacheOptions)

type cacheOptions struct {
	name    string
	now     func() time.Time
	metrics *CacheMetrics
}

// WithCacheName names the cache in logs and metrics.
func WithCacheName(name string) CacheOption {
	return func(o *cacheOptions) {
		o.name = name
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(o *cacheOptions) {
		o.now = now
	}
}

// WithCacheMetrics records lookups and evictions on m.
func WithCacheMetrics(m *CacheMetrics) CacheOption {
	return func(o *cacheOptions) {
		o.metrics = m
	}
}

// SearchCache wraps a Searcher with an eviction policy and guarantees at most
// one concurrent directory search per key.
type SearchCache[R any, K comparable] struct {
	searcher      Searcher[R, K]
	policy        CachePolicy
	eviction      time.Duration
	cacheFailures bool
	maxSize       int
	cacheOptions

	mu      sync.Mutex
	entries map[K]*list.Element // values are *cacheEntry[R, K]
	order   *list.List          // front is most recently used (access) or inserted (search)
	flight     singleflight.Group
	flights    map[K]uint64 // generation of the in-flight search per key
	generation uint64
}

type cacheEntry[R any, K comparable] struct {
	key            K
	result         *SearchResult[R]
	err            error // cached failure, only ever a NotFound
	insertedAt     time.Time
	lastAccessedAt time.Time
}

// NewNoCache creates a pass-through cache.
func NewNoCache[R any, K comparable](searcher Searcher[R, K], opts ...CacheOption) *SearchCache[R, K] {
	return newSearchCache(searcher, CacheNone, 0, false, 0, opts)
}

// NewByAccessCache creates a cache whose entries expire eviction after their
// last use. When more than maxSize entries are live the least recently used is
// evicted. maxSize <= 0 means unbounded.
func NewByAccessCache[R any, K comparable](searcher Searcher[R, K], eviction time.Duration, cacheFailures bool, maxSize int, opts ...CacheOption) *SearchCache[R, K] {
	return newSearchCache(searcher, CacheByAccessTime, eviction, cacheFailures, maxSize, opts)
}

// NewBySearchCache creates a cache whose entries expire eviction after they
// were searched. When more than maxSize entries are live the oldest is evicted.
func NewBySearchCache[R any, K comparable](searcher Searcher[R, K], eviction time.Duration, cacheFailures bool, maxSize int, opts ...CacheOption) *SearchCache[R, K] {
	return newSearchCache(searcher, CacheBySearchTime, eviction, cacheFailures, maxSize, opts)
}

// NewSearchCache creates a cache for the given policy.
func NewSearchCache[R any, K comparable](searcher Searcher[R, K], policy CachePolicy, eviction time.Duration, cacheFailures bool, maxSize int, opts ...CacheOption) *SearchCache[R, K] {
	return newSearchCache(searcher, policy, eviction, cacheFailures, maxSize, opts)
}

func newSearchCache[R any, K comparable](searcher Searcher[R, K], policy CachePolicy, eviction time.Duration, cacheFailures bool, maxSize int, opts []CacheOption) *SearchCache[R, K] {
	c := &SearchCache[R, K]{
		searcher:      searcher,
		policy:        policy,
		eviction:      eviction,
		cacheFailures: cacheFailures,
		maxSize:       maxSize,
		cacheOptions:  cacheOptions{name: "search", now: time.Now},
		entries:       make(map[K]*list.Element),
		order:         list.New(),
		flights:       make(map[K]uint64),
	}
	for _, opt := range opts {
		opt(&c.cacheOptions)
	}
	return c
}

// Policy returns the eviction policy of the cache.
func (c *SearchCache[R, K]) Policy() CachePolicy {
	return c.policy
}

// Search returns the cached result for key or runs the wrapped searcher.
// Concurrent callers for the same uncached key share the single in-flight
// search. When the caller running that search is cancelled, the others start
// a new one instead of receiving its context error.
func (c *SearchCache[R, K]) Search(ctx context.Context, h *ConnectionHandler, key K) (*SearchResult[R], error) {
	if c.policy == CacheNone {
		value, err := c.searcher.Search(ctx, h, key)
		if err != nil {
			return nil, err
		}
		return NewSearchResult(value), nil
	}

	for {
		c.mu.Lock()
		if entry, ok := c.lookupLocked(ctx, key); ok {
			c.mu.Unlock()
			c.metrics.lookup(c.name, "hit")
			return entry.result, entry.err
		}
		c.mu.Unlock()

		led := false
		ch := c.flight.DoChan(flightKey(key), func() (any, error) {
			led = true
			return c.lead(ctx, h, key)
		})

		select {
		case res := <-ch:
			if errors.Is(res.Err, errSearchAbandoned) {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}
			if led {
				c.metrics.lookup(c.name, "miss")
			} else {
				c.metrics.lookup(c.name, "wait")
			}
			result, _ := res.Val.(*SearchResult[R])
			return result, res.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// errSearchAbandoned marks a shared search cut short by its leader's context.
var errSearchAbandoned = errors.New("directory search abandoned")

func flightKey[K comparable](key K) string {
	return fmt.Sprintf("%#v", key)
}

// lead runs the directory search on behalf of every caller sharing the flight
// and stores the outcome unless key was evicted meanwhile.
func (c *SearchCache[R, K]) lead(ctx context.Context, h *ConnectionHandler, key K) (*SearchResult[R], error) {
	c.mu.Lock()
	if entry, ok := c.lookupLocked(ctx, key); ok {
		c.mu.Unlock()
		return entry.result, entry.err
	}
	c.generation++
	token := c.generation
	c.flights[key] = token
	c.mu.Unlock()

	value, err := c.runSearcher(ctx, h, key)
	if err != nil && ctx.Err() != nil {
		c.mu.Lock()
		if c.flights[key] == token {
			delete(c.flights, key)
		}
		c.mu.Unlock()
		return nil, errSearchAbandoned
	}

	var result *SearchResult[R]
	if err == nil {
		result = NewSearchResult(value)
	}
	c.store(ctx, key, token, result, err)
	return result, err
}

// runSearcher turns a panicking searcher into an error for every waiter.
func (c *SearchCache[R, K]) runSearcher(ctx context.Context, h *ConnectionHandler, key K) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("directory search aborted: %v", r)
		}
	}()
	return c.searcher.Search(ctx, h, key)
}

// lookupLocked returns a live entry for key, dropping it when expired.
func (c *SearchCache[R, K]) lookupLocked(ctx context.Context, key K) (*cacheEntry[R, K], bool) {
	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	entry := elem.Value.(*cacheEntry[R, K])
	now := c.now()
	if c.expired(entry, now) {
		c.removeLocked(elem)
		c.metrics.evicted(c.name, "expired", 1)
		c.metrics.entries(c.name, c.order.Len())
		LogCacheEvent(ctx, "expired", map[string]any{"cache": c.name})
		return nil, false
	}

	if c.policy == CacheByAccessTime {
		entry.lastAccessedAt = now
		c.order.MoveToFront(elem)
	}
	return entry, true
}

// store keeps the outcome of the search identified by token. Results of a
// search whose key was evicted while in flight are dropped.
func (c *SearchCache[R, K]) store(ctx context.Context, key K, token uint64, result *SearchResult[R], err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flights[key] != token {
		return
	}
	delete(c.flights, key)

	switch {
	case err == nil:
	case c.cacheFailures && IsNotFoundError(err):
	default:
		return
	}

	now := c.now()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
	c.entries[key] = c.order.PushFront(&cacheEntry[R, K]{
		key:            key,
		result:         result,
		err:            err,
		insertedAt:     now,
		lastAccessedAt: now,
	})

	evicted := 0
	for c.maxSize > 0 && c.order.Len() > c.maxSize {
		c.removeLocked(c.order.Back())
		evicted++
	}
	if evicted > 0 {
		c.metrics.evicted(c.name, "capacity", evicted)
		LogCacheEvent(ctx, "capacity_eviction", map[string]any{
			"cache":    c.name,
			"evicted":  evicted,
			"max_size": c.maxSize,
		})
	}
	c.metrics.entries(c.name, c.order.Len())
}

func (c *SearchCache[R, K]) expired(entry *cacheEntry[R, K], now time.Time) bool {
	if c.eviction <= 0 {
		return false
	}
	since := entry.insertedAt
	if c.policy == CacheByAccessTime {
		since = entry.lastAccessedAt
	}
	return now.Sub(since) >= c.eviction
}

func (c *SearchCache[R, K]) removeLocked(elem *list.Element) {
	entry := c.order.Remove(elem).(*cacheEntry[R, K])
	delete(c.entries, entry.key)
}

// Evict removes key from the cache. An in-flight search for key still
// completes for its callers but its result is not stored.
func (c *SearchCache[R, K]) Evict(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.flights, key)
	c.flight.Forget(flightKey(key))
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
		c.metrics.evicted(c.name, "manual", 1)
	}
	c.metrics.entries(c.name, c.order.Len())
}

// EvictAll empties the cache.
func (c *SearchCache[R, K]) EvictAll(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.order.Len()
	c.entries = make(map[K]*list.Element)
	c.order.Init()
	for key := range c.flights {
		c.flight.Forget(flightKey(key))
	}
	c.flights = make(map[K]uint64)

	c.metrics.evicted(c.name, "manual", n)
	c.metrics.entries(c.name, 0)
	LogCacheEvent(ctx, "evicted_all", map[string]any{
		"cache":   c.name,
		"evicted": n,
	})
}

// EvictMatching removes every entry whose key satisfies match and returns how many were removed.
func (c *SearchCache[R, K]) EvictMatching(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, elem := range c.entries {
		if match(key) {
			c.removeLocked(elem)
			n++
		}
	}
	for key := range c.flights {
		if match(key) {
			delete(c.flights, key)
			c.flight.Forget(flightKey(key))
		}
	}

	c.metrics.evicted(c.name, "manual", n)
	c.metrics.entries(c.name, c.order.Len())
	return n
}

// Contains reports whether a live entry exists for key. It does not refresh the entry.
func (c *SearchCache[R, K]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	return !c.expired(elem.Value.(*cacheEntry[R, K]), c.now())
}

// Count returns the number of live entries.
func (c *SearchCache[R, K]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		if !c.expired(elem.Value.(*cacheEntry[R, K]), now) {
			n++
		}
	}
	return n
}
