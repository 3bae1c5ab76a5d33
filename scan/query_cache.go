package scan

import (
	"context"
	"sync"
	"time"
)

// queryCache collapses identical concurrent queries into one underlying
// request and fans the outcome out to every caller, errors included.
// Multiple UI surfaces independently trigger the same verification on page
// load; without this each of them would hit the ledger API separately.
// Results can additionally be cached for a short TTL.
type queryCache struct {
	mu       sync.Mutex
	results  map[string]cachedResult
	inFlight map[string]*inflightCall
	ttl      time.Duration
}

type cachedResult struct {
	value  interface{}
	expiry time.Time
}

type inflightCall struct {
	done  chan struct{}
	value interface{}
	err   error
}

// newQueryCache builds a cache. ttl of zero disables result caching; the
// in-flight dedup always applies.
func newQueryCache(ttl time.Duration) *queryCache {
	return &queryCache{
		results:  make(map[string]cachedResult),
		inFlight: make(map[string]*inflightCall),
		ttl:      ttl,
	}
}

// do runs fn at most once per key at a time. The first caller for a key
// executes fn; concurrent callers with the same key block until it
// finishes and receive the same value and error. A caller whose context
// ends while waiting gets its context error; the in-flight call itself is
// unaffected.
func (c *queryCache) do(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, error) {
	c.mu.Lock()

	if r, ok := c.results[key]; ok {
		if time.Now().Before(r.expiry) {
			c.mu.Unlock()
			return r.value, nil
		}
		delete(c.results, key)
	}

	if call, ok := c.inFlight[key]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.value, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	call := &inflightCall{done: make(chan struct{})}
	c.inFlight[key] = call
	c.mu.Unlock()

	call.value, call.err = fn()

	c.mu.Lock()
	delete(c.inFlight, key)
	if call.err == nil && c.ttl > 0 {
		c.results[key] = cachedResult{value: call.value, expiry: time.Now().Add(c.ttl)}
		c.evictExpiredLocked()
	}
	c.mu.Unlock()
	close(call.done)

	return call.value, call.err
}

// evictExpiredLocked removes stale entries. Must be called with mu held.
func (c *queryCache) evictExpiredLocked() {
	now := time.Now()
	for key, r := range c.results {
		if now.After(r.expiry) {
			delete(c.results, key)
		}
	}
}
