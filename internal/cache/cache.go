// Package cache implements the content-addressed cache:
// lookup-or-call-and-store keyed by the canonical hash of an external
// request, with single-flight collapsing of concurrent calls for the
// same hash within one process.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/antigravity-dev/dustengine/internal/blocks"
	"github.com/antigravity-dev/dustengine/internal/config"
	"github.com/antigravity-dev/dustengine/internal/hashing"
	"github.com/antigravity-dev/dustengine/internal/llm"
)

// Entry is one stored cache row. cache_store never updates an existing
// row; cache_get returns all entries for a hash, most recent first, and
// the cache uses the first one.
type Entry struct {
	Hash      string
	Request   json.RawMessage
	Response  json.RawMessage
	CreatedAt time.Time
}

// Store is the Store Port's cache surface. A single generic
// (kind, hash) pair covers the four operation families
// (llm_cache_get/store, chat_cache_get/store, embedder_cache_get/store,
// http_cache_get/store); a concrete implementation routes on Kind to
// the right backing table.
type Store interface {
	CacheGet(ctx context.Context, projectID string, kind blocks.CacheKind, hash string) ([]Entry, error)
	CacheStore(ctx context.Context, projectID string, kind blocks.CacheKind, hash string, request, response json.RawMessage) error
}

// flightSlot is the shared, completion-notifying primitive: a keyed map
// from hash to a shared, completion-notifying slot; first arrival
// installs the slot and performs the work; late arrivals await the
// same slot.
type flightSlot struct {
	done     chan struct{}
	response json.RawMessage
	err      error
}

// Cache wraps a Store with single-flight collapsing and retry-with-
// backoff on cache miss.
type Cache struct {
	store      Store
	retry      config.RetryPolicy
	classifier llm.RetryClassifier

	mu       sync.Mutex
	inflight map[string]*flightSlot
}

// New constructs a Cache. A nil classifier defaults to
// llm.DefaultRetryClassifier().
func New(store Store, retry config.RetryPolicy, classifier llm.RetryClassifier) *Cache {
	if classifier == nil {
		classifier = llm.DefaultRetryClassifier()
	}
	return &Cache{
		store:      store,
		retry:      retry,
		classifier: classifier,
		inflight:   make(map[string]*flightSlot),
	}
}

// Call is what ExecuteWithCache invokes on a cache miss: perform the
// actual provider/HTTP call and return its response as a JSON value.
type Call func(ctx context.Context) (json.RawMessage, error)

// ExecuteWithCache looks up req's canonical hash in the store; on a hit,
// the stored response is returned without invoking call. On a miss, call
// is invoked (retried per the configured RetryPolicy/RetryClassifier),
// its result is stored, and then returned. Concurrent calls for the same
// hash within this process collapse into one call invocation.
func (c *Cache) ExecuteWithCache(ctx context.Context, projectID string, req blocks.CacheRequest, call Call) (json.RawMessage, error) {
	hash, err := cacheHash(req.Key)
	if err != nil {
		return nil, fmt.Errorf("cache: hashing request: %w", err)
	}

	c.mu.Lock()
	if slot, ok := c.inflight[hash]; ok {
		c.mu.Unlock()
		return c.await(ctx, slot)
	}
	slot := &flightSlot{done: make(chan struct{})}
	c.inflight[hash] = slot
	c.mu.Unlock()

	response, err := c.resolve(ctx, projectID, req, hash, call)

	slot.response, slot.err = response, err
	close(slot.done)

	c.mu.Lock()
	delete(c.inflight, hash)
	c.mu.Unlock()

	return response, err
}

func (c *Cache) await(ctx context.Context, slot *flightSlot) (json.RawMessage, error) {
	select {
	case <-slot.done:
		return slot.response, slot.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) resolve(ctx context.Context, projectID string, req blocks.CacheRequest, hash string, call Call) (json.RawMessage, error) {
	entries, err := c.store.CacheGet(ctx, projectID, req.Kind, hash)
	if err != nil {
		return nil, fmt.Errorf("cache: lookup: %w", err)
	}
	if len(entries) > 0 {
		return entries[0].Response, nil
	}

	response, err := c.callWithRetry(ctx, call)
	if err != nil {
		return nil, err
	}

	requestJSON, err := hashing.Canonicalize(req.Key)
	if err != nil {
		return nil, fmt.Errorf("cache: canonicalizing request for storage: %w", err)
	}
	if err := c.store.CacheStore(ctx, projectID, req.Kind, hash, requestJSON, response); err != nil {
		return nil, fmt.Errorf("cache: store: %w", err)
	}
	return response, nil
}

func (c *Cache) callWithRetry(ctx context.Context, call Call) (json.RawMessage, error) {
	attempt := 0
	for {
		response, err := call(ctx)
		if err == nil {
			return response, nil
		}
		if !c.classifier.Retryable(err) || attempt >= c.retry.MaxRetries {
			return nil, err
		}
		delay := backoffDelay(attempt+1, c.retry.InitialDelay.Duration, c.retry.MaxDelay.Duration, c.retry.BackoffFactor)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		attempt++
	}
}

// cacheHash computes the hex hash used as the cache lookup key. Request
// shapes that define their own canonical rendering (LLM/Chat, with a
// pipe-joined, byte-for-byte-stable format) are hashed on that exact
// rendering; everything else falls back to general canonical-JSON hashing
// of the key value (a documented implementation choice for cache kinds
// with no prescribed format — see DESIGN.md).
func cacheHash(key interface{}) (string, error) {
	if keyer, ok := key.(interface{ CacheKeyString() string }); ok {
		sum := hashing.Sum256([]byte(keyer.CacheKeyString()))
		return hashing.Hex(sum), nil
	}
	return hashing.CanonicalHash(key)
}

// backoffDelay returns base * factor^(attempt-1), capped at maxDelay,
// with up to 10% jitter.
func backoffDelay(attempt int, base, maxDelay time.Duration, factor float64) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	if factor < 1.0 {
		factor = 1.0
	}

	delay := float64(base) * math.Pow(factor, float64(attempt-1))
	if math.IsNaN(delay) || math.IsInf(delay, 0) {
		delay = float64(maxDelay)
	}
	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if delay < float64(base) {
		delay = float64(base)
	}

	jitter := 1.0 + rand.Float64()*0.1
	return time.Duration(delay * jitter)
}
