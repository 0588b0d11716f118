package relay

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultFreshnessCapacity = 8192

// FreshnessCache is the process-wide set of session keys known to exist
// upstream "recently". It is a hint, never a source of truth: absence only
// means unconfirmed, and consumers must confirm with the gateway rather than
// fail. Keys are never individually evicted, only replaced wholesale on
// Refresh — a session deleted upstream out-of-band stays "fresh" here until
// the next refresh. Safe for concurrent use.
type FreshnessCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, struct{}]
}

func NewFreshnessCache(capacity int) (*FreshnessCache, error) {
	if capacity <= 0 {
		capacity = defaultFreshnessCapacity
	}
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("create freshness cache: %w", err)
	}
	return &FreshnessCache{cache: cache}, nil
}

// Refresh replaces the entire known set with the result of a bulk upstream
// listing.
func (f *FreshnessCache) Refresh(knownKeys []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache.Purge()
	for _, key := range knownKeys {
		f.cache.Add(key, struct{}{})
	}
}

// Has is a pure, non-blocking membership check.
func (f *FreshnessCache) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache.Contains(key)
}

// Add marks one session as confirmed after a successful send.
func (f *FreshnessCache) Add(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache.Add(key, struct{}{})
}

func (f *FreshnessCache) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache.Len()
}
