package router

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const dedupCacheSizePerSession = 1000

// eventDedupCache remembers recently seen event IDs per session.
type eventDedupCache struct {
	cacheSize int
	mu        sync.Mutex
	caches    map[string]*lru.Cache[string, struct{}]
}

func newEventDedupCache(cacheSize int) *eventDedupCache {
	if cacheSize <= 0 {
		cacheSize = dedupCacheSizePerSession
	}
	return &eventDedupCache{
		cacheSize: cacheSize,
		caches:    make(map[string]*lru.Cache[string, struct{}]),
	}
}

// seen reports whether eventID was already observed in sessionID, and
// records it otherwise. Empty IDs are never duplicates.
func (d *eventDedupCache) seen(sessionID, eventID string) bool {
	if eventID == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cache, exists := d.caches[sessionID]
	if !exists {
		var err error
		cache, err = lru.New[string, struct{}](d.cacheSize)
		if err != nil {
			return false
		}
		d.caches[sessionID] = cache
	}

	if cache.Contains(eventID) {
		return true
	}
	cache.Add(eventID, struct{}{})
	return false
}

// forget drops the cache of a finished session.
func (d *eventDedupCache) forget(sessionID string) {
	d.mu.Lock()
	delete(d.caches, sessionID)
	d.mu.Unlock()
}
