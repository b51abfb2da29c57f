package settings

import (
	"context"
	"sync"
	"time"
)

const DefaultCacheTTL = 5 * time.Minute

// DegradedCacheTTL bounds how long a fallback snapshot is served after the
// store failed to answer.
const DegradedCacheTTL = 5 * time.Second

type cacheEntry struct {
	settings Settings
	expires  time.Time
}

type inflight struct {
	done     chan struct{}
	settings Settings
}

// Cache holds resolved snapshots per session. At most one fetch per session
// runs at a time; entries are replaced whole.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	entries  map[string]cacheEntry
	inflight map[string]*inflight
	gen      map[string]uint64
}

func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:      ttl,
		now:      now,
		entries:  make(map[string]cacheEntry),
		inflight: make(map[string]*inflight),
		gen:      make(map[string]uint64),
	}
}

// Get returns the snapshot for sessionID, calling fetch on a miss. While a
// fetch is running, other callers get the previous snapshot if there is one
// and otherwise wait for the running fetch. fetch reports whether the store
// answered; fallback results are kept for at most DegradedCacheTTL.
func (c *Cache) Get(ctx context.Context, sessionID string, fetch func(context.Context) (Settings, bool)) Settings {
	c.mu.Lock()
	entry, cached := c.entries[sessionID]
	if cached && c.now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.settings.clone()
	}
	if call, busy := c.inflight[sessionID]; busy {
		c.mu.Unlock()
		if cached {
			return entry.settings.clone()
		}
		<-call.done
		return call.settings.clone()
	}
	call := &inflight{done: make(chan struct{})}
	c.inflight[sessionID] = call
	gen := c.gen[sessionID]
	c.mu.Unlock()

	settings, authoritative := fetch(ctx)
	call.settings = settings

	ttl := c.ttl
	if !authoritative {
		ttl = min(ttl, DegradedCacheTTL)
	}

	c.mu.Lock()
	if c.gen[sessionID] == gen {
		c.entries[sessionID] = cacheEntry{settings: call.settings, expires: c.now().Add(ttl)}
	}
	delete(c.inflight, sessionID)
	c.mu.Unlock()
	close(call.done)

	return call.settings.clone()
}

// Invalidate drops the snapshot. A fetch already running will not store its
// result.
func (c *Cache) Invalidate(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
	c.gen[sessionID]++
}
