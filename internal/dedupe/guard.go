// ABOUTME: TTL guard over job ids to enforce one terminal response per job.
// ABOUTME: Size-capped with background expiry of stale entries.

package dedupe

import (
	"sync"
	"time"
)

// Guard remembers job ids for a bounded window. CheckAndMark is the only
// read path: the first caller for a given id wins, later callers within
// the TTL are told the id was already handled.
type Guard struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	once    sync.Once
}

// NewGuard creates a guard with the given TTL and size cap. A background
// goroutine sweeps expired entries until Close is called.
func NewGuard(ttl time.Duration, maxSize int) *Guard {
	g := &Guard{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go g.sweep()
	return g
}

// CheckAndMark atomically reports whether the job id was already handled
// within the TTL, marking it as handled if it was not.
func (g *Guard) CheckAndMark(jobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if at, ok := g.seen[jobID]; ok && now.Sub(at) < g.ttl {
		return true
	}

	if len(g.seen) >= g.maxSize {
		g.evictOldestLocked()
	}
	g.seen[jobID] = now
	return false
}

// evictOldestLocked drops the entry with the earliest mark time. Must be
// called with mu held.
func (g *Guard) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, at := range g.seen {
		if oldestID == "" || at.Before(oldestAt) {
			oldestID, oldestAt = id, at
		}
	}
	if oldestID != "" {
		delete(g.seen, oldestID)
	}
}

// sweep periodically removes expired entries.
func (g *Guard) sweep() {
	ticker := time.NewTicker(g.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.mu.Lock()
			now := time.Now()
			for id, at := range g.seen {
				if now.Sub(at) >= g.ttl {
					delete(g.seen, id)
				}
			}
			g.mu.Unlock()
		}
	}
}

// Close stops the background sweep. Idempotent.
func (g *Guard) Close() {
	g.once.Do(func() { close(g.done) })
}
