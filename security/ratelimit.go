package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimiterMaxEntries bounds how many identifiers are tracked.
	DefaultRateLimiterMaxEntries = 10000

	rateLimiterCleanupInterval = 5 * time.Minute
	rateLimiterMaxIdle         = 30 * time.Minute
)

type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter applies a token bucket per identifier (typically the client IP).
// Identifiers are kept in an LRU list so memory stays bounded under address churn.
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	maxSize  int
	entries  map[string]*list.Element
	lru      *list.List
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once

	evictions int64
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with the given burst
// per identifier, and starts its idle-entry sweep. Call Stop when done.
func NewRateLimiter(requestsPerSecond float64, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}

	rl := &RateLimiter{
		limit:   rate.Limit(requestsPerSecond),
		burst:   burst,
		maxSize: DefaultRateLimiterMaxEntries,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		logger:  logger,
		stop:    make(chan struct{}),
	}

	go rl.sweepLoop()

	return rl
}

// Allow reports whether a request from identifier may proceed now.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[identifier]; ok {
		rl.lru.MoveToFront(elem)
		e := elem.Value.(*limiterEntry)
		e.lastAccess = now
		return e.limiter.AllowN(now, 1)
	}

	if len(rl.entries) >= rl.maxSize {
		rl.evictOldest()
	}

	e := &limiterEntry{
		key:        identifier,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.entries[identifier] = rl.lru.PushFront(e)
	return e.limiter.AllowN(now, 1)
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop ends the background sweep.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	e := elem.Value.(*limiterEntry)
	rl.lru.Remove(elem)
	delete(rl.entries, e.key)
	rl.evictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"total_evictions", rl.evictions,
		"current_entries", len(rl.entries))
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep(time.Now().Add(-rateLimiterMaxIdle))
		case <-rl.stop:
			return
		}
	}
}

// sweep drops identifiers idle since before cutoff. The LRU list is ordered by
// last access, so it walks from the back and stops at the first recent entry.
func (rl *RateLimiter) sweep(cutoff time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for elem := rl.lru.Back(); elem != nil; {
		e := elem.Value.(*limiterEntry)
		if e.lastAccess.After(cutoff) {
			break
		}
		prev := elem.Prev()
		rl.lru.Remove(elem)
		delete(rl.entries, e.key)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.entries))
	}
	return removed
}
