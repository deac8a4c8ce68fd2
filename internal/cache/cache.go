// Package cache memoizes computed context windows per (session, buffer
// version, window config).
//
// Entries expire after a TTL and the total entry count is bounded by
// MaxEntries across the whole cache. The cache is split into shards keyed by
// session id; each shard is an LRU guarded by its own mutex, so callers
// working on different sessions rarely contend. Eviction only happens once
// the total would exceed MaxEntries and removes the least recently used
// entry of the whole cache, whichever shard holds it. Expiry is checked on
// access and can optionally be swept in the background.
package cache

import (
	"context"
	"hash/maphash"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/hpungsan/termctx/internal/errors"
)

// DefaultShards is the shard count used when Options.Shards is 0.
const DefaultShards = 16

// Clock supplies the current time. The default clock uses time.Now, whose
// monotonic reading makes TTL checks immune to wall-clock jumps.
type Clock interface {
	Now() time.Time
}

// WallClock is the default Clock.
type WallClock struct{}

// Now returns time.Now().
func (WallClock) Now() time.Time { return time.Now() }

// Key identifies one computed window.
type Key struct {
	SessionID  string
	Version    uint64
	ConfigHash uint64
}

// Entry is a cached window.
type Entry struct {
	Text       string
	TokenCount int
	LineCount  int
	CreatedAt  time.Time
	TTL        time.Duration
}

func (e Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) >= e.TTL
}

// Options configures a Cache.
type Options struct {
	MaxEntries int
	TTL        time.Duration
	Shards     int
	Clock      Clock
}

// item is a stored entry with its last-use tick. Ticks come from one
// cache-wide counter, so they order uses across shards.
type item struct {
	entry Entry
	tick  uint64
}

type shard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[Key, item]
}

// Cache is a bounded, TTL-expiring window cache. Safe for concurrent use.
type Cache struct {
	shards     []*shard
	seed       maphash.Seed
	ttl        time.Duration
	clock      Clock
	maxEntries int64
	count      atomic.Int64  // entries across all shards
	ticks      atomic.Uint64 // last-use clock

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New creates a cache.
func New(opts Options) (*Cache, error) {
	if opts.MaxEntries < 1 {
		return nil, errors.NewConfiguration("max_cache_entries", "must be >= 1")
	}
	if opts.TTL <= 0 {
		return nil, errors.NewConfiguration("cache_ttl_seconds", "must be > 0")
	}
	n := opts.Shards
	if n <= 0 {
		n = DefaultShards
	}

	clock := opts.Clock
	if clock == nil {
		clock = WallClock{}
	}

	c := &Cache{
		shards:     make([]*shard, n),
		seed:       maphash.MakeSeed(),
		ttl:        opts.TTL,
		clock:      clock,
		maxEntries: int64(opts.MaxEntries),
	}
	// Every removal path (Remove, RemoveOldest, Purge, capacity eviction)
	// goes through onEvict, which keeps count exact
	onEvict := func(Key, item) { c.count.Add(-1) }
	for i := range c.shards {
		// A single shard may hold the whole budget
		lru, err := simplelru.NewLRU[Key, item](opts.MaxEntries, onEvict)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		c.shards[i] = &shard{lru: lru}
	}
	return c, nil
}

func (c *Cache) shardFor(sessionID string) *shard {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	return c.shards[maphash.String(c.seed, sessionID)%uint64(len(c.shards))]
}

// Get returns the entry for key if present and unexpired. An expired entry
// is removed and reported absent.
func (c *Cache) Get(key Key) (Entry, bool) {
	s := c.shardFor(key.SessionID)
	now := c.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lru.Peek(key)
	if !ok {
		return Entry{}, false
	}
	if it.entry.expired(now) {
		s.lru.Remove(key)
		return Entry{}, false
	}
	// Refresh recency
	it.tick = c.ticks.Add(1)
	s.lru.Add(key, it)
	return it.entry, true
}

// Put inserts or overwrites the entry for key. When the insert takes the
// cache past MaxEntries, least recently used entries are evicted until it
// is back within the bound.
func (c *Cache) Put(key Key, text string, tokenCount, lineCount int) Entry {
	e := Entry{
		Text:       text,
		TokenCount: tokenCount,
		LineCount:  lineCount,
		CreatedAt:  c.clock.Now(),
		TTL:        c.ttl,
	}
	s := c.shardFor(key.SessionID)

	s.mu.Lock()
	existed := s.lru.Contains(key)
	if !existed {
		c.count.Add(1)
	}
	s.lru.Add(key, item{entry: e, tick: c.ticks.Add(1)})
	s.mu.Unlock()

	for c.count.Load() > c.maxEntries {
		if !c.evictOldest() {
			break
		}
	}
	return e
}

// evictOldest removes the entry with the smallest last-use tick across all
// shards. Only one shard lock is held at a time; if the chosen entry was
// touched or removed in between, nothing is removed and the caller retries.
// Returns false when the cache is empty.
func (c *Cache) evictOldest() bool {
	var victim *shard
	oldest := uint64(math.MaxUint64)
	for _, s := range c.shards {
		s.mu.Lock()
		if _, it, ok := s.lru.GetOldest(); ok && it.tick < oldest {
			oldest, victim = it.tick, s
		}
		s.mu.Unlock()
	}
	if victim == nil {
		return false
	}

	victim.mu.Lock()
	defer victim.mu.Unlock()
	if _, it, ok := victim.lru.GetOldest(); ok && it.tick == oldest {
		victim.lru.RemoveOldest()
	}
	return true
}

// InvalidateSession removes every entry belonging to sessionID and returns
// how many were removed.
func (c *Cache) InvalidateSession(sessionID string) int {
	s := c.shardFor(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, k := range s.lru.Keys() {
		if k.SessionID == sessionID {
			s.lru.Remove(k)
			removed++
		}
	}
	return removed
}

// Sweep removes all expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for _, k := range s.lru.Keys() {
			if it, ok := s.lru.Peek(k); ok && it.entry.expired(now) {
				s.lru.Remove(k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet
// reclaimed.
func (c *Cache) Len() int {
	return int(c.count.Load())
}

// Purge drops every entry.
func (c *Cache) Purge() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.lru.Purge()
		s.mu.Unlock()
	}
}

// StartSweeper runs Sweep every interval until ctx is cancelled or Close is
// called. Calling it while a sweeper is already running is a no-op.
// onSweep, if non-nil, receives the count of each non-empty sweep.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		return
	}

	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.sweepCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.sweepCancel = cancel
	c.sweepDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 && onSweep != nil {
					onSweep(n)
				}
			}
		}
	}()
}

// Close stops the background sweeper, if any, and waits for it to exit.
func (c *Cache) Close() {
	c.sweepMu.Lock()
	cancel, done := c.sweepCancel, c.sweepDone
	c.sweepCancel, c.sweepDone = nil, nil
	c.sweepMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
