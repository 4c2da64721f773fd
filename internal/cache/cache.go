// Package cache is an in-process TTL cache with stale fallback, LRU capacity
// eviction and one in-flight upstream fetch per key
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/trogers1052/portfolio-valuation/internal/apperr"
	"github.com/trogers1052/portfolio-valuation/internal/clock"
	"github.com/trogers1052/portfolio-valuation/internal/logging"
)

// Entry is a cached value and its freshness
type Entry struct {
	Key       string
	Value     any
	FetchedAt time.Time
	TTL       time.Duration
}

// Expired reports whether now - FetchedAt > TTL
func (e Entry) Expired(now time.Time) bool {
	return now.Sub(e.FetchedAt) > e.TTL
}

// Result is what GetOrFetch hands back
type Result[T any] struct {
	Value     T
	FetchedAt time.Time
	// Hit is true when no upstream fetch was needed
	Hit bool
	// Stale is true when the refresh failed and an expired value was served
	Stale bool
}

// Stats are cumulative counters
type Stats struct {
	Hits        uint64
	Misses      uint64
	StaleServed uint64
	Evictions   uint64
	Fetches     uint64
}

// Store holds entries keyed by string. Expired entries stay until they are
// overwritten or pushed out by capacity
type Store struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	maxEntries int

	flights singleflight.Group
	clock   clock.Clock
	logger  *logging.Logger

	hits, misses, stale, evictions, fetches atomic.Uint64
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the time source used for TTLs
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger used for stale-fallback warnings
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store holding at most maxEntries entries. A non-positive
// maxEntries disables capacity eviction
func New(maxEntries int, opts ...Option) *Store {
	s := &Store{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: maxEntries,
		clock:      clock.Real{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrSilent(s.logger)
	return s
}

// Get returns the entry for key, expired or not, and marks it recently used
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	s.lru.MoveToFront(el)
	return *el.Value.(*Entry), true
}

// Put stores value under key, fetched now
func (s *Store) Put(key string, value any, ttl time.Duration) {
	s.put(key, value, ttl, s.clock.Now())
}

func (s *Store) put(key string, value any, ttl time.Duration, fetchedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		e := el.Value.(*Entry)
		e.Value = value
		e.TTL = ttl
		e.FetchedAt = fetchedAt
		s.lru.MoveToFront(el)
		return
	}

	s.entries[key] = s.lru.PushFront(&Entry{Key: key, Value: value, FetchedAt: fetchedAt, TTL: ttl})
	for s.maxEntries > 0 && s.lru.Len() > s.maxEntries {
		oldest := s.lru.Back()
		s.lru.Remove(oldest)
		delete(s.entries, oldest.Value.(*Entry).Key)
		s.evictions.Add(1)
	}
}

// Delete drops key
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		s.lru.Remove(el)
		delete(s.entries, key)
	}
}

// Len returns the number of entries, expired ones included
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Stats returns a snapshot of the counters
func (s *Store) Stats() Stats {
	return Stats{
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		StaleServed: s.stale.Load(),
		Evictions:   s.evictions.Load(),
		Fetches:     s.fetches.Load(),
	}
}

// GetOrFetch returns the live value for key, or calls fetch to produce one.
//
// A missing key propagates fetch's error and caches nothing. An expired key
// whose refresh fails serves the expired value with Result.Stale set.
// Concurrent callers for the same key share one fetch. The shared fetch keeps
// the first caller's deadline but not its cancellation, and each caller
// stops waiting when its own ctx ends
func GetOrFetch[T any](ctx context.Context, s *Store, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (Result[T], error) {
	if v, fetchedAt, ok := lookupLive[T](s, key); ok {
		s.hits.Add(1)
		return Result[T]{Value: v, FetchedAt: fetchedAt, Hit: true}, nil
	}
	s.misses.Add(1)
	if err := ctx.Err(); err != nil {
		return Result[T]{}, &apperr.CancelledError{Name: key, Cause: err}
	}

	ch := s.flights.DoChan(key, func() (any, error) {
		// a flight that finished just before this one may have filled the key
		if v, fetchedAt, ok := lookupLive[T](s, key); ok {
			return Result[T]{Value: v, FetchedAt: fetchedAt, Hit: true}, nil
		}

		fctx, cancel := flightContext(ctx)
		defer cancel()

		s.fetches.Add(1)
		v, err := fetch(fctx)
		if err == nil {
			now := s.clock.Now()
			s.put(key, v, ttl, now)
			return Result[T]{Value: v, FetchedAt: now}, nil
		}

		entry, ok := s.Get(key)
		if !ok {
			return nil, err
		}
		staleValue, ok := entry.Value.(T)
		if !ok {
			return nil, err
		}
		s.stale.Add(1)
		s.logger.Warn().
			Str("key", key).
			Dur("age", s.clock.Now().Sub(entry.FetchedAt)).
			Err(err).
			Msg("refresh failed, serving stale value")
		return Result[T]{Value: staleValue, FetchedAt: entry.FetchedAt, Stale: true}, nil
	})

	var out singleflight.Result
	select {
	case out = <-ch:
	case <-ctx.Done():
		return Result[T]{}, &apperr.CancelledError{Name: key, Cause: ctx.Err()}
	}
	if out.Err != nil {
		return Result[T]{}, out.Err
	}

	res, ok := out.Val.(Result[T])
	if !ok {
		return Result[T]{}, fmt.Errorf("cache key %s holds %T, not the requested type", key, out.Val)
	}
	return res, nil
}

// flightContext detaches ctx from cancellation, keeping its values and
// deadline
func flightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return context.WithCancel(detached)
}

func lookupLive[T any](s *Store, key string) (T, time.Time, bool) {
	var zero T
	entry, ok := s.Get(key)
	if !ok || entry.Expired(s.clock.Now()) {
		return zero, time.Time{}, false
	}
	v, ok := entry.Value.(T)
	if !ok {
		return zero, time.Time{}, false
	}
	return v, entry.FetchedAt, true
}
