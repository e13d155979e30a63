package expose

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/millillitre/alumet/pkg/types"
)

// Entry is the newest point of a series and when it was last received.
type Entry struct {
	Point     types.Point
	UpdatedAt time.Time
}

// Store is a thread-safe latest-value store keyed by series.
// Series that stop reporting are evicted after the TTL by Run.
type Store struct {
	mu   sync.RWMutex
	data map[string]*Entry
	ttl  time.Duration
	now  func() time.Time // injectable for deterministic tests
}

// NewStore creates a Store with the given TTL.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		data: make(map[string]*Entry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Emit records each point as the current value of its series. A point older
// than the one already held only refreshes the entry's age.
func (s *Store) Emit(_ context.Context, points []types.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, p := range points {
		key := p.SeriesKey()
		e, ok := s.data[key]
		if !ok {
			s.data[key] = &Entry{Point: p, UpdatedAt: now}
			continue
		}
		if !p.Timestamp.Before(e.Point.Timestamp) {
			e.Point = p
		}
		e.UpdatedAt = now
	}
	return nil
}

// List returns the live entries ordered by series key. Stale entries that
// have not been evicted yet are excluded.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-s.ttl)
	keys := make([]string, 0, len(s.data))
	for k, e := range s.data {
		if e.UpdatedAt.After(cutoff) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, *s.data[k])
	}
	return out
}

// Count returns the number of series held, including stale ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes series not updated since now minus TTL and returns how many
// were removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for k, e := range s.data {
		if !e.UpdatedAt.After(cutoff) {
			delete(s.data, k)
			removed++
		}
	}
	return removed
}

// Run evicts stale series every half TTL (at least every second) until ctx
// is cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := max(s.ttl/2, time.Second)
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("expose: evicted stale series", "count", n)
			}
		}
	}
}
