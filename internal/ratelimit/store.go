// Package ratelimit throttles callers of the oracle's public routes with a
// sliding window per key.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of one check against a window.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the whole number of seconds until the window frees a slot.
func (r Result) RetryAfter(now time.Time) int {
	secs := int(r.ResetAt.Sub(now).Round(time.Second) / time.Second)
	return max(secs, 1)
}

// Store counts requests per key.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
}

// MemoryStore keeps one sliding window of timestamps per key. It is local to
// the process. A key is forgotten once its window empties, and every
// sweepInterval calls the store also forgets keys that stopped calling.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	calls   int
	now     func() time.Time
}

type memoryWindow struct {
	stamps []time.Time
	span   time.Duration
}

const sweepInterval = 1024

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*memoryWindow), now: time.Now}
}

func (s *MemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.calls++
	if s.calls%sweepInterval == 0 {
		s.sweep(now)
	}

	var stamps []time.Time
	if w, ok := s.windows[key]; ok {
		stamps = prune(w.stamps, now.Add(-window))
	}
	if len(stamps) >= limit {
		s.store(key, stamps, window)
		resetAt := now.Add(window)
		if len(stamps) > 0 {
			resetAt = stamps[0].Add(window)
		}
		return &Result{Allowed: false, Limit: limit, ResetAt: resetAt}, nil
	}
	stamps = append(stamps, now)
	s.store(key, stamps, window)
	return &Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(stamps),
		ResetAt:   stamps[0].Add(window),
	}, nil
}

func (s *MemoryStore) store(key string, stamps []time.Time, window time.Duration) {
	if len(stamps) == 0 {
		delete(s.windows, key)
		return
	}
	s.windows[key] = &memoryWindow{stamps: stamps, span: window}
}

// sweep forgets every key whose window has fully elapsed.
func (s *MemoryStore) sweep(now time.Time) {
	for key, w := range s.windows {
		if len(prune(w.stamps, now.Add(-w.span))) == 0 {
			delete(s.windows, key)
		}
	}
}

// prune drops timestamps at or before cutoff. stamps is sorted.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}
