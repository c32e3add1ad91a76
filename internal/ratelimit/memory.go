package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket tracks the token balance for one caller.
type bucket struct {
	tokens   float64
	refillAt time.Time
}

// Memory is a token bucket limiter with one bucket per key. Each bucket
// refills at rate tokens per second up to burst capacity. A background
// goroutine evicts buckets idle longer than staleAfter so the map stays
// bounded by the active caller set.
type Memory struct {
	rate       float64
	burst      float64
	staleAfter time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}

	now func() time.Time
}

// NewMemory creates a token bucket limiter. rate is the sustained
// requests per second per key; burst is the bucket capacity. Call Close
// to stop the eviction goroutine.
func NewMemory(rate float64, burst int) *Memory {
	m := &Memory{
		rate:       rate,
		burst:      float64(burst),
		staleAfter: 10 * time.Minute,
		buckets:    make(map[string]*bucket),
		done:       make(chan struct{}),
		now:        time.Now,
	}
	go m.evictLoop()
	return m
}

// Allow consumes one token from the bucket for key. A key's first
// request starts from a full bucket.
func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		m.buckets[key] = &bucket{tokens: m.burst - 1, refillAt: now}
		return true, nil
	}

	b.tokens += now.Sub(b.refillAt).Seconds() * m.rate
	if b.tokens > m.burst {
		b.tokens = m.burst
	}
	b.refillAt = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *Memory) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *Memory) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.staleAfter)
	for key, b := range m.buckets {
		if b.refillAt.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}

// size reports the tracked key count. Test hook.
func (m *Memory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
