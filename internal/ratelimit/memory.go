package ratelimit

import (
	"context"
	"sync"
	"time"
)

// tokenBucket tracks the spendable budget for one client key.
type tokenBucket struct {
	tokens  float64
	touched time.Time
}

// MemoryLimiter is an in-process Limiter: one token bucket per key,
// refilled continuously at a fixed rate. It suits a single-instance
// deployment where the recommendation endpoints share one process; a
// janitor goroutine drops idle buckets so abandoned clients do not
// accumulate.
type MemoryLimiter struct {
	refillPerSec float64
	capacity     float64

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	closeOnce sync.Once
	stop      chan struct{}
}

// NewMemoryLimiter creates a limiter allowing a sustained rate of
// refillPerSec requests per second per key, with bursts up to capacity.
// Call Close to stop the eviction goroutine.
func NewMemoryLimiter(refillPerSec float64, capacity int) *MemoryLimiter {
	m := &MemoryLimiter{
		refillPerSec: refillPerSec,
		capacity:     float64(capacity),
		buckets:      make(map[string]*tokenBucket),
		stop:         make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Allow spends one token from key's bucket. False means the caller is over
// its budget and the request should be rejected.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		// A new key starts full and immediately spends one token.
		m.buckets[key] = &tokenBucket{tokens: m.capacity - 1, touched: now}
		return true, nil
	}

	b.tokens += now.Sub(b.touched).Seconds() * m.refillPerSec
	if b.tokens > m.capacity {
		b.tokens = m.capacity
	}
	b.touched = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the janitor goroutine. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	return nil
}

// Buckets untouched for this long are reclaimed.
const idleEviction = 10 * time.Minute

func (m *MemoryLimiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *MemoryLimiter) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleEviction)
	for key, b := range m.buckets {
		if b.touched.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
