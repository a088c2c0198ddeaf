// Package ratelimit implements a token-bucket rate limiter, adapted from
// the teacher's internal/budget/token_bucket.go. In this module it backs
// two spec.md concerns: per-session check_lock request shedding (the
// Session Manager's rate_limited error of §6, one Bucket per session)
// and, via Semaphore, the Vendor Orchestrator's bounded call concurrency
// per capability (§5's "vendor call concurrency bounded per capability
// by a semaphore (default 4x number of adapters)").
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bucket is a thread-safe token bucket. Refill is a full top-up on a
// fixed period, matching the teacher's model: simple, predictable, and
// cheap to reason about under burst load.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	consumedTotal atomic.Uint64
	refillCount   atomic.Uint64

	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts its refill
// goroutine. capacity and refillPeriod must be > 0. Call Close to stop
// the refill goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("ratelimit.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("ratelimit.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to consume cost tokens. Returns true if available.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		b.consumedTotal.Add(uint64(cost))
		return true
	}
	return false
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the bucket's maximum token capacity.
func (b *Bucket) Capacity() int { return b.capacity }

// ConsumedTotal returns the lifetime total of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 { return b.consumedTotal.Load() }

// RefillCount returns the number of completed refill cycles.
func (b *Bucket) RefillCount() uint64 { return b.refillCount.Load() }

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() { close(b.stop) }

// Semaphore is a counting semaphore used to bound in-flight vendor calls
// per capability (spec.md §5). A non-blocking Semaphore: Acquire fails
// fast rather than queuing, so saturation surfaces as
// capability_overloaded instead of unbounded queueing.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a Semaphore with the given number of slots.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		panic("ratelimit.NewSemaphore: n must be > 0")
	}
	return &Semaphore{slots: make(chan struct{}, n)}
}

// TryAcquire attempts to acquire one slot without blocking. Returns true
// if acquired; the caller must call Release exactly once on success.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns one slot to the semaphore.
func (s *Semaphore) Release() {
	<-s.slots
}

// InUse returns the number of slots currently held.
func (s *Semaphore) InUse() int { return len(s.slots) }
