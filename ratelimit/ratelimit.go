// Package ratelimit provides the token-bucket primitives that gate every
// sensitive authentication operation: a continuously refilling bucket, a
// fixed-window expiring bucket, and an escalating-backoff throttler. All
// three serialize access per limiter so concurrent requests cannot
// double-spend the same token budget.
package ratelimit

import (
	"sync"
	"time"
)

// RefillingTokenBucket tracks per-key token counts that refill at a fixed
// interval up to max. The zero key state is a full bucket.
type RefillingTokenBucket[K comparable] struct {
	mu             sync.Mutex
	max            int
	refillInterval time.Duration
	buckets        map[K]*refillingBucket

	now func() time.Time
}

type refillingBucket struct {
	count      int
	refilledAt time.Time
}

// NewRefillingTokenBucket creates a bucket of max tokens per key that
// regains one token every refillInterval.
func NewRefillingTokenBucket[K comparable](max int, refillInterval time.Duration) *RefillingTokenBucket[K] {
	return &RefillingTokenBucket[K]{
		max:            max,
		refillInterval: refillInterval,
		buckets:        make(map[K]*refillingBucket),
		now:            time.Now,
	}
}

// Check reports whether key has at least cost tokens after projecting the
// refill. It never mutates stored state.
func (b *RefillingTokenBucket[K]) Check(key K, cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, ok := b.buckets[key]
	if !ok {
		return b.max >= cost
	}
	count := b.projectedCount(bucket)
	return count >= cost
}

// Consume refills key's bucket, then deducts cost if enough tokens remain.
// An insufficient bucket is left undebited; the refill is still persisted.
func (b *RefillingTokenBucket[K]) Consume(key K, cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, ok := b.buckets[key]
	if !ok {
		bucket = &refillingBucket{count: b.max, refilledAt: b.now()}
		b.buckets[key] = bucket
	} else {
		bucket.count = b.projectedCount(bucket)
		bucket.refilledAt = b.now()
	}
	if bucket.count < cost {
		return false
	}
	bucket.count -= cost
	return true
}

// Reset restores key's bucket to max tokens.
func (b *RefillingTokenBucket[K]) Reset(key K) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.buckets, key)
}

func (b *RefillingTokenBucket[K]) projectedCount(bucket *refillingBucket) int {
	refills := int(b.now().Sub(bucket.refilledAt) / b.refillInterval)
	count := bucket.count + refills
	if count > b.max {
		count = b.max
	}
	return count
}

// ExpiringTokenBucket tracks per-key token counts within a fixed window.
// Once the window elapses, the bucket resets to full on the next access.
// Used for bounded multi-step flows such as email verification attempts.
type ExpiringTokenBucket[K comparable] struct {
	mu        sync.Mutex
	max       int
	expiresIn time.Duration
	buckets   map[K]*expiringBucket

	now func() time.Time
}

type expiringBucket struct {
	count     int
	createdAt time.Time
}

// NewExpiringTokenBucket creates a bucket of max tokens per key valid for
// expiresIn from first use.
func NewExpiringTokenBucket[K comparable](max int, expiresIn time.Duration) *ExpiringTokenBucket[K] {
	return &ExpiringTokenBucket[K]{
		max:       max,
		expiresIn: expiresIn,
		buckets:   make(map[K]*expiringBucket),
		now:       time.Now,
	}
}

// Check reports whether key has at least cost tokens, treating an expired
// bucket as full. It never mutates stored state.
func (b *ExpiringTokenBucket[K]) Check(key K, cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, ok := b.buckets[key]
	if !ok {
		return b.max >= cost
	}
	if b.now().Sub(bucket.createdAt) > b.expiresIn {
		return b.max >= cost
	}
	return bucket.count >= cost
}

// Consume deducts cost from key's bucket, resetting an expired bucket
// first. An insufficient bucket is left undebited.
func (b *ExpiringTokenBucket[K]) Consume(key K, cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, ok := b.buckets[key]
	if !ok || b.now().Sub(bucket.createdAt) > b.expiresIn {
		bucket = &expiringBucket{count: b.max, createdAt: b.now()}
		b.buckets[key] = bucket
	}
	if bucket.count < cost {
		return false
	}
	bucket.count -= cost
	return true
}

// Reset clears key's bucket.
func (b *ExpiringTokenBucket[K]) Reset(key K) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.buckets, key)
}

// Throttler enforces an escalating delay between attempts per key. Each
// successful Consume advances the key one step along the timeout table, so
// every failed login slows the next attempt.
type Throttler[K comparable] struct {
	mu       sync.Mutex
	timeouts []time.Duration
	attempts map[K]*throttleRecord

	now func() time.Time
}

type throttleRecord struct {
	index     int
	updatedAt time.Time
}

// NewThrottler creates a throttler over the given escalating timeout
// table. The table must be non-empty.
func NewThrottler[K comparable](timeouts []time.Duration) *Throttler[K] {
	if len(timeouts) == 0 {
		panic("ratelimit: empty throttler timeout table")
	}
	return &Throttler[K]{
		timeouts: append([]time.Duration(nil), timeouts...),
		attempts: make(map[K]*throttleRecord),
		now:      time.Now,
	}
}

// Consume returns false while the key's current timeout has not elapsed.
// On success it advances the backoff index (capped at the table end) and
// stamps the attempt time.
func (t *Throttler[K]) Consume(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.attempts[key]
	if !ok {
		t.attempts[key] = &throttleRecord{index: 0, updatedAt: t.now()}
		return true
	}
	if t.now().Sub(rec.updatedAt) < t.timeouts[rec.index] {
		return false
	}
	rec.updatedAt = t.now()
	if rec.index < len(t.timeouts)-1 {
		rec.index++
	}
	return true
}

// Reset clears the backoff state for key.
func (t *Throttler[K]) Reset(key K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, key)
}
