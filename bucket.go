package asynccaller

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// BucketOptions configures a TokenBucket.
type BucketOptions struct {
	// Capacity is the maximum number of tokens the bucket holds.
	Capacity int
	// FillPerWindow is the number of tokens added every Window.
	FillPerWindow int
	// Window is the refill period.
	Window time.Duration
	// InitialTokens is the starting token count. Nil means Capacity.
	InitialTokens *int
}

// DefaultBucketOptions returns a bucket of 10 tokens refilled one per 100ms.
func DefaultBucketOptions() BucketOptions {
	return BucketOptions{
		Capacity:      10,
		FillPerWindow: 1,
		Window:        100 * time.Millisecond,
	}
}

// Validate checks the bucket bounds.
func (o BucketOptions) Validate() error {
	if o.Capacity <= 0 {
		return &ConfigError{Field: "capacity", Reason: "must be greater than 0"}
	}
	if o.FillPerWindow <= 0 {
		return &ConfigError{Field: "fill per window", Reason: "must be greater than 0"}
	}
	if o.FillPerWindow > o.Capacity {
		return &ConfigError{Field: "fill per window", Reason: "must not exceed capacity"}
	}
	if o.Window <= 0 {
		return &ConfigError{Field: "window", Reason: "must be greater than 0"}
	}
	if o.InitialTokens != nil && (*o.InitialTokens < 0 || *o.InitialTokens > o.Capacity) {
		return &ConfigError{Field: "initial tokens", Reason: "must be within [0, capacity]"}
	}
	return nil
}

type waiter struct {
	amount  int
	ready   chan struct{}
	granted bool
}

// TokenBucket is a token bucket refilled by FillPerWindow tokens every Window.
// The refill timer only runs while the bucket is below capacity and not in a
// forced pause. Waiters are served strictly in arrival order.
// It is safe for concurrent use.
type TokenBucket struct {
	capacity int
	fill     int
	window   time.Duration

	mu           sync.Mutex
	tokens       int
	waiters      *list.List
	refillTimer  *time.Timer
	refillGen    uint64
	nextRefillAt time.Time
	paused       bool
	pauseTimer   *time.Timer
	closed       bool
}

// NewTokenBucket validates opts and returns a bucket. The refill timer is not
// started until the first consumption.
func NewTokenBucket(opts BucketOptions) (*TokenBucket, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	tokens := opts.Capacity
	if opts.InitialTokens != nil {
		tokens = *opts.InitialTokens
	}
	return &TokenBucket{
		capacity: opts.Capacity,
		fill:     opts.FillPerWindow,
		window:   opts.Window,
		tokens:   tokens,
		waiters:  list.New(),
	}, nil
}

// Capacity returns the maximum token count.
func (b *TokenBucket) Capacity() int { return b.capacity }

// Tokens returns the current token count.
func (b *TokenBucket) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Paused reports whether a forced pause is in effect.
func (b *TokenBucket) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// NextRefillAt returns when the running refill timer fires next, or the zero
// time when it is stopped.
func (b *TokenBucket) NextRefillAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refillTimer == nil {
		return time.Time{}
	}
	return b.nextRefillAt
}

// Waiting returns the number of queued ConsumeAsync calls.
func (b *TokenBucket) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiters.Len()
}

// Consume takes n tokens if at least n are available and reports whether it
// did. It never blocks. A non-positive n is rejected.
func (b *TokenBucket) Consume(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumeLocked(n)
}

func (b *TokenBucket) consumeLocked(n int) bool {
	if b.closed || n <= 0 {
		return false
	}
	defer b.startRefillLocked()
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// ConsumeAsync takes n tokens, waiting in FIFO order behind earlier callers
// until they are available. It returns false with ctx.Err() if ctx ends first,
// ErrInvalidAmount for a non-positive n, ErrExceedsCapacity if n can never be
// satisfied and ErrClosed once the bucket is closed.
func (b *TokenBucket) ConsumeAsync(ctx context.Context, n int) (bool, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false, ErrClosed
	}
	if n <= 0 {
		b.mu.Unlock()
		return false, ErrInvalidAmount
	}
	if n > b.capacity {
		b.mu.Unlock()
		return false, ErrExceedsCapacity
	}
	if b.waiters.Len() == 0 && b.consumeLocked(n) {
		b.mu.Unlock()
		return true, nil
	}
	b.startRefillLocked()
	w := &waiter{amount: n, ready: make(chan struct{})}
	elem := b.waiters.PushBack(w)
	b.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if w.granted {
		return true, nil
	}
	if b.closed {
		return false, ErrClosed
	}
	b.waiters.Remove(elem)
	// The head may have been blocking smaller requests behind it.
	b.dispatchLocked()
	return false, ctx.Err()
}

// ForceWaitUntil empties the bucket and suspends refilling for d. When d has
// passed the bucket is refilled to capacity and queued waiters are served.
// A call made while a pause is already running is ignored.
func (b *TokenBucket) ForceWaitUntil(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused || b.closed {
		return
	}
	b.paused = true
	b.tokens = 0
	b.stopRefillLocked()
	b.pauseTimer = time.AfterFunc(d, b.endPause)
}

func (b *TokenBucket) endPause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || !b.paused {
		return
	}
	b.paused = false
	b.pauseTimer = nil
	b.tokens = b.capacity
	b.dispatchLocked()
	b.startRefillLocked()
}

// Close stops the timers and fails every pending waiter with ErrClosed.
func (b *TokenBucket) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.stopRefillLocked()
	if b.pauseTimer != nil {
		b.pauseTimer.Stop()
		b.pauseTimer = nil
	}
	for e := b.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(*waiter).ready)
	}
	b.waiters.Init()
}

// startRefillLocked arms the refill timer unless it is already running, the
// bucket is full, or a forced pause is active.
func (b *TokenBucket) startRefillLocked() {
	if b.refillTimer != nil || b.paused || b.closed || b.tokens >= b.capacity {
		return
	}
	b.refillGen++
	gen := b.refillGen
	b.nextRefillAt = time.Now().Add(b.window)
	b.refillTimer = time.AfterFunc(b.window, func() { b.refill(gen) })
}

func (b *TokenBucket) stopRefillLocked() {
	if b.refillTimer == nil {
		return
	}
	b.refillTimer.Stop()
	b.refillTimer = nil
	b.refillGen++
}

func (b *TokenBucket) refill(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.refillGen || b.refillTimer == nil {
		return
	}
	b.refillTimer = nil
	b.tokens = min(b.tokens+b.fill, b.capacity)
	b.dispatchLocked()
	b.startRefillLocked()
}

// dispatchLocked grants tokens to waiters in arrival order until the queue is
// empty or the head asks for more than is available.
func (b *TokenBucket) dispatchLocked() {
	for e := b.waiters.Front(); e != nil; e = b.waiters.Front() {
		w := e.Value.(*waiter)
		if b.tokens < w.amount {
			return
		}
		b.tokens -= w.amount
		w.granted = true
		b.waiters.Remove(e)
		close(w.ready)
	}
}
