package ratelimit

import (
	"sync"
	"time"
)

type Config struct {
	// Capacity is the maximum number of tokens the bucket holds.
	Capacity int
	// Interval is how often the bucket is refilled back to capacity.
	Interval time.Duration
	// FireImmediately starts the bucket full instead of waiting for the
	// first interval to elapse, granting burst capacity from the start.
	FireImmediately bool
}

// Bucket is a token bucket refilled to capacity once per interval. The
// refill is computed lazily from elapsed time, so an idle bucket costs
// nothing. Token count stays within [0, capacity].
type Bucket struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	tokens int
	// last is the start of the current interval window.
	last time.Time
}

type Option func(*Bucket)

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(b *Bucket) { b.now = now }
}

func New(cfg Config, opts ...Option) *Bucket {
	b := &Bucket{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	if cfg.FireImmediately {
		b.tokens = cfg.Capacity
	}
	b.last = b.now()
	return b
}

// TryRemove atomically takes one token if available. It never blocks and
// never queues; false is a normal negative outcome, not an error.
func (b *Bucket) TryRemove() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Tokens reports the current token count after applying any due refill.
func (b *Bucket) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

func (b *Bucket) refill() {
	if b.cfg.Interval <= 0 {
		return
	}
	elapsed := b.now().Sub(b.last)
	if elapsed < b.cfg.Interval {
		return
	}
	b.tokens = b.cfg.Capacity
	// Advance window start by whole intervals to keep the cadence stable.
	b.last = b.last.Add(elapsed - elapsed%b.cfg.Interval)
}
