package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// ErrNeverRefills is returned by Wait when the bucket cannot ever satisfy the
// request (zero fill rate or a cost above capacity).
var ErrNeverRefills = errors.New("token bucket cannot satisfy request")

// TokenBucket paces outbound events. It refills at an integer rate
// (tokens/sec) using fixed-point nano-tokens: one token is 1e9 nano-tokens, so
// X tokens/sec adds X nano-tokens per elapsed nanosecond.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	nanoTokens int64
	last       time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity = max(capacity, 0)
	rate = max(rate, 0)
	return &TokenBucket{
		clock:      clock,
		capacity:   capacity,
		rate:       rate,
		nanoTokens: toNano(capacity),
		last:       clock.Now(),
	}
}

// Allow consumes tokens if they are available right now.
func (b *TokenBucket) Allow(tokens int64) bool {
	return b.Reserve(tokens) == 0
}

// Reserve consumes tokens and returns 0 when they are available. Otherwise it
// consumes nothing and returns how long the caller should wait before trying
// again. A negative duration means the request can never succeed.
func (b *TokenBucket) Reserve(tokens int64) time.Duration {
	if tokens <= 0 {
		return 0
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.nanoTokens >= cost {
		b.nanoTokens -= cost
		return 0
	}
	if b.rate <= 0 || tokens > b.capacity {
		return -1
	}
	missing := cost - b.nanoTokens
	// rate tokens/sec == rate nano-tokens/ns.
	wait := time.Duration((missing + b.rate - 1) / b.rate)
	if wait <= 0 {
		wait = time.Nanosecond
	}
	return wait
}

// Wait blocks until tokens are consumed or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context, tokens int64) error {
	for {
		d := b.Reserve(tokens)
		if d == 0 {
			return nil
		}
		if d < 0 {
			return ErrNeverRefills
		}

		fired := make(chan struct{})
		t := b.clock.AfterFunc(d, func() { close(fired) })
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-fired:
		}
	}
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 || b.rate <= 0 {
		return
	}

	full := toNano(b.capacity)
	need := full - b.nanoTokens
	if need <= 0 {
		b.nanoTokens = full
		return
	}
	// Clamp before multiplying so elapsed*rate cannot overflow.
	if ns := elapsed.Nanoseconds(); ns >= need/b.rate+1 {
		b.nanoTokens = full
	} else {
		b.nanoTokens = min(full, b.nanoTokens+ns*b.rate)
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
