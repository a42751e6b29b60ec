package rate

import (
	"context"
	"math"
	"sync"
	"time"
)

// MinWait keeps Consume from spinning on sub-millisecond deficits.
const MinWait = time.Millisecond

// TokenBucket caps throughput in bytes per second. The bucket holds at most
// one second worth of tokens and refills continuously from elapsed time.
// A rate of zero or less disables limiting.
type TokenBucket struct {
	Mu             sync.Mutex
	Tokens         float64
	MaxTokens      float64
	RefillRate     float64
	LastRefillTime time.Time
}

// NewTokenBucket returns a full bucket for bytesPerSecond.
func NewTokenBucket(bytesPerSecond int64) *TokenBucket {
	tb := &TokenBucket{LastRefillTime: time.Now()}
	tb.setRate(float64(bytesPerSecond))
	tb.Tokens = tb.MaxTokens
	return tb
}

// SetRate changes the cap at runtime. Tokens already in the bucket are kept
// up to the new capacity.
func (tb *TokenBucket) SetRate(bytesPerSecond int64) {
	tb.Mu.Lock()
	defer tb.Mu.Unlock()
	tb.refill(time.Now())
	tb.setRate(float64(bytesPerSecond))
	tb.Tokens = math.Min(tb.Tokens, tb.MaxTokens)
}

func (tb *TokenBucket) Rate() int64 {
	tb.Mu.Lock()
	defer tb.Mu.Unlock()
	return int64(tb.RefillRate)
}

func (tb *TokenBucket) Unlimited() bool {
	tb.Mu.Lock()
	defer tb.Mu.Unlock()
	return tb.RefillRate <= 0
}

func (tb *TokenBucket) setRate(r float64) {
	if r < 0 {
		r = 0
	}
	tb.RefillRate = r
	tb.MaxTokens = r
}

func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.LastRefillTime).Seconds()
	if elapsed > 0 {
		tb.Tokens = math.Min(tb.Tokens+tb.RefillRate*elapsed, tb.MaxTokens)
	}
	tb.LastRefillTime = now
}

// Consume takes n tokens, sleeping for the deficit when the bucket runs
// short. Requests larger than the bucket are admitted and leave the bucket
// in debt, so the long-run rate still holds. It returns ctx.Err() if the
// context ends while waiting.
func (tb *TokenBucket) Consume(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	tb.Mu.Lock()
	if tb.RefillRate <= 0 {
		tb.Mu.Unlock()
		return nil
	}
	tb.refill(time.Now())
	tb.Tokens -= float64(n)
	deficit := -tb.Tokens
	rate := tb.RefillRate
	tb.Mu.Unlock()

	if deficit <= 0 {
		return nil
	}

	wait := time.Duration(deficit / rate * float64(time.Second))
	if wait < MinWait {
		wait = MinWait
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		// Give back what was never sent.
		tb.Mu.Lock()
		tb.Tokens = math.Min(tb.Tokens+float64(n), tb.MaxTokens)
		tb.Mu.Unlock()
		return ctx.Err()
	}
}
