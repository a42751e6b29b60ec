package rate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketUnlimited(t *testing.T) {
	for _, r := range []int64{0, -5} {
		tb := NewTokenBucket(r)
		require.True(t, tb.Unlimited())

		start := time.Now()
		for i := 0; i < 1000; i++ {
			require.NoError(t, tb.Consume(context.Background(), 1<<20))
		}
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	}
}

func TestTokenBucketPacing(t *testing.T) {
	const rate = 50_000
	tb := NewTokenBucket(rate)

	start := time.Now()
	var sent int
	for sent < 2*rate {
		require.NoError(t, tb.Consume(context.Background(), 5000))
		sent += 5000
	}
	elapsed := time.Since(start)

	// One second of burst is free, the second second must be paid for.
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestTokenBucketWindowUpperBound(t *testing.T) {
	const (
		rate  = 20_000
		chunk = 1000
		total = 3 * rate
	)
	tb := NewTokenBucket(rate)

	var stamps []time.Time
	for sent := 0; sent < total; sent += chunk {
		require.NoError(t, tb.Consume(context.Background(), chunk))
		stamps = append(stamps, time.Now())
	}

	// A full bucket plus one second of refill, rounded up to a chunk.
	for i, from := range stamps {
		var inWindow int
		for _, at := range stamps[i:] {
			if at.Sub(from) >= time.Second {
				break
			}
			inWindow += chunk
		}
		require.LessOrEqual(t, inWindow, 2*rate+chunk, "window starting at chunk %d", i)
	}

	// Past the initial burst the long run average stays at the rate.
	elapsed := stamps[len(stamps)-1].Sub(stamps[0])
	assert.GreaterOrEqual(t, elapsed, 1900*time.Millisecond)
}

func TestTokenBucketOversizedRequest(t *testing.T) {
	tb := NewTokenBucket(10_000)

	start := time.Now()
	require.NoError(t, tb.Consume(context.Background(), 15_000))
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestTokenBucketConsumeCancelled(t *testing.T) {
	tb := NewTokenBucket(1000)
	require.NoError(t, tb.Consume(context.Background(), 1000))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := tb.Consume(ctx, 5000)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTokenBucketSetRate(t *testing.T) {
	tb := NewTokenBucket(1_000_000)
	tb.SetRate(100)
	assert.Equal(t, int64(100), tb.Rate())

	tb.Mu.Lock()
	assert.LessOrEqual(t, tb.Tokens, 100.0)
	tb.Mu.Unlock()

	tb.SetRate(0)
	assert.True(t, tb.Unlimited())
	require.NoError(t, tb.Consume(context.Background(), 1<<30))
}
