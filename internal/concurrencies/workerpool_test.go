package concurrencies

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolSingleWorkerKeepsOrder(t *testing.T) {
	pool := NewWorkerPool(1)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		require.True(t, pool.Submit(func() {
			if i == 0 {
				time.Sleep(10 * time.Millisecond)
			}
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	pool.StopWait()

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestWorkerPoolLimit(t *testing.T) {
	pool := NewWorkerPool(3)

	var running, peak atomic.Int32
	for i := 0; i < 20; i++ {
		pool.Submit(func() {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		})
	}
	pool.StopWait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestWorkerPoolSubmitAfterStop(t *testing.T) {
	pool := NewWorkerPool(0)
	pool.StopWait()
	assert.False(t, pool.Submit(func() {}))
	pool.StopWait()
}
