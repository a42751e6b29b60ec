package concurrencies

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateOpenByDefault(t *testing.T) {
	var g Gate
	require.False(t, g.Paused())
	require.NoError(t, g.Wait(context.Background()))
	require.False(t, g.Resume())
}

func TestGatePauseResume(t *testing.T) {
	var g Gate
	require.True(t, g.Pause())
	require.False(t, g.Pause())

	released := make(chan error, 1)
	go func() {
		released <- g.Wait(context.Background())
	}()

	select {
	case <-released:
		t.Fatal("waiter released while paused")
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, g.Resume())
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released after resume")
	}
}

func TestGateWaitCancelled(t *testing.T) {
	var g Gate
	g.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Wait(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter still blocked")
	}
}
