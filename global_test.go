package tether

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalLockThrottleWithinBurst(t *testing.T) {
	g := NewGlobalLock(clock.New())
	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, g.Throttle(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

// The throttle must run on the injected clock: a caller over the burst
// budget sleeps until the mock advances, not until wall time passes.
func TestGlobalLockThrottleUsesInjectedClock(t *testing.T) {
	mock := clock.NewMock()
	g := NewGlobalLock(mock)
	ctx := context.Background()

	for i := 0; i < globalRequestsPerSecond; i++ {
		require.NoError(t, g.Throttle(ctx))
	}

	done := make(chan error, 1)
	go func() { done <- g.Throttle(ctx) }()
	select {
	case <-done:
		t.Fatal("throttle over the burst returned without a clock advance")
	case <-time.After(50 * time.Millisecond):
	}

	mock.Add(time.Second)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("throttle did not release after the clock advanced")
	}
}

func TestGlobalLockHardLockBlocksThrottle(t *testing.T) {
	g := NewGlobalLock(clock.New())

	var wg sync.WaitGroup
	wg.Add(1)
	locked := make(chan struct{})
	go func() {
		defer wg.Done()
		close(locked)
		assert.NoError(t, g.HardLock(context.Background(), 150*time.Millisecond))
	}()

	<-locked
	time.Sleep(20 * time.Millisecond) // let HardLock take the mutex
	start := time.Now()
	require.NoError(t, g.Throttle(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	wg.Wait()
}

func TestGlobalLockHardLockCancelled(t *testing.T) {
	g := NewGlobalLock(clock.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, g.HardLock(ctx, time.Hour))
}
