package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestBucket_FireImmediately(t *testing.T) {
	clk := newFakeClock()
	b := New(Config{Capacity: 1, Interval: time.Second, FireImmediately: true}, WithClock(clk.now))

	// first token granted instantly
	require.True(t, b.TryRemove())
	// a second before the interval elapses fails
	require.False(t, b.TryRemove())
	clk.advance(999 * time.Millisecond)
	require.False(t, b.TryRemove())
	// one succeeds again after the interval
	clk.advance(1 * time.Millisecond)
	require.True(t, b.TryRemove())
	require.False(t, b.TryRemove())
}

func TestBucket_StartsEmptyWithoutFireImmediately(t *testing.T) {
	clk := newFakeClock()
	b := New(Config{Capacity: 3, Interval: time.Second}, WithClock(clk.now))

	require.False(t, b.TryRemove())
	clk.advance(time.Second)
	require.True(t, b.TryRemove())
	require.True(t, b.TryRemove())
	require.True(t, b.TryRemove())
	require.False(t, b.TryRemove())
}

func TestBucket_NeverExceedsCapacity(t *testing.T) {
	clk := newFakeClock()
	b := New(Config{Capacity: 2, Interval: time.Second, FireImmediately: true}, WithClock(clk.now))

	// many idle intervals must not accumulate beyond capacity
	clk.advance(10 * time.Second)
	require.Equal(t, 2, b.Tokens())
	require.True(t, b.TryRemove())
	require.True(t, b.TryRemove())
	require.False(t, b.TryRemove())
	require.Equal(t, 0, b.Tokens())
}

func TestBucket_RefillKeepsCadence(t *testing.T) {
	clk := newFakeClock()
	b := New(Config{Capacity: 1, Interval: time.Second, FireImmediately: true}, WithClock(clk.now))

	require.True(t, b.TryRemove())

	// 1.5 intervals in: refilled once, window started at 1s
	clk.advance(1500 * time.Millisecond)
	require.True(t, b.TryRemove())

	// 0.5s later is still the same window
	clk.advance(500 * time.Millisecond)
	require.False(t, b.TryRemove())

	// crossing into the next window refills again
	clk.advance(500 * time.Millisecond)
	require.True(t, b.TryRemove())
}

func TestBucket_Concurrent(t *testing.T) {
	b := New(Config{Capacity: 50, Interval: time.Hour, FireImmediately: true})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.TryRemove() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// exactly capacity grants, count never negative
	require.Equal(t, 50, granted)
	require.Equal(t, 0, b.Tokens())
}
