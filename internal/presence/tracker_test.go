package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryTracker(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	tr := NewMemoryTracker()
	tr.SetClock(clock.Now)

	on, err := tr.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, on, "never seen")

	require.NoError(t, tr.Touch(ctx, "alice"))
	on, _ = tr.IsOnline(ctx, "alice")
	assert.True(t, on)

	clock.Advance(OnlineWindow - time.Second)
	on, _ = tr.IsOnline(ctx, "alice")
	assert.True(t, on)

	clock.Advance(time.Second)
	on, _ = tr.IsOnline(ctx, "alice")
	assert.False(t, on, "exactly five minutes is offline")

	last, ok, err := tr.LastSeen(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), last)
}

func TestMemoryTrackerConcurrentTouch(t *testing.T) {
	tr := NewMemoryTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.Touch(context.Background(), "bob")
		}()
	}
	wg.Wait()
	on, err := tr.IsOnline(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, on)
}
