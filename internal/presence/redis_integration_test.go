package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat/internal/testutil"
)

func TestRedisTracker(t *testing.T) {
	client := testutil.Redis(t)
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	tr := NewRedisTracker(client)
	tr.now = clock.Now

	on, err := tr.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, on)
	_, ok, err := tr.LastSeen(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tr.Touch(ctx, "alice"))
	last, ok, err := tr.LastSeen(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, last.Equal(clock.Now()))

	on, _ = tr.IsOnline(ctx, "alice")
	assert.True(t, on)

	clock.Advance(OnlineWindow)
	on, _ = tr.IsOnline(ctx, "alice")
	assert.False(t, on, "window elapsed")

	ttl, err := client.TTL(ctx, key("alice")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedisTrackerCorruptValue(t *testing.T) {
	client := testutil.Redis(t)
	ctx := context.Background()
	require.NoError(t, client.Set(ctx, key("mallory"), "not-a-number", 0).Err())

	_, _, err := NewRedisTracker(client).LastSeen(ctx, "mallory")
	assert.Error(t, err)
}
