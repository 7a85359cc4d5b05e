package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "presence:"
	// lastSeenTTL bounds how long a last-seen timestamp is remembered.
	lastSeenTTL = 30 * 24 * time.Hour
)

// RedisTracker stores last-activity timestamps as unix milliseconds, so
// every server process sharing the redis sees the same presence.
type RedisTracker struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisTracker(client *redis.Client) *RedisTracker {
	return &RedisTracker{client: client, now: time.Now}
}

func key(userID string) string {
	return keyPrefix + userID
}

func (t *RedisTracker) Touch(ctx context.Context, userID string) error {
	ms := t.now().UnixMilli()
	if err := t.client.Set(ctx, key(userID), ms, lastSeenTTL).Err(); err != nil {
		return fmt.Errorf("presence: touch %s: %w", userID, err)
	}
	return nil
}

func (t *RedisTracker) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := t.client.Get(ctx, key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("presence: get %s: %w", userID, err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("presence: corrupt timestamp for %s: %w", userID, err)
	}
	return time.UnixMilli(ms), true, nil
}

func (t *RedisTracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	last, ok, err := t.LastSeen(ctx, userID)
	if err != nil || !ok {
		return false, err
	}
	return online(last, t.now()), nil
}
