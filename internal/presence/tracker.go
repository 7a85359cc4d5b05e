// Package presence derives "online" from recent activity. It is best-effort
// and never consulted for authorization.
package presence

import (
	"context"
	"sync"
	"time"
)

// OnlineWindow is how long after the last activity a user still counts
// as online.
const OnlineWindow = 5 * time.Minute

type Tracker interface {
	// Touch records now as the user's last activity.
	Touch(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	// LastSeen reports the last activity, if any was recorded.
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

func online(last, now time.Time) bool {
	return now.Sub(last) < OnlineWindow
}

// MemoryTracker keeps last-activity timestamps in process memory.
type MemoryTracker struct {
	mu   sync.RWMutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[string]time.Time), now: time.Now}
}

// SetClock replaces the time source.
func (t *MemoryTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

func (t *MemoryTracker) Touch(_ context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if prev, ok := t.seen[userID]; !ok || now.After(prev) {
		t.seen[userID] = now
	}
	return nil
}

func (t *MemoryTracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	last, ok, err := t.LastSeen(ctx, userID)
	if err != nil || !ok {
		return false, err
	}
	t.mu.RLock()
	now := t.now()
	t.mu.RUnlock()
	return online(last, now), nil
}

func (t *MemoryTracker) LastSeen(_ context.Context, userID string) (time.Time, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	last, ok := t.seen[userID]
	return last, ok, nil
}
