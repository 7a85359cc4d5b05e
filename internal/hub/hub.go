// Package hub fans events out to the sessions joined to a room. A room is
// either a conversation or a user's personal notification channel.
package hub

import (
	"sync"

	"go.uber.org/zap"
)

// Subscriber is one session as the hub sees it.
type Subscriber interface {
	ID() string
	UserID() string
	// Send queues payload without blocking. False means the subscriber is
	// closed or could not keep up; it closes itself in that case.
	Send(payload []byte) bool
}

func ConversationRoom(conversationID string) string {
	return "chat_" + conversationID
}

func UserChannel(userID string) string {
	return "user_" + userID
}

// room serializes membership changes and broadcasts behind its own lock,
// which gives every member the same delivery order.
type room struct {
	key     string
	mu      sync.Mutex
	members map[string]Subscriber
	users   map[string]int
	dead    bool
}

func newRoom(key string) *room {
	return &room{
		key:     key,
		members: make(map[string]Subscriber),
		users:   make(map[string]int),
	}
}

// Hub is the registry of live rooms. Its own lock only guards the map;
// all per-room work happens under the room's lock.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*room
	log   *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		rooms: make(map[string]*room),
		log:   log.Named("hub"),
	}
}

// Join adds s to the room, creating the room on first use. It reports
// whether s is the user's first session in the room.
func (h *Hub) Join(key string, s Subscriber) bool {
	return h.JoinAnnounce(key, s, nil)
}

// JoinAnnounce is Join that also broadcasts announce to the whole room,
// s included, when s is the user's first session. The broadcast happens
// under the room lock, so announcements stay in step with the count.
func (h *Hub) JoinAnnounce(key string, s Subscriber, announce []byte) bool {
	h.mu.Lock()
	r, ok := h.rooms[key]
	if !ok {
		r = newRoom(key)
		h.rooms[key] = r
	}
	// Taking the room lock before releasing the registry lock keeps the
	// room from being collected between lookup and insert.
	r.mu.Lock()
	h.mu.Unlock()
	defer r.mu.Unlock()

	if _, already := r.members[s.ID()]; already {
		return false
	}
	r.members[s.ID()] = s
	r.users[s.UserID()]++
	first := r.users[s.UserID()] == 1
	if first && announce != nil {
		h.deliver(r, announce, nil)
	}
	return first
}

// Leave removes s from the room. It reports whether that was the user's
// last session there. An emptied room is dropped from the registry.
func (h *Hub) Leave(key string, s Subscriber) bool {
	return h.LeaveAnnounce(key, s, nil)
}

// LeaveAnnounce is Leave that also broadcasts announce to the remaining
// sessions, under the room lock, when s was the user's last session.
func (h *Hub) LeaveAnnounce(key string, s Subscriber, announce []byte) bool {
	h.mu.RLock()
	r, ok := h.rooms[key]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	r.mu.Lock()
	if _, member := r.members[s.ID()]; !member {
		r.mu.Unlock()
		return false
	}
	delete(r.members, s.ID())
	r.users[s.UserID()]--
	last := r.users[s.UserID()] == 0
	if last {
		delete(r.users, s.UserID())
		if announce != nil {
			h.deliver(r, announce, nil)
		}
	}
	empty := len(r.members) == 0
	r.mu.Unlock()

	if empty {
		h.collect(key, r)
	}
	return last
}

func (h *Hub) collect(key string, r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) == 0 && h.rooms[key] == r {
		r.dead = true
		delete(h.rooms, key)
	}
}

// Broadcast delivers payload to every session in the room except exclude
// (which may be nil) and returns how many accepted it. A session that
// cannot accept does not affect delivery to the others.
func (h *Hub) Broadcast(key string, payload []byte, exclude Subscriber) int {
	h.mu.RLock()
	r, ok := h.rooms[key]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return 0
	}
	return h.deliver(r, payload, exclude)
}

// deliver sends payload to the room's members. The caller holds r.mu.
func (h *Hub) deliver(r *room, payload []byte, exclude Subscriber) int {
	delivered := 0
	for id, s := range r.members {
		if exclude != nil && id == exclude.ID() {
			continue
		}
		if s.Send(payload) {
			delivered++
			continue
		}
		h.log.Warn("dropped event for session", zap.String("room", r.key), zap.String("session_id", id))
	}
	return delivered
}

// Sessions reports how many sessions of userID are joined to the room.
func (h *Hub) Sessions(key, userID string) int {
	h.mu.RLock()
	r, ok := h.rooms[key]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userID]
}

// Size reports how many sessions are joined to the room.
func (h *Hub) Size(key string) int {
	h.mu.RLock()
	r, ok := h.rooms[key]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Rooms reports how many rooms are live.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Close closes every joined session that can be closed. Sessions run their
// own cleanup, which leaves the rooms.
func (h *Hub) Close() {
	h.mu.RLock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	seen := make(map[string]Subscriber)
	for _, r := range rooms {
		r.mu.Lock()
		for id, s := range r.members {
			seen[id] = s
		}
		r.mu.Unlock()
	}

	for _, s := range seen {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
	h.log.Info("closed sessions", zap.Int("count", len(seen)))
}
