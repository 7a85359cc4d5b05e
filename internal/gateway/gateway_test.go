package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go-chat/internal/assistant"
	"go-chat/internal/chat"
	"go-chat/internal/crypto"
	"go-chat/internal/hub"
	"go-chat/internal/presence"
	"go-chat/internal/user"
)

const (
	alice = "0190a1b2-0000-7000-8000-00000000000a"
	bob   = "0190a1b2-0000-7000-8000-00000000000b"
	carol = "0190a1b2-0000-7000-8000-00000000000c"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type fixture struct {
	store    *chat.Store
	repo     chat.Repository
	hub      *hub.Hub
	presence *presence.MemoryTracker
	gw       *Gateway
}

type fixtureOpt func(*fixtureConfig)

type fixtureConfig struct {
	repo    chat.Repository
	buffer  int
	timeout time.Duration
}

func withRepo(r chat.Repository) fixtureOpt {
	return func(c *fixtureConfig) { c.repo = r }
}

func withBuffer(n int) fixtureOpt {
	return func(c *fixtureConfig) { c.buffer = n }
}

func withTimeout(d time.Duration) fixtureOpt {
	return func(c *fixtureConfig) { c.timeout = d }
}

func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()
	cfg := fixtureConfig{repo: chat.NewMemoryRepository(), buffer: 64, timeout: time.Second}
	for _, o := range opts {
		o(&cfg)
	}

	codec, err := crypto.NewCodec("test-secret")
	require.NoError(t, err)
	store := chat.NewStore(cfg.repo, codec, nil, zap.NewNop(), cfg.timeout)
	clock := &stepClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)

	dir := user.NewMemoryDirectory(
		&user.User{ID: alice, Username: "alice", DisplayName: "Alice"},
		&user.User{ID: bob, Username: "bob"},
		&user.User{ID: carol, Username: "carol"},
	)
	h := hub.NewHub(zap.NewNop())
	tracker := presence.NewMemoryTracker()
	bot := assistant.New(store, &assistant.Canned{Replies: []string{"beep"}}, zap.NewNop())
	gw := New(store, h, tracker, user.Profiles{Users: dir}, bot, zap.NewNop(), Options{SendBuffer: cfg.buffer})

	return &fixture{store: store, repo: cfg.repo, hub: h, presence: tracker, gw: gw}
}

func (f *fixture) direct(t *testing.T, a, b string) *chat.Conversation {
	t.Helper()
	conv, _, err := f.store.GetOrCreateDirect(context.Background(), a, b)
	require.NoError(t, err)
	return conv
}

func (f *fixture) join(t *testing.T, userID, username, conversationID string) *Session {
	t.Helper()
	s, err := f.gw.Open(userID, username)
	require.NoError(t, err)
	require.NoError(t, f.gw.Join(context.Background(), s, conversationID))
	return s
}

func (f *fixture) send(s *Session, v any) {
	raw, _ := json.Marshal(v)
	f.gw.Handle(context.Background(), s, raw)
}

type event map[string]any

func next(t *testing.T, s *Session) event {
	t.Helper()
	select {
	case raw := <-s.Outbound():
		var ev event
		require.NoError(t, json.Unmarshal(raw, &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatalf("session %s: no event", s.ID())
		return nil
	}
}

func nextOf(t *testing.T, s *Session, typ string) event {
	t.Helper()
	ev := next(t, s)
	require.Equal(t, typ, ev["type"], "event: %v", ev)
	return ev
}

func assertQuiet(t *testing.T, s *Session) {
	t.Helper()
	select {
	case raw := <-s.Outbound():
		t.Fatalf("session %s: unexpected event %s", s.ID(), raw)
	default:
	}
}

func TestOpenRequiresIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.Open("", "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestJoinAnnouncesOnlineOncePerUser(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, alice, bob)

	a1 := f.join(t, alice, "alice", conv.ID)
	ev := nextOf(t, a1, TypeStatus)
	assert.Equal(t, alice, ev["user_id"])
	assert.Equal(t, true, ev["is_online"])

	b := f.join(t, bob, "bob", conv.ID)
	assert.Equal(t, bob, nextOf(t, a1, TypeStatus)["user_id"])
	assert.Equal(t, bob, nextOf(t, b, TypeStatus)["user_id"])

	a2 := f.join(t, alice, "alice", conv.ID)
	assertQuiet(t, a1)
	assertQuiet(t, a2)
	assertQuiet(t, b)

	assert.Equal(t, Joined, a2.State())
	assert.Equal(t, 2, f.hub.Sessions(hub.ConversationRoom(conv.ID), alice))

	online, err := f.presence.IsOnline(context.Background(), alice)
	require.NoError(t, err)
	assert.True(t, online)
}

func TestJoinRejectsNonParticipant(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, alice, bob)

	s, err := f.gw.Open(carol, "carol")
	require.NoError(t, err)
	err = f.gw.Join(context.Background(), s, conv.ID)
	assert.ErrorIs(t, err, chat.ErrNotParticipant)
	assert.Equal(t, Closed, s.State())
	assert.Zero(t, f.hub.Size(hub.ConversationRoom(conv.ID)))
	assert.Zero(t, f.hub.Size(hub.UserChannel(carol)))

	err = f.gw.Join(context.Background(), s, conv.ID)
	assert.Error(t, err, "a closed session cannot join")
}

func TestMessageFansOutToRoomAndUserChannels(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, alice, bob)
	a1 := f.join(t, alice, "alice", conv.ID)
	a2 := f.join(t, alice, "alice", conv.ID)
	b := f.join(t, bob, "bob", conv.ID)
	nextOf(t, a1, TypeStatus)
	nextOf(t, a1, TypeStatus)
	nextOf(t, a2, TypeStatus)
	nextOf(t, b, TypeStatus)

	f.send(a1, map[string]any{"type": "message", "content": "hi"})

	for _, s := range []*Session{a1, a2, b} {
		ev := nextOf(t, s, TypeMessage)
		msg := ev["message"].(map[string]any)
		assert.Equal(t, "hi", msg["content"])
		assert.Equal(t, alice, msg["sender_id"])
		assert.Equal(t, "Alice", msg["sender"].(map[string]any)["name"])

		note := nextOf(t, s, TypeNewMessage)
		assert.Equal(t, conv.ID, note["conversation_id"])
	}

	page, err := f.store.ListMessages(context.Background(), conv.ID, "", 50)
	require.NoError(t, err)
	require.NotEmpty(t, page.Messages)
	assert.Equal(t, "hi", page.Messages[len(page.Messages)-1].Content)
}

func TestMessageTypeDefaultsToMessage(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, alice, bob)
	a := f.join(t, alice, "alice", conv.ID)
	nextOf(t, a, TypeStatus)

	f.send(a, map[string]any{"content": "no type"})
	assert.Equal(t, "no type", nextOf(t, a, TypeMessage)["message"].(map[string]any)["content"])
}

func TestNotificationReachesUserOutsideRoom(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, alice, bob)
	a := f.join(t, alice, "alice", conv.ID)
	nextOf(t, a, TypeStatus)

	// bob is connected elsewhere but not to this conversation
	elsewhere, err := f.gw.Open(bob, "bob")
	require.NoError(t, err)

	f.send(a, map[string]any{"type": "message", "content": "ping"})
	note := nextOf(t, elsewhere, TypeNewMessage)
	assert.Equal(t, conv.ID, note["conversation_id"])
	assertQuiet(t, elsewhere)
}

func TestTypingSkipsSendingSession(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, alice, bob)
	a1 := f.join(t, alice, "alice", conv.ID)
	a2 := f.join(t, alice, "alice", conv.ID)
	b := f.join(t, bob, "bob", conv.ID)
	nextOf(t, a1, TypeStatus)
	nextOf(t, a1, TypeStatus)
	nextOf(t, a2, TypeStatus)
	nextOf(t, b, TypeStatus)

	f.send(a1, map[string]any{"type": "typing", "is_typing": true})

	assertQuiet(t, a1)
	assert.Equal(t, true, nextOf(t, a2, TypeTyping)["is_typing"])
	ev := nextOf(t, b, TypeTyping)
	assert.Equal(t, alice, ev["user_id"])
	assert.Equal(t, "alice", ev["username"])
}

func TestMalformedPayloadStaysLocal(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, alice, bob)
	a := f.join(t, alice, "alice", conv.ID)
	b := f.join(t, bob, "bob", conv.ID)
	nextOf(t, a, TypeStatus)
	nextOf(t, a, TypeStatus)
	nextOf(t, b, TypeStatus)

	f.gw.Handle(context.Background(), a, []byte("{not json"))
	assert.Equal(t, CodeMalformed, nextOf(t, a, TypeError)["code"])
	assertQuiet(t, b)
	assert.Equal(t, Joined, a.State())

	f.send(a, map[string]any{"type": "dance"})
	assert.Equal(t, CodeUnsupported, nextOf(t, a, TypeError)["code"])

	f.send(a, map[string]any{"type": "message", "content": "   "})
	assert.Equal(t, CodeEmptyMessage, nextOf(t, a, TypeError)["code"])

	f.send(a, map[string]any{"type": "delete"})
	assert.Equal(t, CodeMalformed, nextOf(t, a, TypeError)["code"])

	f.send(a, map[string]any{"type": "message", "content": "re", "reply_to": "missing"})
	assert.Equal(t, CodeNotFound, nextOf(t, a, TypeError)["code"])
	assertQuiet(t, b)
}

func TestDeleteBroadcastsAndTombstones(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, alice, bob)
	a := f.join(t, alice, "alice", conv.ID)
	b := f.join(t, bob, "bob", conv.ID)
	nextOf(t, a, TypeStatus)
	nextOf(t, a, TypeStatus)
	nextOf(t, b, TypeStatus)

	f.send(a, map[string]any{"content": "oops"})
	id := nextOf(t, a, TypeMessage)["message"].(map[string]any)["id"].(string)
	nextOf(t, a, TypeNewMessage)
	nextOf(t, b, TypeMessage)
	nextOf(t, b, TypeNewMessage)

	f.send(b, map[string]any{"type": "delete", "message_id": id})
	assert.Equal(t, CodePermissionDenied, nextOf(t, b, TypeError)["code"])
	assertQuiet(t, a)

	f.send(a, map[string]any{"type": "delete", "message_id": id})
	assert.Equal(t, id, nextOf(t, a, TypeDeleted)["message_id"])
	assert.Equal(t, id, nextOf(t, b, TypeDeleted)["message_id"])

	page, err := f.store.ListMessages(context.Background(), conv.ID, "", 50)
	require.NoError(t, err)
	last := page.Messages[len(page.Messages)-1]
	assert.True(t, last.Deleted)
	assert.Equal(t, chat.Tombstone, last.Content)
}

func TestReadRecordsReceiptAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, alice, bob)
	a := f.join(t, alice, "alice", conv.ID)
	b := f.join(t, bob, "bob", conv.ID)
	nextOf(t, a, TypeStatus)
	nextOf(t, a, TypeStatus)
	nextOf(t, b, TypeStatus)

	f.send(a, map[string]any{"content": "read me"})
	id := nextOf(t, a, TypeMessage)["message"].(map[string]any)["id"].(string)
	nextOf(t, a, TypeNewMessage)
	nextOf(t, b, TypeMessage)
	nextOf(t, b, TypeNewMessage)

	n, err := f.store.UnreadCount(context.Background(), conv.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.send(b, map[string]any{"type": "read", "message_id": id})
	var readAt any
	for _, s := range []*Session{a, b} {
		ev := nextOf(t, s, TypeRead)
		assert.Equal(t, bob, ev["user_id"])
		assert.Equal(t, id, ev["message_id"])
		readAt = ev["read_at"]
	}

	n, err = f.store.UnreadCount(context.Background(), conv.ID, bob)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.send(b, map[string]any{"type": "read", "message_id": id})
	assert.Equal(t, readAt, nextOf(t, a, TypeRead)["read_at"], "a repeat read reports the first read time")
	nextOf(t, b, TypeRead)
}

func TestCloseAnnouncesOfflineOnLastSession(t *testing.T) {
	f := newFixture(t)
	conv := f.direct(t, alice, bob)
	b := f.join(t, bob, "bob", conv.ID)
	nextOf(t, b, TypeStatus)
	a1 := f.join(t, alice, "alice", conv.ID)
	a2 := f.join(t, alice, "alice", conv.ID)
	nextOf(t, b, TypeStatus)

	f.gw.Close(a1)
	assert.Equal(t, Closed, a1.State())
	assertQuiet(t, b)

	f.gw.Close(a2)
	ev := nextOf(t, b, TypeStatus)
	assert.Equal(t, alice, ev["user_id"])
	assert.Equal(t, false, ev["is_online"])

	f.gw.Close(a2)
	assertQuiet(t, b)
	assert.Zero(t, f.hub.Sessions(hub.ConversationRoom(conv.ID), alice))
	assert.Zero(t, f.hub.Size(hub.UserChannel(alice)))

	f.gw.Close(b)
	assert.Zero(t, f.hub.Rooms())

	_, seen, err := f.presence.LastSeen(context.Background(), alice)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSessionHandoverKeepsUserOnline(t *testing.T) {
	f := newFixture(t, withBuffer(16))
	conv := f.direct(t, alice, bob)
	room := hub.ConversationRoom(conv.ID)
	b := f.join(t, bob, "bob", conv.ID)
	old := f.join(t, alice, "alice", conv.ID)

	drainStatus := func() event {
		var last event
		for {
			select {
			case raw := <-b.Outbound():
				var ev event
				require.NoError(t, json.Unmarshal(raw, &ev))
				if ev["type"] == TypeStatus && ev["user_id"] == alice {
					last = ev
				}
			default:
				return last
			}
		}
	}
	require.Equal(t, true, drainStatus()["is_online"])

	for i := 0; i < 300; i++ {
		fresh, err := f.gw.Open(alice, "alice")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func(s *Session) {
			defer wg.Done()
			f.gw.Close(s)
		}(old)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.gw.Join(context.Background(), fresh, conv.ID))
		}()
		wg.Wait()

		require.Equal(t, 1, f.hub.Sessions(room, alice))
		if ev := drainStatus(); ev != nil {
			require.Equal(t, true, ev["is_online"], "round %d: bob must end on online", i)
		}
		old = fresh
	}
}

func TestSlowSessionIsEvicted(t *testing.T) {
	f := newFixture(t, withBuffer(2))
	conv := f.direct(t, alice, bob)
	slow := f.join(t, bob, "bob", conv.ID) // holds its own status event
	a := f.join(t, alice, "alice", conv.ID)

	for i := 0; i < 4; i++ {
		f.send(a, map[string]any{"type": "typing", "is_typing": i%2 == 0})
	}

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow session still open")
	}

	f.gw.Close(slow)
	assert.Zero(t, f.hub.Sessions(hub.ConversationRoom(conv.ID), bob))
	assert.Equal(t, 1, f.hub.Size(hub.ConversationRoom(conv.ID)))
}

func TestAssistantConversationReplies(t *testing.T) {
	f := newFixture(t)
	conv, _, err := f.store.CreateAssistantConversation(context.Background(), alice, "helper")
	require.NoError(t, err)
	a := f.join(t, alice, "alice", conv.ID)
	nextOf(t, a, TypeStatus)

	f.send(a, map[string]any{"content": "hello bot"})
	assert.Equal(t, "hello bot", nextOf(t, a, TypeMessage)["message"].(map[string]any)["content"])
	nextOf(t, a, TypeNewMessage)

	reply := nextOf(t, a, TypeMessage)["message"].(map[string]any)
	assert.Equal(t, "beep", reply["content"])
	assert.Equal(t, "ai", reply["message_type"])
	assert.Equal(t, "System", reply["sender"].(map[string]any)["name"])
	nextOf(t, a, TypeNewMessage)
	assertQuiet(t, a)
}

// stallingRepo never finishes a message insert before the deadline.
type stallingRepo struct {
	*chat.MemoryRepository
}

func (s stallingRepo) InsertMessage(ctx context.Context, rec *chat.MessageRecord) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStoreTimeoutIsReportedToSender(t *testing.T) {
	f := newFixture(t, withRepo(stallingRepo{chat.NewMemoryRepository()}), withTimeout(20*time.Millisecond))
	conv := f.direct(t, alice, bob)
	a := f.join(t, alice, "alice", conv.ID)
	b := f.join(t, bob, "bob", conv.ID)
	nextOf(t, a, TypeStatus)
	nextOf(t, a, TypeStatus)
	nextOf(t, b, TypeStatus)

	f.send(a, map[string]any{"content": "lost"})
	assert.Equal(t, CodeStoreTimeout, nextOf(t, a, TypeError)["code"])
	assertQuiet(t, b)
	assert.Equal(t, Joined, a.State())

	page, err := f.store.ListMessages(context.Background(), conv.ID, "", 50)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func TestHandleBeforeJoin(t *testing.T) {
	f := newFixture(t)
	s, err := f.gw.Open(alice, "alice")
	require.NoError(t, err)
	f.send(s, map[string]any{"content": "early"})
	assert.Equal(t, CodeNotParticipant, nextOf(t, s, TypeError)["code"])
}

func TestConversationUpdated(t *testing.T) {
	f := newFixture(t)
	s, err := f.gw.Open(bob, "bob")
	require.NoError(t, err)

	f.gw.ConversationUpdated("c1", "archived", bob)
	ev := nextOf(t, s, TypeConversationUpdate)
	assert.Equal(t, "c1", ev["conversation_id"])
	assert.Equal(t, "archived", ev["update_type"])
}
