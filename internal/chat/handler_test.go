package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go-chat/internal/crypto"
	myMiddleware "go-chat/internal/middleware"
	"go-chat/internal/storage"
)

type recordingNotifier struct {
	mu      sync.Mutex
	created []*Message
	deleted []string
	updates []string
}

func (n *recordingNotifier) MessageCreated(_ context.Context, _ *Conversation, msg *Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, msg)
}

func (n *recordingNotifier) MessageDeleted(msg *Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted = append(n.deleted, msg.ID)
}

func (n *recordingNotifier) ConversationUpdated(_ string, update string, userIDs ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range userIDs {
		n.updates = append(n.updates, update+":"+id)
	}
}

type staticProfiles map[string]*Sender

func (p staticProfiles) Profile(_ context.Context, id string) (*Sender, error) {
	s, ok := p[id]
	if !ok {
		return nil, errors.New("unknown user")
	}
	return s, nil
}

type api struct {
	t      *testing.T
	store  *Store
	files  *storage.Memory
	notify *recordingNotifier
	router http.Handler
}

func newAPI(t *testing.T) *api {
	t.Helper()
	codec, err := crypto.NewCodec("test-secret")
	require.NoError(t, err)
	files := storage.NewMemory()
	store := NewStore(NewMemoryRepository(), codec, files, zap.NewNop(), time.Second)
	clock := &stepClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)

	profiles := staticProfiles{
		alice: {ID: alice, Username: "alice", Name: "Alice"},
		bob:   {ID: bob, Username: "bob", Name: "bob"},
		carol: {ID: carol, Username: "carol", Name: "carol"},
	}
	notify := &recordingNotifier{}
	h := NewHandler(store, files, profiles, notify, zap.NewNop())
	r := chi.NewRouter()
	h.Routes(r)
	return &api{t: t, store: store, files: files, notify: notify, router: r}
}

func (a *api) do(as, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if as != "" {
		req = req.WithContext(myMiddleware.WithUser(req.Context(), as, as))
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *api) json(as, method, target string, v any) *httptest.ResponseRecorder {
	var body io.Reader
	if v != nil {
		b, err := json.Marshal(v)
		require.NoError(a.t, err)
		body = bytes.NewReader(b)
	}
	return a.do(as, method, target, body, "application/json")
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestHTTPCreateDirect(t *testing.T) {
	a := newAPI(t)

	rec := a.json(alice, http.MethodPost, "/api/conversations", map[string]string{"target_id": bob})
	require.Equal(t, http.StatusCreated, rec.Code)
	first := decode[Conversation](t, rec)
	assert.Equal(t, KindDirect, first.Kind)

	rec = a.json(bob, http.MethodPost, "/api/conversations", map[string]string{"target_id": alice})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.ID, decode[Conversation](t, rec).ID)
	assert.ElementsMatch(t, []string{"created:" + alice, "created:" + bob}, a.notify.updates)

	assert.Equal(t, http.StatusBadRequest, a.json(alice, http.MethodPost, "/api/conversations", map[string]string{"target_id": alice}).Code)
	assert.Equal(t, http.StatusNotFound, a.json(alice, http.MethodPost, "/api/conversations", map[string]string{"target_id": "ghost"}).Code)
	assert.Equal(t, http.StatusBadRequest, a.json(alice, http.MethodPost, "/api/conversations", map[string]string{}).Code)
	assert.Equal(t, http.StatusUnauthorized, a.json("", http.MethodPost, "/api/conversations", map[string]string{"target_id": bob}).Code)
}

func TestHTTPGroupAndAssistant(t *testing.T) {
	a := newAPI(t)

	rec := a.json(alice, http.MethodPost, "/api/groups", map[string]any{"name": "Team", "participants": []string{bob, carol}})
	require.Equal(t, http.StatusCreated, rec.Code)
	group := decode[Conversation](t, rec)

	rec = a.json(carol, http.MethodGet, "/api/conversations/"+group.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[Page](t, rec)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, `Alice created the group "Team"`, page.Messages[0].Content)
	assert.Equal(t, TypeSystem, page.Messages[0].Type)

	assert.Equal(t, http.StatusBadRequest, a.json(alice, http.MethodPost, "/api/groups", map[string]any{"name": "", "participants": []string{bob}}).Code)
	assert.Equal(t, http.StatusNotFound, a.json(alice, http.MethodPost, "/api/groups", map[string]any{"name": "x", "participants": []string{"ghost"}}).Code)

	rec = a.json(alice, http.MethodPost, "/api/assistants", map[string]string{"bot": "helper"})
	require.Equal(t, http.StatusCreated, rec.Code)
	bot := decode[Conversation](t, rec)
	assert.Equal(t, KindAssistant, bot.Kind)

	rec = a.json(alice, http.MethodPost, "/api/assistants", map[string]string{"bot": "helper"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, bot.ID, decode[Conversation](t, rec).ID)
}

func TestHTTPSendListDelete(t *testing.T) {
	a := newAPI(t)
	conv, _, err := a.store.GetOrCreateDirect(context.Background(), alice, bob)
	require.NoError(t, err)
	base := "/api/conversations/" + conv.ID

	rec := a.json(alice, http.MethodPost, base+"/messages", map[string]string{"content": "hello"})
	require.Equal(t, http.StatusCreated, rec.Code)
	sent := decode[Message](t, rec)
	assert.Equal(t, "hello", sent.Content)
	require.Len(t, a.notify.created, 1)

	rec = a.json(bob, http.MethodPost, base+"/messages", map[string]string{"content": "hey", "reply_to": sent.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	reply := decode[Message](t, rec)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, "hello", reply.ReplyTo.Content)

	assert.Equal(t, http.StatusForbidden, a.json(carol, http.MethodPost, base+"/messages", map[string]string{"content": "x"}).Code)
	assert.Equal(t, http.StatusBadRequest, a.json(alice, http.MethodPost, base+"/messages", map[string]string{"content": " "}).Code)
	assert.Equal(t, http.StatusForbidden, a.json(carol, http.MethodGet, base+"/messages", nil).Code)

	rec = a.json(bob, http.MethodGet, base+"/messages?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[Page](t, rec)
	require.Len(t, page.Messages, 1)
	assert.True(t, page.HasMore)
	assert.Equal(t, "hey", page.Messages[0].Content)
	require.NotNil(t, page.Messages[0].Sender)
	assert.Equal(t, "bob", page.Messages[0].Sender.Username)

	rec = a.json(bob, http.MethodGet, base+"/messages?before="+reply.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[Page](t, rec)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, sent.ID, page.Messages[0].ID)
	assert.False(t, page.HasMore)
	assert.Equal(t, http.StatusBadRequest, a.json(bob, http.MethodGet, base+"/messages?limit=abc", nil).Code)

	assert.Equal(t, http.StatusForbidden, a.json(bob, http.MethodDelete, "/api/messages/"+sent.ID, nil).Code)
	rec = a.json(alice, http.MethodDelete, "/api/messages/"+sent.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	gone := decode[Message](t, rec)
	assert.True(t, gone.Deleted)
	assert.Equal(t, Tombstone, gone.Content)
	assert.Equal(t, []string{sent.ID}, a.notify.deleted)

	assert.Equal(t, http.StatusOK, a.json(alice, http.MethodDelete, "/api/messages/"+sent.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.json(alice, http.MethodDelete, "/api/messages/nope", nil).Code)
}

func TestHTTPUnreadAndToggles(t *testing.T) {
	a := newAPI(t)
	conv, _, err := a.store.GetOrCreateDirect(context.Background(), alice, bob)
	require.NoError(t, err)
	base := "/api/conversations/" + conv.ID

	for _, text := range []string{"one", "two"} {
		require.Equal(t, http.StatusCreated, a.json(alice, http.MethodPost, base+"/messages", map[string]string{"content": text}).Code)
	}

	rec := a.json(bob, http.MethodGet, base+"/unread", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[unreadResponse](t, rec).UnreadCount)

	rec = a.json(alice, http.MethodGet, base+"/unread", nil)
	assert.Equal(t, 0, decode[unreadResponse](t, rec).UnreadCount)

	assert.Equal(t, http.StatusNoContent, a.json(bob, http.MethodPost, base+"/read", nil).Code)
	rec = a.json(bob, http.MethodGet, base+"/unread", nil)
	assert.Equal(t, 0, decode[unreadResponse](t, rec).UnreadCount)
	assert.Equal(t, http.StatusForbidden, a.json(carol, http.MethodGet, base+"/unread", nil).Code)

	assert.Equal(t, http.StatusNoContent, a.json(bob, http.MethodPost, base+"/archive", map[string]bool{"value": true}).Code)
	assert.Equal(t, http.StatusNoContent, a.json(bob, http.MethodPost, base+"/mute", map[string]bool{"value": false}).Code)
	assert.Contains(t, a.notify.updates, "archived:"+bob)
	assert.Contains(t, a.notify.updates, "unmuted:"+bob)

	p, err := a.store.GetParticipant(context.Background(), conv.ID, bob)
	require.NoError(t, err)
	assert.True(t, p.Archived)
	assert.False(t, p.Muted)

	// archiving is per viewer and does not block sending
	assert.Equal(t, http.StatusCreated, a.json(bob, http.MethodPost, base+"/messages", map[string]string{"content": "still here"}).Code)
	assert.Equal(t, http.StatusForbidden, a.json(carol, http.MethodPost, base+"/archive", map[string]bool{"value": true}).Code)
}

func multipartBody(t *testing.T, fields map[string]string, filename, contentType string, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
		hdr.Set("Content-Type", contentType)
		part, err := mw.CreatePart(hdr)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHTTPAttachments(t *testing.T) {
	a := newAPI(t)
	conv, _, err := a.store.GetOrCreateDirect(context.Background(), alice, bob)
	require.NoError(t, err)
	base := "/api/conversations/" + conv.ID

	body, ct := multipartBody(t, map[string]string{"content": "look"}, "cat.png", "image/png", []byte("png-bytes"))
	rec := a.do(alice, http.MethodPost, base+"/messages", body, ct)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := decode[Message](t, rec)
	assert.Equal(t, TypeImage, msg.Type)
	require.NotNil(t, msg.File)
	assert.Equal(t, "cat.png", msg.File.Name)
	assert.EqualValues(t, 9, msg.File.Size)
	require.True(t, strings.HasPrefix(msg.File.URL, storage.URLPrefix))

	rec = a.do(bob, http.MethodGet, msg.File.URL, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusForbidden, a.do(carol, http.MethodGet, msg.File.URL, nil, "").Code)

	body, ct = multipartBody(t, nil, "notes.txt", "text/plain", []byte("hi"))
	rec = a.do(alice, http.MethodPost, base+"/messages", body, ct)
	require.Equal(t, http.StatusCreated, rec.Code)
	doc := decode[Message](t, rec)
	assert.Equal(t, TypeFile, doc.Type)
	assert.Empty(t, doc.Content)
	assert.Equal(t, 2, a.files.Len())

	require.Equal(t, http.StatusOK, a.json(alice, http.MethodDelete, "/api/messages/"+msg.ID, nil).Code)
	assert.Equal(t, 1, a.files.Len())
	assert.Equal(t, http.StatusNotFound, a.do(bob, http.MethodGet, msg.File.URL, nil, "").Code)

	// a failed send leaves no orphaned blob behind
	body, ct = multipartBody(t, map[string]string{"reply_to": "missing"}, "x.bin", "application/octet-stream", []byte("x"))
	rec = a.do(alice, http.MethodPost, base+"/messages", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1, a.files.Len())

	body, ct = multipartBody(t, map[string]string{"content": " "}, "", "", nil)
	assert.Equal(t, http.StatusBadRequest, a.do(alice, http.MethodPost, base+"/messages", body, ct).Code)
}

func TestHTTPStorageFailureHidesDetail(t *testing.T) {
	a := newAPI(t)
	rec := a.json(alice, http.MethodPost, "/api/conversations", map[string]string{"target_id": bob})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	base := "/api/conversations/" + decode[Conversation](t, rec).ID
	mem := a.store.repo.(*MemoryRepository)

	a.store.repo = brokenRepo{mem}
	rec = a.json(alice, http.MethodGet, base+"/messages", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
	assert.Contains(t, rec.Body.String(), "storage unavailable")

	a.store.repo = stallingRepo{mem}
	a.store.timeout = 20 * time.Millisecond
	rec = a.json(alice, http.MethodPost, base+"/messages", map[string]string{"content": "slow"})
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.NotContains(t, rec.Body.String(), "deadline")
	assert.Contains(t, rec.Body.String(), "storage timed out")

	a.store.repo = mem
	rec = a.json(carol, http.MethodGet, base+"/messages", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrNotParticipant.Error())
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		ErrNotParticipant:                  http.StatusForbidden,
		ErrPermissionDenied:                http.StatusForbidden,
		ErrEmptyMessage:                    http.StatusBadRequest,
		ErrMessageNotFound:                 http.StatusNotFound,
		ErrConversationNotFound:            http.StatusNotFound,
		ErrStoreTimeout:                    http.StatusGatewayTimeout,
		classify(context.DeadlineExceeded): http.StatusGatewayTimeout,
		ErrStoreUnavailable:                http.StatusServiceUnavailable,
		io.ErrUnexpectedEOF:                http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, StatusFor(err), err.Error())
	}
}
