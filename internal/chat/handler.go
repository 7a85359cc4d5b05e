package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	myMiddleware "go-chat/internal/middleware"
	"go-chat/internal/storage"
)

// Notifier pushes the effects of REST writes to connected sessions, so
// both transports produce the same events.
type Notifier interface {
	MessageCreated(ctx context.Context, conv *Conversation, msg *Message)
	MessageDeleted(msg *Message)
	ConversationUpdated(conversationID, update string, userIDs ...string)
}

// maxUpload bounds a multipart send, file included.
const maxUpload = 25 << 20

type Handler struct {
	store    *Store
	files    storage.Store
	profiles Profiles
	notify   Notifier
	log      *zap.Logger
}

func NewHandler(store *Store, files storage.Store, profiles Profiles, notify Notifier, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{store: store, files: files, profiles: profiles, notify: notify, log: log.Named("chat_http")}
}

// Routes mounts the REST surface. The caller applies authentication.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/conversations", h.CreateDirect)
	r.Post("/api/groups", h.CreateGroup)
	r.Post("/api/assistants", h.CreateAssistant)
	r.Route("/api/conversations/{id}", func(r chi.Router) {
		r.Get("/messages", h.ListMessages)
		r.Post("/messages", h.SendMessage)
		r.Post("/read", h.MarkRead)
		r.Get("/unread", h.Unread)
		r.Post("/archive", h.Archive)
		r.Post("/mute", h.Mute)
	})
	r.Delete("/api/messages/{id}", h.DeleteMessage)
	r.Get(storage.URLPrefix+"*", h.ServeFile)
}

type createDirectRequest struct {
	TargetID string `json:"target_id"`
}

type createGroupRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Participants []string `json:"participants"`
}

type createAssistantRequest struct {
	Bot string `json:"bot"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
	ReplyTo string `json:"reply_to"`
}

type toggleRequest struct {
	Value bool `json:"value"`
}

type unreadResponse struct {
	ConversationID string `json:"conversation_id"`
	UnreadCount    int    `json:"unread_count"`
}

func (h *Handler) CreateDirect(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req createDirectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID == "" {
		http.Error(w, "target_id is required", http.StatusBadRequest)
		return
	}
	if !h.userExists(w, r.Context(), req.TargetID) {
		return
	}

	conv, created, err := h.store.GetOrCreateDirect(r.Context(), userID, req.TargetID)
	if err != nil {
		h.fail(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.notify.ConversationUpdated(conv.ID, "created", userID, req.TargetID)
	}
	writeJSON(w, status, conv)
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, id := range req.Participants {
		if id != userID && !h.userExists(w, r.Context(), id) {
			return
		}
	}

	conv, err := h.store.CreateGroup(r.Context(), GroupSpec{
		OwnerID:     userID,
		OwnerName:   h.displayName(r.Context(), userID),
		Name:        req.Name,
		Description: req.Description,
		MemberIDs:   req.Participants,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	if members, err := h.store.Participants(r.Context(), conv.ID); err == nil {
		h.notify.ConversationUpdated(conv.ID, "created", members...)
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) CreateAssistant(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req createAssistantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Bot) == "" {
		http.Error(w, "bot is required", http.StatusBadRequest)
		return
	}
	conv, created, err := h.store.CreateAssistantConversation(r.Context(), userID, req.Bot)
	if err != nil {
		h.fail(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "id")
	if !h.participant(w, r.Context(), conversationID, userID) {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	page, err := h.store.ListMessages(r.Context(), conversationID, r.URL.Query().Get("before"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	AttachSenders(r.Context(), h.profiles, page.Messages...)
	writeJSON(w, http.StatusOK, page)
}

// SendMessage accepts JSON, or multipart with an optional "file" part.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "id")
	if !h.participant(w, r.Context(), conversationID, userID) {
		return
	}
	conv, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		h.fail(w, err)
		return
	}

	in := NewMessage{ConversationID: conversationID, SenderID: userID}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
		if err := r.ParseMultipartForm(maxUpload); err != nil {
			http.Error(w, "invalid multipart body", http.StatusBadRequest)
			return
		}
		in.Content = r.FormValue("content")
		in.ReplyToID = r.FormValue("reply_to")
		if file, kind, err := h.upload(r, conversationID); err != nil {
			h.log.Error("upload attachment", zap.String("conversation_id", conversationID), zap.Error(err))
			http.Error(w, "upload failed", http.StatusServiceUnavailable)
			return
		} else if file != nil {
			in.File, in.Type = file, kind
		}
	} else {
		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		in.Content, in.ReplyToID = req.Content, req.ReplyTo
	}

	msg, err := h.store.CreateMessage(r.Context(), in)
	if err != nil {
		if in.File != nil {
			if rmErr := h.files.Remove(r.Context(), in.File.Key); rmErr != nil {
				h.log.Warn("remove orphaned attachment", zap.String("key", in.File.Key), zap.Error(rmErr))
			}
		}
		h.fail(w, err)
		return
	}
	h.notify.MessageCreated(r.Context(), conv, msg)
	writeJSON(w, http.StatusCreated, msg)
}

// upload stores the "file" part, if any, and describes it.
func (h *Handler) upload(r *http.Request, conversationID string) (*File, MessageType, error) {
	part, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	defer part.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := storage.ObjectKey(conversationID, header.Filename)
	if err := h.files.Put(r.Context(), key, part, header.Size, contentType); err != nil {
		return nil, "", err
	}

	kind := TypeFile
	if strings.HasPrefix(contentType, "image/") {
		kind = TypeImage
	}
	return &File{Key: key, Name: header.Filename, Size: header.Size, URL: storage.URL(key)}, kind, nil
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	if err := h.store.MarkRead(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Unread(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "id")
	n, err := h.store.UnreadCount(r.Context(), conversationID, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{ConversationID: conversationID, UnreadCount: n})
}

func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.store.SetArchived, "archived", "unarchived")
}

func (h *Handler) Mute(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.store.SetMuted, "muted", "unmuted")
}

func (h *Handler) toggle(w http.ResponseWriter, r *http.Request,
	set func(ctx context.Context, conversationID, userID string, value bool) error, on, off string) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conversationID := chi.URLParam(r, "id")
	if err := set(r.Context(), conversationID, userID, req.Value); err != nil {
		h.fail(w, err)
		return
	}
	update := off
	if req.Value {
		update = on
	}
	// Only the acting user's own devices care about per-user flags.
	h.notify.ConversationUpdated(conversationID, update, userID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	msg, err := h.store.SoftDelete(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.notify.MessageDeleted(msg)
	writeJSON(w, http.StatusOK, msg)
}

// ServeFile streams an attachment to a participant of the conversation it
// was uploaded to.
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "*")
	parts := strings.SplitN(key, "/", 3)
	if len(parts) < 3 || parts[0] != "conversations" {
		http.NotFound(w, r)
		return
	}
	if !h.participant(w, r.Context(), parts[1], userID) {
		return
	}

	obj, err := h.files.Open(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.log.Error("open attachment", zap.String("key", key), zap.Error(err))
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	defer obj.Close()

	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	if obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	if _, err := io.Copy(w, obj); err != nil {
		h.log.Debug("stream attachment", zap.String("key", key), zap.Error(err))
	}
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return userID, ok
}

func (h *Handler) participant(w http.ResponseWriter, ctx context.Context, conversationID, userID string) bool {
	ok, err := h.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		h.fail(w, err)
		return false
	}
	if !ok {
		h.fail(w, ErrNotParticipant)
	}
	return ok
}

func (h *Handler) userExists(w http.ResponseWriter, ctx context.Context, userID string) bool {
	if h.profiles == nil {
		return true
	}
	if _, err := h.profiles.Profile(ctx, userID); err != nil {
		http.Error(w, "user not found: "+userID, http.StatusNotFound)
		return false
	}
	return true
}

func (h *Handler) displayName(ctx context.Context, userID string) string {
	if h.profiles != nil {
		if p, err := h.profiles.Profile(ctx, userID); err == nil {
			return p.Name
		}
	}
	if _, username, ok := myMiddleware.UserFromContext(ctx); ok && username != "" {
		return username
	}
	return ""
}

// StatusFor maps store errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrReplyNotFound),
		errors.Is(err, ErrSelfConversation), errors.Is(err, ErrInvalidGroup):
		return http.StatusBadRequest
	case errors.Is(err, ErrMessageNotFound), errors.Is(err, ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStoreTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	switch {
	case status == http.StatusGatewayTimeout:
		msg = "storage timed out, try again"
	case status == http.StatusServiceUnavailable:
		msg = "storage unavailable, try again"
	case status >= http.StatusInternalServerError:
		msg = "internal error"
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	http.Error(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
