package user

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	myMiddleware "go-chat/internal/middleware"
)

// PresenceReader is the read side of presence tracking.
type PresenceReader interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

type Handler struct {
	Users    Directory
	Presence PresenceReader
	log      *zap.Logger
}

func NewHandler(users Directory, presence PresenceReader, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Users: users, Presence: presence, log: log.Named("user")}
}

// Me returns the authenticated user's profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	u, err := h.Users.GetUser(r.Context(), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// GetPresence reports whether a user is online and when they were last seen.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, err := h.Users.GetUser(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}

	res := &PresenceResponse{User: u}
	// Presence is advisory: a tracker failure reads as offline.
	if online, err := h.Presence.IsOnline(r.Context(), id); err != nil {
		h.log.Warn("presence lookup failed", zap.String("user_id", id), zap.Error(err))
	} else {
		res.Online = online
	}
	if last, ok, err := h.Presence.LastSeen(r.Context(), id); err == nil && ok {
		res.LastSeen = &last
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrUserNotFound) {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	h.log.Error("user lookup failed", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
