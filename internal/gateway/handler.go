package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-chat/internal/chat"
	myMiddleware "go-chat/internal/middleware"
)

type HandlerOptions struct {
	AllowedOrigins []string
	MaxMessageSize int64
}

type Handler struct {
	gateway  *Gateway
	upgrader websocket.Upgrader
	maxSize  int64
	log      *zap.Logger
}

func NewHandler(g *Gateway, opts HandlerOptions) *Handler {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	policy := newOriginPolicy(opts.AllowedOrigins)
	return &Handler{
		gateway: g,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
		maxSize: opts.MaxMessageSize,
		log:     g.log,
	}
}

// ServeWs upgrades an authenticated request and joins the connection to
// the conversation in the URL. Membership is checked before the upgrade,
// so a non-participant gets a plain 403 and never a websocket.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	if err := h.gateway.Authorize(r.Context(), conversationID, userID); err != nil {
		h.refuse(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	s, err := h.gateway.Open(userID, username)
	if err != nil {
		conn.Close()
		return
	}
	// The connection outlives the request, so its context must not be
	// cancelled with it.
	ctx := context.WithoutCancel(r.Context())
	if err := h.gateway.Join(ctx, s, conversationID); err != nil {
		h.log.Info("join refused", zap.String("user_id", userID), zap.String("conversation_id", conversationID), zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "not a participant"), deadline())
		conn.Close()
		return
	}

	client := &Client{gateway: h.gateway, session: s, conn: conn, maxSize: h.maxSize, log: h.log}
	client.Run(ctx)
}

// ServeNotifications streams the user's notification channel only.
// Inbound frames are ignored apart from keeping the connection alive.
func (h *Handler) ServeNotifications(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	s, err := h.gateway.Open(userID, username)
	if err != nil {
		conn.Close()
		return
	}
	client := &Client{gateway: h.gateway, session: s, conn: conn, maxSize: h.maxSize, log: h.log, listenOnly: true}
	client.Run(context.WithoutCancel(r.Context()))
}

func (h *Handler) refuse(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrNotParticipant):
		http.Error(w, "not a participant of this conversation", http.StatusForbidden)
	case errors.Is(err, chat.ErrStoreTimeout):
		http.Error(w, "storage timed out", http.StatusGatewayTimeout)
	default:
		h.log.Error("authorize websocket", zap.Error(err))
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	}
}
