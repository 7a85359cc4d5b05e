// Package gateway runs the per-connection protocol: it joins sessions to
// rooms, decodes client events, persists through the message store and
// fans results out through the hub.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"go-chat/internal/assistant"
	"go-chat/internal/chat"
	"go-chat/internal/hub"
	"go-chat/internal/presence"
)

var ErrUnauthenticated = errors.New("gateway: no authenticated user")

const DefaultSendBuffer = 256

// cleanupTimeout bounds the presence write made while closing a session,
// which runs after the request context is gone.
const cleanupTimeout = 5 * time.Second

type Options struct {
	SendBuffer int
}

type Gateway struct {
	store    *chat.Store
	hub      *hub.Hub
	presence presence.Tracker
	profiles chat.Profiles
	bot      *assistant.Assistant
	log      *zap.Logger
	buffer   int
	active   sync.WaitGroup
}

// New wires a gateway. profiles and bot may be nil: messages then carry
// only sender ids and ai-assistant conversations get no replies.
func New(store *chat.Store, h *hub.Hub, tracker presence.Tracker, profiles chat.Profiles, bot *assistant.Assistant, log *zap.Logger, opts Options) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	return &Gateway{
		store:    store,
		hub:      h,
		presence: tracker,
		profiles: profiles,
		bot:      bot,
		log:      log.Named("gateway"),
		buffer:   opts.SendBuffer,
	}
}

// Open creates a session for an authenticated user and subscribes it to
// the user's notification channel.
func (g *Gateway) Open(userID, username string) (*Session, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	s := newSession(userID, username, g.buffer)
	g.hub.Join(hub.UserChannel(userID), s)
	g.log.Debug("session opened", zap.String("session_id", s.id), zap.String("user_id", userID))
	return s, nil
}

// Authorize reports whether userID may join the conversation. It is
// checked before the websocket upgrade and again by Join.
func (g *Gateway) Authorize(ctx context.Context, conversationID, userID string) error {
	ok, err := g.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return chat.ErrNotParticipant
	}
	return nil
}

// Join moves the session into the conversation room. A user who is not a
// participant never joins and the session is closed.
func (g *Gateway) Join(ctx context.Context, s *Session, conversationID string) error {
	if s.State() != Authenticated {
		return errors.New("gateway: session cannot join in state " + s.State().String())
	}
	if err := g.Authorize(ctx, conversationID, s.userID); err != nil {
		g.Close(s)
		return err
	}
	conv, err := g.store.GetConversation(ctx, conversationID)
	if err != nil {
		g.Close(s)
		return err
	}

	room := hub.ConversationRoom(conv.ID)
	online := g.status(s, true)
	first, ok := s.enter(conv, func() bool { return g.hub.JoinAnnounce(room, s, online) })
	if !ok {
		return errors.New("gateway: session closed before join")
	}
	g.touch(ctx, s.userID)
	g.log.Debug("session joined",
		zap.String("session_id", s.id), zap.String("conversation_id", conv.ID), zap.Bool("first", first))
	return nil
}

// Handle processes one inbound frame. Failures are reported to the sending
// session only; the connection stays open.
func (g *Gateway) Handle(ctx context.Context, s *Session, raw []byte) {
	conv := s.Conversation()
	if s.State() != Joined || conv == nil {
		g.reply(s, errorEvent{Type: TypeError, Code: CodeNotParticipant, Message: "not joined to a conversation"})
		return
	}
	g.touch(ctx, s.userID)

	in, err := decodeInbound(raw)
	if err != nil {
		g.reply(s, errorEvent{Type: TypeError, Code: CodeMalformed, Message: "invalid JSON"})
		return
	}

	switch in.Type {
	case TypeMessage:
		err = g.handleMessage(ctx, s, conv, in)
	case TypeTyping:
		g.hub.Broadcast(hub.ConversationRoom(conv.ID), encode(typingEvent{
			Type:     TypeTyping,
			UserID:   s.userID,
			Username: s.username,
			IsTyping: in.IsTyping,
		}), s)
	case TypeRead:
		err = g.handleRead(ctx, s, in)
	case TypeDelete:
		err = g.handleDelete(ctx, s, in)
	default:
		g.reply(s, errorEvent{Type: TypeError, Code: CodeUnsupported, Message: "unsupported event type " + in.Type})
		return
	}

	if err != nil {
		g.fail(s, in.Type, err)
	}
}

func (g *Gateway) handleMessage(ctx context.Context, s *Session, conv *chat.Conversation, in *inbound) error {
	msg, err := g.store.CreateMessage(ctx, chat.NewMessage{
		ConversationID: conv.ID,
		SenderID:       s.userID,
		Content:        in.Content,
		ReplyToID:      in.ReplyTo,
	})
	if err != nil {
		return err
	}
	g.MessageCreated(ctx, conv, msg)
	return nil
}

func (g *Gateway) handleRead(ctx context.Context, s *Session, in *inbound) error {
	if in.MessageID == "" {
		return errMissingMessageID
	}
	receipt, err := g.store.MarkMessageRead(ctx, in.MessageID, s.userID)
	if err != nil {
		return err
	}
	g.MessageRead(receipt)
	return nil
}

func (g *Gateway) handleDelete(ctx context.Context, s *Session, in *inbound) error {
	if in.MessageID == "" {
		return errMissingMessageID
	}
	msg, err := g.store.SoftDelete(ctx, in.MessageID, s.userID)
	if err != nil {
		return err
	}
	g.MessageDeleted(msg)
	return nil
}

var errMissingMessageID = errors.New("message_id is required")

func (g *Gateway) fail(s *Session, action string, err error) {
	if errors.Is(err, errMissingMessageID) {
		g.reply(s, errorEvent{Type: TypeError, Code: CodeMalformed, Message: err.Error()})
		return
	}
	ev := errorFor(err)
	if ev.Code == CodeStoreTimeout || ev.Code == CodeStoreUnavailable || ev.Code == CodeInternal {
		g.log.Error("action failed",
			zap.String("session_id", s.id), zap.String("action", action), zap.Error(err))
	}
	g.reply(s, ev)
}

func (g *Gateway) reply(s *Session, ev errorEvent) {
	s.Send(encode(ev))
}

// MessageCreated fans a stored message out to the conversation room and
// to every participant's notification channel, then lets the assistant
// answer in ai-assistant conversations. The REST path calls it too.
func (g *Gateway) MessageCreated(ctx context.Context, conv *chat.Conversation, msg *chat.Message) {
	chat.AttachSenders(ctx, g.profiles, msg)
	g.hub.Broadcast(hub.ConversationRoom(conv.ID), encode(messageEvent{Type: TypeMessage, Message: msg}), nil)

	members, err := g.store.Participants(ctx, conv.ID)
	if err != nil {
		g.log.Warn("notify participants", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	note := encode(newMessageEvent{Type: TypeNewMessage, ConversationID: conv.ID, Message: msg})
	for _, id := range members {
		g.hub.Broadcast(hub.UserChannel(id), note, nil)
	}

	if conv.Kind == chat.KindAssistant && msg.SenderID != "" && g.bot != nil {
		answer, err := g.bot.Reply(ctx, conv, msg.Content)
		if err != nil {
			g.log.Warn("assistant reply", zap.String("conversation_id", conv.ID), zap.Error(err))
			return
		}
		g.MessageCreated(ctx, conv, answer)
	}
}

func (g *Gateway) MessageDeleted(msg *chat.Message) {
	g.hub.Broadcast(hub.ConversationRoom(msg.ConversationID), encode(deletedEvent{
		Type:           TypeDeleted,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
	}), nil)
}

func (g *Gateway) MessageRead(receipt *chat.ReadReceipt) {
	g.hub.Broadcast(hub.ConversationRoom(receipt.ConversationID), encode(readEvent{
		Type:      TypeRead,
		UserID:    receipt.UserID,
		MessageID: receipt.MessageID,
		ReadAt:    receipt.ReadAt,
	}), nil)
}

// ConversationUpdated tells each user's other devices that a conversation
// changed, e.g. it was created or archived.
func (g *Gateway) ConversationUpdated(conversationID, update string, userIDs ...string) {
	ev := encode(conversationUpdateEvent{Type: TypeConversationUpdate, ConversationID: conversationID, UpdateType: update})
	for _, id := range userIDs {
		g.hub.Broadcast(hub.UserChannel(id), ev, nil)
	}
}

// Close runs the leave path for a session exactly once: it leaves the
// conversation room, announces offline when this was the user's last
// session there, leaves the notification channel and records activity.
func (g *Gateway) Close(s *Session) {
	s.cleanup.Do(func() {
		offline := g.status(s, false)
		last, _ := s.exit(func(conv *chat.Conversation) bool {
			return g.hub.LeaveAnnounce(hub.ConversationRoom(conv.ID), s, offline)
		})
		s.Close()
		g.hub.Leave(hub.UserChannel(s.userID), s)

		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		g.touch(ctx, s.userID)
		g.log.Debug("session closed",
			zap.String("session_id", s.id), zap.String("user_id", s.userID), zap.Bool("last", last))
	})
}

// Wait blocks until every connection served by a Client has finished its
// cleanup, or ctx ends.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// status is the presence announcement for s. The hub sends it under the
// room lock together with the session count change.
func (g *Gateway) status(s *Session, online bool) []byte {
	return encode(statusEvent{
		Type:     TypeStatus,
		UserID:   s.userID,
		Username: s.username,
		IsOnline: online,
	})
}

func (g *Gateway) touch(ctx context.Context, userID string) {
	if g.presence == nil {
		return
	}
	if err := g.presence.Touch(ctx, userID); err != nil {
		g.log.Warn("presence touch", zap.String("user_id", userID), zap.Error(err))
	}
}
