package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"go-chat/internal/assistant"
	"go-chat/internal/chat"
)

// Inbound event types.
const (
	TypeMessage = "message"
	TypeTyping  = "typing"
	TypeRead    = "read"
	TypeDelete  = "delete"
)

// Outbound event types not shared with inbound ones.
const (
	TypeStatus             = "status"
	TypeDeleted            = "deleted"
	TypeError              = "error"
	TypeNewMessage         = "new_message"
	TypeConversationUpdate = "conversation_update"
)

// Error codes carried by error events.
const (
	CodeNotParticipant   = "not_participant"
	CodeEmptyMessage     = "empty_message"
	CodePermissionDenied = "permission_denied"
	CodeNotFound         = "not_found"
	CodeMalformed        = "malformed_payload"
	CodeStoreTimeout     = "store_timeout"
	CodeStoreUnavailable = "store_unavailable"
	CodeUnsupported      = "unsupported_type"
	CodeInternal         = "internal"
)

// inbound is the union of every client event. Type defaults to message.
type inbound struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to"`
	IsTyping  bool   `json:"is_typing"`
	MessageID string `json:"message_id"`
}

func decodeInbound(raw []byte) (*inbound, error) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	if in.Type == "" {
		in.Type = TypeMessage
	}
	return &in, nil
}

type messageEvent struct {
	Type    string        `json:"type"`
	Message *chat.Message `json:"message"`
}

type newMessageEvent struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversation_id"`
	Message        *chat.Message `json:"message"`
}

type typingEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type statusEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
}

type readEvent struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	MessageID string    `json:"message_id"`
	ReadAt    time.Time `json:"read_at"`
}

type deletedEvent struct {
	Type           string `json:"type"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

type conversationUpdateEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UpdateType     string `json:"update_type"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// encode marshals an outbound event. Every event type above marshals
// without error, so a failure here is a programming error.
func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("gateway: encode event: " + err.Error())
	}
	return b
}

// errorFor maps a failed action onto the error event sent back to the
// acting session.
func errorFor(err error) errorEvent {
	e := errorEvent{Type: TypeError}
	switch {
	case errors.Is(err, chat.ErrNotParticipant):
		e.Code, e.Message = CodeNotParticipant, "you are not a participant of this conversation"
	case errors.Is(err, chat.ErrEmptyMessage):
		e.Code, e.Message = CodeEmptyMessage, "message is empty"
	case errors.Is(err, chat.ErrPermissionDenied):
		e.Code, e.Message = CodePermissionDenied, "permission denied"
	case errors.Is(err, chat.ErrMessageNotFound), errors.Is(err, chat.ErrReplyNotFound),
		errors.Is(err, chat.ErrConversationNotFound):
		e.Code, e.Message = CodeNotFound, err.Error()
	case errors.Is(err, chat.ErrStoreTimeout):
		e.Code, e.Message = CodeStoreTimeout, "storage timed out, try again"
	case errors.Is(err, chat.ErrStoreUnavailable):
		e.Code, e.Message = CodeStoreUnavailable, "storage unavailable, try again"
	case errors.Is(err, assistant.ErrNotAssistant):
		e.Code, e.Message = CodeUnsupported, err.Error()
	default:
		e.Code, e.Message = CodeInternal, "internal error"
	}
	return e
}
