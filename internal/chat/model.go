package chat

import (
	"errors"
	"time"
)

// ---------------------------------------------
// Domain Models
// ---------------------------------------------

type Kind string

const (
	KindDirect    Kind = "direct"
	KindGroup     Kind = "group"
	KindAssistant Kind = "ai-assistant"
)

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
	TypeAI     MessageType = "ai"
)

// Tombstone is the content every soft-deleted message reports.
const Tombstone = "[Message deleted]"

type Conversation struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"type"`
	Name           string    `json:"name,omitempty"`
	Description    string    `json:"description,omitempty"`
	AssistantModel string    `json:"ai_model,omitempty"`
	CreatedBy      string    `json:"created_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Participant struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Role           Role      `json:"role"`
	JoinedAt       time.Time `json:"joined_at"`
	LastReadAt     time.Time `json:"last_read_at"`
	Muted          bool      `json:"is_muted"`
	Archived       bool      `json:"is_archived"`
	Nickname       string    `json:"nickname,omitempty"`
}

// File describes an attachment. Key addresses the blob in storage and is
// never sent to clients.
type File struct {
	Key  string `json:"-"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// ReplyPreview is the quoted head of the message being replied to.
type ReplyPreview struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	SenderID string `json:"sender_id,omitempty"`
}

// Message is the plaintext view. Ciphertext never leaves this package.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id,omitempty"`
	Sender         *Sender       `json:"sender,omitempty"`
	Type           MessageType   `json:"message_type"`
	Content        string        `json:"content"`
	File           *File         `json:"file,omitempty"`
	ReplyTo        *ReplyPreview `json:"reply_to,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	Edited         bool          `json:"is_edited"`
	Deleted        bool          `json:"is_deleted"`
}

type ReadReceipt struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	ReadAt         time.Time `json:"read_at"`
}

// Page is one slice of history, oldest first.
type Page struct {
	Messages []*Message `json:"messages"`
	HasMore  bool       `json:"has_more"`
}

// ---------------------------------------------
// Persistence Records
// ---------------------------------------------

// MessageRecord is a message as stored: Body holds ciphertext.
type MessageRecord struct {
	ID             string
	ConversationID string
	SenderID       string
	Type           MessageType
	Body           string
	File           *File
	ReplyToID      string
	CreatedAt      time.Time
	Edited         bool
	Deleted        bool
}

// Cursor positions history pagination strictly before a message.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Before reports whether r sorts strictly before the cursor.
func (c Cursor) Before(r *MessageRecord) bool {
	if r.CreatedAt.Equal(c.CreatedAt) {
		return r.ID < c.ID
	}
	return r.CreatedAt.Before(c.CreatedAt)
}

// ---------------------------------------------
// Errors
// ---------------------------------------------

var (
	ErrNotParticipant       = errors.New("chat: user is not a participant of the conversation")
	ErrEmptyMessage         = errors.New("chat: message has neither content nor file")
	ErrPermissionDenied     = errors.New("chat: permission denied")
	ErrMessageNotFound      = errors.New("chat: message not found")
	ErrConversationNotFound = errors.New("chat: conversation not found")
	ErrReplyNotFound        = errors.New("chat: replied-to message is not in this conversation")
	ErrSelfConversation     = errors.New("chat: cannot open a direct conversation with yourself")
	ErrInvalidGroup         = errors.New("chat: group needs a name and at least one other participant")
	ErrStoreTimeout         = errors.New("chat: store call timed out")
	ErrStoreUnavailable     = errors.New("chat: store unavailable")
)

var domainErrors = []error{
	ErrNotParticipant,
	ErrEmptyMessage,
	ErrPermissionDenied,
	ErrMessageNotFound,
	ErrConversationNotFound,
	ErrReplyNotFound,
	ErrSelfConversation,
	ErrInvalidGroup,
	ErrStoreTimeout,
	ErrStoreUnavailable,
}
