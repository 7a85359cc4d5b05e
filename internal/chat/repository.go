package chat

import (
	"context"
	"time"
)

// Repository is the persistence boundary under Store. Implementations must
// make each method atomic; the multi-row writes (conversation creation,
// message insertion, direct lookup-or-create) either fully apply or not at all.
type Repository interface {
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// CreateConversation stores conv, its participants and an optional
	// opening message together.
	CreateConversation(ctx context.Context, conv *Conversation, members []Participant, opening *MessageRecord) error
	// FindOrCreateDirect returns the direct conversation of the unordered
	// pair (a, b), inserting conv with both users as members when none
	// exists. Concurrent callers for the same pair observe one conversation.
	FindOrCreateDirect(ctx context.Context, conv *Conversation, a, b string) (*Conversation, bool, error)
	FindAssistantConversation(ctx context.Context, owner, model string) (*Conversation, error)

	GetParticipant(ctx context.Context, conversationID, userID string) (*Participant, error)
	ListParticipants(ctx context.Context, conversationID string) ([]Participant, error)
	// AdvanceLastRead stores max(last_read_at, at).
	AdvanceLastRead(ctx context.Context, conversationID, userID string, at time.Time) error
	SetArchived(ctx context.Context, conversationID, userID string, archived bool) error
	SetMuted(ctx context.Context, conversationID, userID string, muted bool) error
	CountUnread(ctx context.Context, conversationID, userID string) (int, error)

	// InsertMessage stores rec and bumps the conversation's updated_at.
	InsertMessage(ctx context.Context, rec *MessageRecord) error
	GetMessage(ctx context.Context, id string) (*MessageRecord, error)
	// ListMessages returns up to limit records newest first, restricted to
	// those before the cursor when it is non-nil.
	ListMessages(ctx context.Context, conversationID string, before *Cursor, limit int) ([]*MessageRecord, error)
	// MarkDeleted clears body and file and sets the deleted flag. It
	// reports false when the message was already deleted.
	MarkDeleted(ctx context.Context, id string) (bool, error)
	// InsertReceipt is insert-if-absent on (message, user). When a receipt
	// already exists it reports false and sets r.ReadAt to the stored time.
	InsertReceipt(ctx context.Context, r *ReadReceipt) (bool, error)
}
