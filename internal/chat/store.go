package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go-chat/internal/crypto"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
	replyPreviewRunes   = 100
)

// FileRemover deletes attachment blobs.
type FileRemover interface {
	Remove(ctx context.Context, key string) error
}

// NewMessage is the input to CreateMessage. SenderID is empty only for
// system and ai messages written by the server itself.
type NewMessage struct {
	ConversationID string
	SenderID       string
	Type           MessageType
	Content        string
	File           *File
	ReplyToID      string
}

// GroupSpec describes a group to create. OwnerName is used in the opening
// system message.
type GroupSpec struct {
	OwnerID     string
	OwnerName   string
	Name        string
	Description string
	MemberIDs   []string
}

// Store is the message store: every write and history read from the
// websocket and REST paths goes through it. Bodies are encrypted on the way
// in and decrypted on the way out.
type Store struct {
	repo    Repository
	codec   *crypto.Codec
	files   FileRemover
	log     *zap.Logger
	timeout time.Duration
	now     func() time.Time
	limit   int
}

func NewStore(repo Repository, codec *crypto.Codec, files FileRemover, log *zap.Logger, timeout time.Duration) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		repo:    repo,
		codec:   codec,
		files:   files,
		log:     log.Named("store"),
		timeout: timeout,
		now:     time.Now,
		limit:   DefaultHistoryLimit,
	}
}

// SetHistoryLimit changes the page size used when a caller asks for none.
func (s *Store) SetHistoryLimit(n int) {
	if n > 0 && n <= MaxHistoryLimit {
		s.limit = n
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// timestamp truncates to the microsecond precision postgres keeps, so a
// value compares the same before and after a round trip.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// classify maps backend failures onto the store taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	conv, err := s.repo.GetConversation(ctx, id)
	return conv, classify(err)
}

func (s *Store) GetParticipant(ctx context.Context, conversationID, userID string) (*Participant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	p, err := s.repo.GetParticipant(ctx, conversationID, userID)
	return p, classify(err)
}

// IsParticipant answers membership for authorization. A missing
// conversation is simply not a membership.
func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	_, err := s.GetParticipant(ctx, conversationID, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotParticipant):
		return false, nil
	default:
		return false, err
	}
}

// Participants returns the user ids of every member of the conversation.
func (s *Store) Participants(ctx context.Context, conversationID string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	members, err := s.repo.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, classify(err)
	}
	ids := make([]string, len(members))
	for i, p := range members {
		ids[i] = p.UserID
	}
	return ids, nil
}

func (s *Store) CreateMessage(ctx context.Context, in NewMessage) (*Message, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" && in.File == nil {
		return nil, ErrEmptyMessage
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if in.SenderID != "" {
		if _, err := s.repo.GetParticipant(ctx, in.ConversationID, in.SenderID); err != nil {
			return nil, classify(err)
		}
	} else if _, err := s.repo.GetConversation(ctx, in.ConversationID); err != nil {
		return nil, classify(err)
	}

	var reply *MessageRecord
	if in.ReplyToID != "" {
		var err error
		reply, err = s.repo.GetMessage(ctx, in.ReplyToID)
		if errors.Is(err, ErrMessageNotFound) || (err == nil && reply.ConversationID != in.ConversationID) {
			return nil, ErrReplyNotFound
		}
		if err != nil {
			return nil, classify(err)
		}
	}

	kind := in.Type
	if kind == "" {
		kind = TypeText
		if in.File != nil {
			kind = TypeFile
		}
	}

	body, err := s.codec.Encrypt(content)
	if err != nil {
		return nil, fmt.Errorf("encrypt body: %w", err)
	}

	rec := &MessageRecord{
		ID:             newID(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Type:           kind,
		Body:           body,
		File:           in.File,
		ReplyToID:      in.ReplyToID,
		CreatedAt:      s.timestamp(),
	}
	if err := s.repo.InsertMessage(ctx, rec); err != nil {
		return nil, classify(err)
	}

	msg := s.decode(rec)
	if reply != nil {
		msg.ReplyTo = s.preview(reply)
	}
	return msg, nil
}

// SoftDelete tombstones a message. Only the original sender may delete,
// and deleting twice is a successful no-op. The returned message is the
// tombstoned view.
func (s *Store) SoftDelete(ctx context.Context, messageID, requester string) (*Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rec, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, classify(err)
	}
	if rec.SenderID == "" || rec.SenderID != requester {
		return nil, ErrPermissionDenied
	}
	if rec.Deleted {
		return s.decode(rec), nil
	}

	changed, err := s.repo.MarkDeleted(ctx, messageID)
	if err != nil {
		return nil, classify(err)
	}
	if changed && rec.File != nil && s.files != nil {
		if err := s.files.Remove(ctx, rec.File.Key); err != nil {
			s.log.Error("remove attachment of deleted message",
				zap.String("message_id", messageID), zap.String("key", rec.File.Key), zap.Error(err))
		}
	}

	rec.Deleted = true
	rec.Body = ""
	rec.File = nil
	return s.decode(rec), nil
}

// ListMessages returns up to limit messages strictly older than beforeID
// (or the newest ones when beforeID is empty), oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID, beforeID string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = s.limit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var cursor *Cursor
	if beforeID != "" {
		anchor, err := s.repo.GetMessage(ctx, beforeID)
		if err != nil {
			return nil, classify(err)
		}
		if anchor.ConversationID != conversationID {
			return nil, ErrMessageNotFound
		}
		cursor = &Cursor{CreatedAt: anchor.CreatedAt, ID: anchor.ID}
	}

	recs, err := s.repo.ListMessages(ctx, conversationID, cursor, limit)
	if err != nil {
		return nil, classify(err)
	}

	replies := make(map[string]*ReplyPreview)
	page := &Page{Messages: make([]*Message, len(recs)), HasMore: len(recs) == limit}
	for i, rec := range recs {
		msg := s.decode(rec)
		if rec.ReplyToID != "" {
			preview, ok := replies[rec.ReplyToID]
			if !ok {
				parent, err := s.repo.GetMessage(ctx, rec.ReplyToID)
				if err != nil {
					s.log.Warn("reply preview unavailable",
						zap.String("message_id", rec.ID), zap.String("reply_to", rec.ReplyToID), zap.Error(err))
				} else {
					preview = s.preview(parent)
				}
				replies[rec.ReplyToID] = preview
			}
			msg.ReplyTo = preview
		}
		page.Messages[len(recs)-1-i] = msg
	}
	return page, nil
}

// MarkRead moves the participant's read position to now. The position
// never moves backwards.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return classify(s.repo.AdvanceLastRead(ctx, conversationID, userID, s.timestamp()))
}

// MarkMessageRead records a receipt for one message and advances the
// reader's position in its conversation. Reading a message again returns
// the receipt as first recorded.
func (s *Store) MarkMessageRead(ctx context.Context, messageID, userID string) (*ReadReceipt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rec, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, classify(err)
	}
	if _, err := s.repo.GetParticipant(ctx, rec.ConversationID, userID); err != nil {
		return nil, classify(err)
	}

	receipt := &ReadReceipt{MessageID: messageID, ConversationID: rec.ConversationID, UserID: userID, ReadAt: s.timestamp()}
	if _, err := s.repo.InsertReceipt(ctx, receipt); err != nil {
		return nil, classify(err)
	}
	if err := s.repo.AdvanceLastRead(ctx, rec.ConversationID, userID, receipt.ReadAt); err != nil {
		return nil, classify(err)
	}
	return receipt, nil
}

func (s *Store) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.repo.CountUnread(ctx, conversationID, userID)
	return n, classify(err)
}

func (s *Store) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return classify(s.repo.SetArchived(ctx, conversationID, userID, archived))
}

func (s *Store) SetMuted(ctx context.Context, conversationID, userID string, muted bool) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return classify(s.repo.SetMuted(ctx, conversationID, userID, muted))
}

// GetOrCreateDirect returns the one direct conversation between a and b,
// creating it when it does not exist yet.
func (s *Store) GetOrCreateDirect(ctx context.Context, a, b string) (*Conversation, bool, error) {
	if a == b {
		return nil, false, ErrSelfConversation
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.timestamp()
	conv := &Conversation{ID: newID(), Kind: KindDirect, CreatedBy: a, CreatedAt: now, UpdatedAt: now}
	got, created, err := s.repo.FindOrCreateDirect(ctx, conv, a, b)
	if err != nil {
		return nil, false, classify(err)
	}
	return got, created, nil
}

func (s *Store) CreateGroup(ctx context.Context, group GroupSpec) (*Conversation, error) {
	name := strings.TrimSpace(group.Name)
	now := s.timestamp()
	conv := &Conversation{
		ID:          newID(),
		Kind:        KindGroup,
		Name:        name,
		Description: strings.TrimSpace(group.Description),
		CreatedBy:   group.OwnerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	members := []Participant{{ConversationID: conv.ID, UserID: group.OwnerID, Role: RoleOwner, JoinedAt: now, LastReadAt: now}}
	seen := map[string]bool{group.OwnerID: true}
	for _, id := range group.MemberIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, Participant{ConversationID: conv.ID, UserID: id, Role: RoleMember, JoinedAt: now, LastReadAt: now})
	}
	if name == "" || len(members) < 2 {
		return nil, ErrInvalidGroup
	}

	owner := group.OwnerName
	if owner == "" {
		owner = "Someone"
	}
	body, err := s.codec.Encrypt(fmt.Sprintf("%s created the group %q", owner, name))
	if err != nil {
		return nil, fmt.Errorf("encrypt body: %w", err)
	}
	opening := &MessageRecord{
		ID:             newID(),
		ConversationID: conv.ID,
		SenderID:       group.OwnerID,
		Type:           TypeSystem,
		Body:           body,
		CreatedAt:      now,
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.repo.CreateConversation(ctx, conv, members, opening); err != nil {
		return nil, classify(err)
	}
	return conv, nil
}

// CreateAssistantConversation opens, or reopens, the owner's conversation
// with the named bot. A new conversation starts with a greeting.
func (s *Store) CreateAssistantConversation(ctx context.Context, ownerID, bot string) (*Conversation, bool, error) {
	bot = strings.TrimSpace(bot)
	if bot == "" {
		return nil, false, ErrInvalidGroup
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	existing, err := s.repo.FindAssistantConversation(ctx, ownerID, bot)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return nil, false, classify(err)
	}

	now := s.timestamp()
	conv := &Conversation{
		ID:             newID(),
		Kind:           KindAssistant,
		Name:           "Chat with " + bot,
		AssistantModel: bot,
		CreatedBy:      ownerID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	body, err := s.codec.Encrypt(fmt.Sprintf("Hello! I'm %s. How can I help you today?", bot))
	if err != nil {
		return nil, false, fmt.Errorf("encrypt body: %w", err)
	}
	greeting := &MessageRecord{ID: newID(), ConversationID: conv.ID, Type: TypeAI, Body: body, CreatedAt: now}
	owner := []Participant{{ConversationID: conv.ID, UserID: ownerID, Role: RoleOwner, JoinedAt: now, LastReadAt: now}}
	if err := s.repo.CreateConversation(ctx, conv, owner, greeting); err != nil {
		return nil, false, classify(err)
	}
	return conv, true, nil
}

// decode turns a stored record into the plaintext view.
func (s *Store) decode(rec *MessageRecord) *Message {
	msg := &Message{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		SenderID:       rec.SenderID,
		Type:           rec.Type,
		CreatedAt:      rec.CreatedAt,
		Edited:         rec.Edited,
		Deleted:        rec.Deleted,
	}
	if rec.Deleted {
		msg.Content = Tombstone
		return msg
	}
	content, err := s.codec.Open(rec.Body)
	if err != nil {
		s.log.Warn("message body could not be decrypted", zap.String("message_id", rec.ID), zap.Error(err))
		content = crypto.Unavailable
	}
	msg.Content = content
	if rec.File != nil {
		f := *rec.File
		msg.File = &f
	}
	return msg
}

func (s *Store) preview(rec *MessageRecord) *ReplyPreview {
	content := s.decode(rec).Content
	if utf8.RuneCountInString(content) > replyPreviewRunes {
		content = string([]rune(content)[:replyPreviewRunes])
	}
	return &ReplyPreview{ID: rec.ID, Content: content, SenderID: rec.SenderID}
}
