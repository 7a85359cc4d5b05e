package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps everything in process memory behind one lock.
// It backs tests and the store_backend=memory development mode.
type MemoryRepository struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	participants  map[string]map[string]*Participant // conversation -> user -> participant
	messages      map[string]*MessageRecord
	byConv        map[string][]*MessageRecord
	directs       map[[2]string]string // ordered pair -> conversation
	receipts      map[[2]string]*ReadReceipt
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		conversations: make(map[string]*Conversation),
		participants:  make(map[string]map[string]*Participant),
		messages:      make(map[string]*MessageRecord),
		byConv:        make(map[string][]*MessageRecord),
		directs:       make(map[[2]string]string),
		receipts:      make(map[[2]string]*ReadReceipt),
	}
}

var _ Repository = (*MemoryRepository)(nil)

func orderedPair(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func (m *MemoryRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	c := *conv
	return &c, nil
}

func (m *MemoryRepository) CreateConversation(ctx context.Context, conv *Conversation, members []Participant, opening *MessageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createLocked(conv, members)
	if opening != nil {
		m.insertLocked(opening)
	}
	return nil
}

func (m *MemoryRepository) createLocked(conv *Conversation, members []Participant) {
	c := *conv
	m.conversations[c.ID] = &c
	set := make(map[string]*Participant, len(members))
	for i := range members {
		p := members[i]
		set[p.UserID] = &p
	}
	m.participants[c.ID] = set
}

func (m *MemoryRepository) FindOrCreateDirect(ctx context.Context, conv *Conversation, a, b string) (*Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	key := orderedPair(a, b)

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.directs[key]; ok {
		c := *m.conversations[id]
		return &c, false, nil
	}
	members := []Participant{
		{ConversationID: conv.ID, UserID: a, Role: RoleMember, JoinedAt: conv.CreatedAt, LastReadAt: conv.CreatedAt},
		{ConversationID: conv.ID, UserID: b, Role: RoleMember, JoinedAt: conv.CreatedAt, LastReadAt: conv.CreatedAt},
	}
	m.createLocked(conv, members)
	m.directs[key] = conv.ID
	c := *conv
	return &c, true, nil
}

func (m *MemoryRepository) FindAssistantConversation(ctx context.Context, owner, model string) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conv := range m.conversations {
		if conv.Kind == KindAssistant && conv.CreatedBy == owner && conv.AssistantModel == model {
			c := *conv
			return &c, nil
		}
	}
	return nil, ErrConversationNotFound
}

func (m *MemoryRepository) GetParticipant(ctx context.Context, conversationID, userID string) (*Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[conversationID][userID]
	if !ok {
		return nil, ErrNotParticipant
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepository) ListParticipants(ctx context.Context, conversationID string) ([]Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.participants[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	out := make([]Participant, 0, len(set))
	for _, p := range set {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (m *MemoryRepository) updateParticipant(ctx context.Context, conversationID, userID string, fn func(*Participant)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[conversationID][userID]
	if !ok {
		return ErrNotParticipant
	}
	fn(p)
	return nil
}

func (m *MemoryRepository) AdvanceLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	return m.updateParticipant(ctx, conversationID, userID, func(p *Participant) {
		if at.After(p.LastReadAt) {
			p.LastReadAt = at
		}
	})
}

func (m *MemoryRepository) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	return m.updateParticipant(ctx, conversationID, userID, func(p *Participant) { p.Archived = archived })
}

func (m *MemoryRepository) SetMuted(ctx context.Context, conversationID, userID string, muted bool) error {
	return m.updateParticipant(ctx, conversationID, userID, func(p *Participant) { p.Muted = muted })
}

func (m *MemoryRepository) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[conversationID][userID]
	if !ok {
		return 0, ErrNotParticipant
	}
	n := 0
	for _, rec := range m.byConv[conversationID] {
		if rec.SenderID != userID && rec.CreatedAt.After(p.LastReadAt) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) InsertMessage(ctx context.Context, rec *MessageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[rec.ConversationID]; !ok {
		return ErrConversationNotFound
	}
	m.insertLocked(rec)
	return nil
}

func (m *MemoryRepository) insertLocked(rec *MessageRecord) {
	r := copyRecord(rec)
	m.messages[r.ID] = r
	m.byConv[r.ConversationID] = append(m.byConv[r.ConversationID], r)
	if conv := m.conversations[r.ConversationID]; conv != nil && r.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = r.CreatedAt
	}
}

func copyRecord(rec *MessageRecord) *MessageRecord {
	r := *rec
	if rec.File != nil {
		f := *rec.File
		r.File = &f
	}
	return &r
}

func (m *MemoryRepository) GetMessage(ctx context.Context, id string) (*MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return copyRecord(rec), nil
}

func (m *MemoryRepository) ListMessages(ctx context.Context, conversationID string, before *Cursor, limit int) ([]*MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*MessageRecord
	for _, rec := range m.byConv[conversationID] {
		if before == nil || before.Before(rec) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) MarkDeleted(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.messages[id]
	if !ok {
		return false, ErrMessageNotFound
	}
	if rec.Deleted {
		return false, nil
	}
	rec.Deleted = true
	rec.Body = ""
	rec.File = nil
	return true, nil
}

func (m *MemoryRepository) InsertReceipt(ctx context.Context, r *ReadReceipt) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[r.MessageID]; !ok {
		return false, ErrMessageNotFound
	}
	key := [2]string{r.MessageID, r.UserID}
	if existing, ok := m.receipts[key]; ok {
		r.ReadAt = existing.ReadAt
		return false, nil
	}
	cp := *r
	m.receipts[key] = &cp
	return true, nil
}

// Receipts lists the receipts recorded for a message.
func (m *MemoryRepository) Receipts(messageID string) []ReadReceipt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ReadReceipt
	for key, r := range m.receipts {
		if key[0] == messageID {
			out = append(out, *r)
		}
	}
	return out
}

// ConversationCount reports how many conversations are stored.
func (m *MemoryRepository) ConversationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}
