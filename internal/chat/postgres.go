package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresRepository persists chat state through database/sql on the pgx driver.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

const conversationColumns = `c.id, c.kind, c.name, c.description, c.assistant_model, COALESCE(c.created_by, ''), c.created_at, c.updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	c := &Conversation{}
	if err := row.Scan(&c.ID, &c.Kind, &c.Name, &c.Description, &c.AssistantModel, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *PostgresRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations c WHERE c.id = $1`
	c, err := scanConversation(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	return c, err
}

func insertConversation(ctx context.Context, tx *sql.Tx, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, kind, name, description, assistant_model, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := tx.ExecContext(ctx, query, conv.ID, conv.Kind, conv.Name, conv.Description,
		conv.AssistantModel, nullString(conv.CreatedBy), conv.CreatedAt, conv.UpdatedAt)
	return err
}

func insertParticipant(ctx context.Context, tx *sql.Tx, p *Participant) error {
	query := `
		INSERT INTO participants (conversation_id, user_id, role, joined_at, last_read_at, muted, archived, nickname)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (conversation_id, user_id) DO NOTHING`
	_, err := tx.ExecContext(ctx, query, p.ConversationID, p.UserID, p.Role, p.JoinedAt, p.LastReadAt, p.Muted, p.Archived, p.Nickname)
	return err
}

func insertMessage(ctx context.Context, tx *sql.Tx, rec *MessageRecord) error {
	var fileKey, fileName, fileURL any
	var fileSize any
	if rec.File != nil {
		fileKey, fileName, fileURL, fileSize = rec.File.Key, rec.File.Name, rec.File.URL, rec.File.Size
	}
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, message_type, content,
			file_key, file_name, file_size, file_url, reply_to, created_at, edited, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	if _, err := tx.ExecContext(ctx, query, rec.ID, rec.ConversationID, nullString(rec.SenderID), rec.Type, rec.Body,
		fileKey, fileName, fileSize, fileURL, nullString(rec.ReplyToID), rec.CreatedAt, rec.Edited, rec.Deleted); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`,
		rec.ConversationID, rec.CreatedAt)
	return err
}

// inTx runs fn in a transaction, rolling back on any error including a
// cancelled context.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *PostgresRepository) CreateConversation(ctx context.Context, conv *Conversation, members []Participant, opening *MessageRecord) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertConversation(ctx, tx, conv); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		for i := range members {
			if err := insertParticipant(ctx, tx, &members[i]); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
		}
		if opening != nil {
			if err := insertMessage(ctx, tx, opening); err != nil {
				return fmt.Errorf("insert opening message: %w", err)
			}
		}
		return nil
	})
}

func (r *PostgresRepository) findDirect(ctx context.Context, lo, hi string) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM direct_pairs d
		JOIN conversations c ON c.id = d.conversation_id
		WHERE d.user_lo = $1 AND d.user_hi = $2`
	return scanConversation(r.db.QueryRowContext(ctx, query, lo, hi))
}

// FindOrCreateDirect relies on the direct_pairs primary key: a concurrent
// creator blocks on the conflicting insert, observes the winner's row and
// rolls its own conversation back.
func (r *PostgresRepository) FindOrCreateDirect(ctx context.Context, conv *Conversation, a, b string) (*Conversation, bool, error) {
	pair := orderedPair(a, b)
	existing, err := r.findDirect(ctx, pair[0], pair[1])
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	created := false
	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertConversation(ctx, tx, conv); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		for _, user := range []string{a, b} {
			p := &Participant{ConversationID: conv.ID, UserID: user, Role: RoleMember, JoinedAt: conv.CreatedAt, LastReadAt: conv.CreatedAt}
			if err := insertParticipant(ctx, tx, p); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO direct_pairs (user_lo, user_hi, conversation_id) VALUES ($1, $2, $3)
			ON CONFLICT (user_lo, user_hi) DO NOTHING`, pair[0], pair[1], conv.ID)
		if err != nil {
			return fmt.Errorf("claim direct pair: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errDirectTaken
		}
		created = true
		return nil
	})
	switch {
	case err == nil:
		c := *conv
		return &c, created, nil
	case errors.Is(err, errDirectTaken):
		existing, err := r.findDirect(ctx, pair[0], pair[1])
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	default:
		return nil, false, err
	}
}

var errDirectTaken = errors.New("direct pair already claimed")

func (r *PostgresRepository) FindAssistantConversation(ctx context.Context, owner, model string) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + ` FROM conversations c
		WHERE c.kind = $1 AND c.created_by = $2 AND c.assistant_model = $3
		ORDER BY c.created_at LIMIT 1`
	c, err := scanConversation(r.db.QueryRowContext(ctx, query, KindAssistant, owner, model))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	return c, err
}

const participantColumns = `conversation_id, user_id, role, joined_at, last_read_at, muted, archived, nickname`

func scanParticipant(row interface{ Scan(...any) error }) (*Participant, error) {
	p := &Participant{}
	err := row.Scan(&p.ConversationID, &p.UserID, &p.Role, &p.JoinedAt, &p.LastReadAt, &p.Muted, &p.Archived, &p.Nickname)
	return p, err
}

func (r *PostgresRepository) GetParticipant(ctx context.Context, conversationID, userID string) (*Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE conversation_id = $1 AND user_id = $2`
	p, err := scanParticipant(r.db.QueryRowContext(ctx, query, conversationID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotParticipant
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) ListParticipants(ctx context.Context, conversationID string) ([]Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE conversation_id = $1 ORDER BY joined_at`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrConversationNotFound
	}
	return out, nil
}

func (r *PostgresRepository) execParticipant(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotParticipant
	}
	return nil
}

func (r *PostgresRepository) AdvanceLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	return r.execParticipant(ctx, `
		UPDATE participants SET last_read_at = GREATEST(last_read_at, $3)
		WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID, at)
}

func (r *PostgresRepository) SetArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	return r.execParticipant(ctx, `UPDATE participants SET archived = $3 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID, archived)
}

func (r *PostgresRepository) SetMuted(ctx context.Context, conversationID, userID string, muted bool) error {
	return r.execParticipant(ctx, `UPDATE participants SET muted = $3 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID, muted)
}

func (r *PostgresRepository) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	query := `
		SELECT p.user_id IS NOT NULL, COUNT(m.id)
		FROM (SELECT 1) AS one
		LEFT JOIN participants p ON p.conversation_id = $1 AND p.user_id = $2
		LEFT JOIN messages m ON m.conversation_id = p.conversation_id
			AND m.created_at > p.last_read_at
			AND m.sender_id IS DISTINCT FROM p.user_id
		GROUP BY p.user_id`
	var member bool
	var n int
	if err := r.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&member, &n); err != nil {
		return 0, err
	}
	if !member {
		return 0, ErrNotParticipant
	}
	return n, nil
}

func (r *PostgresRepository) InsertMessage(ctx context.Context, rec *MessageRecord) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		return insertMessage(ctx, tx, rec)
	})
}

const messageColumns = `id, conversation_id, COALESCE(sender_id, ''), message_type, content,
	file_key, file_name, file_size, file_url, COALESCE(reply_to, ''), created_at, edited, deleted`

func scanMessage(row interface{ Scan(...any) error }) (*MessageRecord, error) {
	rec := &MessageRecord{}
	var fileKey, fileName, fileURL sql.NullString
	var fileSize sql.NullInt64
	if err := row.Scan(&rec.ID, &rec.ConversationID, &rec.SenderID, &rec.Type, &rec.Body,
		&fileKey, &fileName, &fileSize, &fileURL, &rec.ReplyToID, &rec.CreatedAt, &rec.Edited, &rec.Deleted); err != nil {
		return nil, err
	}
	if fileKey.Valid {
		rec.File = &File{Key: fileKey.String, Name: fileName.String, Size: fileSize.Int64, URL: fileURL.String}
	}
	return rec, nil
}

func (r *PostgresRepository) GetMessage(ctx context.Context, id string) (*MessageRecord, error) {
	rec, err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	return rec, err
}

func (r *PostgresRepository) ListMessages(ctx context.Context, conversationID string, before *Cursor, limit int) ([]*MessageRecord, error) {
	var rows *sql.Rows
	var err error
	if before == nil {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, conversationID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, conversationID, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MessageRecord
	for rows.Next() {
		rec, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) MarkDeleted(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET deleted = TRUE, content = '', file_key = NULL, file_name = NULL, file_size = NULL, file_url = NULL
		WHERE id = $1 AND NOT deleted`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrMessageNotFound
	}
	return false, nil
}

func (r *PostgresRepository) InsertReceipt(ctx context.Context, rc *ReadReceipt) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO read_receipts (message_id, user_id, read_at) VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO NOTHING`, rc.MessageID, rc.UserID, rc.ReadAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 1 {
		return n == 1, err
	}
	err = r.db.QueryRowContext(ctx, `SELECT read_at FROM read_receipts WHERE message_id = $1 AND user_id = $2`,
		rc.MessageID, rc.UserID).Scan(&rc.ReadAt)
	return false, err
}
