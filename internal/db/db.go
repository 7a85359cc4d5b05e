package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate creates the schema. Every statement is idempotent.
func (d *Database) AutoMigrate(ctx context.Context) error {
	// Ids are opaque text. User ids are token subjects issued elsewhere and
	// need not be UUIDs.
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            display_name VARCHAR(100) NOT NULL DEFAULT '',
            avatar_url TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`,

		`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY,
            kind VARCHAR(16) NOT NULL CHECK (kind IN ('direct', 'group', 'ai-assistant')),
            name VARCHAR(100) NOT NULL DEFAULT '',
            description TEXT NOT NULL DEFAULT '',
            assistant_model VARCHAR(50) NOT NULL DEFAULT '',
            created_by TEXT REFERENCES users(id) ON DELETE SET NULL,
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        )`,

		// One row per unordered user pair, ordered by the repository.
		`CREATE TABLE IF NOT EXISTS direct_pairs (
            user_lo TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            user_hi TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            conversation_id TEXT NOT NULL UNIQUE REFERENCES conversations(id) ON DELETE CASCADE,
            PRIMARY KEY (user_lo, user_hi)
        )`,

		`CREATE TABLE IF NOT EXISTS participants (
            conversation_id TEXT REFERENCES conversations(id) ON DELETE CASCADE,
            user_id TEXT REFERENCES users(id) ON DELETE CASCADE,
            role VARCHAR(10) NOT NULL CHECK (role IN ('member', 'admin', 'owner')) DEFAULT 'member',
            joined_at TIMESTAMPTZ NOT NULL,
            last_read_at TIMESTAMPTZ NOT NULL,
            muted BOOLEAN NOT NULL DEFAULT FALSE,
            archived BOOLEAN NOT NULL DEFAULT FALSE,
            nickname VARCHAR(50) NOT NULL DEFAULT '',
            PRIMARY KEY (conversation_id, user_id)
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id TEXT REFERENCES users(id) ON DELETE SET NULL,
            message_type VARCHAR(10) NOT NULL CHECK (message_type IN ('text', 'image', 'file', 'system', 'ai')),
            content TEXT NOT NULL DEFAULT '',
            file_key TEXT,
            file_name VARCHAR(255),
            file_size BIGINT,
            file_url TEXT,
            reply_to TEXT REFERENCES messages(id) ON DELETE SET NULL,
            created_at TIMESTAMPTZ NOT NULL,
            edited BOOLEAN NOT NULL DEFAULT FALSE,
            deleted BOOLEAN NOT NULL DEFAULT FALSE
        )`,

		`CREATE INDEX IF NOT EXISTS messages_history_idx
            ON messages (conversation_id, created_at DESC, id DESC)`,

		`CREATE TABLE IF NOT EXISTS read_receipts (
            message_id TEXT REFERENCES messages(id) ON DELETE CASCADE,
            user_id TEXT REFERENCES users(id) ON DELETE CASCADE,
            read_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (message_id, user_id)
        )`,
	}

	for _, query := range queries {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
