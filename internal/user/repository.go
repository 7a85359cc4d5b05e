package user

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// Directory resolves user ids to profiles.
type Directory interface {
	GetUser(ctx context.Context, id string) (*User, error)
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	query := "SELECT id, username, display_name, avatar_url FROM users WHERE id = $1"

	err := r.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return u, nil
}

// CreateUser inserts a profile row. Account signup lives outside this
// service; this is what seeding and tests use.
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	query := `
		INSERT INTO users (id, username, display_name, avatar_url) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username,
			display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url`
	_, err := r.db.ExecContext(ctx, query, u.ID, u.Username, u.DisplayName, u.AvatarURL)
	return err
}

// Ensure records a user known only from their token. An existing row,
// including one with the same username, is left alone.
func (r *Repository) Ensure(ctx context.Context, id, username string) error {
	query := "INSERT INTO users (id, username) VALUES ($1, $2) ON CONFLICT DO NOTHING"
	_, err := r.db.ExecContext(ctx, query, id, username)
	return err
}

// MemoryDirectory is a Directory over a fixed set of users.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]*User
}

func NewMemoryDirectory(users ...*User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]*User, len(users))}
	for _, u := range users {
		d.Add(u)
	}
	return d
}

func (d *MemoryDirectory) Add(u *User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *u
	d.users[u.ID] = &cp
}

func (d *MemoryDirectory) Ensure(_ context.Context, id, username string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[id]; !ok {
		d.users[id] = &User{ID: id, Username: username}
	}
	return nil
}

func (d *MemoryDirectory) GetUser(ctx context.Context, id string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}
