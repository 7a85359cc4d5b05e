package user

import (
	"errors"
	"time"
)

type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Name is what other users see: the display name, else the username.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

type PresenceResponse struct {
	User     *User      `json:"user"`
	Online   bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

var (
	ErrUserNotFound         = errors.New("user: not found")
	ErrAuthenticationFailed = errors.New("user: authentication failed")
)
