package user

import (
	"context"

	"go-chat/internal/chat"
)

// Profiles adapts a Directory to the profile lookup used on message views.
type Profiles struct {
	Users Directory
}

func (p Profiles) Profile(ctx context.Context, userID string) (*chat.Sender, error) {
	u, err := p.Users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &chat.Sender{ID: u.ID, Username: u.Username, Name: u.Name(), AvatarURL: u.AvatarURL}, nil
}
