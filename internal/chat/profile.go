package chat

import "context"

// Sender is the public profile shown next to a message.
type Sender struct {
	ID        string `json:"id,omitempty"`
	Username  string `json:"username,omitempty"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

const systemName = "System"

// Profiles resolves user ids to the profile shown on their messages.
type Profiles interface {
	Profile(ctx context.Context, userID string) (*Sender, error)
}

// AttachSenders fills in Sender on each message. Messages without a sender
// show as "System"; a user that cannot be resolved keeps only the id.
func AttachSenders(ctx context.Context, profiles Profiles, msgs ...*Message) {
	cache := make(map[string]*Sender)
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.SenderID == "" {
			m.Sender = &Sender{Name: systemName}
			continue
		}
		s, ok := cache[m.SenderID]
		if !ok {
			s = &Sender{ID: m.SenderID}
			if profiles != nil {
				if p, err := profiles.Profile(ctx, m.SenderID); err == nil {
					s = p
				}
			}
			cache[m.SenderID] = s
		}
		m.Sender = s
	}
}
