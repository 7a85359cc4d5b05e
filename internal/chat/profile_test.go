package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProfiles struct {
	known map[string]*Sender
	calls map[string]int
}

func (p *countingProfiles) Profile(_ context.Context, id string) (*Sender, error) {
	p.calls[id]++
	if s, ok := p.known[id]; ok {
		return s, nil
	}
	return nil, errors.New("no such user")
}

func TestAttachSenders(t *testing.T) {
	profiles := &countingProfiles{
		known: map[string]*Sender{alice: {ID: alice, Username: "alice", Name: "Alice"}},
		calls: map[string]int{},
	}
	msgs := []*Message{
		{ID: "1", SenderID: alice},
		{ID: "2", SenderID: ""},
		{ID: "3", SenderID: alice},
		{ID: "4", SenderID: carol},
		nil,
	}

	AttachSenders(context.Background(), profiles, msgs...)

	require.NotNil(t, msgs[0].Sender)
	assert.Equal(t, "Alice", msgs[0].Sender.Name)
	assert.Same(t, msgs[0].Sender, msgs[2].Sender)
	assert.Equal(t, 1, profiles.calls[alice])

	assert.Equal(t, "System", msgs[1].Sender.Name)
	assert.Empty(t, msgs[1].Sender.ID)

	assert.Equal(t, carol, msgs[3].Sender.ID)
	assert.Empty(t, msgs[3].Sender.Name)
}

func TestAttachSendersWithoutDirectory(t *testing.T) {
	msg := &Message{SenderID: bob}
	AttachSenders(context.Background(), nil, msg)
	require.NotNil(t, msg.Sender)
	assert.Equal(t, bob, msg.Sender.ID)
}
