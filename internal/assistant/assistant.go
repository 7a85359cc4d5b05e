// Package assistant answers messages in ai-assistant conversations.
package assistant

import (
	"context"
	"errors"
	"hash/fnv"

	"go.uber.org/zap"

	"go-chat/internal/chat"
)

var ErrNotAssistant = errors.New("assistant: not an ai-assistant conversation")

// Responder produces the bot's answer to one prompt.
type Responder interface {
	Respond(ctx context.Context, bot, prompt string) (string, error)
}

// Canned answers from a fixed set, picked by hashing the prompt so the
// same prompt always gets the same answer.
type Canned struct {
	Replies []string
}

var defaultReplies = []string{
	"That's an interesting thought! Could you tell me more?",
	"I understand. How can I help you with that?",
	"Great question! Let me think about that...",
	"Thanks for sharing. What would you like to explore further?",
}

func NewCanned() *Canned {
	return &Canned{Replies: defaultReplies}
}

func (c *Canned) Respond(ctx context.Context, _ string, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	replies := c.Replies
	if len(replies) == 0 {
		replies = defaultReplies
	}
	h := fnv.New32a()
	h.Write([]byte(prompt))
	return replies[h.Sum32()%uint32(len(replies))], nil
}

// Writer persists the bot's answer.
type Writer interface {
	CreateMessage(ctx context.Context, in chat.NewMessage) (*chat.Message, error)
}

type Assistant struct {
	store     Writer
	responder Responder
	log       *zap.Logger
}

func New(store Writer, responder Responder, log *zap.Logger) *Assistant {
	if log == nil {
		log = zap.NewNop()
	}
	return &Assistant{store: store, responder: responder, log: log.Named("assistant")}
}

// Reply answers prompt in conv and stores the answer as an ai message
// with no sender.
func (a *Assistant) Reply(ctx context.Context, conv *chat.Conversation, prompt string) (*chat.Message, error) {
	if conv.Kind != chat.KindAssistant {
		return nil, ErrNotAssistant
	}
	answer, err := a.responder.Respond(ctx, conv.AssistantModel, prompt)
	if err != nil {
		a.log.Warn("responder failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		return nil, err
	}
	return a.store.CreateMessage(ctx, chat.NewMessage{
		ConversationID: conv.ID,
		Type:           chat.TypeAI,
		Content:        answer,
	})
}
