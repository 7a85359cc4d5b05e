package gateway

import (
	"sync"

	"github.com/google/uuid"

	"go-chat/internal/chat"
)

type State int

const (
	Connecting State = iota
	Authenticated
	Joined
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Joined:
		return "joined"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Session is one authenticated connection. Outbound events queue on a
// bounded buffer; a session that falls behind is closed instead of
// slowing down the rooms it is in.
type Session struct {
	id       string
	userID   string
	username string

	mu           sync.Mutex
	state        State
	conversation *chat.Conversation

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	cleanup   sync.Once
}

func newSession(userID, username string, buffer int) *Session {
	return &Session{
		id:       uuid.NewString(),
		userID:   userID,
		username: username,
		state:    Authenticated,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) UserID() string   { return s.userID }
func (s *Session) Username() string { return s.username }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversation is the joined conversation, or nil before a join.
func (s *Session) Conversation() *chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversation
}

// enter moves an authenticated session into conv and runs join while the
// state is held, so a concurrent close cannot miss the membership.
func (s *Session) enter(conv *chat.Conversation, join func() bool) (first bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Authenticated {
		return false, false
	}
	s.state = Joined
	s.conversation = conv
	return join(), true
}

// exit marks the session closed and, if it was joined, runs leave for
// the conversation it was in.
func (s *Session) exit(leave func(conv *chat.Conversation) bool) (last bool, conv *chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = Closed
	if prev == Joined && s.conversation != nil {
		return leave(s.conversation), s.conversation
	}
	return false, nil
}

// Send queues payload without blocking. A full buffer closes the session.
func (s *Session) Send(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		s.Close()
		return false
	}
}

// Outbound is the queue the write pump drains.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close stops delivery. It does not leave rooms; Gateway.Close does.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
