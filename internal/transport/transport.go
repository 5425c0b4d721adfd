// Package transport exposes the decentralized messaging protocol to the
// sync engine. The default backend is an in-memory network used by tests
// and local development; a go-waku backend is selected with the
// real_waku build tag.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"aim-chat/inbox-engine/internal/identity"
	"aim-chat/inbox-engine/pkg/models"
)

var (
	ErrUnknownInbox           = errors.New("inbox is not known to the network")
	ErrConversationNotFound   = errors.New("conversation not found")
	ErrNotAMember             = errors.New("inbox is not a member of the conversation")
	ErrClientClosed           = errors.New("transport client is closed")
	ErrStreamClosed           = errors.New("transport stream closed")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrInvalidConversationArg = errors.New("invalid conversation argument")
)

type ListOptions struct {
	After   time.Time
	Before  time.Time
	Limit   int
	Consent []models.ConsentState
}

// Client is one inbox's view of the network.
type Client interface {
	InboxID() string
	InstallationID() string

	ListConversations(ctx context.Context, opts ListOptions) ([]Conversation, error)
	SyncAllConversations(ctx context.Context, consent []models.ConsentState) (int, error)
	FindConversation(ctx context.Context, conversationID string) (Conversation, error)

	StreamConversations(ctx context.Context, kinds []models.ConversationKind) (*ConversationStream, error)
	StreamAllMessages(ctx context.Context, kinds []models.ConversationKind, consent []models.ConsentState) (*MessageStream, error)

	CreateGroup(ctx context.Context, name string, memberInboxIDs []string) (Conversation, error)
	CreateDM(ctx context.Context, peerInboxID string) (Conversation, error)

	Close() error
}

// Conversation is a per-conversation handle scoped to the viewing inbox.
type Conversation interface {
	ID() string
	Kind() models.ConversationKind
	Name() string
	CreatorInboxID() string
	CreatedAt() time.Time
	InviteTag() string

	Members(ctx context.Context) ([]models.Member, error)
	AddMembers(ctx context.Context, inboxIDs []string) error

	ConsentState(ctx context.Context) (models.ConsentState, error)
	UpdateConsentState(ctx context.Context, state models.ConsentState) error

	AddMemberPermission(ctx context.Context) (models.PermissionLevel, error)
	UpdateAddMemberPermission(ctx context.Context, level models.PermissionLevel) error
	EnsureInviteTag(ctx context.Context) (string, error)

	MessagesSince(ctx context.Context, sinceNs int64) ([]models.Message, error)
	RecentMessages(ctx context.Context, limit int) ([]models.Message, error)
	Send(ctx context.Context, text string) (models.Message, error)

	Snapshot() models.Conversation
}

// Dialer builds or creates transport clients for an identity. Build is
// the optimistic path for an inbox the network has already seen; Create
// registers the inbox first.
type Dialer interface {
	Build(ctx context.Context, id *identity.Identity) (Client, error)
	Create(ctx context.Context, id *identity.Identity) (Client, error)
}

// MessageStream delivers messages in order until closed; after C is
// closed, Err reports why the stream ended (nil for local Close).
type MessageStream struct {
	C <-chan models.Message

	mu     sync.Mutex
	err    error
	closed bool
	stop   func()
}

func NewMessageStream(ch <-chan models.Message, stop func()) *MessageStream {
	return &MessageStream{C: ch, stop: stop}
}

func (s *MessageStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *MessageStream) Fail(err error) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.err = err
	}
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *MessageStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ConversationStream mirrors MessageStream for conversation events.
type ConversationStream struct {
	C <-chan Conversation

	mu     sync.Mutex
	err    error
	closed bool
	stop   func()
}

func NewConversationStream(ch <-chan Conversation, stop func()) *ConversationStream {
	return &ConversationStream{C: ch, stop: stop}
}

func (s *ConversationStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *ConversationStream) Fail(err error) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.err = err
	}
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *ConversationStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func matchKind(kinds []models.ConversationKind, kind models.ConversationKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func matchConsent(filter []models.ConsentState, state models.ConsentState) bool {
	if len(filter) == 0 {
		return true
	}
	for _, s := range filter {
		if s == state {
			return true
		}
	}
	return false
}
