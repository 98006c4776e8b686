// Package store persists users and messages. The real-time core only needs
// lastSeen writes and the batch seen update; the HTTP API uses the rest.
// PostgreSQL and MongoDB implementations satisfy the same contract.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/whisper/dm-chat/internal/chat"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidReference is returned when a message refers to another
	// record by an id the backend cannot represent.
	ErrInvalidReference = errors.New("store: invalid reference")
)

// UserStore reads account records and maintains lastSeen.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*chat.User, error)
	ListContacts(ctx context.Context, excludeUserID string) ([]chat.User, error)
	// UpdateLastSeen sets lastSeen; nil clears it.
	UpdateLastSeen(ctx context.Context, userID string, at *time.Time) error
}

// MessageStore persists direct messages.
type MessageStore interface {
	// CreateMessage assigns ID and CreatedAt when unset and saves msg.
	CreateMessage(ctx context.Context, msg *chat.Message) error
	// Conversation returns every message between a and b, oldest first.
	Conversation(ctx context.Context, a, b string) ([]chat.Message, error)
	// ChatPartners returns the users userID has exchanged messages with,
	// most recent conversation first.
	ChatPartners(ctx context.Context, userID string) ([]chat.ChatPartner, error)
	// MarkSeen sets seenAt on every unseen message from senderID to
	// receiverID and returns how many changed.
	MarkSeen(ctx context.Context, senderID, receiverID string, at time.Time) (int64, error)
}

// Store is the full persistence collaborator.
type Store interface {
	UserStore
	MessageStore
	Close(ctx context.Context) error
}
