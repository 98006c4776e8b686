// Package protocol defines the WebSocket events exchanged between clients and
// the server. Every frame is a JSON envelope {"type": ..., "data": ...}; the
// type selects exactly one concrete payload struct, and required fields are
// checked at the boundary so handlers never see half-decoded events.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeTyping = "typing"
	TypePing   = "ping"
)

// Server -> Client event types.
const (
	TypeSessionCreated = "session:created"
	TypeOnlineUsers    = "getOnlineUsers"
	TypeUserOnline     = "user:online"
	TypeUserOffline    = "user:offline"
	TypeNewMessage     = "newMessage"
	TypeMessagesSeen   = "messagesSeen"
	TypeError          = "error"
	TypePong           = "pong"
)

var (
	// ErrMissingField is wrapped by parse errors for payloads lacking a
	// required field.
	ErrMissingField = errors.New("protocol: missing required field")

	// ErrUnknownType is wrapped by parse errors for event types a client may
	// not send.
	ErrUnknownType = errors.New("protocol: unknown client event type")
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the outer frame of every event.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// TypingMsg tells the server the sender started or stopped typing to a peer.
type TypingMsg struct {
	ToUserID string `json:"toUserId"`
	IsTyping bool   `json:"isTyping"`
}

// PingMsg is a client-initiated keepalive.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent to a connection right after it was admitted.
type SessionCreatedMsg struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// UserOfflineMsg announces that a user's last session closed.
type UserOfflineMsg struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

// ServerTypingMsg relays a peer's typing indicator.
type ServerTypingMsg struct {
	FromUserID string `json:"fromUserId"`
	IsTyping   bool   `json:"isTyping"`
}

// MessagesSeenMsg tells a sender that the named user viewed their messages.
type MessagesSeenMsg struct {
	By string `json:"by"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage decodes raw WebSocket bytes into a typed client event.
// It returns the event type, the decoded payload struct and any error. An
// unknown type, malformed JSON or a missing required field is an error and
// the payload is nil.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("%w: type", ErrMissingField)
	}

	switch env.Type {
	case TypeTyping:
		var raw struct {
			ToUserID *string `json:"toUserId"`
			IsTyping *bool   `json:"isTyping"`
		}
		if err := decodeData(env, &raw); err != nil {
			return env.Type, nil, err
		}
		if raw.ToUserID == nil || *raw.ToUserID == "" {
			return env.Type, nil, fmt.Errorf("%w: toUserId", ErrMissingField)
		}
		if raw.IsTyping == nil {
			return env.Type, nil, fmt.Errorf("%w: isTyping", ErrMissingField)
		}
		return env.Type, TypingMsg{ToUserID: *raw.ToUserID, IsTyping: *raw.IsTyping}, nil

	case TypePing:
		return env.Type, PingMsg{}, nil

	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeData(env Envelope, dst interface{}) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: data", ErrMissingField)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return nil
}

// NewServerMessage encodes a server event. The payload may be any JSON
// value; slices and strings are valid (getOnlineUsers, user:online).
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	out, err := json.Marshal(Envelope{Type: msgType, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// OnlineUsers builds the getOnlineUsers full-state refresh. A nil slice is
// encoded as an empty array.
func OnlineUsers(userIDs []string) ([]byte, error) {
	if userIDs == nil {
		userIDs = []string{}
	}
	return NewServerMessage(TypeOnlineUsers, userIDs)
}

// UserOnline builds the user:online delta.
func UserOnline(userID string) ([]byte, error) {
	return NewServerMessage(TypeUserOnline, userID)
}

// UserOffline builds the user:offline delta.
func UserOffline(userID string, lastSeen time.Time) ([]byte, error) {
	return NewServerMessage(TypeUserOffline, UserOfflineMsg{UserID: userID, LastSeen: lastSeen.UTC()})
}
