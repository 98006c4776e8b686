// Package chat defines the direct-message records exchanged between the
// persistence layer, the HTTP API and the real-time core: users, messages,
// reply snippets and chat partner summaries.
package chat

import "time"

// User is the public view of an account. Credentials never leave the store.
type User struct {
	ID         string     `json:"_id"`
	FullName   string     `json:"fullName"`
	Email      string     `json:"email"`
	ProfilePic string     `json:"profilePic"`
	LastSeen   *time.Time `json:"lastSeen"` // nil while the user has a live session
	CreatedAt  time.Time  `json:"createdAt"`
}

// ReplyTo is the snippet of the message being replied to, copied into the
// reply at send time so history renders without a second lookup.
type ReplyTo struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text,omitempty"`
	SenderID  string `json:"senderId,omitempty"`
}

// Message is a persisted direct message.
type Message struct {
	ID         string     `json:"_id"`
	SenderID   string     `json:"senderId"`
	ReceiverID string     `json:"receiverId"`
	Text       string     `json:"text,omitempty"`
	Image      string     `json:"image,omitempty"`
	ReplyTo    *ReplyTo   `json:"replyTo"`
	CreatedAt  time.Time  `json:"createdAt"`
	SeenAt     *time.Time `json:"seenAt"` // set once, never cleared
}

// Seen reports whether the receiver has viewed the message.
func (m *Message) Seen() bool {
	return m.SeenAt != nil
}

// Involves reports whether userID is the sender or the receiver.
func (m *Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// LastMessage summarises the most recent message of a conversation.
type LastMessage struct {
	Text      string    `json:"text"`
	Image     *string   `json:"image"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatPartner is a user the caller has exchanged messages with, together
// with the latest message between them.
type ChatPartner struct {
	User
	LastMessage *LastMessage `json:"lastMessage"`
}

// Summarize builds the LastMessage view of m.
func Summarize(m *Message) *LastMessage {
	if m == nil {
		return nil
	}
	lm := &LastMessage{Text: m.Text, CreatedAt: m.CreatedAt}
	if m.Image != "" {
		img := m.Image
		lm.Image = &img
	}
	return lm
}
