// Package alert forwards messages addressed to the administrative user to an
// out-of-band channel. The relay is fire-and-forget: the send path only
// enqueues, and a full queue drops the alert.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Alert describes one message sent to the administrator.
type Alert struct {
	MessageID string    `json:"messageId"`
	FromID    string    `json:"fromId"`
	From      string    `json:"from"` // sender display name
	Text      string    `json:"text,omitempty"`
	HasImage  bool      `json:"hasImage,omitempty"`
	At        time.Time `json:"at"`
}

// Sink delivers an alert somewhere a human will see it.
type Sink interface {
	Send(ctx context.Context, a Alert) error
}

// Format renders an alert as a Markdown chat message.
func Format(a Alert) string {
	from := a.From
	if from == "" {
		from = "Unknown"
	}

	var b strings.Builder
	b.WriteString("📩 *New Message*\n")
	fmt.Fprintf(&b, "From: *%s*\n\n", from)
	switch {
	case a.Text != "":
		b.WriteString(a.Text)
	case a.HasImage:
		b.WriteString("📷 Image received")
	}
	return b.String()
}

// Encode serializes an alert for the alert.admin subject.
func Encode(a Alert) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("alert: encode: %w", err)
	}
	return data, nil
}

// Decode parses an alert published on the alert.admin subject.
func Decode(data []byte) (Alert, error) {
	var a Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return Alert{}, fmt.Errorf("alert: decode: %w", err)
	}
	return a, nil
}
