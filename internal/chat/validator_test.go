package chat

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		sender  string
		recv    string
		text    string
		image   string
		reply   *ReplyTo
		wantErr error
	}{
		{name: "text only", sender: "a", recv: "b", text: "hello"},
		{name: "image only", sender: "a", recv: "b", image: "https://cdn.example.com/x.png"},
		{name: "empty", sender: "a", recv: "b", wantErr: ErrEmptyMessage},
		{name: "self", sender: "a", recv: "a", text: "hi", wantErr: ErrSelfMessage},
		{name: "too long", sender: "a", recv: "b", text: strings.Repeat("x", MaxTextChars+1), wantErr: ErrTextTooLong},
		{name: "exactly max", sender: "a", recv: "b", text: strings.Repeat("é", MaxTextChars)},
		{name: "invalid utf8", sender: "a", recv: "b", text: "bad\xff", wantErr: ErrInvalidUTF8},
		{name: "reply without id", sender: "a", recv: "b", text: "hi", reply: &ReplyTo{Text: "orig"}, wantErr: ErrReplyMissingID},
		{name: "reply ok", sender: "a", recv: "b", text: "hi", reply: &ReplyTo{MessageID: "m1", Text: "orig", SenderID: "b"}},
		{name: "reply too long", sender: "a", recv: "b", text: "hi", reply: &ReplyTo{MessageID: "m1", Text: strings.Repeat("x", MaxTextChars+1)}, wantErr: ErrTextTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.sender, tt.recv, tt.text, tt.image, tt.reply)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNormalizeText(t *testing.T) {
	if got := NormalizeText("  hi there \n"); got != "hi there" {
		t.Errorf("expected trimmed text, got %q", got)
	}
}

func TestSummarize(t *testing.T) {
	if Summarize(nil) != nil {
		t.Fatal("expected nil summary for nil message")
	}

	now := time.Now()
	lm := Summarize(&Message{Text: "hey", CreatedAt: now})
	if lm.Text != "hey" || lm.Image != nil || !lm.CreatedAt.Equal(now) {
		t.Errorf("unexpected summary: %+v", lm)
	}

	lm = Summarize(&Message{Image: "https://cdn.example.com/a.png", CreatedAt: now})
	if lm.Image == nil || *lm.Image != "https://cdn.example.com/a.png" {
		t.Errorf("expected image in summary, got %+v", lm)
	}
}

func TestMessageSeenAndInvolves(t *testing.T) {
	m := &Message{SenderID: "a", ReceiverID: "b"}
	if m.Seen() {
		t.Error("fresh message should be unseen")
	}
	now := time.Now()
	m.SeenAt = &now
	if !m.Seen() {
		t.Error("expected seen after SeenAt set")
	}
	if !m.Involves("a") || !m.Involves("b") || m.Involves("c") {
		t.Error("Involves returned wrong result")
	}
}
