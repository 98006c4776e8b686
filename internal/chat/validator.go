package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxTextChars  = 2000 // max character count for text and reply snippets
	MaxImageBytes = 5 << 20
)

var (
	ErrEmptyMessage   = errors.New("message text or image is required")
	ErrTextTooLong    = fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	ErrInvalidUTF8    = errors.New("message contains invalid UTF-8")
	ErrImageTooLarge  = errors.New("image payload too large")
	ErrReplyMissingID = errors.New("replyTo.messageId is required")
	ErrSelfMessage    = errors.New("cannot send message to yourself")
)

// NormalizeText trims surrounding whitespace the way the message store does
// before persisting.
func NormalizeText(text string) string {
	return strings.TrimSpace(text)
}

// ValidateText checks a single text field against the content limits.
func ValidateText(text string) error {
	if !utf8.ValidString(text) {
		return ErrInvalidUTF8
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return ErrTextTooLong
	}
	return nil
}

// ValidateMessage checks that a message about to be sent meets content
// requirements. Text is expected to be normalized already.
func ValidateMessage(senderID, receiverID, text, image string, reply *ReplyTo) error {
	if senderID == receiverID {
		return ErrSelfMessage
	}
	if text == "" && image == "" {
		return ErrEmptyMessage
	}
	if err := ValidateText(text); err != nil {
		return err
	}
	if len(image) > MaxImageBytes {
		return ErrImageTooLarge
	}
	if reply != nil {
		if strings.TrimSpace(reply.MessageID) == "" {
			return ErrReplyMissingID
		}
		if err := ValidateText(reply.Text); err != nil {
			return fmt.Errorf("replyTo: %w", err)
		}
	}
	return nil
}
