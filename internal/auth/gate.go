package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/whisper/dm-chat/internal/chat"
	"github.com/whisper/dm-chat/internal/store"
)

// Verifier turns a raw token into a user id.
type Verifier interface {
	Verify(token string) (string, error)
}

// UserLookup resolves a user id. A missing user is store.ErrNotFound.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (*chat.User, error)
}

// Gate runs the one-time handshake check: extract the token, verify it and
// confirm the user exists.
type Gate struct {
	verifier   Verifier
	users      UserLookup
	cookieName string
	logger     *zap.Logger
}

// NewGate creates a Gate reading the credential from cookieName.
func NewGate(verifier Verifier, users UserLookup, cookieName string, logger *zap.Logger) *Gate {
	if cookieName == "" {
		cookieName = "jwt"
	}
	return &Gate{
		verifier:   verifier,
		users:      users,
		cookieName: cookieName,
		logger:     logger.Named("auth"),
	}
}

// Authenticate returns the user behind the request's credential. Errors are
// one of the package sentinels, or a wrapped lookup failure.
func (g *Gate) Authenticate(r *http.Request) (*chat.User, error) {
	token := g.Token(r)
	if token == "" {
		return nil, ErrNoToken
	}

	userID, err := g.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	u, err := g.users.GetUser(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && u == nil) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("auth: lookup user %s: %w", userID, err)
	}
	return u, nil
}

// Token extracts the raw credential from the cookie, falling back to an
// Authorization: Bearer header.
func (g *Gate) Token(r *http.Request) string {
	if c, err := r.Cookie(g.cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Reason maps an Authenticate error to a short label for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrNoToken):
		return "no_token"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrAuthDisabled):
		return "invalid_token"
	case errors.Is(err, ErrUnknownUser):
		return "unknown_user"
	default:
		return "error"
	}
}

// Message returns the client-facing rejection text for err.
func Message(err error) string {
	switch Reason(err) {
	case "no_token":
		return "Unauthorized - No Token Provided"
	case "expired":
		return "Unauthorized - Token Expired"
	case "invalid_token":
		return "Unauthorized - Invalid Token"
	case "unknown_user":
		return "User not found"
	default:
		return "Unauthorized"
	}
}
