// Package auth authenticates WebSocket handshakes and HTTP requests. A
// credential is an HS256 JWT carried in the jwt cookie (or an Authorization
// bearer header) whose userId claim names an existing user.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("auth: no token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token expired")
	ErrUnknownUser  = errors.New("auth: unknown user")
	ErrAuthDisabled = errors.New("auth: no secret configured")
)

// Claims is the token payload. Tokens minted by the account service carry
// the user id in userId; sub is accepted as well.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// Subject returns the user id named by the claims.
func (c *Claims) Subject() string {
	if id := strings.TrimSpace(c.UserID); id != "" {
		return id
	}
	return strings.TrimSpace(c.RegisteredClaims.Subject)
}

// JWTVerifier signs and verifies credentials.
type JWTVerifier struct {
	secret []byte
	expiry time.Duration
}

// NewJWTVerifier builds a verifier with the given secret. expiry applies to
// tokens minted by Issue; zero means no expiry.
func NewJWTVerifier(secret string, expiry time.Duration) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), expiry: expiry}
}

// Issue mints a token for userID.
func (v *JWTVerifier) Issue(userID string) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("auth: user id required")
	}

	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if v.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(v.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify checks the signature and expiry of token and returns the user id
// it names.
func (v *JWTVerifier) Verify(token string) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if token == "" {
		return "", ErrNoToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	id := claims.Subject()
	if id == "" {
		return "", ErrInvalidToken
	}
	return id, nil
}
