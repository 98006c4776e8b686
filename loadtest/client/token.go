package client

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token mints a credential for userID the way the account service does:
// HS256 with the user id in the userId claim.
func Token(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"userId": userID,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
