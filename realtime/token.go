package realtime

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// signToken issues the HS256 token that accompanies the auth frame.
func signToken(secret, credential string, now time.Time, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	claims := jwt.RegisteredClaims{
		Subject:   credential,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
