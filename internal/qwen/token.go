package qwen

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry extracts the exp claim from an upstream bearer token without
// verifying the signature. The boolean is false when the token does not
// parse as a JWT or carries no exp claim; such tokens are treated as
// non-expiring.
func TokenExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// TokenExpired reports whether the token's exp claim has passed.
func TokenExpired(token string) bool {
	exp, ok := TokenExpiry(token)
	return ok && time.Now().After(exp)
}

// TokenExpiresWithin reports whether the token expires inside the window.
// Tokens without an exp claim never report true.
func TokenExpiresWithin(token string, window time.Duration) bool {
	exp, ok := TokenExpiry(token)
	if !ok {
		return false
	}
	until := time.Until(exp)
	return until >= 0 && until <= window
}
