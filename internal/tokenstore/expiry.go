package tokenstore

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry returns the exp claim of a JWT without verifying its signature.
// Tokens are opaque to the portal, so ok is false for anything that is not a
// JWT carrying exp.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	if token == "" {
		return time.Time{}, false
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// recordTTL caps limit by the refresh token's remaining lifetime. An exp that
// already passed is ignored; the backend decides whether the token is dead.
func recordTTL(rec Record, limit time.Duration, now time.Time) time.Duration {
	if limit <= 0 {
		limit = DefaultTTL
	}

	exp, ok := TokenExpiry(rec.Tokens.RefreshToken)
	if !ok {
		return limit
	}

	if remaining := exp.Sub(now); remaining > 0 && remaining < limit {
		return remaining
	}
	return limit
}
