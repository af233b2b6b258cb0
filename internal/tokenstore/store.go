// Package tokenstore persists the tab's token pair and minimal identity.
//
// Records are scoped to a tab id and expire after a session TTL, so they
// survive a reload of the portal but are not kept for multi-day recall.
package tokenstore

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/wardgate/pkg/portalsdk"
)

// DefaultTTL bounds how long a saved record stays readable.
const DefaultTTL = 12 * time.Hour

// Field names used by every backend.
const (
	FieldAccessToken  = "access_token"
	FieldRefreshToken = "refresh_token"
	FieldUser         = "user"
	FieldSavedAt      = "saved_at"
)

// ErrNotFound is returned by Read when nothing (unexpired) is stored.
var ErrNotFound = errors.New("tokenstore: no stored session")

// Record is what the store holds for a tab.
type Record struct {
	Tokens  portalsdk.TokenPair
	User    portalsdk.User
	SavedAt time.Time
}

// Store persists a single Record per tab. Clear is idempotent.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Read(ctx context.Context) (Record, error)
	Clear(ctx context.Context) error
}

// AccessTokenSource exposes the stored access token to the API client and the
// realtime channel. An empty store yields an empty token, not an error.
func AccessTokenSource(s Store) portalsdk.TokenSourceFunc {
	return func(ctx context.Context) (string, error) {
		rec, err := s.Read(ctx)
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return rec.Tokens.AccessToken, nil
	}
}
