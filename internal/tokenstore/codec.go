package tokenstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/wardgate/pkg/portalsdk"
)

// Options configures the persistent stores.
type Options struct {
	// TabID scopes the record. Two portal shells with different tab ids never
	// see each other's tokens.
	TabID string

	// TTL bounds how long a record stays readable (0 means DefaultTTL).
	TTL time.Duration

	// Sealer encrypts token material at rest. Nil stores it in the clear.
	Sealer *Sealer

	Logger *slog.Logger
}

// sealRecord produces the stored form of rec keyed by the fixed field names.
func sealRecord(s *Sealer, tabID string, rec Record) (map[string]string, error) {
	user, err := json.Marshal(rec.User)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user: %w", err)
	}

	plain := map[string]string{
		FieldAccessToken:  rec.Tokens.AccessToken,
		FieldRefreshToken: rec.Tokens.RefreshToken,
		FieldUser:         string(user),
	}

	out := make(map[string]string, len(plain))
	for field, value := range plain {
		sealed, err := s.Seal(value, tabID+"/"+field)
		if err != nil {
			return nil, err
		}
		out[field] = sealed
	}
	return out, nil
}

// openRecord reverses sealRecord. A missing field is treated as corruption.
func openRecord(s *Sealer, tabID string, fields map[string]string, savedAt time.Time) (Record, error) {
	plain := make(map[string]string, 3)
	for _, field := range []string{FieldAccessToken, FieldRefreshToken, FieldUser} {
		value, ok := fields[field]
		if !ok {
			return Record{}, fmt.Errorf("stored record missing %s: %w", field, ErrUnseal)
		}
		opened, err := s.Open(value, tabID+"/"+field)
		if err != nil {
			return Record{}, err
		}
		plain[field] = opened
	}

	var user portalsdk.User
	if err := json.Unmarshal([]byte(plain[FieldUser]), &user); err != nil {
		return Record{}, fmt.Errorf("failed to decode stored user: %w", err)
	}

	return Record{
		Tokens: portalsdk.TokenPair{
			AccessToken:  plain[FieldAccessToken],
			RefreshToken: plain[FieldRefreshToken],
		},
		User:    user,
		SavedAt: savedAt,
	}, nil
}
