package session

import "errors"

var (
	// ErrAuthRequired means the call needs a session and none could be
	// established or kept (no stored token, or the refresh was rejected).
	ErrAuthRequired = errors.New("session: authentication required")

	// ErrRefreshFailed wraps the reason a token refresh did not succeed.
	ErrRefreshFailed = errors.New("session: token refresh failed")

	// ErrSuperseded is returned when a logout (or a newer login) landed while
	// the operation was in flight. Its result was discarded.
	ErrSuperseded = errors.New("session: superseded by a newer session change")

	// ErrInvalidIdentity means the backend returned an identity without a
	// usable id or role.
	ErrInvalidIdentity = errors.New("session: backend returned an invalid identity")
)
