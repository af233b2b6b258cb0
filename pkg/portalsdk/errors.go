package portalsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a backend-reported failure.
type Kind string

const (
	// KindUnauthorized is a 401: the bearer token is missing, expired or revoked.
	KindUnauthorized Kind = "unauthorized"
	// KindForbidden is a 403: authenticated but not allowed.
	KindForbidden Kind = "forbidden"
	// KindValidation is any other 4xx, e.g. bad login credentials.
	KindValidation Kind = "validation_failed"
	// KindServer is any 5xx.
	KindServer Kind = "server_fault"
)

// ErrNetworkUnreachable matches every *NetworkError via errors.Is.
var ErrNetworkUnreachable = errors.New("network unreachable")

// APIError is a failure reported by the backend with a status >= 400.
type APIError struct {
	StatusCode int
	Kind       Kind
	Message    string
	RequestID  string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

// NetworkError means no response was received: DNS, refused connections,
// resets and timeouts all land here.
type NetworkError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network unreachable: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetworkUnreachable }

// IsUnauthorized reports whether err is a backend 401.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindUnauthorized
}

// IsServerFault reports whether err is a backend 5xx.
func IsServerFault(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindServer
}

// IsNetwork reports whether err means the backend could not be reached.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetworkUnreachable)
}

// kindForStatus maps an HTTP status >= 400 to its Kind.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status >= 500:
		return KindServer
	default:
		return KindValidation
	}
}

// parseErrorResponse turns an error response into an *APIError, taking the
// message from the JSON body when there is one.
func parseErrorResponse(resp *http.Response, body []byte) error {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Kind:       kindForStatus(resp.StatusCode),
	}
	if resp.Request != nil {
		apiErr.RequestID = resp.Request.Header.Get("X-Request-ID")
	}

	var payload struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Message != "":
			apiErr.Message = payload.Message
		default:
			// Some routes answer {"error": "..."} instead of {"message": "..."}
			if s, ok := payload.Error.(string); ok && s != "" {
				apiErr.Message = s
			}
		}
	}

	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("request failed with status %d", resp.StatusCode)
	}

	return apiErr
}
