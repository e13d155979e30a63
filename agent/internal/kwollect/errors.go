package kwollect

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// ErrInvalidWindow is returned by Fetch when from is after to.
var ErrInvalidWindow = errors.New("kwollect: invalid time window")

// maxBodyExcerpt bounds how much of an error response body is kept.
const maxBodyExcerpt = 512

// TransportError reports a non-2xx response from the API.
type TransportError struct {
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// AuthError reports rejected credentials (401/403). Retrying will not help
// until the configuration changes.
type AuthError struct {
	Err *TransportError
}

func (e *AuthError) Error() string {
	return "authentication rejected: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError reports a failure that may succeed on the next attempt:
// connection errors, timeouts and non-auth error statuses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// DecodeError reports a response body that is not a JSON array.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode: " + e.Reason
	}
	return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying without a config change.
func IsRetryable(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classifyStatus wraps a non-2xx response in the matching error type.
func classifyStatus(status int, body []byte) error {
	excerpt := string(body)
	if len(excerpt) > maxBodyExcerpt {
		cut := maxBodyExcerpt
		for cut > 0 && !utf8.RuneStart(excerpt[cut]) {
			cut--
		}
		excerpt = excerpt[:cut]
	}
	te := &TransportError{StatusCode: status, Body: excerpt}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Err: te}
	default:
		return &TransientError{Err: te}
	}
}
