package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/millillitre/alumet/agent/internal/kwollect"
)

// Lifecycle misuse.
var (
	ErrNotStarted     = errors.New("source: not started")
	ErrAlreadyStarted = errors.New("source: already started")
	ErrStopped        = errors.New("source: stopped")
	ErrPollInProgress = errors.New("source: poll already in progress")
)

// Kind classifies why a poll failed.
type Kind string

const (
	// KindTransient covers timeouts, connection failures and 5xx/4xx statuses
	// other than 401/403. The next poll retries the same window.
	KindTransient Kind = "transient"
	// KindAuth means the API rejected the credentials (401/403). Polls keep
	// failing until the configuration changes.
	KindAuth Kind = "auth"
	// KindDecode means the response body was not a JSON array.
	KindDecode Kind = "decode"
	// KindTransport is an error status that fits no other kind.
	KindTransport Kind = "transport"
	// KindSink means the downstream sink refused the batch.
	KindSink Kind = "sink"
	// KindCanceled means the poll was aborted by Stop or by the caller.
	KindCanceled Kind = "canceled"
	// KindBusy means the trigger was dropped because a poll was in flight.
	KindBusy Kind = "busy"
)

// PollError is the structured failure report of one poll. The watermark is
// never advanced by a poll that returns a PollError.
type PollError struct {
	PollID string
	Kind   Kind
	Window Window
	Err    error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll %s: %s: %v", e.PollID, e.Kind, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// KindOf returns the Kind of a poll error, or "" when err is not a *PollError.
func KindOf(err error) Kind {
	var pe *PollError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// RecordRejected reports one record that failed validation. It is counted
// and skipped; it never fails the poll.
type RecordRejected struct {
	Field  string
	Reason string
}

func (e *RecordRejected) Error() string {
	return fmt.Sprintf("record rejected: %s: %s", e.Field, e.Reason)
}

// classify maps a fetch error to a Kind. ctx is the poll context: a
// cancellation observed there wins over whatever the client reported.
func classify(ctx context.Context, err error) Kind {
	if errors.Is(ctx.Err(), context.Canceled) {
		return KindCanceled
	}

	var (
		authErr      *kwollect.AuthError
		decodeErr    *kwollect.DecodeError
		transientErr *kwollect.TransientError
		transportErr *kwollect.TransportError
	)
	switch {
	case errors.As(err, &authErr):
		return KindAuth
	case errors.As(err, &decodeErr):
		return KindDecode
	case errors.As(err, &transientErr):
		return KindTransient
	case errors.As(err, &transportErr):
		return KindTransport
	default:
		// Unknown fetcher failures are treated like network failures.
		return KindTransient
	}
}
