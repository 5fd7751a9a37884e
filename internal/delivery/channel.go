// Package delivery drives the email leg of notifications: a background
// worker claims due rows, sends through an EmailTransport, and records the
// outcome. Transient failures retry with exponential backoff inside a
// bounded attempt budget; permanent failures short-circuit. Failures are
// recorded on the row, never raised past the worker.
package delivery

import (
	"context"
	"errors"
	"fmt"
)

// EmailTransport sends one rendered email. Implementations must classify
// failures as transient or permanent via TransientError/PermanentError so
// the worker can apply the retry policy.
type EmailTransport interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// TransientError marks a delivery failure worth retrying (network, timeout,
// 4xx SMTP responses).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient delivery error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a terminal delivery failure (rejected recipient,
// malformed address). It consumes no further retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent delivery error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as terminal.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its
// chain. Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
