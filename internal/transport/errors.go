package transport

import (
	"errors"
	"fmt"
	"time"
)

// TransientError is a send failure worth retrying: rate limits, timeouts,
// server errors and network faults. RetryAfter carries the server's hint, if any.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("transient (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a send failure that will not succeed on retry: the chat
// is gone, the bot was kicked, or it lacks rights.
type PermanentError struct {
	Err    error
	Reason string
}

func (e *PermanentError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("permanent (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &TransientError{Err: err, RetryAfter: retryAfter}
}

func Permanent(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err, Reason: reason}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RetryAfterHint returns the server-provided delay carried by err.
func RetryAfterHint(err error) (time.Duration, bool) {
	var te *TransientError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter, true
	}
	return 0, false
}
