package retry

import (
	"errors"
	"fmt"
	"time"
)

// Terminal wraps err to mark it non-retryable: the attempt loop stops
// immediately and reports StatusTerminal. Channel adapters use this for
// failures where retrying is provably futile (invalid token, recipient
// rejected, user not registered).
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{err: err}
}

type terminalError struct{ err error }

func (e terminalError) Error() string { return fmt.Sprintf("terminal: %v", e.err) }
func (e terminalError) Unwrap() error { return e.err }

// IsTerminal reports whether err (or anything it wraps) was marked Terminal.
func IsTerminal(err error) bool {
	var te terminalError
	return errors.As(err, &te)
}

// AfterError carries a retry-delay hint, typically from an upstream 429.
type AfterError interface {
	error
	RetryAfter() time.Duration
}

// After wraps err with a delay hint honored (capped at Policy.MaxDelay)
// before the next attempt.
func After(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	if d <= 0 {
		return err
	}
	return retryAfterError{err: err, after: d}
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string            { return fmt.Sprintf("retry-after %s: %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error            { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
