// Package retry runs a single operation through a bounded, jittered
// exponential-backoff attempt loop.
//
// Classification drives the loop: plain errors are transient and retried,
// errors marked with Terminal stop it, and AfterError hints stretch the
// next delay. The loop also aborts when the request's expiry passes, so a
// stale notification never burns further attempts.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy bounds one attempt loop.
//
// Zero fields take defaults: 3 attempts, 500ms base, 30s cap,
// multiplier 2.0. Jitter is taken as-is (0 disables it); the config
// layer defaults it to 0.2 (+/-20%).
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         float64
	AttemptTimeout time.Duration // 0 disables the per-attempt deadline
}

func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

type Status int

const (
	// StatusOK: op returned nil.
	StatusOK Status = iota
	// StatusTerminal: op returned a Terminal-marked error.
	StatusTerminal
	// StatusExhausted: MaxAttempts transient failures.
	StatusExhausted
	// StatusExpired: expiry passed before (or between) attempts.
	StatusExpired
	// StatusCanceled: ctx canceled.
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTerminal:
		return "terminal"
	case StatusExhausted:
		return "exhausted"
	case StatusExpired:
		return "expired"
	case StatusCanceled:
		return "canceled"
	}
	return "unknown"
}

type Result struct {
	Status   Status
	Attempts int
	Err      error // last error; unwrapped for StatusTerminal
}

// Do runs op until it succeeds, fails terminally, exhausts the policy,
// outlives expiresAt, or ctx is canceled.
//
// onAttempt (optional) observes every finished attempt, success included,
// before the loop decides what to do next; audit hooks live there.
//
// rng may be nil; callers on hot paths pass a per-worker source to avoid
// contention on the global one.
func Do(ctx context.Context, pol Policy, expiresAt time.Time, rng *rand.Rand,
	op func(ctx context.Context, attempt int) error,
	onAttempt func(attempt int, err error),
) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	pol = pol.WithDefaults()
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return Result{Status: StatusCanceled, Attempts: attempts, Err: err}
		}
		if !expiresAt.IsZero() && !time.Now().Before(expiresAt) {
			return Result{Status: StatusExpired, Attempts: attempts, Err: context.DeadlineExceeded}
		}

		attempts++
		err := runAttempt(ctx, pol.AttemptTimeout, attempts, op)
		if onAttempt != nil {
			onAttempt(attempts, err)
		}

		if err == nil {
			return Result{Status: StatusOK, Attempts: attempts}
		}

		var te terminalError
		if errors.As(err, &te) {
			return Result{Status: StatusTerminal, Attempts: attempts, Err: te.Unwrap()}
		}
		if attempts >= pol.MaxAttempts {
			return Result{Status: StatusExhausted, Attempts: attempts, Err: err}
		}

		delay := backoffDelay(pol, attempts, err, rng)

		// A retry scheduled past the expiry can never send; stop here rather
		// than sleeping into a dead deadline.
		if !expiresAt.IsZero() && time.Now().Add(delay).After(expiresAt) {
			return Result{Status: StatusExpired, Attempts: attempts, Err: err}
		}

		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return Result{Status: StatusCanceled, Attempts: attempts, Err: ctx.Err()}
		case <-tmr.C:
		}
	}
}

func runAttempt(ctx context.Context, timeout time.Duration, attempt int, op func(ctx context.Context, attempt int) error) error {
	if timeout <= 0 {
		return op(ctx, attempt)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(actx, attempt)
}

// backoffDelay computes base * multiplier^(attempt-1), capped, then honors a
// RetryAfter hint (also capped) and applies symmetric jitter.
func backoffDelay(pol Policy, attempt int, err error, rng *rand.Rand) time.Duration {
	d := pol.BaseDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * pol.Multiplier)
		if d >= pol.MaxDelay {
			d = pol.MaxDelay
			break
		}
	}
	if d > pol.MaxDelay {
		d = pol.MaxDelay
	}

	var ra AfterError
	if errors.As(err, &ra) {
		if hint := ra.RetryAfter(); hint > 0 {
			d = hint
			if d > pol.MaxDelay {
				d = pol.MaxDelay
			}
		}
	}

	if pol.Jitter > 0 {
		r := (rng.Float64()*2 - 1) * pol.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	return d
}
