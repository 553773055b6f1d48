package retry

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"
)

func testPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	var observed []error
	res := Do(context.Background(), testPolicy(), time.Time{}, nil,
		func(ctx context.Context, attempt int) error { return nil },
		func(attempt int, err error) { observed = append(observed, err) },
	)
	if res.Status != StatusOK || res.Attempts != 1 || res.Err != nil {
		t.Fatalf("Result = %+v, want StatusOK with 1 attempt", res)
	}
	if len(observed) != 1 || observed[0] != nil {
		t.Fatalf("onAttempt calls = %v, want one nil", observed)
	}
}

func TestDoRecoversAfterTransientFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	res := Do(context.Background(), testPolicy(), time.Time{}, nil,
		func(ctx context.Context, attempt int) error {
			calls++
			if calls < 3 {
				return errors.New("connection reset")
			}
			return nil
		}, nil)
	if res.Status != StatusOK || res.Attempts != 3 {
		t.Fatalf("Result = %+v, want StatusOK after 3 attempts", res)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0
	res := Do(context.Background(), testPolicy(), time.Time{}, nil,
		func(ctx context.Context, attempt int) error {
			calls++
			return boom
		}, nil)
	if res.Status != StatusExhausted {
		t.Fatalf("Status = %v, want StatusExhausted", res.Status)
	}
	if res.Attempts != 3 || calls != 3 {
		t.Fatalf("attempts = %d (calls %d), want exactly 3", res.Attempts, calls)
	}
	if !errors.Is(res.Err, boom) {
		t.Fatalf("Err = %v, want wrapped boom", res.Err)
	}
}

func TestDoStopsOnTerminalError(t *testing.T) {
	t.Parallel()

	cause := errors.New("invalid device token")
	calls := 0
	res := Do(context.Background(), testPolicy(), time.Time{}, nil,
		func(ctx context.Context, attempt int) error {
			calls++
			return Terminal(cause)
		}, nil)
	if res.Status != StatusTerminal {
		t.Fatalf("Status = %v, want StatusTerminal", res.Status)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retries after terminal)", calls)
	}
	if res.Err != cause {
		t.Fatalf("Err = %v, want unwrapped cause", res.Err)
	}
}

func TestDoExpiredBeforeFirstAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	res := Do(context.Background(), testPolicy(), time.Now().Add(-time.Second), nil,
		func(ctx context.Context, attempt int) error {
			calls++
			return nil
		}, nil)
	if res.Status != StatusExpired {
		t.Fatalf("Status = %v, want StatusExpired", res.Status)
	}
	if calls != 0 || res.Attempts != 0 {
		t.Fatalf("calls = %d attempts = %d, want zero of both", calls, res.Attempts)
	}
}

func TestDoExpiresBetweenAttempts(t *testing.T) {
	t.Parallel()

	pol := testPolicy()
	pol.BaseDelay = 500 * time.Millisecond
	pol.MaxDelay = time.Second

	calls := 0
	res := Do(context.Background(), pol, time.Now().Add(50*time.Millisecond), nil,
		func(ctx context.Context, attempt int) error {
			calls++
			return errors.New("timeout")
		}, nil)
	if res.Status != StatusExpired {
		t.Fatalf("Status = %v, want StatusExpired", res.Status)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (delay outlives expiry)", calls)
	}
}

func TestDoHonorsRetryAfterHint(t *testing.T) {
	t.Parallel()

	pol := testPolicy()
	pol.Jitter = 0

	start := time.Now()
	calls := 0
	res := Do(context.Background(), pol, time.Time{}, nil,
		func(ctx context.Context, attempt int) error {
			calls++
			if calls == 1 {
				return After(errors.New("too many requests"), 60*time.Millisecond)
			}
			return nil
		}, nil)
	if res.Status != StatusOK || res.Attempts != 2 {
		t.Fatalf("Result = %+v, want StatusOK after 2 attempts", res)
	}
	if elapsed := time.Since(start); elapsed < 55*time.Millisecond {
		t.Fatalf("elapsed = %v, want >= retry-after hint", elapsed)
	}
}

func TestDoCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Do(ctx, testPolicy(), time.Time{}, nil,
		func(ctx context.Context, attempt int) error { return nil }, nil)
	if res.Status != StatusCanceled || res.Attempts != 0 {
		t.Fatalf("Result = %+v, want StatusCanceled with 0 attempts", res)
	}
}

func TestBackoffDelayGrowthAndJitterBounds(t *testing.T) {
	t.Parallel()

	pol := Policy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}.WithDefaults()
	rng := rand.New(rand.NewSource(1))

	tests := []struct {
		attempt int
		nominal time.Duration
	}{
		{attempt: 1, nominal: 100 * time.Millisecond},
		{attempt: 2, nominal: 200 * time.Millisecond},
		{attempt: 3, nominal: 400 * time.Millisecond},
		{attempt: 4, nominal: 800 * time.Millisecond},
		{attempt: 5, nominal: time.Second}, // capped
	}
	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := backoffDelay(pol, tt.attempt, errors.New("x"), rng)
			lo := time.Duration(float64(tt.nominal) * 0.8)
			hi := time.Duration(float64(tt.nominal) * 1.2)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", tt.attempt, d, lo, hi)
			}
		}
	}
}

func TestIsTerminalUnwrapsNesting(t *testing.T) {
	t.Parallel()

	inner := Terminal(errors.New("gone"))
	wrapped := errors.Join(errors.New("channel push"), inner)
	if !IsTerminal(wrapped) {
		t.Fatalf("IsTerminal(wrapped) = false, want true")
	}
	if IsTerminal(errors.New("plain")) {
		t.Fatalf("IsTerminal(plain) = true, want false")
	}
	if Terminal(nil) != nil {
		t.Fatalf("Terminal(nil) != nil")
	}
	if After(nil, time.Second) != nil {
		t.Fatalf("After(nil) != nil")
	}
}
