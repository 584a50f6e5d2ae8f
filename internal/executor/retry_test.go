package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type flakyError struct {
	transient bool
}

func (e flakyError) Error() string { return "flaky" }

func (e flakyError) Transient() bool { return e.transient }

type throttledError struct {
	after time.Duration
}

func (e throttledError) Error() string { return "throttled" }

func (e throttledError) Transient() bool { return true }

func (e throttledError) RetryAfter() time.Duration { return e.after }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassPermanent},
		{"canceled", context.Canceled, ClassPermanent},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"self-transient", flakyError{transient: true}, ClassTransient},
		{"self-permanent", flakyError{transient: false}, ClassPermanent},
		{"wrapped-transient", fmt.Errorf("call failed: %w", flakyError{transient: true}), ClassTransient},
		{"pg-serialization", &pgconn.PgError{Code: "40001"}, ClassTransient},
		{"pg-connection", &pgconn.PgError{Code: "08006"}, ClassTransient},
		{"pg-unique-violation", &pgconn.PgError{Code: "23505"}, ClassPermanent},
		{"conn-reset", fmt.Errorf("write: %w", syscall.ECONNRESET), ClassTransient},
		{"unexpected-eof", io.ErrUnexpectedEOF, ClassTransient},
		{"plain", errors.New("boom"), ClassPermanent},
	}

	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("%s: Classify = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	calls := 0
	attempts, err := Retry(context.Background(), policy, "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return flakyError{transient: true}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("expected 3 attempts, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}

	boom := errors.New("constraint violation")
	calls := 0
	attempts, err := Retry(context.Background(), policy, "op", func(ctx context.Context) error {
		calls++
		return boom
	})
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped permanent error, got %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Fatalf("permanent errors must not be retried: attempts=%d calls=%d", attempts, calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	calls := 0
	attempts, err := Retry(context.Background(), policy, "op", func(ctx context.Context) error {
		calls++
		return flakyError{transient: true}
	})
	if err == nil {
		t.Fatalf("expected exhaustion error")
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got attempts=%d calls=%d", attempts, calls)
	}
	var flaky flakyError
	if !errors.As(err, &flaky) {
		t.Fatalf("exhaustion error must wrap the last failure: %v", err)
	}
}

func TestRetryStopsWhenContextEnds(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	attempts, err := Retry(ctx, policy, "op", func(ctx context.Context) error {
		calls++
		cancel()
		return flakyError{transient: true}
	})
	if err == nil || !errors.Is(err, flakyError{transient: true}) {
		t.Fatalf("expected aborted error wrapping the last failure, got %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Fatalf("cancellation must stop retries: attempts=%d calls=%d", attempts, calls)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond}

	wants := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond, // capped
	}
	for i, want := range wants {
		if got := backoffDelay(policy, i+1, 0); got != want {
			t.Errorf("attempt %d: delay %s, want %s", i+1, got, want)
		}
	}
}

func TestBackoffDelayHonorsRetryAfterFloor(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}

	if got := backoffDelay(policy, 1, time.Second); got != time.Second {
		t.Fatalf("Retry-After must raise the floor: got %s", got)
	}
}

func TestBackoffDelayJitterStaysInSpread(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.2}

	for i := 0; i < 50; i++ {
		got := backoffDelay(policy, 1, 0)
		if got < 80*time.Millisecond || got > 120*time.Millisecond {
			t.Fatalf("jittered delay %s outside +/-20%% of base", got)
		}
	}
}

func TestRetryAfterHint(t *testing.T) {
	wrapped := fmt.Errorf("fetch failed: %w", throttledError{after: 7 * time.Second})
	if got := retryAfterHint(wrapped); got != 7*time.Second {
		t.Fatalf("expected hint through wrapping, got %s", got)
	}
	if got := retryAfterHint(errors.New("plain")); got != 0 {
		t.Fatalf("expected zero hint for plain errors, got %s", got)
	}
}
