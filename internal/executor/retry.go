package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Policy controls retry behavior for one operation.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the proportional random spread applied to each delay,
	// e.g. 0.2 means +/-20%.
	Jitter float64
}

// DefaultPolicy matches the upstream service's tolerance: three attempts with
// exponential backoff from half a second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Class separates errors worth retrying from errors that will not heal.
type Class int

const (
	ClassPermanent Class = iota
	ClassTransient
)

// Transienter lets error types carry their own classification.
type Transienter interface {
	Transient() bool
}

// retryAfterProvider exposes a server-suggested backoff floor (Retry-After).
type retryAfterProvider interface {
	RetryAfter() time.Duration
}

// Classify decides whether an error is transient. Cancellation is permanent
// (retrying a canceled operation is never useful); deadline expiry, network
// timeouts, connection resets, throttling responses, and Postgres
// connection/serialization/resource errors are transient. Everything else is
// permanent.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var t Transienter
	if errors.As(err, &t) {
		if t.Transient() {
			return ClassTransient
		}
		return ClassPermanent
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPgCode(pgErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return ClassTransient
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassTransient
	}

	return ClassPermanent
}

// classifyPgCode maps SQLSTATE classes: 08 connection exceptions, 40
// rollbacks (serialization failures, deadlocks), 53 insufficient resources,
// 57 operator intervention (admin shutdown, statement cancel).
func classifyPgCode(code string) Class {
	if len(code) < 2 {
		return ClassPermanent
	}
	switch code[:2] {
	case "08", "40", "53", "57":
		return ClassTransient
	}
	return ClassPermanent
}

// Retry runs op until it succeeds, fails permanently, or exhausts the policy.
// It returns the number of attempts made alongside the final error. Transient
// failures back off exponentially with jitter; a Retry-After hint on the
// error raises the backoff floor.
func Retry(ctx context.Context, policy Policy, label string, op func(context.Context) error) (int, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, fmt.Errorf("%s aborted: %w", label, lastErr)
		}
		if Classify(lastErr) != ClassTransient {
			return attempt, fmt.Errorf("%s failed: %w", label, lastErr)
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := backoffDelay(policy, attempt, retryAfterHint(lastErr))
		log.Printf("[EXEC] %s attempt %d/%d failed: %v (retrying in %s)", label, attempt, policy.MaxAttempts, lastErr, delay.Round(time.Millisecond))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("%s aborted: %w", label, ctx.Err())
		case <-timer.C:
		}
	}

	return policy.MaxAttempts, fmt.Errorf("%s failed after %d attempts: %w", label, policy.MaxAttempts, lastErr)
}

func backoffDelay(policy Policy, attempt int, floor time.Duration) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	delay := base << shift
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	if policy.Jitter > 0 {
		spread := 1 + policy.Jitter*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * spread)
	}

	if floor > delay {
		delay = floor
	}
	return delay
}

func retryAfterHint(err error) time.Duration {
	var p retryAfterProvider
	if errors.As(err, &p) {
		return p.RetryAfter()
	}
	return 0
}
