package fetch

import (
	"context"
	"math"
	"sync"
	"time"
)

// Limiter paces requests to a source service. The rate decreases
// multiplicatively when the service pushes back and recovers additively
// while calls stay clean, so a throttled source is approached gently.
type Limiter struct {
	mu sync.Mutex

	curRPS    float64
	minRPS    float64
	maxRPS    float64
	stepUpRPS float64
	downMult  float64

	tokens      float64
	lastRefill  time.Time
	lastPenalty time.Time

	cooldownUntil time.Time
}

// NewLimiter builds a token bucket that starts at minRPS and may climb to
// maxRPS while the service stays healthy.
func NewLimiter(minRPS, maxRPS float64) *Limiter {
	if minRPS <= 0 {
		minRPS = 0.5
	}
	if maxRPS < minRPS {
		maxRPS = minRPS
	}
	return &Limiter{
		curRPS:     minRPS,
		minRPS:     minRPS,
		maxRPS:     maxRPS,
		stepUpRPS:  minRPS / 4,
		downMult:   0.5,
		tokens:     1,
		lastRefill: time.Now(),
	}
}

// Wait blocks until a request slot is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()

		if now.Before(l.cooldownUntil) {
			sleep := time.Until(l.cooldownUntil)
			l.mu.Unlock()
			if err := sleepCtx(ctx, sleep); err != nil {
				return err
			}
			continue
		}

		l.refill(now)
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}

		need := 1 - l.tokens
		wait := time.Duration(need / l.curRPS * float64(time.Second))
		l.mu.Unlock()
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// Penalize halves the rate and honors a server-requested cooldown.
func (l *Limiter) Penalize(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastPenalty = time.Now()
	l.curRPS = math.Max(l.minRPS, l.curRPS*l.downMult)
	l.tokens = math.Min(l.tokens, 1)

	if retryAfter > 0 {
		if until := time.Now().Add(retryAfter); until.After(l.cooldownUntil) {
			l.cooldownUntil = until
		}
	}
}

func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens = math.Min(1, l.tokens+elapsed*l.curRPS)
	l.lastRefill = now

	if now.Sub(l.lastPenalty) > 5*time.Second && l.curRPS < l.maxRPS {
		l.curRPS = math.Min(l.maxRPS, l.curRPS+l.stepUpRPS*elapsed)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
