// Package executor runs ordered work in bounded, independently retried
// batches. Both the fetch loop (per page request) and the ingestion paths
// (per batch of database writes) share its retry policy, so transient
// upstream and storage failures are absorbed in one place.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Span is one batch: the half-open range [Start, End) over the caller's
// ordered items. Index is the batch's position in dispatch order.
type Span struct {
	Index int
	Start int
	End   int
}

// Size returns the number of items the span covers.
func (s Span) Size() int {
	return s.End - s.Start
}

// Outcome records how one span finished.
type Outcome struct {
	Span     Span
	Attempts int
	Err      error
}

// Report aggregates span outcomes in span order.
type Report struct {
	Outcomes []Outcome
}

// Total returns the number of spans the run covered.
func (r Report) Total() int {
	return len(r.Outcomes)
}

// Failed counts spans that exhausted their retries or never dispatched.
func (r Report) Failed() int {
	failed := 0
	for _, outcome := range r.Outcomes {
		if outcome.Err != nil {
			failed++
		}
	}
	return failed
}

// Succeeded counts fully flushed spans.
func (r Report) Succeeded() int {
	return r.Total() - r.Failed()
}

// FailedOutcomes returns the failed spans in span order.
func (r Report) FailedOutcomes() []Outcome {
	var failed []Outcome
	for _, outcome := range r.Outcomes {
		if outcome.Err != nil {
			failed = append(failed, outcome)
		}
	}
	return failed
}

// ContiguousPrefixEnd returns the end offset of the longest unbroken run of
// successful spans starting at span 0. Items below this offset are durably
// written in order, which is exactly what a watermark may advance over; a
// failed span caps the prefix even when later spans succeeded.
func (r Report) ContiguousPrefixEnd() int {
	end := 0
	for i, outcome := range r.Outcomes {
		if outcome.Span.Index != i || outcome.Err != nil {
			break
		}
		end = outcome.Span.End
	}
	return end
}

// Partition splits [0, total) into spans of at most batchSize items.
func Partition(total, batchSize int) []Span {
	if total <= 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = total
	}
	spans := make([]Span, 0, (total+batchSize-1)/batchSize)
	for start := 0; start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}
		spans = append(spans, Span{Index: len(spans), Start: start, End: end})
	}
	return spans
}

// Executor dispatches spans to a bounded worker pool with per-span retries
// and adaptive pacing between dispatches: transient trouble widens the gap,
// sustained success shrinks it back toward the configured delay.
type Executor struct {
	workers   int
	batchSize int
	policy    Policy

	baseDelay time.Duration
	maxDelay  time.Duration
	seed      time.Duration

	mu    sync.Mutex
	delay time.Duration
}

// New builds an executor. interBatchDelay may be zero; backpressure then
// starts from a small seed gap when the first transient failure appears.
func New(workers, batchSize int, policy Policy, interBatchDelay time.Duration) *Executor {
	if workers <= 0 {
		workers = 1
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	seed := interBatchDelay
	if seed <= 0 {
		seed = 250 * time.Millisecond
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &Executor{
		workers:   workers,
		batchSize: batchSize,
		policy:    policy,
		baseDelay: interBatchDelay,
		maxDelay:  maxDelay,
		seed:      seed,
		delay:     interBatchDelay,
	}
}

// Policy returns the retry policy the executor applies per span, so callers
// can reuse it for non-batch operations like page fetches.
func (e *Executor) Policy() Policy {
	return e.policy
}

// BatchSize returns the configured span width.
func (e *Executor) BatchSize() int {
	return e.batchSize
}

// Run partitions [0, total) and flushes every span through the worker pool.
// Each span is retried independently per the policy; a span that exhausts
// its attempts is recorded as failed and later spans still run. When the
// context ends, no further spans dispatch and the undispatched remainder is
// reported as failed with the context error.
func (e *Executor) Run(ctx context.Context, total int, label string, flush func(context.Context, Span) error) Report {
	spans := Partition(total, e.batchSize)
	if len(spans) == 0 {
		return Report{}
	}

	workers := e.workers
	if workers > len(spans) {
		workers = len(spans)
	}

	jobs := make(chan Span)
	results := make(chan Outcome, len(spans))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for span := range jobs {
				attempts, err := Retry(ctx, e.policy, fmt.Sprintf("%s batch %d", label, span.Index), func(attemptCtx context.Context) error {
					return flush(attemptCtx, span)
				})
				e.observe(err, attempts)
				results <- Outcome{Span: span, Attempts: attempts, Err: err}
			}
		}()
	}

	dispatched := 0
dispatch:
	for _, span := range spans {
		if dispatched > 0 && !e.pause(ctx) {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- span:
			dispatched++
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	outcomes := make([]Outcome, 0, len(spans))
	for outcome := range results {
		outcomes = append(outcomes, outcome)
	}

	if len(outcomes) < len(spans) {
		cause := ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		seen := make(map[int]bool, len(outcomes))
		for _, outcome := range outcomes {
			seen[outcome.Span.Index] = true
		}
		for _, span := range spans {
			if !seen[span.Index] {
				outcomes = append(outcomes, Outcome{Span: span, Err: fmt.Errorf("%s batch %d not dispatched: %w", label, span.Index, cause)})
			}
		}
	}

	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].Span.Index < outcomes[j].Span.Index
	})
	return Report{Outcomes: outcomes}
}

// pause sleeps the current inter-batch delay. Returns false when the context
// ended during the sleep.
func (e *Executor) pause(ctx context.Context) bool {
	e.mu.Lock()
	delay := e.delay
	e.mu.Unlock()

	if delay <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// observe adjusts the dispatch pacing from span results: multiplicative
// increase under transient pressure, halving decay back toward the base on
// clean successes.
func (e *Executor) observe(err error, attempts int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil || attempts > 1 {
		next := e.delay * 2
		if next <= 0 {
			next = e.seed
		}
		if next > e.maxDelay {
			next = e.maxDelay
		}
		e.delay = next
		return
	}

	if e.delay > e.baseDelay {
		e.delay = e.delay / 2
		if e.delay < e.baseDelay {
			e.delay = e.baseDelay
		}
	}
}
