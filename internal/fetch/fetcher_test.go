package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rpattn/parcelsync/internal/executor"
)

func fastPolicy() executor.Policy {
	return executor.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func mockRecords(ids ...int64) []Record {
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, Record{
			ObjectID:   id,
			Attributes: map[string]any{"OBJECTID": float64(id)},
		})
	}
	return records
}

func TestFetcherPaginatesToEnd(t *testing.T) {
	mock := NewMockAdapter("mock", mockRecords(1, 2, 3, 4, 5))
	fetcher := NewFetcher(mock, nil, 2, fastPolicy())

	ctx := context.Background()

	page, done, err := fetcher.NextPage(ctx, 0)
	if err != nil || done {
		t.Fatalf("first page: done=%v err=%v", done, err)
	}
	if len(page.Records) != 2 || page.Records[0].ObjectID != 1 || page.Records[1].ObjectID != 2 {
		t.Fatalf("first page wrong: %+v", page.Records)
	}
	if !page.ExceededLimit {
		t.Errorf("full page with more behind should flag the transfer limit")
	}

	page, done, err = fetcher.NextPage(ctx, 2)
	if err != nil || done {
		t.Fatalf("second page: done=%v err=%v", done, err)
	}
	if len(page.Records) != 2 || page.Records[0].ObjectID != 3 {
		t.Fatalf("second page wrong: %+v", page.Records)
	}

	page, done, err = fetcher.NextPage(ctx, 4)
	if err != nil {
		t.Fatalf("third page: %v", err)
	}
	if !done || len(page.Records) != 1 || page.Records[0].ObjectID != 5 {
		t.Fatalf("short page must end the stream: done=%v records=%+v", done, page.Records)
	}

	page, done, err = fetcher.NextPage(ctx, 5)
	if err != nil || !done || len(page.Records) != 0 {
		t.Fatalf("past the end: done=%v records=%d err=%v", done, len(page.Records), err)
	}
}

func TestFetcherRetriesTransientFailure(t *testing.T) {
	mock := NewMockAdapter("mock", mockRecords(1, 2))
	mock.FailCall(1, &HTTPError{StatusCode: 503})

	fetcher := NewFetcher(mock, nil, 10, fastPolicy())

	page, done, err := fetcher.NextPage(context.Background(), 0)
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if !done || len(page.Records) != 2 {
		t.Fatalf("unexpected page: done=%v records=%d", done, len(page.Records))
	}
	if mock.Calls() != 2 {
		t.Fatalf("expected 2 calls (1 failed, 1 retried), got %d", mock.Calls())
	}
}

func TestFetcherDoesNotRetryServiceErrors(t *testing.T) {
	mock := NewMockAdapter("mock", mockRecords(1, 2))
	mock.FailCall(1, &ServiceError{Code: 499, Message: "Token Required"})

	fetcher := NewFetcher(mock, nil, 10, fastPolicy())

	_, _, err := fetcher.NextPage(context.Background(), 0)
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if mock.Calls() != 1 {
		t.Fatalf("service errors must not be retried, got %d calls", mock.Calls())
	}
}

// disorderedAdapter returns a fixed page regardless of the query; the
// fetcher must catch protocol violations itself.
type disorderedAdapter struct {
	records []Record
	calls   int
}

func (d *disorderedAdapter) Name() string { return "disordered" }

func (d *disorderedAdapter) FetchPage(ctx context.Context, query PageQuery) (Page, error) {
	d.calls++
	return Page{Records: d.records}, nil
}

func TestFetcherRejectsDisorderedPage(t *testing.T) {
	adapter := &disorderedAdapter{records: mockRecords(3, 2, 4)}
	fetcher := NewFetcher(adapter, nil, 10, fastPolicy())

	_, _, err := fetcher.NextPage(context.Background(), 0)
	var orderErr *OrderError
	if !errors.As(err, &orderErr) {
		t.Fatalf("expected OrderError, got %v", err)
	}
	if orderErr.Previous != 3 || orderErr.Current != 2 {
		t.Fatalf("unexpected order violation detail: %+v", orderErr)
	}
	if adapter.calls != 1 {
		t.Fatalf("ordering violations must not be retried, got %d calls", adapter.calls)
	}
}

func TestFetcherRejectsRecordsAtOrBelowWatermark(t *testing.T) {
	adapter := &disorderedAdapter{records: mockRecords(10, 11)}
	fetcher := NewFetcher(adapter, nil, 10, fastPolicy())

	_, _, err := fetcher.NextPage(context.Background(), 10)
	var orderErr *OrderError
	if !errors.As(err, &orderErr) {
		t.Fatalf("a record at the watermark must fail the page, got %v", err)
	}
	if orderErr.Previous != 10 || orderErr.Current != 10 {
		t.Fatalf("unexpected violation detail: %+v", orderErr)
	}
}

func TestFetcherPenalizesLimiterOnThrottle(t *testing.T) {
	mock := NewMockAdapter("mock", mockRecords(1))
	mock.FailCall(1, &HTTPError{StatusCode: 429, RetryAfterSec: 1})

	limiter := NewLimiter(1000, 4000)
	limiter.curRPS = 4000 // as if the rate had climbed before the throttle

	fetcher := NewFetcher(mock, limiter, 10, fastPolicy())

	start := time.Now()
	_, done, err := fetcher.NextPage(context.Background(), 0)
	if err != nil || !done {
		t.Fatalf("expected recovery after cooldown: done=%v err=%v", done, err)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Fatalf("expected the server cooldown to be honored, finished in %s", elapsed)
	}
	if limiter.curRPS != 2000 {
		t.Fatalf("throttle must halve the request rate, got %v", limiter.curRPS)
	}
}
