package fetch

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/rpattn/parcelsync/internal/executor"
)

// Fetcher drives an Adapter page by page. It paces calls through the
// limiter, retries transient failures, and rejects pages that break the
// ascending ObjectID contract the watermark depends on.
type Fetcher struct {
	adapter  Adapter
	limiter  *Limiter
	pageSize int
	policy   executor.Policy
}

func NewFetcher(adapter Adapter, limiter *Limiter, pageSize int, policy executor.Policy) *Fetcher {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Fetcher{
		adapter:  adapter,
		limiter:  limiter,
		pageSize: pageSize,
		policy:   policy,
	}
}

func (f *Fetcher) PageSize() int { return f.pageSize }

// NextPage fetches the page strictly after watermark. done reports that the
// source returned fewer records than requested, meaning the stream is
// exhausted. The returned page is verified strictly ascending and entirely
// above the watermark.
func (f *Fetcher) NextPage(ctx context.Context, watermark int64) (page Page, done bool, err error) {
	label := fmt.Sprintf("fetch %s page after %d", f.adapter.Name(), watermark)

	_, err = executor.Retry(ctx, f.policy, label, func(ctx context.Context) error {
		if f.limiter != nil {
			if waitErr := f.limiter.Wait(ctx); waitErr != nil {
				return waitErr
			}
		}

		fetched, fetchErr := f.adapter.FetchPage(ctx, PageQuery{Watermark: watermark, Limit: f.pageSize})
		if fetchErr != nil {
			f.penalize(fetchErr)
			return fetchErr
		}
		if orderErr := verifyOrder(watermark, fetched.Records); orderErr != nil {
			// An unordered page is a protocol violation, not a blip.
			return orderErr
		}
		page = fetched
		return nil
	})
	if err != nil {
		return Page{}, false, err
	}

	done = len(page.Records) < f.pageSize
	if done && page.ExceededLimit {
		log.Printf("[FETCH] %s returned a short page with the transfer-limit flag set; treating stream as exhausted", f.adapter.Name())
	}
	return page, done, nil
}

func (f *Fetcher) penalize(err error) {
	if f.limiter == nil {
		return
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || !httpErr.Transient() {
		return
	}
	f.limiter.Penalize(httpErr.RetryAfter())
}

// verifyOrder checks that every record sits strictly above the watermark and
// that ids strictly increase within the page. Duplicates and regressions
// both fail: advancing the watermark over them would lose records.
func verifyOrder(watermark int64, records []Record) error {
	prev := watermark
	for _, record := range records {
		if record.ObjectID <= prev {
			return &OrderError{Previous: prev, Current: record.ObjectID}
		}
		prev = record.ObjectID
	}
	return nil
}
