// Package fetch pulls parcel records from remote feature services in
// watermark-ordered pages. Adapters hide the wire protocol; the Fetcher
// layers retries and ordering checks on top.
package fetch

import (
	"context"
	"fmt"
	"time"
)

// Record is one raw feature returned by a source service.
type Record struct {
	// ObjectID is the service-assigned, monotonically increasing row id the
	// incremental sync orders and resumes by.
	ObjectID   int64
	Attributes map[string]any
}

// Page is one fetched batch of records in ascending ObjectID order.
type Page struct {
	Records []Record
	// ExceededLimit mirrors the service's transfer-limit flag when the
	// protocol provides one. The end-of-stream signal is a short page;
	// this flag only corroborates it.
	ExceededLimit bool
}

// PageQuery selects the records strictly after a watermark.
type PageQuery struct {
	Watermark int64
	Limit     int
}

// Adapter abstracts one remote source protocol.
type Adapter interface {
	Name() string
	// FetchPage returns up to query.Limit records with ObjectID > query.Watermark,
	// in ascending ObjectID order. A page shorter than the limit means the
	// source has no further records.
	FetchPage(ctx context.Context, query PageQuery) (Page, error)
}

// HTTPError reports a non-2xx response from a source service.
type HTTPError struct {
	StatusCode    int
	RetryAfterSec int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected http status %d", e.StatusCode)
}

// Transient reports whether the status is worth retrying: throttling,
// request timeout, and server-side failures heal; client errors do not.
func (e *HTTPError) Transient() bool {
	switch {
	case e.StatusCode == 429 || e.StatusCode == 408:
		return true
	case e.StatusCode >= 500 && e.StatusCode <= 599:
		return true
	}
	return false
}

// RetryAfter surfaces the server's requested backoff, zero when absent.
func (e *HTTPError) RetryAfter() time.Duration {
	if e.RetryAfterSec <= 0 {
		return 0
	}
	return time.Duration(e.RetryAfterSec) * time.Second
}

// ServiceError is an application-level error delivered inside a 200 response
// body. Feature services report bad queries this way, so it never retries.
type ServiceError struct {
	Code    int
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error %d: %s", e.Code, e.Message)
}

func (e *ServiceError) Transient() bool { return false }

// OrderError reports a page that violated ascending ObjectID order. The
// watermark protocol cannot advance safely over unordered data.
type OrderError struct {
	Previous int64
	Current  int64
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("page out of order: object id %d followed %d", e.Current, e.Previous)
}
