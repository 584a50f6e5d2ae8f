package fetch

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MockAdapter serves a fixed record set through the watermark protocol.
// It is deterministic and makes no network calls, so demos and tests can
// exercise the full sync path offline. Errors can be injected per call.
type MockAdapter struct {
	mu      sync.Mutex
	name    string
	records []Record
	calls   int
	// failures maps a 1-based call number to the error that call returns.
	failures map[int]error
}

func NewMockAdapter(name string, records []Record) *MockAdapter {
	if name == "" {
		name = "mock"
	}
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ObjectID < sorted[j].ObjectID })
	return &MockAdapter{
		name:     name,
		records:  sorted,
		failures: make(map[int]error),
	}
}

// FailCall makes the n-th FetchPage call (1-based) return err instead of a
// page. The call still counts, so a retried call lands on n+1.
func (m *MockAdapter) FailCall(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[n] = err
}

// Append adds records after construction, keeping ObjectID order. Tests use
// it to model a source that grows between sync cycles.
func (m *MockAdapter) Append(records ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	sort.Slice(m.records, func(i, j int) bool { return m.records[i].ObjectID < m.records[j].ObjectID })
}

// Calls reports how many FetchPage calls have been made.
func (m *MockAdapter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockAdapter) Name() string { return m.name }

func (m *MockAdapter) FetchPage(ctx context.Context, query PageQuery) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if err, ok := m.failures[m.calls]; ok {
		delete(m.failures, m.calls)
		return Page{}, fmt.Errorf("injected failure on call %d: %w", m.calls, err)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 1000
	}

	start := sort.Search(len(m.records), func(i int) bool {
		return m.records[i].ObjectID > query.Watermark
	})
	end := start + limit
	if end > len(m.records) {
		end = len(m.records)
	}

	page := Page{
		Records:       make([]Record, end-start),
		ExceededLimit: end < len(m.records),
	}
	copy(page.Records, m.records[start:end])
	return page, nil
}
