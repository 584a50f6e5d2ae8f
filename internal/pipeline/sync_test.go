package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/parcelsync/internal/audit"
	"github.com/rpattn/parcelsync/internal/config"
	"github.com/rpattn/parcelsync/internal/dedup"
	"github.com/rpattn/parcelsync/internal/domain"
	"github.com/rpattn/parcelsync/internal/executor"
	"github.com/rpattn/parcelsync/internal/fetch"
	"github.com/rpattn/parcelsync/internal/repository"
)

type stubSources struct {
	enabled []domain.Source
	err     error
}

func (s *stubSources) Create(ctx context.Context, source domain.Source) (domain.Source, error) {
	return domain.Source{}, errors.New("not implemented")
}

func (s *stubSources) GetByID(ctx context.Context, id uuid.UUID) (domain.Source, error) {
	return domain.Source{}, errors.New("not implemented")
}

func (s *stubSources) GetByName(ctx context.Context, name string) (domain.Source, error) {
	return domain.Source{}, errors.New("not implemented")
}

func (s *stubSources) List(ctx context.Context) ([]domain.Source, error) {
	return nil, errors.New("not implemented")
}

func (s *stubSources) ListEnabled(ctx context.Context) ([]domain.Source, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.enabled, nil
}

func (s *stubSources) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	return errors.New("not implemented")
}

type advanceCall struct {
	to    int64
	runID uuid.UUID
}

type stubCursors struct {
	mu         sync.Mutex
	watermarks map[uuid.UUID]int64
	advances   []advanceCall
	failWith   error
	onAdvance  func()
}

func newStubCursors() *stubCursors {
	return &stubCursors{watermarks: make(map[uuid.UUID]int64)}
}

func (s *stubCursors) Get(ctx context.Context, sourceID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[sourceID], nil
}

func (s *stubCursors) Advance(ctx context.Context, sourceID uuid.UUID, to int64, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if current := s.watermarks[sourceID]; to < current {
		return &domain.RegressionError{SourceID: sourceID, Current: current, Attempted: to}
	}
	s.watermarks[sourceID] = to
	s.advances = append(s.advances, advanceCall{to: to, runID: runID})
	if s.onAdvance != nil {
		s.onAdvance()
	}
	return nil
}

func (s *stubCursors) Events(ctx context.Context, sourceID uuid.UUID, limit int) ([]domain.CursorEvent, error) {
	return nil, errors.New("not implemented")
}

func (s *stubCursors) advanced() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.advances))
	for _, call := range s.advances {
		out = append(out, call.to)
	}
	return out
}

type stubRaws struct {
	mu      sync.Mutex
	hashes  map[string]string
	batches int
}

func newStubRaws() *stubRaws {
	return &stubRaws{hashes: make(map[string]string)}
}

func (s *stubRaws) UpsertBatch(ctx context.Context, raws []domain.RawParcel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, raw := range raws {
		s.hashes[raw.SourceRecordID] = raw.ContentHash
	}
	s.batches++
	return nil
}

func (s *stubRaws) GetContentHashes(ctx context.Context, sourceID uuid.UUID, recordIDs []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := make(map[string]string)
	for _, id := range recordIDs {
		if hash, ok := s.hashes[id]; ok {
			found[id] = hash
		}
	}
	return found, nil
}

func (s *stubRaws) CountBySource(ctx context.Context, sourceID uuid.UUID) (int64, error) {
	return 0, errors.New("not implemented")
}

func (s *stubRaws) hasHash(recordID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hashes[recordID]
	return ok
}

// stubParcels mirrors the repository's merge-then-decide transaction on an
// in-memory map so the pipeline's counters can be asserted exactly.
type stubParcels struct {
	mu   sync.Mutex
	rows map[string]domain.Parcel
	fail map[string]error
}

func newStubParcels() *stubParcels {
	return &stubParcels{rows: make(map[string]domain.Parcel), fail: make(map[string]error)}
}

func (s *stubParcels) UpsertVersioned(ctx context.Context, incoming domain.Parcel, runID uuid.UUID) (audit.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[incoming.ParcelID]; ok {
		return audit.ChangeNone, err
	}
	current, ok := s.rows[incoming.ParcelID]
	if !ok {
		incoming.Version = 1
		s.rows[incoming.ParcelID] = incoming
		return audit.ChangeInsert, nil
	}
	merged := domain.ParcelMergePolicy.Apply(current, incoming)
	if change := audit.Decide(&current, merged); change == audit.ChangeNone {
		return audit.ChangeNone, nil
	}
	merged.Version = current.Version + 1
	s.rows[merged.ParcelID] = merged
	return audit.ChangeUpdate, nil
}

func (s *stubParcels) GetByParcelID(ctx context.Context, parcelID string) (*domain.Parcel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[parcelID]
	if !ok {
		return nil, repository.ErrParcelNotFound
	}
	return &row, nil
}

func (s *stubParcels) DeleteVersioned(ctx context.Context, parcelID string, runID uuid.UUID) error {
	return errors.New("not implemented")
}

func (s *stubParcels) List(ctx context.Context, filter repository.ParcelFilter, limit int, offset int) ([]domain.Parcel, error) {
	return nil, errors.New("not implemented")
}

func (s *stubParcels) Count(ctx context.Context, filter repository.ParcelFilter) (int64, error) {
	return 0, errors.New("not implemented")
}

func (s *stubParcels) ListHistory(ctx context.Context, parcelID string) ([]domain.ParcelHistory, error) {
	return nil, errors.New("not implemented")
}

func (s *stubParcels) get(t *testing.T, parcelID string) domain.Parcel {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[parcelID]
	if !ok {
		t.Fatalf("expected parcel %s to exist", parcelID)
	}
	return row
}

func (s *stubParcels) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type stubRuns struct {
	mu        sync.Mutex
	begun     []domain.SyncRun
	finalized []domain.SyncRun
}

func (s *stubRuns) Begin(ctx context.Context, run domain.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begun = append(s.begun, run)
	return nil
}

func (s *stubRuns) Finalize(ctx context.Context, run domain.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, run)
	return nil
}

func (s *stubRuns) GetByID(ctx context.Context, id uuid.UUID) (domain.SyncRun, error) {
	return domain.SyncRun{}, errors.New("not implemented")
}

func (s *stubRuns) ListRecent(ctx context.Context, limit int) ([]domain.SyncRun, error) {
	return nil, errors.New("not implemented")
}

func (s *stubRuns) finalizedRuns() []domain.SyncRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SyncRun(nil), s.finalized...)
}

type stubLogs struct {
	mu      sync.Mutex
	entries []domain.IngestLogEntry
}

func (s *stubLogs) Record(ctx context.Context, entry domain.IngestLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubLogs) ListRecent(ctx context.Context, limit int) ([]domain.IngestLogEntry, error) {
	return nil, errors.New("not implemented")
}

var _ repository.SourceRepository = (*stubSources)(nil)
var _ repository.CursorRepository = (*stubCursors)(nil)
var _ repository.RawParcelRepository = (*stubRaws)(nil)
var _ repository.ParcelRepository = (*stubParcels)(nil)
var _ repository.SyncRunRepository = (*stubRuns)(nil)
var _ repository.IngestLogRepository = (*stubLogs)(nil)

type syncHarness struct {
	source  domain.Source
	sources *stubSources
	cursors *stubCursors
	raws    *stubRaws
	parcels *stubParcels
	runs    *stubRuns
	logs    *stubLogs
	service *Service
}

// newSyncHarness wires a Service over in-memory stubs. The request rates are
// high and the retry delays short so failure scenarios resolve in
// milliseconds.
func newSyncHarness(pageSize, batchSize int, adapters AdapterFactory) *syncHarness {
	h := &syncHarness{
		source:  domain.Source{ID: uuid.New(), Name: "alachua", Kind: domain.SourceKindArcGIS, CountyNo: 11, PageSize: pageSize, Enabled: true},
		sources: &stubSources{},
		cursors: newStubCursors(),
		raws:    newStubRaws(),
		parcels: newStubParcels(),
		runs:    &stubRuns{},
		logs:    &stubLogs{},
	}
	h.sources.enabled = []domain.Source{h.source}

	cfg := config.PipelineConfig{
		Workers:        2,
		BatchSize:      batchSize,
		PageSize:       pageSize,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
		MinRequestRate: 1000,
		MaxRequestRate: 1000,
	}
	exec := executor.New(cfg.Workers, cfg.BatchSize, executor.Policy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}, 0)

	h.service = NewService(h.sources, h.cursors, h.raws, h.parcels, h.runs, h.logs, exec, adapters, cfg)
	return h
}

func staticAdapter(adapter fetch.Adapter) AdapterFactory {
	return func(domain.Source) (fetch.Adapter, error) { return adapter, nil }
}

// countyRecord builds a fetched feature with enough attributes to pass
// validation. CO_NO 11 resolves to Alachua county.
func countyRecord(objectID int64, parcelID string, jv float64) fetch.Record {
	return fetch.Record{
		ObjectID: objectID,
		Attributes: map[string]any{
			"OBJECTID":  float64(objectID),
			"PARCEL_ID": parcelID,
			"CO_NO":     float64(11),
			"OWN_NAME":  "SMITH JOHN",
			"JV":        jv,
		},
	}
}

func countyRecords(ids ...int64) []fetch.Record {
	records := make([]fetch.Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, countyRecord(id, fmt.Sprintf("P%d", id), 100000))
	}
	return records
}

func TestRunIncrementalFirstSync(t *testing.T) {
	adapter := fetch.NewMockAdapter("alachua", countyRecords(1, 2, 3, 4, 5))
	h := newSyncHarness(2, 2, staticAdapter(adapter))

	run, err := h.service.RunIncremental(context.Background(), h.source)
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}

	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", run.Status)
	}
	if run.RecordsSeen != 5 || run.RecordsCreated != 5 || run.RecordsSkipped != 0 {
		t.Fatalf("unexpected counters: %+v", run)
	}
	if run.WatermarkStart != 0 || run.WatermarkEnd != 5 {
		t.Fatalf("expected watermark 0 -> 5, got %d -> %d", run.WatermarkStart, run.WatermarkEnd)
	}
	if run.BatchesTotal != 3 || run.BatchesFailed != 0 {
		t.Fatalf("expected 3 clean batches, got %d total %d failed", run.BatchesTotal, run.BatchesFailed)
	}

	// The watermark advanced once per page, stamped with this run's id.
	advanced := h.cursors.advanced()
	if len(advanced) != 3 || advanced[0] != 2 || advanced[1] != 4 || advanced[2] != 5 {
		t.Fatalf("expected advances [2 4 5], got %v", advanced)
	}
	for _, call := range h.cursors.advances {
		if call.runID != run.ID {
			t.Fatalf("advance recorded run %s, want %s", call.runID, run.ID)
		}
	}

	if h.parcels.count() != 5 {
		t.Fatalf("expected 5 parcels, got %d", h.parcels.count())
	}
	p3 := h.parcels.get(t, "P3")
	if p3.Version != 1 || p3.CountyFIPS != "12001" || p3.CountyName != "ALACHUA" {
		t.Fatalf("unexpected parcel row: %+v", p3)
	}

	finalized := h.runs.finalizedRuns()
	if len(finalized) != 1 || finalized[0].Status != domain.RunStatusSucceeded || finalized[0].ID != run.ID {
		t.Fatalf("expected one finalized succeeded run, got %+v", finalized)
	}
	if len(h.logs.entries) != 1 || h.logs.entries[0].Level != domain.LogLevelInfo {
		t.Fatalf("expected one info log entry, got %+v", h.logs.entries)
	}
}

func TestRunIncrementalCountsUpdatesAndUnchanged(t *testing.T) {
	adapter := fetch.NewMockAdapter("alachua", []fetch.Record{countyRecord(1, "P1", 100000)})
	h := newSyncHarness(10, 10, staticAdapter(adapter))

	if _, err := h.service.RunIncremental(context.Background(), h.source); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}

	// The same parcel reappears above the watermark with a new valuation.
	adapter.Append(countyRecord(2, "P1", 250000))
	second, err := h.service.RunIncremental(context.Background(), h.source)
	if err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	if second.RecordsUpdated != 1 || second.RecordsCreated != 0 {
		t.Fatalf("expected one update, got %+v", second)
	}
	row := h.parcels.get(t, "P1")
	if row.Version != 2 || row.JV == nil || *row.JV != 250000 {
		t.Fatalf("expected version 2 at JV 250000, got %+v", row)
	}

	// A third appearance with identical business content consumes no version.
	adapter.Append(countyRecord(3, "P1", 250000))
	third, err := h.service.RunIncremental(context.Background(), h.source)
	if err != nil {
		t.Fatalf("third cycle failed: %v", err)
	}
	if third.RecordsUnchanged != 1 || third.RecordsUpdated != 0 {
		t.Fatalf("expected one unchanged, got %+v", third)
	}
	if row := h.parcels.get(t, "P1"); row.Version != 2 {
		t.Fatalf("no-op write must not bump the version, got %d", row.Version)
	}
	if h.cursors.watermarks[h.source.ID] != 3 {
		t.Fatalf("watermark should still pass the unchanged record, got %d", h.cursors.watermarks[h.source.ID])
	}
}

func TestRunIncrementalSkipsUnchangedContent(t *testing.T) {
	records := countyRecords(1, 2, 3, 4, 5)
	adapter := fetch.NewMockAdapter("alachua", records)
	h := newSyncHarness(2, 2, staticAdapter(adapter))

	// Records 1-3 are already stored with their current content hash.
	for _, record := range records[:3] {
		hash, err := dedup.HashPayload(record.Attributes)
		if err != nil {
			t.Fatalf("hash failed: %v", err)
		}
		h.raws.hashes[fmt.Sprintf("P%d", record.ObjectID)] = hash
	}

	run, err := h.service.RunIncremental(context.Background(), h.source)
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}

	if run.RecordsSeen != 5 || run.RecordsSkipped != 3 || run.RecordsCreated != 2 {
		t.Fatalf("expected 3 skipped and 2 created, got %+v", run)
	}
	if h.parcels.count() != 2 {
		t.Fatalf("skipped records must not reach the write path, got %d parcels", h.parcels.count())
	}

	// A fully skipped page still advances the watermark over its records.
	advanced := h.cursors.advanced()
	if len(advanced) != 3 || advanced[0] != 2 || advanced[1] != 4 || advanced[2] != 5 {
		t.Fatalf("expected advances [2 4 5], got %v", advanced)
	}
	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", run.Status)
	}
}

func TestRunIncrementalRejectsMalformedRecords(t *testing.T) {
	noKey := fetch.Record{ObjectID: 2, Attributes: map[string]any{
		"OBJECTID": float64(2),
		"CO_NO":    float64(11),
		"OWN_NAME": "NO KEY LLC",
	}}
	badCounty := countyRecord(3, "P3", 100000)
	badCounty.Attributes["CO_NO"] = float64(99)

	adapter := fetch.NewMockAdapter("alachua", []fetch.Record{
		countyRecord(1, "P1", 100000),
		noKey,
		badCounty,
	})
	h := newSyncHarness(10, 10, staticAdapter(adapter))

	run, err := h.service.RunIncremental(context.Background(), h.source)
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}

	// Bad rows are rejected individually; the run itself still succeeds and
	// the watermark passes them.
	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", run.Status)
	}
	if run.RecordsCreated != 1 || run.RecordsRejected != 2 {
		t.Fatalf("expected 1 created and 2 rejected, got %+v", run)
	}
	if h.cursors.watermarks[h.source.ID] != 3 {
		t.Fatalf("expected watermark 3, got %d", h.cursors.watermarks[h.source.ID])
	}

	contexts := make(map[string]bool)
	for _, sample := range run.ErrorSamples {
		contexts[sample.Context] = true
	}
	if !contexts["object 2"] || !contexts["object 3"] {
		t.Fatalf("expected samples for objects 2 and 3, got %+v", run.ErrorSamples)
	}
}

func TestRunIncrementalIsolatesFailedBatch(t *testing.T) {
	adapter := fetch.NewMockAdapter("alachua", countyRecords(1, 2, 3, 4))
	h := newSyncHarness(4, 2, staticAdapter(adapter))

	errBoom := errors.New("insert blew up")
	h.parcels.fail["P3"] = errBoom

	run, err := h.service.RunIncremental(context.Background(), h.source)
	if err != nil {
		t.Fatalf("batch failures are not fatal, got %v", err)
	}

	if run.Status != domain.RunStatusPartial {
		t.Fatalf("expected partial, got %s", run.Status)
	}
	if run.BatchesTotal != 2 || run.BatchesFailed != 1 {
		t.Fatalf("expected 1 of 2 batches failed, got %d of %d", run.BatchesFailed, run.BatchesTotal)
	}
	if run.RecordsCreated != 2 {
		t.Fatalf("the healthy batch should have landed, got %d created", run.RecordsCreated)
	}

	// The cursor stops just below the failed batch's first record.
	if run.WatermarkEnd != 2 {
		t.Fatalf("expected watermark 2, got %d", run.WatermarkEnd)
	}
	advanced := h.cursors.advanced()
	if len(advanced) != 1 || advanced[0] != 2 {
		t.Fatalf("expected a single advance to 2, got %v", advanced)
	}

	// Content hashes are the dedup skip marker, so the failed batch must
	// leave none behind; the healthy batch keeps its own.
	if !h.raws.hasHash("P1") || !h.raws.hasHash("P2") {
		t.Fatalf("expected hashes for the flushed batch")
	}
	if h.raws.hasHash("P3") || h.raws.hasHash("P4") {
		t.Fatalf("a failed batch must not store content hashes")
	}

	found := false
	for _, sample := range run.ErrorSamples {
		if sample.Context == "batch 1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a sample for batch 1, got %+v", run.ErrorSamples)
	}
}

func TestRunIncrementalResumesAfterFailedBatch(t *testing.T) {
	adapter := fetch.NewMockAdapter("alachua", countyRecords(1, 2, 3, 4))
	h := newSyncHarness(4, 2, staticAdapter(adapter))
	h.parcels.fail["P3"] = errors.New("insert blew up")

	if _, err := h.service.RunIncremental(context.Background(), h.source); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	// The write path heals; the next cycle refetches from the rolled-back
	// watermark and lands the records the failed batch dropped.
	delete(h.parcels.fail, "P3")
	run, err := h.service.RunIncremental(context.Background(), h.source)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", run.Status)
	}
	if run.WatermarkStart != 2 || run.WatermarkEnd != 4 {
		t.Fatalf("expected watermark 2 -> 4, got %d -> %d", run.WatermarkStart, run.WatermarkEnd)
	}
	if run.RecordsCreated != 2 {
		t.Fatalf("expected the retried records created, got %d", run.RecordsCreated)
	}
	if h.parcels.count() != 4 {
		t.Fatalf("expected all 4 parcels after recovery, got %d", h.parcels.count())
	}
}

func TestRunIncrementalFailsWhenFirstFetchDies(t *testing.T) {
	adapter := fetch.NewMockAdapter("alachua", countyRecords(1, 2))
	adapter.FailCall(1, &fetch.ServiceError{Code: 400, Message: "Invalid query"})
	h := newSyncHarness(2, 2, staticAdapter(adapter))

	run, err := h.service.RunIncremental(context.Background(), h.source)
	if err == nil {
		t.Fatal("expected an error when the first fetch dies")
	}
	var svcErr *fetch.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected a service error, got %v", err)
	}

	if run.Status != domain.RunStatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	if run.WatermarkEnd != 0 || len(h.cursors.advanced()) != 0 {
		t.Fatalf("a dead fetch must not move the cursor: %+v", run)
	}
	// Service errors are permanent; one call, no retries.
	if adapter.Calls() != 1 {
		t.Fatalf("expected 1 fetch call, got %d", adapter.Calls())
	}
	finalized := h.runs.finalizedRuns()
	if len(finalized) != 1 || finalized[0].Status != domain.RunStatusFailed {
		t.Fatalf("expected one failed finalize, got %+v", finalized)
	}
	if len(h.logs.entries) != 1 || h.logs.entries[0].Level != domain.LogLevelError {
		t.Fatalf("expected an error log entry, got %+v", h.logs.entries)
	}
}

func TestRunIncrementalPartialWhenFetchDiesMidStream(t *testing.T) {
	adapter := fetch.NewMockAdapter("alachua", countyRecords(1, 2, 3, 4))
	adapter.FailCall(2, &fetch.ServiceError{Code: 500, Message: "layer gone"})
	h := newSyncHarness(2, 2, staticAdapter(adapter))

	run, err := h.service.RunIncremental(context.Background(), h.source)
	if err == nil {
		t.Fatal("expected an error for the truncated stream")
	}

	// The first page landed, so the run is partial and keeps its progress.
	if run.Status != domain.RunStatusPartial {
		t.Fatalf("expected partial, got %s", run.Status)
	}
	if run.RecordsCreated != 2 || run.WatermarkEnd != 2 {
		t.Fatalf("expected first page retained, got %+v", run)
	}
}

func TestRunIncrementalRetriesThrottledFetch(t *testing.T) {
	adapter := fetch.NewMockAdapter("alachua", countyRecords(1, 2, 3))
	adapter.FailCall(2, &fetch.HTTPError{StatusCode: 503})
	h := newSyncHarness(2, 2, staticAdapter(adapter))

	run, err := h.service.RunIncremental(context.Background(), h.source)
	if err != nil {
		t.Fatalf("a transient fetch failure should be retried: %v", err)
	}

	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", run.Status)
	}
	if run.RecordsCreated != 3 || run.WatermarkEnd != 3 {
		t.Fatalf("expected full stream after retry, got %+v", run)
	}
	// Page 1, failed page 2, retried page 2.
	if adapter.Calls() != 3 {
		t.Fatalf("expected 3 fetch calls, got %d", adapter.Calls())
	}
}

func TestRunIncrementalStopsOnCursorRegression(t *testing.T) {
	adapter := fetch.NewMockAdapter("alachua", countyRecords(1, 2))
	h := newSyncHarness(4, 4, staticAdapter(adapter))
	h.cursors.failWith = &domain.RegressionError{SourceID: h.source.ID, Current: 9, Attempted: 2}

	run, err := h.service.RunIncremental(context.Background(), h.source)
	if err == nil {
		t.Fatal("expected a cursor regression to abort the run")
	}
	var regression *domain.RegressionError
	if !errors.As(err, &regression) {
		t.Fatalf("expected a regression error, got %v", err)
	}

	// Records were written before the cursor refused to move.
	if run.Status != domain.RunStatusPartial {
		t.Fatalf("expected partial, got %s", run.Status)
	}
	if len(h.cursors.advanced()) != 0 {
		t.Fatalf("no advance should have been recorded, got %v", h.cursors.advanced())
	}
}

func TestRunIncrementalResumesFromStoredWatermark(t *testing.T) {
	ids := make([]int64, 0, 500)
	for id := int64(1001); id <= 1500; id++ {
		ids = append(ids, id)
	}
	adapter := fetch.NewMockAdapter("alachua", countyRecords(ids...))
	h := newSyncHarness(300, 100, staticAdapter(adapter))
	h.cursors.watermarks[h.source.ID] = 1000

	run, err := h.service.RunIncremental(context.Background(), h.source)
	if err != nil {
		t.Fatalf("sync failed: %+v", err)
	}
	if run.Status != domain.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %+v", run)
	}
	if run.RecordsSeen != 500 || run.RecordsCreated != 500 {
		t.Fatalf("expected 500 records seen and created, got %+v", run)
	}
	if run.WatermarkStart != 1000 || run.WatermarkEnd != 1500 {
		t.Fatalf("expected watermark 1000->1500, got %+v", run)
	}
	// A full page of 300 then a short page of 200 ends the stream.
	if adapter.Calls() != 2 {
		t.Fatalf("expected 2 fetch calls, got %d", adapter.Calls())
	}
	if h.parcels.count() != 500 {
		t.Fatalf("expected 500 parcels, got %d", h.parcels.count())
	}
}

func TestRunIncrementalRunsTrailingBatchesAfterFailure(t *testing.T) {
	adapter := fetch.NewMockAdapter("alachua", countyRecords(1, 2, 3, 4, 5, 6, 7, 8))
	h := newSyncHarness(8, 2, staticAdapter(adapter))
	h.parcels.fail["P3"] = errors.New("deadlock detected")

	run, err := h.service.RunIncremental(context.Background(), h.source)
	if err != nil {
		t.Fatalf("batch failures finalize without a run error, got %+v", err)
	}
	if run.Status != domain.RunStatusPartial {
		t.Fatalf("expected partial, got %+v", run)
	}
	if run.BatchesTotal != 4 || run.BatchesFailed != 1 {
		t.Fatalf("expected 1 of 4 batches failed, got %+v", run)
	}
	// Batches after the failed one still land; only the watermark is held
	// back to the end of the clean prefix.
	if run.RecordsCreated != 6 {
		t.Fatalf("expected 6 created, got %+v", run)
	}
	if run.WatermarkEnd != 2 {
		t.Fatalf("expected watermark capped at 2, got %+v", run)
	}
	for _, parcelID := range []string{"P5", "P6", "P7", "P8"} {
		if h.parcels.get(t, parcelID).Version != 1 {
			t.Fatalf("expected %s written by a trailing batch", parcelID)
		}
	}
	if h.raws.hasHash("P3") || h.raws.hasHash("P4") {
		t.Fatalf("failed batch must not mark its records as durable")
	}
}

func TestRunIncrementalPartialOnMidRunCancellation(t *testing.T) {
	adapter := fetch.NewMockAdapter("alachua", countyRecords(1, 2, 3, 4))
	h := newSyncHarness(2, 2, staticAdapter(adapter))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.cursors.onAdvance = cancel

	run, err := h.service.RunIncremental(ctx, h.source)
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %+v", err)
	}
	if run.Status != domain.RunStatusPartial {
		t.Fatalf("expected partial, got %+v", run)
	}
	if run.RecordsCreated != 2 || run.BatchesTotal != 1 {
		t.Fatalf("no batches should start after cancellation, got %+v", run)
	}
	if got := h.cursors.advanced(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected cursor held at the durable prefix, got %v", got)
	}
	finalized := h.runs.finalizedRuns()
	if len(finalized) != 1 || finalized[0].Status != domain.RunStatusPartial {
		t.Fatalf("expected one partial finalize, got %+v", finalized)
	}
}

func TestSafeWatermark(t *testing.T) {
	records := []fetch.Record{{ObjectID: 10}, {ObjectID: 20}, {ObjectID: 30}, {ObjectID: 40}}
	novel := []domain.RawParcel{{ObjectID: 10}, {ObjectID: 20}, {ObjectID: 30}, {ObjectID: 40}}
	boom := errors.New("boom")

	clean := executor.Report{Outcomes: []executor.Outcome{
		{Span: executor.Span{Index: 0, Start: 0, End: 4}},
	}}
	if safe, ok := safeWatermark(records, novel, clean); !ok || safe != 40 {
		t.Fatalf("clean page should advance to 40, got %d %v", safe, ok)
	}

	secondFailed := executor.Report{Outcomes: []executor.Outcome{
		{Span: executor.Span{Index: 0, Start: 0, End: 2}},
		{Span: executor.Span{Index: 1, Start: 2, End: 4}, Err: boom},
	}}
	if safe, ok := safeWatermark(records, novel, secondFailed); !ok || safe != 20 {
		t.Fatalf("expected stop below object 30, got %d %v", safe, ok)
	}

	firstFailed := executor.Report{Outcomes: []executor.Outcome{
		{Span: executor.Span{Index: 0, Start: 0, End: 2}, Err: boom},
		{Span: executor.Span{Index: 1, Start: 2, End: 4}},
	}}
	if _, ok := safeWatermark(records, novel, firstFailed); ok {
		t.Fatal("a failed first batch leaves nothing safe to pass")
	}

	if _, ok := safeWatermark(nil, nil, executor.Report{}); ok {
		t.Fatal("an empty page has no watermark")
	}
}

func TestSyncAllIsolatesSourceFailures(t *testing.T) {
	adapter := fetch.NewMockAdapter("alachua", countyRecords(1, 2))
	adapters := func(source domain.Source) (fetch.Adapter, error) {
		if source.Name == "baker" {
			return nil, errors.New("layer missing")
		}
		return adapter, nil
	}

	h := newSyncHarness(10, 10, adapters)
	baker := domain.Source{ID: uuid.New(), Name: "baker", Kind: domain.SourceKindArcGIS, CountyNo: 12, Enabled: true}
	h.sources.enabled = append(h.sources.enabled, baker)

	runs, err := h.service.SyncAll(context.Background())
	if err == nil || err.Error() != "1 of 2 sources failed" {
		t.Fatalf("expected '1 of 2 sources failed', got %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected a run per source, got %d", len(runs))
	}

	statuses := make(map[string]int)
	for _, run := range h.runs.finalizedRuns() {
		statuses[run.Status]++
	}
	if statuses[domain.RunStatusSucceeded] != 1 || statuses[domain.RunStatusFailed] != 1 {
		t.Fatalf("expected one succeeded and one failed run, got %v", statuses)
	}
	// The healthy source still synced to the end.
	if h.cursors.watermarks[h.source.ID] != 2 {
		t.Fatalf("expected alachua at watermark 2, got %d", h.cursors.watermarks[h.source.ID])
	}
}

func TestSyncAllNoEnabledSources(t *testing.T) {
	h := newSyncHarness(10, 10, staticAdapter(fetch.NewMockAdapter("alachua", nil)))
	h.sources.enabled = nil

	if _, err := h.service.SyncAll(context.Background()); !errors.Is(err, ErrNoEnabledSources) {
		t.Fatalf("expected ErrNoEnabledSources, got %v", err)
	}
}

func TestRunDaemonRunsImmediately(t *testing.T) {
	adapter := fetch.NewMockAdapter("alachua", countyRecords(1))
	h := newSyncHarness(10, 10, staticAdapter(adapter))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	// The interval is far longer than the deadline: only an immediate first
	// cycle can produce a finalized run.
	err := h.service.RunDaemon(ctx, time.Hour)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	finalized := h.runs.finalizedRuns()
	if len(finalized) != 1 || finalized[0].Status != domain.RunStatusSucceeded {
		t.Fatalf("expected one completed cycle, got %+v", finalized)
	}
}

func TestRunDaemonStopsWhenContextEnds(t *testing.T) {
	h := newSyncHarness(10, 10, staticAdapter(fetch.NewMockAdapter("alachua", nil)))
	h.sources.enabled = nil

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := h.service.RunDaemon(ctx, 10*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("daemon should stop at the deadline, ran %s", elapsed)
	}
}
