// Package pipeline orchestrates incremental source syncs: fetch pages above
// the watermark, skip unchanged payloads, write the rest through the
// versioned merge path, and advance the watermark over the contiguous
// ingested prefix.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rpattn/parcelsync/internal/audit"
	"github.com/rpattn/parcelsync/internal/config"
	"github.com/rpattn/parcelsync/internal/dedup"
	"github.com/rpattn/parcelsync/internal/domain"
	"github.com/rpattn/parcelsync/internal/executor"
	"github.com/rpattn/parcelsync/internal/fetch"
	"github.com/rpattn/parcelsync/internal/repository"
	"github.com/rpattn/parcelsync/internal/transform"

	"github.com/google/uuid"
)

// AdapterFactory builds a fetch adapter for one registered source.
type AdapterFactory func(source domain.Source) (fetch.Adapter, error)

// ArcGISFactory returns the production factory: one FeatureServer adapter
// per source row.
func ArcGISFactory(timeout time.Duration) AdapterFactory {
	return func(source domain.Source) (fetch.Adapter, error) {
		return fetch.NewArcGISAdapter(fetch.ArcGISOptions{
			Name:       source.Name,
			ServiceURL: source.ServiceURL,
			LayerID:    source.LayerID,
			Timeout:    timeout,
		})
	}
}

// Service runs incremental syncs for registered sources.
type Service struct {
	sources  repository.SourceRepository
	cursors  repository.CursorRepository
	raws     repository.RawParcelRepository
	parcels  repository.ParcelRepository
	runs     repository.SyncRunRepository
	logs     repository.IngestLogRepository
	dedupe   *dedup.Deduplicator
	exec     *executor.Executor
	adapters AdapterFactory
	cfg      config.PipelineConfig
}

// NewService wires the sync pipeline.
func NewService(
	sources repository.SourceRepository,
	cursors repository.CursorRepository,
	raws repository.RawParcelRepository,
	parcels repository.ParcelRepository,
	runs repository.SyncRunRepository,
	logs repository.IngestLogRepository,
	exec *executor.Executor,
	adapters AdapterFactory,
	cfg config.PipelineConfig,
) *Service {
	return &Service{
		sources:  sources,
		cursors:  cursors,
		raws:     raws,
		parcels:  parcels,
		runs:     runs,
		logs:     logs,
		dedupe:   dedup.NewDeduplicator(raws),
		exec:     exec,
		adapters: adapters,
		cfg:      cfg,
	}
}

// runState accumulates per-run counters under one lock; batch flushes touch
// it concurrently.
type runState struct {
	mu        sync.Mutex
	created   int
	updated   int
	unchanged int
	rejected  int
}

func (s *runState) record(change audit.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch change {
	case audit.ChangeInsert:
		s.created++
	case audit.ChangeUpdate:
		s.updated++
	case audit.ChangeNone:
		s.unchanged++
	}
}

func (s *runState) reject() {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
}

// RunIncremental executes one sync cycle for a source and returns the
// finalized run report. The watermark only advances over records known to be
// durably ingested: when a batch fails, the cursor stops just below the
// failed batch's first record, so the next cycle refetches from there.
func (s *Service) RunIncremental(ctx context.Context, source domain.Source) (domain.SyncRun, error) {
	watermark, err := s.cursors.Get(ctx, source.ID)
	if err != nil {
		return domain.SyncRun{}, fmt.Errorf("failed to read cursor for %s: %w", source.Name, err)
	}

	run := domain.NewSyncRun(&source.ID, domain.RunKindIncremental)
	run.WatermarkStart = watermark
	run.WatermarkEnd = watermark
	if err := s.runs.Begin(ctx, run); err != nil {
		return domain.SyncRun{}, fmt.Errorf("failed to begin run for %s: %w", source.Name, err)
	}

	log.Printf("[SYNC] %s: starting run %s from watermark %d", source.Name, run.ID, watermark)

	finalized := false
	finalize := func(status string) {
		if finalized {
			return
		}
		finalized = true
		run.Finish(status)
		if err := s.runs.Finalize(context.WithoutCancel(ctx), run); err != nil {
			log.Printf("[SYNC] %s: failed to finalize run %s: %v", source.Name, run.ID, err)
		}
		s.logRun(ctx, source, run)
	}
	// Crash-safety net: if anything below returns without finalizing, the
	// run must not be left dangling in the started state.
	defer func() {
		if !finalized {
			finalize(domain.RunStatusFailed)
		}
	}()

	adapter, err := s.adapters(source)
	if err != nil {
		run.AddErrorSample("adapter", err)
		finalize(domain.RunStatusFailed)
		return run, fmt.Errorf("failed to build adapter for %s: %w", source.Name, err)
	}

	pageSize := source.PageSize
	if pageSize <= 0 {
		pageSize = s.cfg.PageSize
	}
	limiter := fetch.NewLimiter(s.cfg.MinRequestRate, s.cfg.MaxRequestRate)
	fetcher := fetch.NewFetcher(adapter, limiter, pageSize, s.retryPolicy())

	state := &runState{}
	var fatal error

	for {
		page, done, err := fetcher.NextPage(ctx, watermark)
		if err != nil {
			run.AddErrorSample("fetch", err)
			fatal = err
			break
		}
		if len(page.Records) == 0 {
			break
		}

		run.RecordsSeen += len(page.Records)

		novel, skipped, err := s.filterPage(ctx, source, &run, state, page.Records)
		if err != nil {
			run.AddErrorSample("dedup", err)
			fatal = err
			break
		}
		run.RecordsSkipped += skipped

		var report executor.Report
		if len(novel) > 0 {
			report = s.flushPage(ctx, source, &run, state, novel)
			run.BatchesTotal += report.Total()
			run.BatchesFailed += report.Failed()
		}

		safe, ok := safeWatermark(page.Records, novel, report)
		if ok && safe > watermark {
			if err := s.cursors.Advance(ctx, source.ID, safe, run.ID); err != nil {
				run.AddErrorSample("cursor", err)
				fatal = err
				break
			}
			watermark = safe
			run.WatermarkEnd = safe
		}

		if report.Failed() > 0 {
			// The records above the failed batch cannot be passed by the
			// watermark; stop here and let the next cycle refetch them.
			for _, outcome := range report.FailedOutcomes() {
				run.AddErrorSample(fmt.Sprintf("batch %d", outcome.Span.Index), outcome.Err)
			}
			break
		}
		if done {
			break
		}
	}

	run.RecordsCreated = state.created
	run.RecordsUpdated = state.updated
	run.RecordsUnchanged = state.unchanged
	run.RecordsRejected = state.rejected

	progressed := run.WatermarkEnd > run.WatermarkStart || state.created+state.updated > 0

	switch {
	case fatal != nil && !progressed:
		finalize(domain.RunStatusFailed)
		return run, fmt.Errorf("sync %s failed: %w", source.Name, fatal)
	case fatal != nil:
		finalize(domain.RunStatusPartial)
		return run, fmt.Errorf("sync %s incomplete: %w", source.Name, fatal)
	case run.BatchesFailed > 0:
		finalize(domain.RunStatusPartial)
		return run, nil
	default:
		finalize(domain.RunStatusSucceeded)
		return run, nil
	}
}

// filterPage extracts natural keys, drops records whose content hash is
// unchanged, and returns the novel raw records to process.
func (s *Service) filterPage(ctx context.Context, source domain.Source, run *domain.SyncRun, state *runState, records []fetch.Record) ([]domain.RawParcel, int, error) {
	candidates := make([]dedup.Candidate, 0, len(records))
	for _, record := range records {
		recordID, err := transform.SourceRecordID(record.Attributes)
		if err != nil {
			state.reject()
			run.AddErrorSample(fmt.Sprintf("object %d", record.ObjectID), err)
			continue
		}
		candidates = append(candidates, dedup.Candidate{
			ObjectID:       record.ObjectID,
			SourceRecordID: recordID,
			Payload:        record.Attributes,
		})
	}

	novel, skipped, err := s.dedupe.FilterNovel(ctx, source.ID, run.ID, candidates)
	if err != nil {
		return nil, 0, err
	}
	return novel, skipped, nil
}

// flushPage persists the novel records in concurrent batches: each record
// goes through the versioned merge path, then the batch's raw payloads and
// content hashes land last. The stored hash is what dedup skips on, so it
// must only exist once the whole batch merged; a failed batch leaves no
// hashes behind and the refetch after the watermark rollback processes it
// again, without touching its neighbors.
func (s *Service) flushPage(ctx context.Context, source domain.Source, run *domain.SyncRun, state *runState, novel []domain.RawParcel) executor.Report {
	label := fmt.Sprintf("%s flush", source.Name)
	var sampleMu sync.Mutex

	return s.exec.Run(ctx, len(novel), label, func(ctx context.Context, span executor.Span) error {
		batch := novel[span.Start:span.End]

		for _, raw := range batch {
			fields := transform.FieldsFromAttributes(raw.Payload)
			parcel, rowErrs := transform.ParcelFromFields(int(raw.ObjectID), fields)
			if len(rowErrs) > 0 {
				state.reject()
				sampleMu.Lock()
				run.AddErrorSample(fmt.Sprintf("object %d", raw.ObjectID), rowErrs[0])
				sampleMu.Unlock()
				continue
			}

			change, err := s.parcels.UpsertVersioned(ctx, parcel, run.ID)
			if err != nil {
				return fmt.Errorf("failed to upsert parcel %s: %w", parcel.ParcelID, err)
			}
			state.record(change)
		}

		if err := s.raws.UpsertBatch(ctx, batch); err != nil {
			return fmt.Errorf("failed to store raw batch: %w", err)
		}
		return nil
	})
}

// safeWatermark computes how far the cursor may advance after a page.
// With no failed batches every page record is durable (novel records were
// written, the rest were skipped as already known), so the page's last id is
// safe. With failures, the cursor may only reach the last page id strictly
// below the first failed batch's first record.
func safeWatermark(records []fetch.Record, novel []domain.RawParcel, report executor.Report) (int64, bool) {
	if len(records) == 0 {
		return 0, false
	}
	if report.Failed() == 0 {
		return records[len(records)-1].ObjectID, true
	}

	prefix := report.ContiguousPrefixEnd()
	if prefix >= len(novel) {
		// Failed spans exist but sit inside the prefix count; be conservative.
		return 0, false
	}
	firstFailed := novel[prefix].ObjectID

	var safe int64
	found := false
	for _, record := range records {
		if record.ObjectID >= firstFailed {
			break
		}
		safe = record.ObjectID
		found = true
	}
	return safe, found
}

func (s *Service) retryPolicy() executor.Policy {
	policy := executor.DefaultPolicy()
	if s.cfg.MaxAttempts > 0 {
		policy.MaxAttempts = s.cfg.MaxAttempts
	}
	if s.cfg.RetryBaseDelay > 0 {
		policy.BaseDelay = s.cfg.RetryBaseDelay
	}
	if s.cfg.RetryMaxDelay > 0 {
		policy.MaxDelay = s.cfg.RetryMaxDelay
	}
	return policy
}

func (s *Service) logRun(ctx context.Context, source domain.Source, run domain.SyncRun) {
	level := domain.LogLevelInfo
	switch run.Status {
	case domain.RunStatusFailed:
		level = domain.LogLevelError
	case domain.RunStatusPartial:
		level = domain.LogLevelWarn
	}

	entry := domain.IngestLogEntry{
		ID:      uuid.New(),
		RunID:   &run.ID,
		Level:   level,
		Source:  source.Name,
		Message: fmt.Sprintf("sync %s: %s", source.Name, run.Status),
		Metadata: map[string]any{
			"records_seen":    run.RecordsSeen,
			"records_skipped": run.RecordsSkipped,
			"records_created": run.RecordsCreated,
			"records_updated": run.RecordsUpdated,
			"watermark_start": run.WatermarkStart,
			"watermark_end":   run.WatermarkEnd,
			"batches_failed":  run.BatchesFailed,
		},
		CreatedAt: time.Now(),
	}
	if err := s.logs.Record(context.WithoutCancel(ctx), entry); err != nil {
		log.Printf("[SYNC] failed to record log entry: %v", err)
	}

	log.Printf("[SYNC] %s: run %s %s (seen=%d skipped=%d created=%d updated=%d unchanged=%d rejected=%d watermark %d -> %d)",
		source.Name, run.ID, run.Status,
		run.RecordsSeen, run.RecordsSkipped, run.RecordsCreated, run.RecordsUpdated,
		run.RecordsUnchanged, run.RecordsRejected, run.WatermarkStart, run.WatermarkEnd)
}

// ErrNoEnabledSources is returned by SyncAll when the registry has nothing
// to sync.
var ErrNoEnabledSources = errors.New("no enabled sources")
