// Package ingestion loads county property-roll files (CSV or XLSX) into the
// versioned parcel store. Rows pass through the run-scoped staging arena
// first, then the transform and merge path; a failed run leaves its staged
// rows in place for inspection.
package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rpattn/parcelsync/internal/audit"
	"github.com/rpattn/parcelsync/internal/domain"
	"github.com/rpattn/parcelsync/internal/executor"
	"github.com/rpattn/parcelsync/internal/repository"
	"github.com/rpattn/parcelsync/internal/transform"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}
)

// Service ingests tabular parcel data files.
type Service struct {
	staging repository.StagingRepository
	parcels repository.ParcelRepository
	runs    repository.SyncRunRepository
	logs    repository.IngestLogRepository
	exec    *executor.Executor
}

// NewService creates a new ingestion service.
func NewService(
	staging repository.StagingRepository,
	parcels repository.ParcelRepository,
	runs repository.SyncRunRepository,
	logs repository.IngestLogRepository,
	exec *executor.Executor,
) *Service {
	return &Service{
		staging: staging,
		parcels: parcels,
		runs:    runs,
		logs:    logs,
		exec:    exec,
	}
}

// Request describes the ingestion input.
type Request struct {
	FileName       string
	HeaderRowIndex *int
	Data           io.Reader
}

// Summary returns ingestion level metrics.
type Summary struct {
	RunID     uuid.UUID `json:"runId"`
	Status    string    `json:"status"`
	TotalRows int       `json:"totalRows"`
	Created   int       `json:"created"`
	Updated   int       `json:"updated"`
	Unchanged int       `json:"unchanged"`
	Rejected  int       `json:"rejected"`
}

type tableData struct {
	headers        []string
	rawHeaders     []string
	rows           [][]string
	headerRowIndex int
}

// Ingest reads the file, stages every row under a fresh run, then merges the
// staged rows into the parcel store batch by batch. Batches fail
// independently; rejected rows are counted and sampled without stopping
// their batch. Staged rows are removed only after a fully successful run.
func (s *Service) Ingest(ctx context.Context, req Request) (Summary, error) {
	summary := Summary{}

	if strings.TrimSpace(req.FileName) == "" {
		return summary, errors.New("file name is required")
	}
	if req.Data == nil {
		return summary, errors.New("data reader is required")
	}

	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return summary, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(payload) == 0 {
		return summary, errors.New("file is empty")
	}

	table, err := parseTable(req.FileName, payload, req.HeaderRowIndex)
	if err != nil {
		return summary, err
	}
	if len(table.headers) == 0 {
		return summary, errors.New("no header row detected")
	}

	fileName := filepath.Base(req.FileName)
	run := domain.NewSyncRun(nil, domain.RunKindBulkFile)
	run.FileName = &fileName
	if err := s.runs.Begin(ctx, run); err != nil {
		return summary, fmt.Errorf("failed to begin run: %w", err)
	}
	summary.RunID = run.ID

	finalized := false
	finalize := func(status string) {
		if finalized {
			return
		}
		finalized = true
		run.Finish(status)
		if err := s.runs.Finalize(context.WithoutCancel(ctx), run); err != nil {
			log.Printf("[INGEST] failed to finalize run %s: %v", run.ID, err)
		}
		summary.Status = run.Status
	}

	staged := buildStagingRows(run.ID, table)
	run.RecordsSeen = len(staged)
	summary.TotalRows = len(staged)

	if err := s.stageAll(ctx, run.ID, staged); err != nil {
		run.AddErrorSample("staging", err)
		finalize(domain.RunStatusFailed)
		return summary, fmt.Errorf("failed to stage %s: %w", fileName, err)
	}

	stats, report := s.mergeStaged(ctx, &run, len(staged))
	run.RecordsCreated = stats.created
	run.RecordsUpdated = stats.updated
	run.RecordsUnchanged = stats.unchanged
	run.RecordsRejected = stats.rejected
	run.BatchesTotal = report.Total()
	run.BatchesFailed = report.Failed()

	summary.Created = stats.created
	summary.Updated = stats.updated
	summary.Unchanged = stats.unchanged
	summary.Rejected = stats.rejected

	switch {
	case report.Failed() == 0:
		// Staged rows are only cleared once everything landed.
		if err := s.staging.DeleteRun(ctx, run.ID); err != nil {
			log.Printf("[INGEST] failed to clear staging for run %s: %v", run.ID, err)
		}
		finalize(domain.RunStatusSucceeded)
	case report.Succeeded() > 0:
		finalize(domain.RunStatusPartial)
	default:
		finalize(domain.RunStatusFailed)
	}

	s.logSummary(ctx, run, fileName)
	return summary, nil
}

// stageAll writes the staging rows in concurrent batches.
func (s *Service) stageAll(ctx context.Context, runID uuid.UUID, rows []domain.StagingRow) error {
	report := s.exec.Run(ctx, len(rows), "stage rows", func(ctx context.Context, span executor.Span) error {
		return s.staging.InsertBatch(ctx, rows[span.Start:span.End])
	})
	if report.Failed() > 0 {
		first := report.FailedOutcomes()[0]
		return fmt.Errorf("%d of %d staging batches failed: %w", report.Failed(), report.Total(), first.Err)
	}
	return nil
}

type mergeStats struct {
	mu        sync.Mutex
	created   int
	updated   int
	unchanged int
	rejected  int
}

// mergeStaged reads the staged rows back page by page and applies each
// through the versioned write path. Line numbers are dense (assigned at
// staging time), so executor spans address staging pages directly.
func (s *Service) mergeStaged(ctx context.Context, run *domain.SyncRun, total int) (*mergeStats, executor.Report) {
	stats := &mergeStats{}
	var sampleMu sync.Mutex

	report := s.exec.Run(ctx, total, "merge staged rows", func(ctx context.Context, span executor.Span) error {
		rows, err := s.staging.ListPage(ctx, run.ID, span.Start, span.Size())
		if err != nil {
			return err
		}

		for _, row := range rows {
			parcel, rowErrs := transform.ParcelFromFields(row.LineNo, row.Fields)
			if len(rowErrs) > 0 {
				stats.mu.Lock()
				stats.rejected++
				stats.mu.Unlock()

				sampleMu.Lock()
				run.AddErrorSample(fmt.Sprintf("line %d", row.LineNo), rowErrs[0])
				sampleMu.Unlock()
				continue
			}

			change, err := s.parcels.UpsertVersioned(ctx, parcel, run.ID)
			if err != nil {
				return fmt.Errorf("failed to upsert parcel %s: %w", parcel.ParcelID, err)
			}

			stats.mu.Lock()
			switch change {
			case audit.ChangeInsert:
				stats.created++
			case audit.ChangeUpdate:
				stats.updated++
			case audit.ChangeNone:
				stats.unchanged++
			}
			stats.mu.Unlock()
		}
		return nil
	})

	for _, outcome := range report.FailedOutcomes() {
		run.AddErrorSample(fmt.Sprintf("batch %d", outcome.Span.Index), outcome.Err)
	}
	return stats, report
}

func (s *Service) logSummary(ctx context.Context, run domain.SyncRun, fileName string) {
	level := domain.LogLevelInfo
	if run.Status == domain.RunStatusFailed {
		level = domain.LogLevelError
	} else if run.Status == domain.RunStatusPartial || run.RecordsRejected > 0 {
		level = domain.LogLevelWarn
	}

	entry := domain.IngestLogEntry{
		ID:      uuid.New(),
		RunID:   &run.ID,
		Level:   level,
		Source:  "ingestion",
		Message: fmt.Sprintf("file %s: %s", fileName, run.Status),
		Metadata: map[string]any{
			"records_seen":     run.RecordsSeen,
			"records_created":  run.RecordsCreated,
			"records_updated":  run.RecordsUpdated,
			"records_rejected": run.RecordsRejected,
			"batches_failed":   run.BatchesFailed,
		},
		CreatedAt: time.Now(),
	}
	if err := s.logs.Record(context.WithoutCancel(ctx), entry); err != nil {
		log.Printf("[INGEST] failed to record log entry: %v", err)
	}
}

// buildStagingRows pairs each data row with its headers. Line numbers start
// at 1 and stay dense so staging pages can be addressed by range.
func buildStagingRows(runID uuid.UUID, table tableData) []domain.StagingRow {
	rows := make([]domain.StagingRow, 0, len(table.rows))
	for idx, record := range table.rows {
		fields := make(map[string]string, len(table.headers))
		for col, header := range table.headers {
			if col < len(record) {
				fields[header] = record[col]
			} else {
				fields[header] = ""
			}
		}
		rows = append(rows, domain.StagingRow{
			RunID:  runID,
			LineNo: idx + 1,
			Fields: fields,
		})
	}
	return rows
}

func parseTable(fileName string, payload []byte, headerRowIndex *int) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload, headerRowIndex)
	case ".xlsx":
		return parseExcel(payload, headerRowIndex)
	default:
		return tableData{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte, headerRowIndex *int) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}

	return normalizeTable(records, headerRowIndex)
}

func parseExcel(payload []byte, headerRowIndex *int) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}

	return normalizeTable(rows, headerRowIndex)
}

func normalizeTable(records [][]string, headerRowIndex *int) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	var headerRow []string
	var dataRows [][]string
	headerIndex := -1

	if headerRowIndex != nil {
		if *headerRowIndex < 0 || *headerRowIndex >= len(records) {
			return tableData{}, fmt.Errorf("header row index %d out of range", *headerRowIndex)
		}
		selected := cleanRow(records[*headerRowIndex])
		if len(selected) == 0 {
			return tableData{}, fmt.Errorf("selected header row %d is empty", *headerRowIndex+1)
		}
		headerRow = records[*headerRowIndex]
		headerIndex = *headerRowIndex
		for idx := *headerRowIndex + 1; idx < len(records); idx++ {
			row := records[idx]
			if len(cleanRow(row)) == 0 {
				continue
			}
			dataRows = append(dataRows, row)
		}
	} else {
		for idx, row := range records {
			if len(cleanRow(row)) == 0 {
				continue
			}
			if headerRow == nil {
				headerRow = row
				headerIndex = idx
				continue
			}
			dataRows = append(dataRows, row)
		}
	}

	if headerRow == nil {
		return tableData{}, errors.New("header row could not be detected")
	}

	headers := sanitizeHeaders(headerRow)
	rawHeaders := make([]string, len(headerRow))
	for i, value := range headerRow {
		rawHeaders[i] = strings.TrimSpace(value)
	}

	for i := range dataRows {
		dataRows[i] = padRow(dataRows[i], len(headers))
	}

	dataRows = filterEmptyRows(dataRows)

	return tableData{
		headers:        headers,
		rawHeaders:     rawHeaders,
		rows:           dataRows,
		headerRowIndex: headerIndex,
	}, nil
}

func cleanRow(row []string) []string {
	var cleaned []string
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			cleaned = append(cleaned, cell)
		}
	}
	return cleaned
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.TrimSpace(value)
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		name = strings.ReplaceAll(name, "-", "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	for i := len(row); i < length; i++ {
		padded[i] = ""
	}
	return padded
}

func filterEmptyRows(rows [][]string) [][]string {
	var filtered [][]string
	for _, row := range rows {
		keep := false
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				keep = true
				break
			}
		}
		if keep {
			filtered = append(filtered, row)
		}
	}
	return filtered
}
