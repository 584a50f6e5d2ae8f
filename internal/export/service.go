// Package export writes parcel data to CSV or XLSX files. Exports stream
// page by page into a temp file that is promoted into place only when
// complete, so readers never observe a half-written export.
package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rpattn/parcelsync/internal/domain"
	"github.com/rpattn/parcelsync/internal/repository"

	"github.com/xuri/excelize/v2"
)

// FormatCSV and FormatXLSX name the supported output formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// ErrUnsupportedFormat is returned for formats other than csv and xlsx.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// parcelExportColumns fixes the column order for parcel exports: the
// property-roll layout, then the version bookkeeping.
var parcelExportColumns = []string{
	"parcel_id", "co_no", "county_fips", "county_name",
	"dor_uc", "pa_uc",
	"own_name", "own_addr1", "own_city", "own_state", "own_zipcd",
	"phy_addr1", "phy_addr2", "phy_city", "phy_zipcd",
	"jv", "av_sd", "av_nsd", "tv_sd", "tv_nsd", "lnd_val", "spec_feat_val", "sale_prc1",
	"asmnt_yr", "sale_yr1", "sale_mo1", "act_yr_blt", "eff_yr_blt", "no_buldng", "no_res_unt",
	"tot_lvg_ar", "lnd_sqfoot",
	"twn", "rng", "sec", "or_book1", "or_page1",
	"version", "updated_at",
}

var historyExportColumns = []string{
	"parcel_id", "version", "change_type", "valid_from", "valid_to", "run_id", "changed_at", "snapshot",
}

type Service struct {
	parcels   repository.ParcelRepository
	exportDir string
	pageSize  int
	now       func() time.Time
}

type Option func(*Service)

func WithExportDirectory(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.exportDir = filepath.Clean(dir)
		}
	}
}

func WithPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

func NewService(parcels repository.ParcelRepository, opts ...Option) *Service {
	service := &Service{
		parcels:   parcels,
		exportDir: filepath.Join(os.TempDir(), "parcelsync-exports"),
		pageSize:  1000,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	if service.pageSize <= 0 {
		service.pageSize = 1000
	}
	if strings.TrimSpace(service.exportDir) == "" {
		service.exportDir = filepath.Join(os.TempDir(), "parcelsync-exports")
	}
	if service.now == nil {
		service.now = time.Now
	}
	return service
}

// Request selects what to export and how.
type Request struct {
	CountyNo *int
	Format   string
}

// Result describes the finished export file.
type Result struct {
	Path  string
	Rows  int
	Bytes int64
}

// ExportParcels writes the live parcel table, optionally filtered by county,
// in stable parcel_id order.
func (s *Service) ExportParcels(ctx context.Context, req Request) (Result, error) {
	format, err := normalizeFormat(req.Format)
	if err != nil {
		return Result{}, err
	}

	filter := repository.ParcelFilter{CountyNo: req.CountyNo}

	name := "parcels"
	if req.CountyNo != nil {
		name = fmt.Sprintf("parcels-co%d", *req.CountyNo)
	}

	rows := func(yield func([]string) error) error {
		offset := 0
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			parcels, err := s.parcels.List(ctx, filter, s.pageSize, offset)
			if err != nil {
				return fmt.Errorf("failed to list parcels: %w", err)
			}
			if len(parcels) == 0 {
				return nil
			}
			for _, parcel := range parcels {
				if err := yield(parcelRow(parcel)); err != nil {
					return err
				}
			}
			if len(parcels) < s.pageSize {
				return nil
			}
			offset += s.pageSize
		}
	}

	return s.writeFile(name, format, parcelExportColumns, rows)
}

// ExportHistory writes the full version trail of one parcel, snapshots
// included.
func (s *Service) ExportHistory(ctx context.Context, parcelID string, format string) (Result, error) {
	normalized, err := normalizeFormat(format)
	if err != nil {
		return Result{}, err
	}
	parcelID = strings.TrimSpace(parcelID)
	if parcelID == "" {
		return Result{}, errors.New("parcel id is required")
	}

	entries, err := s.parcels.ListHistory(ctx, parcelID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list history: %w", err)
	}

	rows := func(yield func([]string) error) error {
		for _, entry := range entries {
			if err := yield(historyRow(entry)); err != nil {
				return err
			}
		}
		return nil
	}

	name := "history-" + sanitizeFileName(parcelID)
	return s.writeFile(name, normalized, historyExportColumns, rows)
}

type rowSource func(yield func([]string) error) error

// writeFile streams rows into a temp file in the export directory and
// renames it into place once everything flushed.
func (s *Service) writeFile(name, format string, headers []string, rows rowSource) (Result, error) {
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create export directory: %w", err)
	}

	stamp := s.now().UTC().Format("20060102-150405")
	finalName := fmt.Sprintf("%s-%s.%s", name, stamp, format)

	tempFile, err := os.CreateTemp(s.exportDir, fmt.Sprintf("%s-*.%s", name, format))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create temp export file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tempFile.Close()
			_ = os.Remove(tempPath)
		}
	}()

	var (
		rowCount int
		written  int64
	)
	switch format {
	case FormatCSV:
		rowCount, written, err = writeCSV(tempFile, headers, rows)
	case FormatXLSX:
		rowCount, written, err = writeXLSX(tempFile, headers, rows)
	}
	if err != nil {
		return Result{}, err
	}

	if err := tempFile.Sync(); err != nil {
		return Result{}, fmt.Errorf("failed to sync export file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to close export file: %w", err)
	}

	finalPath := filepath.Join(s.exportDir, finalName)
	if err := os.Rename(tempPath, finalPath); err != nil {
		return Result{}, fmt.Errorf("failed to promote export file: %w", err)
	}
	cleanup = false

	if written == 0 {
		if info, statErr := os.Stat(finalPath); statErr == nil {
			written = info.Size()
		}
	}

	return Result{Path: finalPath, Rows: rowCount, Bytes: written}, nil
}

func writeCSV(file *os.File, headers []string, rows rowSource) (int, int64, error) {
	buffered := bufio.NewWriterSize(file, 1<<20) // 1 MiB buffer for streaming writes
	counter := &countingWriter{writer: buffered}
	csvWriter := csv.NewWriter(counter)

	if err := csvWriter.Write(headers); err != nil {
		return 0, 0, fmt.Errorf("failed to write header: %w", err)
	}

	rowCount := 0
	err := rows(func(row []string) error {
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		rowCount++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return 0, 0, fmt.Errorf("failed to flush rows: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return 0, 0, fmt.Errorf("failed to flush buffer: %w", err)
	}
	return rowCount, counter.count, nil
}

func writeXLSX(file *os.File, headers []string, rows rowSource) (int, int64, error) {
	workbook := excelize.NewFile()
	defer func() { _ = workbook.Close() }()

	sheet := workbook.GetSheetName(0)
	stream, err := workbook.NewStreamWriter(sheet)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open stream writer: %w", err)
	}

	headerCells := make([]any, len(headers))
	for i, header := range headers {
		headerCells[i] = header
	}
	if err := stream.SetRow("A1", headerCells); err != nil {
		return 0, 0, fmt.Errorf("failed to write header: %w", err)
	}

	rowCount := 0
	err = rows(func(row []string) error {
		cells := make([]any, len(row))
		for i, value := range row {
			cells[i] = value
		}
		cell, err := excelize.CoordinatesToCellName(1, rowCount+2)
		if err != nil {
			return err
		}
		if err := stream.SetRow(cell, cells); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		rowCount++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	if err := stream.Flush(); err != nil {
		return 0, 0, fmt.Errorf("failed to flush stream: %w", err)
	}

	written, err := workbook.WriteTo(file)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to write workbook: %w", err)
	}
	return rowCount, written, nil
}

func parcelRow(parcel domain.Parcel) []string {
	fields := parcel.BusinessFields()
	row := make([]string, len(parcelExportColumns))
	for i, column := range parcelExportColumns {
		switch column {
		case "version":
			row[i] = fmt.Sprintf("%d", parcel.Version)
		case "updated_at":
			row[i] = parcel.UpdatedAt.UTC().Format(time.RFC3339)
		default:
			row[i] = formatValue(fields[column])
		}
	}
	return row
}

func historyRow(entry domain.ParcelHistory) []string {
	snapshot, err := json.Marshal(entry.Snapshot)
	if err != nil {
		snapshot = []byte("{}")
	}
	return []string{
		entry.ParcelID,
		fmt.Sprintf("%d", entry.Version),
		entry.ChangeType,
		entry.ValidFrom.UTC().Format(time.RFC3339),
		entry.ValidTo.UTC().Format(time.RFC3339),
		entry.RunID.String(),
		entry.ChangedAt.UTC().Format(time.RFC3339),
		string(snapshot),
	}
}

func normalizeFormat(format string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(format))
	if normalized == "" {
		normalized = FormatCSV
	}
	switch normalized {
	case FormatCSV, FormatXLSX:
		return normalized, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func sanitizeFileName(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	result := strings.Trim(b.String(), "-")
	if result == "" {
		return "export"
	}
	return result
}

type countingWriter struct {
	writer *bufio.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return trimFloat(v)
	case float32:
		return trimFloat(float64(v))
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%v", v)
	case []byte:
		return string(v)
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// trimFloat renders whole floats without a fractional tail, matching how the
// property rolls print values.
func trimFloat(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}
