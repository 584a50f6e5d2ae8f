package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rpattn/parcelsync/internal/domain"
	"github.com/rpattn/parcelsync/internal/ingestion"
)

var (
	importFile      string
	importHeaderRow int
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Ingest a bulk CSV or XLSX parcel file",
	Long: `Stage a county roll file and merge it into the parcel table.

Rows are staged first, then merged in batches through the versioned write
path. Rows that fail validation are rejected individually and logged; a
failed batch leaves its staged rows behind for inspection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		file, err := os.Open(importFile)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", importFile, err)
		}
		defer file.Close()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		req := ingestion.Request{
			FileName: filepath.Base(importFile),
			Data:     file,
		}
		if importHeaderRow >= 0 {
			req.HeaderRowIndex = &importHeaderRow
		}

		summary, err := a.ingestService().Ingest(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("run %s: %s  rows=%d created=%d updated=%d unchanged=%d rejected=%d\n",
			summary.RunID, summary.Status, summary.TotalRows,
			summary.Created, summary.Updated, summary.Unchanged, summary.Rejected)
		if summary.Status == domain.RunStatusFailed {
			return errors.New("ingestion failed")
		}
		return nil
	},
}

func init() {
	importCmd.Flags().StringVarP(&importFile, "file", "f", "", "Path to the CSV or XLSX file (required)")
	importCmd.Flags().IntVar(&importHeaderRow, "header", -1, "Zero-based header row index; -1 autodetects")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
