package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rpattn/parcelsync/internal/export"
	"github.com/rpattn/parcelsync/internal/repository"
)

var (
	exportCounty  int
	exportParcel  string
	exportFormat  string
	historyParcel string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export parcels (or one parcel's history with --parcel) to CSV/XLSX",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		svc := a.exportService()

		var result export.Result
		if exportParcel != "" {
			result, err = svc.ExportHistory(ctx, exportParcel, exportFormat)
		} else {
			req := export.Request{Format: exportFormat}
			if exportCounty > 0 {
				req.CountyNo = &exportCounty
			}
			result, err = svc.ExportParcels(ctx, req)
		}
		if err != nil {
			return err
		}
		fmt.Printf("wrote %d rows (%d bytes) to %s\n", result.Rows, result.Bytes, result.Path)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the version trail of a parcel",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.parcels.ListHistory(ctx, historyParcel)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			fmt.Printf("v%-4d %-7s %s -> %s  run=%s\n",
				entry.Version, entry.ChangeType,
				entry.ValidFrom.UTC().Format(time.RFC3339),
				entry.ValidTo.UTC().Format(time.RFC3339),
				entry.RunID)
		}

		current, err := a.parcels.GetByParcelID(ctx, historyParcel)
		switch {
		case err == nil:
			fmt.Printf("v%-4d current since %s\n", current.Version, current.UpdatedAt.UTC().Format(time.RFC3339))
		case errors.Is(err, repository.ErrParcelNotFound):
			if len(entries) == 0 {
				fmt.Printf("no record of parcel %s\n", historyParcel)
			} else {
				fmt.Println("parcel deleted")
			}
		default:
			return err
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().IntVar(&exportCounty, "county", 0, "Restrict to one county number (DOR CO_NO)")
	exportCmd.Flags().StringVar(&exportParcel, "parcel", "", "Export this parcel's history instead of the live table")
	exportCmd.Flags().StringVar(&exportFormat, "format", export.FormatCSV, "Output format: csv | xlsx")
	historyCmd.Flags().StringVar(&historyParcel, "parcel", "", "Parcel id (required)")
	_ = historyCmd.MarkFlagRequired("parcel")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(historyCmd)
}
