package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"github.com/rpattn/parcelsync/internal/export"
	"github.com/rpattn/parcelsync/internal/ingestion"
	"github.com/rpattn/parcelsync/internal/middleware"
)

var (
	serveAddr   string
	serveOrigin string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP admin server for uploads and exports",
	Long: `Serve the admin endpoints over HTTP.

  POST /api/ingest           multipart roll upload (field "file")
  POST /api/exports          create a parcel export
  POST /api/exports/history  create a history export for one parcel
  GET  /api/exports/files/{name}  download a finished export`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		mux := http.NewServeMux()
		mux.Handle("/api/ingest", ingestion.NewHTTPHandler(a.ingestService()))
		exportHandler := export.NewHTTPHandler(a.exportService())
		mux.Handle("/api/exports", exportHandler)
		mux.Handle("/api/exports/", exportHandler)

		corsHandler := cors.New(cors.Options{
			AllowedOrigins:   []string{serveOrigin},
			AllowCredentials: true,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
		})

		server := &http.Server{
			Addr:         serveAddr,
			Handler:      corsHandler.Handler(middleware.LoggingMiddleware(mux)),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Printf("Starting admin server on %s", serveAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
				return
			}
			errCh <- nil
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		log.Println("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		log.Println("Server exited")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&serveOrigin, "origin", "http://localhost:3000", "Allowed CORS origin")
	rootCmd.AddCommand(serveCmd)
}
