package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Handler exposes exports over HTTP: POST creates an export file
// synchronously, GET under /files/ downloads it.
type Handler struct {
	service *Service
}

func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/files/"):
		h.handleDownload(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(strings.TrimSuffix(r.URL.Path, "/"), "/history"):
		h.handleExportHistory(w, r)
	case r.Method == http.MethodPost:
		h.handleExportParcels(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

type parcelExportPayload struct {
	CountyNo *int   `json:"countyNo"`
	Format   string `json:"format"`
}

type historyExportPayload struct {
	ParcelID string `json:"parcelId"`
	Format   string `json:"format"`
}

type exportResponse struct {
	File  string `json:"file"`
	Rows  int    `json:"rows"`
	Bytes int64  `json:"bytes"`
}

func (h *Handler) handleExportParcels(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	// An empty body exports the whole table as CSV.
	var payload parcelExportPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}

	result, err := h.service.ExportParcels(r.Context(), Request{CountyNo: payload.CountyNo, Format: payload.Format})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnsupportedFormat) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusCreated, exportResponse{
		File:  filepath.Base(result.Path),
		Rows:  result.Rows,
		Bytes: result.Bytes,
	})
}

func (h *Handler) handleExportHistory(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var payload historyExportPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(payload.ParcelID) == "" {
		http.Error(w, "parcelId is required", http.StatusBadRequest)
		return
	}

	result, err := h.service.ExportHistory(r.Context(), payload.ParcelID, payload.Format)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnsupportedFormat) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusCreated, exportResponse{
		File:  filepath.Base(result.Path),
		Rows:  result.Rows,
		Bytes: result.Bytes,
	})
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	idx := strings.LastIndex(path, "/files/")
	if idx == -1 {
		http.Error(w, "missing file name", http.StatusBadRequest)
		return
	}
	name := path[idx+len("/files/"):]
	// Export files are flat; any path structure in the name is an escape
	// attempt.
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		http.Error(w, "invalid file name", http.StatusBadRequest)
		return
	}

	fullPath := filepath.Join(h.service.exportDir, name)
	file, err := os.Open(fullPath)
	if err != nil {
		http.Error(w, "export not found", http.StatusNotFound)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		http.Error(w, "export not found", http.StatusNotFound)
		return
	}

	contentType := "application/octet-stream"
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		contentType = "text/csv"
	case ".xlsx":
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), file)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
