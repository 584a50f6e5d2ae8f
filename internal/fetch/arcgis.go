package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	objectIDField = "OBJECTID"
	// maxBodyBytes caps response reads; a full page of parcel attributes
	// stays well under this.
	maxBodyBytes = 64 << 20
)

// ArcGISAdapter reads a single FeatureServer layer through its query
// endpoint, selecting records strictly after the watermark in ascending
// OBJECTID order.
type ArcGISAdapter struct {
	name       string
	serviceURL string
	layerID    int
	client     *http.Client
	userAgent  string
}

// ArcGISOptions configures an adapter for one layer.
type ArcGISOptions struct {
	Name       string
	ServiceURL string
	LayerID    int
	Timeout    time.Duration
	UserAgent  string
}

func NewArcGISAdapter(opts ArcGISOptions) (*ArcGISAdapter, error) {
	base := strings.TrimSpace(opts.ServiceURL)
	if base == "" {
		return nil, fmt.Errorf("service URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid service URL: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	agent := strings.TrimSpace(opts.UserAgent)
	if agent == "" {
		agent = "parcelsync/1.0"
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "arcgis"
	}
	return &ArcGISAdapter{
		name:       name,
		serviceURL: strings.TrimRight(base, "/"),
		layerID:    opts.LayerID,
		client:     &http.Client{Timeout: timeout},
		userAgent:  agent,
	}, nil
}

func (a *ArcGISAdapter) Name() string { return a.name }

// FetchPage queries the layer for the next page above the watermark.
// FeatureServer reports query failures as an "error" member inside a 200
// body, so the payload is checked for one before the features are read.
func (a *ArcGISAdapter) FetchPage(ctx context.Context, query PageQuery) (Page, error) {
	u, err := url.Parse(fmt.Sprintf("%s/%d/query", a.serviceURL, a.layerID))
	if err != nil {
		return Page{}, fmt.Errorf("failed to build query url: %w", err)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 1000
	}

	q := u.Query()
	q.Set("where", fmt.Sprintf("%s > %d", objectIDField, query.Watermark))
	q.Set("orderByFields", objectIDField+" ASC")
	q.Set("outFields", "*")
	q.Set("returnGeometry", "false")
	q.Set("resultRecordCount", strconv.Itoa(limit))
	q.Set("f", "json")
	u.RawQuery = q.Encode()

	body, err := a.doGET(ctx, u.String())
	if err != nil {
		return Page{}, err
	}

	var payload struct {
		Features []struct {
			Attributes map[string]any `json:"attributes"`
		} `json:"features"`
		ExceededTransferLimit bool `json:"exceededTransferLimit"`
		Error                 *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Page{}, fmt.Errorf("failed to parse query response: %w", err)
	}
	if payload.Error != nil {
		return Page{}, &ServiceError{Code: payload.Error.Code, Message: payload.Error.Message}
	}

	page := Page{
		Records:       make([]Record, 0, len(payload.Features)),
		ExceededLimit: payload.ExceededTransferLimit,
	}
	for _, feature := range payload.Features {
		objectID, err := attributeObjectID(feature.Attributes)
		if err != nil {
			return Page{}, err
		}
		page.Records = append(page.Records, Record{
			ObjectID:   objectID,
			Attributes: feature.Attributes,
		})
	}
	return page, nil
}

func (a *ArcGISAdapter) doGET(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", a.userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{
			StatusCode:    resp.StatusCode,
			RetryAfterSec: parseRetryAfter(resp.Header),
		}
	}
	return body, nil
}

// parseRetryAfter reads the Retry-After header in both delay-seconds and
// HTTP-date forms, returning whole seconds.
func parseRetryAfter(h http.Header) int {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return int(d.Seconds()) + 1
		}
	}
	return 0
}

func attributeObjectID(attrs map[string]any) (int64, error) {
	raw, ok := attrs[objectIDField]
	if !ok {
		return 0, fmt.Errorf("feature has no %s attribute", objectIDField)
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(v, 10, 64)
	}
	return 0, fmt.Errorf("feature %s has unsupported type %T", objectIDField, raw)
}
