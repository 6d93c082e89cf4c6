// Package reportsync is a Go client for the reportsync status server.
package reportsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"reportsync/internal/api"
	"reportsync/internal/gather"
	"reportsync/internal/store"
	"reportsync/internal/telemetry"
)

// ErrNotFound is returned for unknown reports and runs.
var ErrNotFound = errors.New("reportsync: not found")

// Client talks to a running `reportsync serve`.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL, for example
// http://127.0.0.1:8080.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Reports lists the configured reports with any driver status.
func (c *Client) Reports(ctx context.Context) ([]api.ReportJSON, error) {
	var out []api.ReportJSON
	return out, c.get(ctx, "/api/reports", nil, &out)
}

// Coverage returns archive diagnostics for a report.
func (c *Client) Coverage(ctx context.Context, report string) (*api.CoverageJSON, error) {
	var out api.CoverageJSON
	if err := c.get(ctx, "/api/reports/"+url.PathEscape(report)+"/coverage", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the driver status for a report.
func (c *Client) Status(ctx context.Context, report string) (*gather.StatusSnapshot, error) {
	var out gather.StatusSnapshot
	if err := c.get(ctx, "/api/reports/"+url.PathEscape(report)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Runs lists the most recent runs, newest first.
func (c *Client) Runs(ctx context.Context, limit int) ([]store.Run, error) {
	var out []store.Run
	return out, c.get(ctx, "/api/runs", limitQuery(limit), &out)
}

// Changes lists the changes recorded by one run.
func (c *Client) Changes(ctx context.Context, runID string, limit int) ([]store.ChangeRecord, error) {
	var out []store.ChangeRecord
	return out, c.get(ctx, "/api/runs/"+url.PathEscape(runID)+"/changes", limitQuery(limit), &out)
}

// Metrics returns the server's counters.
func (c *Client) Metrics(ctx context.Context) ([]telemetry.Point, error) {
	var out []telemetry.Point
	return out, c.get(ctx, "/api/metrics", nil, &out)
}

// Ready reports whether every driver on the server is healthy.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	err := c.get(ctx, "/health/ready", nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusServiceUnavailable {
		return false, nil
	}
	return err == nil, err
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("reportsync: HTTP %d: %s", e.Code, e.Message)
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("GET %s: %w", path, ErrNotFound)
	}
	if resp.StatusCode/100 != 2 {
		var body struct {
			Error  string `json:"error"`
			Status string `json:"status"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &body) == nil {
			msg = body.Error
			if msg == "" {
				msg = body.Status
			}
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
