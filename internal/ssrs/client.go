// Package ssrs renders reports through a report server's URL access
// endpoint.
package ssrs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reportsync/internal/config"
)

// maxBody caps how much of a rendered report is read into memory.
const maxBody = 512 << 20

// DefaultDateLayouts are tried in order until the server accepts one.
var DefaultDateLayouts = []string{"2006-01-02", "01/02/2006", "1/2/2006"}

// Client renders reports from one report server.
type Client struct {
	root        string
	http        *http.Client
	dateLayouts []string
	log         *slog.Logger
}

// NewClient creates a Client for the server root, for example
// http://host/ReportServer.
func NewClient(root string, timeout time.Duration, dateLayouts []string, log *slog.Logger) *Client {
	if len(dateLayouts) == 0 {
		dateLayouts = DefaultDateLayouts
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		root:        strings.TrimRight(root, "/?"),
		http:        &http.Client{Timeout: timeout},
		dateLayouts: dateLayouts,
		log:         log,
	}
}

// NewClientFromConfig creates a Client from the report_server section.
func NewClientFromConfig(cfg config.ReportServer, log *slog.Logger) *Client {
	return NewClient(cfg.Root, cfg.Timeout, cfg.DateLayouts, log)
}

// RenderURL builds the URL access request for a report.
func (c *Client) RenderURL(reportPath, format string, params url.Values) string {
	var b strings.Builder
	b.WriteString(c.root)
	b.WriteByte('?')
	b.WriteString(escapePath(reportPath))
	b.WriteString("&rs:Command=Render&rs:Format=")
	b.WriteString(url.QueryEscape(format))
	if len(params) > 0 {
		b.WriteByte('&')
		b.WriteString(params.Encode())
	}
	return b.String()
}

// Render fetches one rendering of a report.
func (c *Client) Render(ctx context.Context, reportPath, format string, params url.Values) ([]byte, error) {
	u := c.RenderURL(reportPath, format, params)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Report: reportPath, Err: err}
	}
	req.Header.Set("User-Agent", "reportsync")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: classifyTransport(err), Report: reportPath, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, &Error{Kind: classifyTransport(err), Status: resp.StatusCode, Report: reportPath, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Kind:   classifyResponse(resp.StatusCode, body),
			Status: resp.StatusCode,
			Report: reportPath,
			Err:    errors.New(snippet(body)),
		}
	}
	return body, nil
}

// RenderDates fetches a report for [start, end], retrying with each
// alternate date serialization while the server rejects the parameters.
func (c *Client) RenderDates(ctx context.Context, reportPath, format string, p DateParams, start, end time.Time) ([]byte, error) {
	var lastErr error
	for _, layout := range c.dateLayouts {
		body, err := c.Render(ctx, reportPath, format, p.Values(start, end, layout))
		if err == nil {
			return body, nil
		}
		if k, _ := KindOf(err); k != KindParameterMismatch {
			return nil, err
		}
		c.log.Debug("report server rejected date format", "report", reportPath, "layout", layout, "error", err)
		lastErr = err
	}
	return nil, lastErr
}

// ReportFetcher renders one configured report one day at a time.
type ReportFetcher struct {
	Client *Client
	Path   string
	Format string
	Params DateParams
}

// NewReportFetcher resolves the report's date parameters and returns a
// fetcher for it.
func NewReportFetcher(c *Client, r *config.Report) (*ReportFetcher, error) {
	p, err := ParamsFor(r)
	if err != nil {
		return nil, err
	}
	return &ReportFetcher{Client: c, Path: r.Path, Format: r.Format, Params: p}, nil
}

// Fetch renders the report for day. Range reports get start = end = day.
func (f *ReportFetcher) Fetch(ctx context.Context, day time.Time) ([]byte, error) {
	return f.Client.RenderDates(ctx, f.Path, f.Format, f.Params, day, day)
}

func escapePath(p string) string {
	return strings.NewReplacer("%2F", "/", "+", "%20").Replace(url.QueryEscape(p))
}

func snippet(body []byte) string {
	s := strings.Join(strings.Fields(string(body)), " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}
