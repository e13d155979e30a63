package kwollect

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/millillitre/alumet/agent/internal/config"
)

// maxResponseBytes caps how much of a metrics response is read.
const maxResponseBytes = 64 << 20

// queryTimeLayout is the start_time/end_time format sent to the API.
// The API rejects fractional seconds.
const queryTimeLayout = "2006-01-02T15:04:05Z07:00"

// Client fetches raw measurement records for one site/node/metric filter.
// It performs no retries and no filtering: what the API returns is what the
// caller gets.
type Client struct {
	cfg    config.Plugin
	client *http.Client
}

// New returns a Client for cfg. It builds the HTTP client once and reuses it
// across Fetch calls.
func New(cfg config.Plugin) (*Client, error) {
	if cfg.Site == "" {
		return nil, errors.New("kwollect: site is required")
	}
	if cfg.Hostname == "" {
		return nil, errors.New("kwollect: hostname is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("kwollect: base url: %w", err)
	}
	return &Client{cfg: cfg, client: buildHTTPClient(cfg)}, nil
}

// basicAuthRoundTripper injects HTTP Basic credentials into every request.
type basicAuthRoundTripper struct {
	base     http.RoundTripper
	login    string
	password string
}

func (t *basicAuthRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.login, t.password)
	return t.base.RoundTrip(req)
}

// buildHTTPClient constructs an http.Client carrying the plugin's credentials,
// TLS options and timeout.
func buildHTTPClient(cfg config.Plugin) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	return &http.Client{
		Transport: &basicAuthRoundTripper{
			base:     base,
			login:    cfg.Login,
			password: cfg.Secret(),
		},
		Timeout: cfg.Timeout,
	}
}

// URL returns the request URL for the window [from, to).
func (c *Client) URL(from, to time.Time) string {
	q := url.Values{}
	q.Set("nodes", c.cfg.Hostname)
	if c.cfg.Metrics != "" {
		q.Set("metrics", c.cfg.Metrics)
	}
	q.Set("start_time", formatQueryTime(from))
	q.Set("end_time", formatQueryTime(to))

	return strings.TrimRight(c.cfg.BaseURL, "/") +
		"/sites/" + url.PathEscape(c.cfg.Site) + "/metrics?" + q.Encode()
}

// formatQueryTime renders t in UTC, truncated to the second.
func formatQueryTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(queryTimeLayout)
}

// Fetch requests the records of the window [from, to) and returns the
// elements of the JSON array unmodified.
//
// Errors are *AuthError for 401/403, *TransientError for other non-2xx
// statuses, connection failures and timeouts, and *DecodeError for a body
// that is not a JSON array.
func (c *Client) Fetch(ctx context.Context, from, to time.Time) ([]json.RawMessage, error) {
	if from.After(to) {
		return nil, fmt.Errorf("%w: from %s is after to %s", ErrInvalidWindow,
			from.Format(time.RFC3339Nano), to.Format(time.RFC3339Nano))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(from, to), nil)
	if err != nil {
		return nil, fmt.Errorf("kwollect: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("http get: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp.StatusCode, body)
	}

	return decodeRecords(body)
}

// decodeRecords splits a JSON array body into its raw elements.
func decodeRecords(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, &DecodeError{Reason: "empty body"}
	}
	if trimmed[0] != '[' {
		if !json.Valid(trimmed) {
			return nil, &DecodeError{Reason: "invalid JSON"}
		}
		return nil, &DecodeError{Reason: "expected a JSON array of records"}
	}
	var records []json.RawMessage
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON", Err: err}
	}
	if records == nil {
		records = []json.RawMessage{}
	}
	return records, nil
}
