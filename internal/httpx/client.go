package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "CronoGuard/internal/errors"
	"CronoGuard/pkg/logger"
)

const (
	defaultRetries = 2
	defaultBackoff = 250 * time.Millisecond
	defaultTimeout = 10 * time.Second

	maxErrorBody = 2048
)

// Options bound a single logical request. Retries is the number of additional
// attempts after the first, so Retries=2 means at most three calls. Backoff
// grows linearly with the attempt number. Timeout applies per attempt and
// cancels the in-flight call when it elapses.
type Options struct {
	Retries int
	Backoff time.Duration
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = defaultBackoff
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	return o
}

// Client is a bounded-retry JSON fetcher shared by everything that talks to
// external services. Callers that must not be retried (settlement) pass
// Retries: 0.
type Client struct {
	http *http.Client
	log  *slog.Logger
}

// NewClient builds a Client. A nil http.Client falls back to a plain one;
// per-attempt timeouts come from Options, not the transport.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{http: hc, log: logger.Named("httpx")}
}

// GetJSON fetches url and decodes the response body into out. It returns the
// latency of the successful attempt in milliseconds.
func (c *Client) GetJSON(ctx context.Context, url string, out any, opts Options) (int64, error) {
	return c.do(ctx, http.MethodGet, url, nil, out, opts)
}

// PostJSON sends body as JSON and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, url string, body, out any, opts Options) (int64, error) {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, xerrors.Wrap(xerrors.CodeValidation, err, "encode request body")
		}
		payload = encoded
	}
	return c.do(ctx, http.MethodPost, url, payload, out, opts)
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte, out any, opts Options) (int64, error) {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * opts.Backoff
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return 0, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "request cancelled during backoff")
			}
		}

		latency, err := c.attempt(ctx, method, url, payload, out, opts.Timeout)
		if err == nil {
			return latency, nil
		}
		lastErr = err
		c.log.Debug("request attempt failed",
			"method", method, "url", url, "attempt", attempt+1, "error", err)
	}

	return 0, xerrors.Wrap(xerrors.CodeRetriesExhausted, lastErr,
		fmt.Sprintf("%s %s failed after %d attempts", method, url, opts.Retries+1))
}

func (c *Client) attempt(ctx context.Context, method, url string, payload []byte, out any, timeout time.Duration) (int64, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, url, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if attemptCtx.Err() != nil {
			return 0, xerrors.Wrap(xerrors.CodeTimeout, err, "request timed out")
		}
		return 0, err
	}
	defer resp.Body.Close()
	latency := time.Since(started).Milliseconds()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return 0, fmt.Errorf("HTTP %d %s: %s", resp.StatusCode, resp.Status, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return 0, fmt.Errorf("decode response: %w", err)
		}
	}
	return latency, nil
}
