// Package payload is the client for the headless document store that holds
// story bibles and their child collections.
package payload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jomapps/mcp-story-bible-service/internal/svcerr"
)

const (
	defaultMaxRetries = 3
	maxBackoffUnits   = 5
	maxBodyBytes      = 8 << 20
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	// BackoffUnit scales the 1..5 unit exponential backoff. Zero means one
	// second.
	BackoffUnit time.Duration
	HTTPClient  *http.Client
}

type Client struct {
	baseURL     string
	apiKey      string
	maxRetries  int
	backoffUnit time.Duration
	http        *http.Client
	sleep       func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	retries := opts.MaxRetries
	if retries < 1 {
		retries = defaultMaxRetries
	}
	unit := opts.BackoffUnit
	if unit <= 0 {
		unit = time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      strings.TrimSpace(opts.APIKey),
		maxRetries:  retries,
		backoffUnit: unit,
		http:        hc,
		sleep:       sleepContext,
	}
}

func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Error is a document store failure: either a non-2xx status returned on
// the first response, or a transport failure that exhausted the retries.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		msg := fmt.Sprintf("PayloadCMS %s %s failed: status=%d", e.Method, e.Path, e.StatusCode)
		if e.Body != "" {
			msg += " body=" + e.Body
		}
		return msg
	}
	if e.Attempts > 0 {
		return fmt.Sprintf("Failed to call PayloadCMS %s %s after %d attempts: %v", e.Method, e.Path, e.Attempts, e.Err)
	}
	return fmt.Sprintf("PayloadCMS %s %s failed: %v", e.Method, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorKind() svcerr.Kind { return svcerr.KindDownstream }

// IsNotFound reports whether err is a 404 from the document store.
func IsNotFound(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound
}

// Request performs one logical call with bounded retry on transport
// failures. A {"doc": v} payload is unwrapped to v.
func (c *Client) Request(ctx context.Context, method, path string, query url.Values, body any) (any, error) {
	var payload []byte
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		payload = buf
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return nil, &Error{Method: method, Path: path, Attempts: attempt - 1, Err: err}
			}
		}

		result, err := c.do(ctx, method, path, query, payload)
		if err == nil {
			return result, nil
		}
		if !isTransient(ctx, err) {
			var te *transportError
			if errors.As(err, &te) {
				return nil, &Error{Method: method, Path: path, Attempts: attempt, Err: te.err}
			}
			return nil, err
		}
		lastErr = err
		slog.Warn("transient document store failure",
			"method", method,
			"path", path,
			"attempt", attempt,
			"max_attempts", c.maxRetries,
			"error", err,
		)
	}
	return nil, &Error{Method: method, Path: path, Attempts: c.maxRetries, Err: lastErr}
}

// backoff returns the wait after the given failed attempt: 1, 2, 4, 5, 5...
// units.
func (c *Client) backoff(failedAttempt int) time.Duration {
	units := maxBackoffUnits
	if failedAttempt < 4 {
		units = 1 << (failedAttempt - 1)
	}
	if units > maxBackoffUnits {
		units = maxBackoffUnits
	}
	return time.Duration(units) * c.backoffUnit
}

type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) (any, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, &Error{Method: method, Path: path, Err: fmt.Errorf("invalid url: %w", err)}
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, &Error{Method: method, Path: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &transportError{err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, &Error{Method: method, Path: path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return unwrapDoc(decoded), nil
}

func unwrapDoc(v any) any {
	if m, ok := v.(map[string]any); ok {
		if doc, ok := m["doc"]; ok {
			return doc
		}
	}
	return v
}

// isTransient reports whether err is a transport-level failure (refused
// connection, timeout, reset) worth retrying. Status responses and caller
// cancellation are never retried.
func isTransient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var te *transportError
	return errors.As(err, &te)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
