// Package brain bridges tool calls to the reasoning service. A persistent
// websocket is preferred; when it cannot be opened, or after it breaks, calls
// go over plain HTTP.
package brain

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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/jomapps/mcp-story-bible-service/internal/protocol"
	"github.com/jomapps/mcp-story-bible-service/internal/svcerr"
)

const (
	ModeWebSocket = "websocket"
	ModeHTTP      = "http"

	defaultTimeout = 30 * time.Second
	readLimit      = 8 << 20
)

type DialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error)

type Options struct {
	BaseURL    string
	WSURL      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Dial       DialFunc
}

// Error is a failed reasoning call. Message carries the remote error text
// when the service answered with an error envelope.
type Error struct {
	Tool    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorKind() svcerr.Kind { return svcerr.KindBridge }

type Client struct {
	baseURL string
	wsURL   string
	timeout time.Duration
	http    *http.Client
	dial    DialFunc

	// mu is held across one send and its matching receive.
	mu   sync.Mutex
	conn *websocket.Conn
	// connected mirrors conn != nil so Mode never waits on an in-flight call.
	connected atomic.Bool
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	dial := opts.Dial
	if dial == nil {
		dial = websocket.Dial
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		wsURL:   strings.TrimSpace(opts.WSURL),
		timeout: timeout,
		http:    hc,
		dial:    dial,
	}
}

// Connect opens the persistent websocket. A failure is not an error: the
// client stays on HTTP for the rest of its life.
func (c *Client) Connect(ctx context.Context) {
	if c.wsURL == "" {
		slog.Info("reasoning service websocket not configured, using http", "base_url", c.baseURL)
		return
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, _, err := c.dial(dialCtx, c.wsURL, nil)
	if err != nil {
		slog.Warn("reasoning service websocket unavailable, falling back to http", "url", c.wsURL, "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	c.conn = conn
	c.connected.Store(true)
	c.mu.Unlock()
	slog.Info("connected to reasoning service websocket", "url", c.wsURL)
}

func (c *Client) Mode() string {
	if c.connected.Load() {
		return ModeWebSocket
	}
	return ModeHTTP
}

func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected.Store(false)
	c.mu.Unlock()
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
			slog.Debug("reasoning service websocket close", "error", err)
		}
	}
	c.http.CloseIdleConnections()
}

// Invoke runs one remote tool and returns its decoded result.
func (c *Client) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}

	c.mu.Lock()
	if c.conn != nil {
		defer c.mu.Unlock()
		return c.invokeWS(ctx, name, args)
	}
	c.mu.Unlock()
	return c.invokeHTTP(ctx, name, args)
}

// invokeWS must be called with mu held.
func (c *Client) invokeWS(ctx context.Context, name string, args map[string]any) (any, error) {
	id, _ := json.Marshal(uuid.NewString())
	req, err := protocol.NewRequest(id, protocol.MethodCallTool, protocol.CallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, &Error{Tool: name, Message: "Brain Service WebSocket call failed", Err: err}
	}
	out, err := protocol.Marshal(req)
	if err != nil {
		return nil, &Error{Tool: name, Message: "Brain Service WebSocket call failed", Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.conn.Write(callCtx, websocket.MessageText, out); err != nil {
		c.markBroken(err)
		return nil, &Error{Tool: name, Message: "Brain Service WebSocket call failed", Err: err}
	}

	for {
		_, data, err := c.conn.Read(callCtx)
		if err != nil {
			c.markBroken(err)
			return nil, &Error{Tool: name, Message: "Brain Service WebSocket call failed", Err: err}
		}
		resp, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("discarding undecodable reasoning service frame", "tool", name, "error", err)
			continue
		}
		if !bytes.Equal(resp.ID, req.ID) {
			slog.Debug("discarding stale reasoning service response", "tool", name, "id", string(resp.ID))
			continue
		}
		if resp.Error != nil {
			msg := resp.Error.Message
			if msg == "" {
				msg = "Unknown Brain Service error"
			}
			return nil, &Error{Tool: name, Message: msg}
		}
		return decodeResult(name, resp.Result)
	}
}

// markBroken drops the socket after a transport failure. nhooyr closes the
// connection when a read is cancelled, so it cannot be reused.
func (c *Client) markBroken(err error) {
	slog.Warn("reasoning service websocket broken, switching to http", "error", err)
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusGoingAway, "")
		c.conn = nil
	}
	c.connected.Store(false)
}

func (c *Client) invokeHTTP(ctx context.Context, name string, args map[string]any) (any, error) {
	if c.baseURL == "" {
		return nil, &Error{Tool: name, Message: "Brain Service HTTP call failed", Err: errors.New("base url is not configured")}
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, &Error{Tool: name, Message: "Brain Service HTTP call failed", Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/tools/"+url.PathEscape(name), bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Tool: name, Message: "Brain Service HTTP call failed", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Tool: name, Message: "Brain Service HTTP call failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, readLimit))
	if err != nil {
		return nil, &Error{Tool: name, Message: "Brain Service HTTP call failed", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Tool:    name,
			Message: "Brain Service HTTP call failed",
			Err:     fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(data))),
		}
	}
	return decodeResult(name, data)
}

func decodeResult(name string, raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return map[string]any{}, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &Error{Tool: name, Message: "Brain Service returned an invalid result", Err: err}
	}
	return out, nil
}
