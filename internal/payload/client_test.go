package payload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jomapps/mcp-story-bible-service/internal/svcerr"
)

type payloadRoundTripFunc func(req *http.Request) (*http.Response, error)

func (f payloadRoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

var errRefused = errors.New("dial tcp 127.0.0.1:3000: connect: connection refused")

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func newFlakyClient(t *testing.T, maxRetries, failures int, attempts *int32, delays *[]time.Duration) *Client {
	t.Helper()
	c := New(Options{
		BaseURL:     "http://cms.test",
		APIKey:      "svc-key",
		MaxRetries:  maxRetries,
		BackoffUnit: time.Millisecond,
		HTTPClient: &http.Client{Transport: payloadRoundTripFunc(func(req *http.Request) (*http.Response, error) {
			n := atomic.AddInt32(attempts, 1)
			if int(n) <= failures {
				return nil, errRefused
			}
			return jsonResponse(http.StatusOK, `{"doc":{"id":"sb-1","project_id":"proj-1"}}`), nil
		})},
	})
	c.sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return c
}

func TestRequestRetriesTransportFailuresUntilSuccess(t *testing.T) {
	for k := 1; k <= 4; k++ {
		var attempts int32
		var delays []time.Duration
		c := newFlakyClient(t, 4, k-1, &attempts, &delays)

		doc, err := c.GetStoryBible(context.Background(), "sb-1", false)
		if err != nil {
			t.Fatalf("k=%d: GetStoryBible() error = %v", k, err)
		}
		if doc["id"] != "sb-1" {
			t.Fatalf("k=%d: doc = %#v", k, doc)
		}
		if int(attempts) != k {
			t.Fatalf("k=%d: attempts = %d, want %d", k, attempts, k)
		}
		if len(delays) != k-1 {
			t.Fatalf("k=%d: delays = %v", k, delays)
		}
	}
}

func TestRequestExhaustsRetryBudget(t *testing.T) {
	var attempts int32
	var delays []time.Duration
	c := newFlakyClient(t, 3, 100, &attempts, &delays)

	_, err := c.Request(context.Background(), http.MethodGet, "/api/story-bibles/sb-1", nil, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Attempts != 3 {
		t.Fatalf("error = %#v, want *Error with 3 attempts", err)
	}
	if !strings.Contains(err.Error(), "GET /api/story-bibles/sb-1") {
		t.Fatalf("message should name method and path: %q", err.Error())
	}
	if !svcerr.Is(err, svcerr.KindDownstream) {
		t.Fatalf("expected downstream kind")
	}
	if !errors.Is(err, errRefused) {
		t.Fatalf("expected last transport error in chain")
	}
}

func TestBackoffSchedule(t *testing.T) {
	var attempts int32
	var delays []time.Duration
	c := newFlakyClient(t, 6, 100, &attempts, &delays)
	_, _ = c.Request(context.Background(), http.MethodGet, "/x", nil, nil)

	want := []time.Duration{1, 2, 4, 5, 5}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v ms", delays, want)
	}
	for i := range want {
		if delays[i] != want[i]*time.Millisecond {
			t.Fatalf("delays = %v, want %v ms", delays, want)
		}
	}
}

func TestStatusErrorsAreNotRetried(t *testing.T) {
	var attempts int32
	c := New(Options{
		BaseURL:    "http://cms.test",
		MaxRetries: 5,
		HTTPClient: &http.Client{Transport: payloadRoundTripFunc(func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&attempts, 1)
			return jsonResponse(http.StatusNotFound, `{"errors":[{"message":"Not Found"}]}`), nil
		})},
	})

	_, err := c.GetStoryBible(context.Background(), "missing", true)
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.StatusCode != http.StatusNotFound {
		t.Fatalf("error = %v, want 404 *Error", err)
	}
	if !IsNotFound(err) {
		t.Fatalf("IsNotFound() = false")
	}
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	var attempts int32
	ctx, cancel := context.WithCancel(context.Background())
	c := New(Options{
		BaseURL:    "http://cms.test",
		MaxRetries: 5,
		HTTPClient: &http.Client{Transport: payloadRoundTripFunc(func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&attempts, 1)
			cancel()
			return nil, errRefused
		})},
	})

	_, err := c.Request(ctx, http.MethodGet, "/x", nil, nil)
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	if !svcerr.Is(err, svcerr.KindDownstream) {
		t.Fatalf("error = %v, want downstream", err)
	}
}

func TestRequestSendsHeadersQueryAndUnwraps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer svc-key" {
			t.Errorf("Authorization = %q", got)
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/story-bibles":
			if r.URL.Query().Get("where[project_id][equals]") != "proj-1" || r.URL.Query().Get("limit") != "50" {
				t.Errorf("query = %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"docs":[{"id":"sb-1"}],"totalDocs":1}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/story-bibles/sb-1":
			if r.URL.Query().Get("depth") != "2" {
				t.Errorf("populate should request depth=2, got %q", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"id":"sb-1","project_id":"proj-1"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/story-bible-changes":
			body, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(body), `"story_bible":"sb-1"`) {
				t.Errorf("change body = %s", body)
			}
			_, _ = w.Write([]byte(`{"doc":{"id":"chg-1"},"message":"created"}`))
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL + "/", APIKey: " svc-key ", Timeout: time.Second})
	defer c.Close()
	ctx := context.Background()

	list, err := c.ListStoryBibles(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListStoryBibles() error = %v", err)
	}
	if docs, ok := list["docs"].([]any); !ok || len(docs) != 1 {
		t.Fatalf("list = %#v", list)
	}

	sb, err := c.GetStoryBible(ctx, "sb-1", true)
	if err != nil || sb["project_id"] != "proj-1" {
		t.Fatalf("GetStoryBible() = %#v, %v", sb, err)
	}

	chg, err := c.LogChange(ctx, Document{"story_bible": "sb-1", "user": "u1", "changes": map[string]any{"title": "T"}})
	if err != nil || chg["id"] != "chg-1" {
		t.Fatalf("LogChange() = %#v, %v", chg, err)
	}

	deleted, err := c.DeleteScene(ctx, "sc-1")
	if err != nil {
		t.Fatalf("DeleteScene() error = %v", err)
	}
	if len(deleted) != 0 {
		t.Fatalf("DeleteScene() = %#v, want empty", deleted)
	}
}

func TestNonObjectDocumentIsDownstreamError(t *testing.T) {
	c := New(Options{
		BaseURL: "http://cms.test",
		HTTPClient: &http.Client{Transport: payloadRoundTripFunc(func(req *http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `["not","an","object"]`), nil
		})},
	})
	_, err := c.CreateScene(context.Background(), Document{"title": "x"})
	if !svcerr.Is(err, svcerr.KindDownstream) {
		t.Fatalf("error = %v, want downstream", err)
	}
}
