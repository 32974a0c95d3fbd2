package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/jomapps/mcp-story-bible-service/internal/auth"
	"github.com/jomapps/mcp-story-bible-service/internal/payload"
	"github.com/jomapps/mcp-story-bible-service/internal/payload/payloadtest"
	"github.com/jomapps/mcp-story-bible-service/internal/protocol"
	"github.com/jomapps/mcp-story-bible-service/internal/registry"
	"github.com/jomapps/mcp-story-bible-service/internal/storybible"
	"github.com/jomapps/mcp-story-bible-service/internal/tools"
)

type memoryRecorder struct {
	mu   sync.Mutex
	recs []CallRecord
}

func (m *memoryRecorder) RecordCall(ctx context.Context, rec CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memoryRecorder) records() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CallRecord(nil), m.recs...)
}

type stubReasoner struct{}

func (stubReasoner) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	return map[string]any{"tool": name}, nil
}

type testEnv struct {
	hub      *Hub
	cms      *payloadtest.Server
	recorder *memoryRecorder
	url      string
	cancel   context.CancelFunc
}

func startHub(t *testing.T) *testEnv {
	t.Helper()
	cms := payloadtest.NewServer(t)
	cms.AddUser("tok-writer", "user-1", "proj-1")
	cms.AddUser("tok-other", "user-2", "proj-2")

	store := payload.New(payload.Options{BaseURL: cms.URL, APIKey: "svc", Timeout: time.Second, BackoffUnit: time.Millisecond})
	t.Cleanup(store.Close)
	verifier := auth.NewVerifier(cms.URL, time.Second, nil)
	t.Cleanup(verifier.Close)
	svc := storybible.NewService(store, stubReasoner{}, nil)

	rec := &memoryRecorder{}
	hub := New(Options{
		Verifier:    verifier,
		Registry:    func() *registry.Registry { return tools.NewRegistry(svc) },
		Recorder:    rec,
		AuthTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	waitForRunning(t, hub)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(server.Close)

	return &testEnv{hub: hub, cms: cms, recorder: rec, url: "ws://" + server.URL[len("http://"):] + "/ws", cancel: cancel}
}

func dial(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}
}

func receive(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("response %s does not decode: %v", data, err)
	}
	return env
}

func TestCallToolCreatesStoryBible(t *testing.T) {
	env := startHub(t)
	conn := dial(t, env.url, "tok-writer")

	send(t, conn, `{"jsonrpc":"2.0","id":"1","method":"call_tool","params":{"name":"create_story_bible","arguments":{"project_id":"proj-1","title":"T","genre":"Drama","premise":"A long enough premise"}}}`)
	resp := receive(t, conn)

	if string(resp.ID) != `"1"` {
		t.Fatalf("id = %s, want \"1\"", resp.ID)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %s", resp.Error.Message)
	}
	var doc map[string]any
	if err := json.Unmarshal(resp.Result, &doc); err != nil {
		t.Fatalf("result does not decode: %v", err)
	}
	if doc["id"] != "sb-1" || doc["project_id"] != "proj-1" || doc["status"] != "draft" {
		t.Fatalf("result = %#v", doc)
	}

	recs := env.recorder.records()
	if len(recs) != 1 {
		t.Fatalf("recorded %d calls, want 1", len(recs))
	}
	if recs[0].Tool != "create_story_bible" || recs[0].UserID != "user-1" || recs[0].Status != CallStatusOK || recs[0].CorrelationID != `"1"` {
		t.Fatalf("record = %#v", recs[0])
	}
}

func TestCallToolDeniedForForeignProject(t *testing.T) {
	env := startHub(t)
	conn := dial(t, env.url, "tok-other")

	send(t, conn, `{"jsonrpc":"2.0","id":"1","method":"call_tool","params":{"name":"create_story_bible","arguments":{"project_id":"proj-1","title":"T","genre":"Drama","premise":"A long enough premise"}}}`)
	resp := receive(t, conn)

	if resp.Error == nil || !strings.Contains(resp.Error.Message, "proj-1") {
		t.Fatalf("expected an error naming proj-1, got %+v", resp)
	}
	if got := env.cms.Mutations(); len(got) != 0 {
		t.Fatalf("denied call mutated the store: %v", got)
	}
	if recs := env.recorder.records(); len(recs) != 1 || recs[0].Status != CallStatusError {
		t.Fatalf("records = %#v", recs)
	}
}

func TestListTools(t *testing.T) {
	env := startHub(t)
	conn := dial(t, env.url, "tok-writer")

	send(t, conn, `{"jsonrpc":"2.0","id":7,"method":"list_tools"}`)
	resp := receive(t, conn)
	if string(resp.ID) != "7" {
		t.Fatalf("id = %s, want 7", resp.ID)
	}

	var result struct {
		Tools []registry.ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("result does not decode: %v", err)
	}
	if len(result.Tools) != 13 {
		t.Fatalf("listed %d tools, want 13", len(result.Tools))
	}
	for _, tool := range result.Tools {
		if tool.InputSchema["type"] != "object" {
			t.Errorf("%s schema = %v", tool.Name, tool.InputSchema)
		}
	}
}

func TestUnknownToolKeepsChannelOpen(t *testing.T) {
	env := startHub(t)
	conn := dial(t, env.url, "tok-writer")

	send(t, conn, `{"jsonrpc":"2.0","id":"x","method":"call_tool","params":{"name":"delete_everything","arguments":{}}}`)
	resp := receive(t, conn)
	if resp.Error == nil || resp.Error.Message != "Unknown tool delete_everything" {
		t.Fatalf("response = %+v", resp)
	}

	send(t, conn, `{"jsonrpc":"2.0","id":"y","method":"list_tools"}`)
	resp = receive(t, conn)
	if string(resp.ID) != `"y"` || resp.Error != nil {
		t.Fatalf("follow-up response = %+v", resp)
	}
}

func TestMalformedFramesAreAnswered(t *testing.T) {
	env := startHub(t)
	conn := dial(t, env.url, "tok-writer")

	tests := []struct {
		frame  string
		wantID string
	}{
		{"not json", "null"},
		{`{"jsonrpc":"2.0","id":"m1","method":""}`, `"m1"`},
		{`{"jsonrpc":"2.0","id":"m2","result":{}}`, `"m2"`},
		{`{"jsonrpc":"2.0","id":"m3","method":"call_tool","params":[1,2]}`, `"m3"`},
	}
	for _, tt := range tests {
		send(t, conn, tt.frame)
		resp := receive(t, conn)
		if string(resp.ID) != tt.wantID {
			t.Errorf("%s: id = %s, want %s", tt.frame, resp.ID, tt.wantID)
		}
		if resp.Error == nil || !strings.HasPrefix(resp.Error.Message, "malformed envelope") {
			t.Errorf("%s: response = %+v", tt.frame, resp)
		}
	}

	send(t, conn, `{"jsonrpc":"2.0","id":"ok","method":"list_tools"}`)
	if resp := receive(t, conn); resp.Error != nil {
		t.Fatalf("connection broken after malformed frames: %+v", resp)
	}
}

func TestUnsupportedMethod(t *testing.T) {
	env := startHub(t)
	conn := dial(t, env.url, "tok-writer")

	send(t, conn, `{"jsonrpc":"2.0","id":"1","method":"resources/list"}`)
	resp := receive(t, conn)
	if resp.Error == nil || resp.Error.Message != "Unsupported method resources/list" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestConcurrentRequestsAreCorrelated(t *testing.T) {
	env := startHub(t)
	conn := dial(t, env.url, "tok-writer")

	const n = 10
	for i := 0; i < n; i++ {
		send(t, conn, fmt.Sprintf(`{"jsonrpc":"2.0","id":"req-%d","method":"list_tools"}`, i))
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		resp := receive(t, conn)
		if resp.Error != nil {
			t.Fatalf("unexpected error: %s", resp.Error.Message)
		}
		seen[string(resp.ID)] = true
	}
	for i := 0; i < n; i++ {
		if id := fmt.Sprintf(`"req-%d"`, i); !seen[id] {
			t.Errorf("no response for %s", id)
		}
	}
}

func TestAuthenticationFailureClosesWithPolicyViolation(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"invalid token", "wrong-token"},
		{"missing token", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := startHub(t)
			conn := dial(t, env.url, tt.token)

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_, _, err := conn.Read(ctx)
			if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
				t.Fatalf("close status = %v (err %v), want %v", got, err, websocket.StatusPolicyViolation)
			}
			if env.hub.ClientCount() != 0 {
				t.Fatalf("expected 0 clients, got %d", env.hub.ClientCount())
			}
			if recs := env.recorder.records(); len(recs) != 0 {
				t.Fatalf("unauthenticated connection recorded calls: %v", recs)
			}
		})
	}
}

func TestTokenQueryParameter(t *testing.T) {
	env := startHub(t)
	conn := dial(t, env.url+"?token=tok-writer", "")

	send(t, conn, `{"jsonrpc":"2.0","id":"1","method":"list_tools"}`)
	if resp := receive(t, conn); resp.Error != nil {
		t.Fatalf("response = %+v", resp)
	}
	waitForClientCount(t, env.hub, 1, time.Second)
}

func TestClientLifecycle(t *testing.T) {
	env := startHub(t)

	if env.hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", env.hub.ClientCount())
	}

	conn := dial(t, env.url, "tok-writer")
	waitForClientCount(t, env.hub, 1, time.Second)

	conn.Close(websocket.StatusNormalClosure, "")
	waitForClientCount(t, env.hub, 0, time.Second)
}

func TestShutdownClosesClients(t *testing.T) {
	env := startHub(t)

	numClients := 10
	conns := make([]*websocket.Conn, 0, numClients)
	for i := 0; i < numClients; i++ {
		conns = append(conns, dial(t, env.url, "tok-writer"))
	}
	waitForClientCount(t, env.hub, numClients, 2*time.Second)

	env.cancel()
	waitForClientCount(t, env.hub, 0, time.Second)

	for i, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, _, err := conn.Read(ctx)
		cancel()
		if err == nil {
			t.Errorf("client %d still readable after shutdown", i)
		}
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		StateConnecting:     "connecting",
		StateAuthenticating: "authenticating",
		StateOpen:           "open",
		StateClosing:        "closing",
		StateClosed:         "closed",
		State(42):           "unknown",
	}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), name)
		}
	}
}

func waitForRunning(t *testing.T, hub *Hub) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hub.running.Load() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("hub did not start")
}

func waitForClientCount(t *testing.T, hub *Hub, expected int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != expected {
		t.Errorf("expected %d clients, got %d", expected, hub.ClientCount())
	}
}
