package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/jomapps/mcp-story-bible-service/internal/auth"
	"github.com/jomapps/mcp-story-bible-service/internal/registry"
)

const defaultAuthTimeout = 10 * time.Second

type Verifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

type Options struct {
	Verifier Verifier
	// Registry builds the tool registry for one authenticated connection.
	Registry    func() *registry.Registry
	Recorder    CallRecorder
	AuthTimeout time.Duration
	Logger      *slog.Logger
}

type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	verifier    Verifier
	newRegistry func() *registry.Registry
	recorder    CallRecorder
	authTimeout time.Duration
	logger      *slog.Logger

	ctxMu   sync.RWMutex
	ctx     context.Context
	running atomic.Bool
}

func New(opts Options) *Hub {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = registry.New
	}
	return &Hub{
		clients:     make(map[string]*Client),
		register:    make(chan *Client, 16),
		unregister:  make(chan *Client, 16),
		verifier:    opts.Verifier,
		newRegistry: opts.Registry,
		recorder:    opts.Recorder,
		authTimeout: opts.AuthTimeout,
		logger:      opts.Logger,
		ctx:         context.Background(),
	}
}

func (h *Hub) context() context.Context {
	h.ctxMu.RLock()
	defer h.ctxMu.RUnlock()
	return h.ctx
}

// Run owns the connection set until ctx is done, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	h.ctxMu.Lock()
	h.ctx = ctx
	h.ctxMu.Unlock()
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			clients := h.clients
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			for _, c := range clients {
				c.shutdown(websocket.StatusGoingAway, "server shutting down")
			}
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			c.setState(StateOpen)
			go c.writePump(ctx)
			go c.readPump(ctx)
			h.logger.Info("client connected", "conn", c.id, "user", c.call.Identity.ID, "total", h.ClientCount())

		case c := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[c.id]
			delete(h.clients, c.id)
			h.mu.Unlock()
			if ok {
				h.logger.Info("client disconnected", "conn", c.id, "total", h.ClientCount())
			}
		}
	}
}

// HandleWebSocket upgrades the request and authenticates the connection
// before any envelope is read. The credential comes from the Authorization
// header or the token query parameter.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept", "error", err)
		return
	}

	token, ok := auth.ParseBearer(r.Header.Get("Authorization"))
	if !ok {
		token = r.URL.Query().Get("token")
	}

	identity, err := h.authenticate(r.Context(), token)
	if err != nil {
		h.logger.Info("connection rejected", "remote", r.RemoteAddr, "error", err)
		conn.Close(websocket.StatusPolicyViolation, "Authentication failed")
		return
	}

	c := newClient(conn, h, &registry.Call{Identity: identity, ConnectionID: uuid.NewString()})

	if !h.running.Load() {
		conn.Close(websocket.StatusTryAgainLater, "server not ready")
		return
	}
	select {
	case h.register <- c:
	default:
		h.logger.Warn("hub not accepting connections", "conn", c.id)
		conn.Close(websocket.StatusTryAgainLater, "server busy")
	}
}

func (h *Hub) authenticate(ctx context.Context, token string) (auth.Identity, error) {
	if token == "" {
		return auth.Identity{}, errors.New("missing credential")
	}
	if h.verifier == nil {
		return auth.Identity{}, errors.New("no verifier configured")
	}
	ctx, cancel := context.WithTimeout(ctx, h.authTimeout)
	defer cancel()
	return h.verifier.Verify(ctx, token)
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.context().Done():
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
