package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/jomapps/mcp-story-bible-service/internal/registry"
)

const (
	maxMessageSize = 1 << 20
	sendBuffer     = 64
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Client is one authenticated dispatch connection. All writes go through
// writePump.
type Client struct {
	id         string
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	state      atomic.Int32
	hub        *Hub
	call       *registry.Call
	dispatcher *Dispatcher
}

func newClient(conn *websocket.Conn, hub *Hub, call *registry.Call) *Client {
	c := &Client{
		id:         call.ConnectionID,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		hub:        hub,
		call:       call,
		dispatcher: NewDispatcher(hub.newRegistry(), call, hub.recorder, hub.logger),
	}
	c.setState(StateAuthenticating)
	return c
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregisterClient(c)
		c.shutdown(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	// Calls outlive the socket: a disconnect discards the response but
	// does not abort the work.
	callCtx := context.WithoutCancel(ctx)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				c.hub.logger.Debug("client read ended", "conn", c.id, "error", err)
			}
			return
		}

		go func(frame []byte) {
			c.enqueue(c.dispatcher.Handle(callCtx, frame))
		}(data)
	}
}

func (c *Client) enqueue(frame []byte) {
	select {
	case <-c.done:
		c.hub.logger.Debug("response discarded, connection closed", "conn", c.id)
		return
	default:
	}
	select {
	case c.send <- frame:
	case <-c.done:
		c.hub.logger.Debug("response discarded, connection closed", "conn", c.id)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.hub.logger.Debug("client write failed", "conn", c.id, "error", err)
				return
			}
		}
	}
}

// shutdown closes the connection once. The send channel is never closed
// so late responses cannot panic.
func (c *Client) shutdown(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		close(c.done)
		c.conn.Close(code, reason)
		c.setState(StateClosed)
	})
}
