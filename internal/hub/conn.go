package hub

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kapu/banchess-server/internal/obslog"
	"github.com/kapu/banchess-server/pkg/wire"
)

const outboundBuffer = 64

// conn wraps one client WebSocket. A single writer goroutine drains the out
// channel, so per-session broadcast order is preserved end to end: messages
// are enqueued under the room lock and written in queue order.
type conn struct {
	ws     *websocket.Conn
	out    chan []byte
	done   chan struct{}
	closeO sync.Once

	sessionID string
	playerID  string
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:   ws,
		out:  make(chan []byte, outboundBuffer),
		done: make(chan struct{}),
	}
}

// enqueue hands a frame to the writer. A slow client that filled its buffer
// is disconnected rather than allowed to stall the session broadcast. The
// close handshake does network I/O, so it runs off the caller's goroutine;
// broadcast holds the hub lock while enqueuing and must never block on one
// slow peer.
func (c *conn) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.out <- data:
	default:
		obslog.L().Warn("conn_backpressure_drop", zap.String("session_id", c.sessionID))
		go c.close(websocket.StatusPolicyViolation, "write backlog")
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.close(websocket.StatusGoingAway, "write error")
				return
			}
		}
	}
}

func (c *conn) readLoop(ctx context.Context, h *Hub) {
	defer func() {
		h.detach(c)
		c.close(websocket.StatusNormalClosure, "bye")
	}()
	for {
		var msg wire.Inbound
		if err := wsjson.Read(ctx, c.ws, &msg); err != nil {
			return
		}
		h.dispatch(ctx, c, &msg)
	}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeO.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close(code, reason)
		}
	})
}
