// Package ws owns the websocket transport: it upgrades HTTP connections,
// decodes/encodes wire frames, and adapts one connection to the
// server.Link interface the router and channel registry depend on. It is
// grounded on the teacher's internal/ws/handler.go (rustyguts-bken/server),
// generalized from a fixed hello/session handshake to the wire frame
// protocol and from a single implicit room to the router's topic dispatch.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/realtime-ai/realtime-message/internal/server"
	"github.com/realtime-ai/realtime-message/internal/wire"
)

// sendBuffer bounds the number of outbound frames queued per connection,
// mirroring the teacher's sendBuf session channel capacity.
const sendBuffer = 64

// readLimit bounds the size of one inbound websocket message.
const readLimit = 1 << 20

// Handler owns websocket transport for the message bus.
type Handler struct {
	router   *server.Router
	upgrader websocket.Upgrader
}

// NewHandler builds a Handler bound to router.
func NewHandler(router *server.Router) *Handler {
	return &Handler{
		router: router,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the websocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(c.Request().Context(), conn, remoteAddr)
	return nil
}

func (h *Handler) serveConn(ctx context.Context, conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()
	conn.SetReadLimit(readLimit)

	link := newWSLink(uuid.NewString(), conn)
	slog.Info("ws connected", "link_id", link.ID(), "remote", remoteAddr)

	go link.writeLoop()
	defer func() {
		link.close()
		h.router.HandleDisconnect(link)
		slog.Info("ws disconnected", "link_id", link.ID(), "remote", remoteAddr)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws unexpected close", "link_id", link.ID(), "err", err)
			}
			return
		}

		frame, err := wire.Decode(data)
		if err != nil {
			// Malformed frames are dropped; the link stays open (spec.md §4.1).
			slog.Debug("ws decode failed, dropping frame", "link_id", link.ID(), "err", err)
			continue
		}
		h.router.Route(ctx, link, frame)
	}
}

// wsLink adapts one websocket connection to server.Link. Writes are
// serialized by a single writer goroutine draining outbox, so fan-out
// callers never block on a slow peer's socket (spec.md §5: "writes to a
// link's transport are serialized per link").
type wsLink struct {
	id     string
	conn   *websocket.Conn
	outbox chan wire.Frame
	done   chan struct{}
}

func newWSLink(id string, conn *websocket.Conn) *wsLink {
	return &wsLink{
		id:     id,
		conn:   conn,
		outbox: make(chan wire.Frame, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (l *wsLink) ID() string { return l.id }

// WriteFrame enqueues f for delivery, mirroring the teacher's
// trySend-over-a-buffered-channel pattern: blocked at most SendTimeout
// before reporting failure to the caller.
func (l *wsLink) WriteFrame(f wire.Frame) (err error) {
	defer func() {
		if recover() != nil {
			err = fmt.Errorf("ws: write to closed link %s", l.id)
		}
	}()

	select {
	case l.outbox <- f:
		return nil
	case <-time.After(server.SendTimeout):
		return fmt.Errorf("ws: send timeout to link %s", l.id)
	case <-l.done:
		return fmt.Errorf("ws: link %s closed", l.id)
	}
}

func (l *wsLink) writeLoop() {
	for {
		select {
		case f, ok := <-l.outbox:
			if !ok {
				return
			}
			body, err := wire.Encode(f)
			if err != nil {
				slog.Error("ws encode failed", "link_id", l.id, "err", err)
				continue
			}
			_ = l.conn.SetWriteDeadline(time.Now().Add(server.SendTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				slog.Debug("ws write error", "link_id", l.id, "err", err)
				return
			}
		case <-l.done:
			return
		}
	}
}

func (l *wsLink) close() {
	defer func() { recover() }()
	close(l.done)
}
