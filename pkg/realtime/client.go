package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/realtime-ai/realtime-message/internal/reply"
	"github.com/realtime-ai/realtime-message/internal/wire"
)

// DefaultRequestTimeout bounds how long a request awaits its chan:reply
// before the pending-reply registry declares a timeout (spec.md §4.2).
const DefaultRequestTimeout = 10 * time.Second

// clientWriteTimeout bounds one websocket write, mirroring the teacher's
// write-deadline discipline in internal/ws/handler.go.
const clientWriteTimeout = 5 * time.Second

// TokenFunc asynchronously resolves a bearer token for chan:join, per
// spec.md §4.6 ("a user-supplied async retrieval function or a previously
// set literal").
type TokenFunc func(ctx context.Context) (string, error)

// Client is the websocket-backed mirror of the server's connection
// described in spec.md §4.1-§4.5, grounded on the teacher's Transport
// (rustyguts-bken/client/transport.go): one dialed connection, a single
// writer goroutine, a single reader goroutine, and an onDisconnected-style
// hook driving reconnection instead of the teacher's fixed control-message
// protocol.
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	tokenFn           TokenFunc
	heartbeatInterval time.Duration
	reconnectSchedule ScheduleFunc
	requestTimeout    time.Duration
	statusHook        func(HeartbeatStatus)

	seq     atomic.Uint64
	replies *reply.Registry
	sender  *bufferedSender

	mu         sync.Mutex
	conn       *websocket.Conn
	open       bool
	userClosed bool
	connectCtx context.Context
	channels   map[string]*Channel
	heartbeat  *heartbeatEngine
	reconnect  *reconnectTimer
	connStopCh chan struct{}
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithToken sets a fixed bearer token literal for every chan:join.
func WithToken(token string) Option {
	return func(c *Client) { c.tokenFn = func(context.Context) (string, error) { return token, nil } }
}

// WithTokenFunc installs an async token retrieval function.
func WithTokenFunc(fn TokenFunc) Option {
	return func(c *Client) { c.tokenFn = fn }
}

// WithHeartbeatInterval overrides the default 25s heartbeat interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) { c.heartbeatInterval = d }
}

// WithReconnectSchedule overrides the default 1s/2s/5s/10s schedule.
func WithReconnectSchedule(fn ScheduleFunc) Option {
	return func(c *Client) { c.reconnectSchedule = fn }
}

// WithStatusHook installs the heartbeat status hook (spec.md §4.3).
func WithStatusHook(fn func(HeartbeatStatus)) Option {
	return func(c *Client) { c.statusHook = fn }
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// NewClient builds a Client dialing url (a ws:// or wss:// address) on
// Connect.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:               url,
		dialer:            websocket.DefaultDialer,
		heartbeatInterval: DefaultHeartbeatInterval,
		reconnectSchedule: DefaultSchedule,
		requestTimeout:    DefaultRequestTimeout,
		replies:           reply.NewRegistry(),
		sender:            newBufferedSender(SendBufferLimit),
		channels:          make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reconnect = newReconnectTimer(c.reconnectSchedule)
	return c
}

func (c *Client) nextSeq() string {
	return fmt.Sprintf("%d", c.seq.Add(1))
}

// Channel returns (creating if necessary) the Channel bound to topic.
// Repeated calls with the same topic return the same Channel.
func (c *Client) Channel(topic string, cfg JoinConfig) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[topic]; ok {
		return ch
	}
	ch := newChannel(c, topic, cfg)
	c.channels[topic] = ch
	return ch
}

// Connect dials the server and starts the read/write/heartbeat loops. It
// blocks until the handshake completes or ctx/dial fails.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("realtime: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.open = true
	c.userClosed = false
	c.connectCtx = ctx
	stop := make(chan struct{})
	c.connStopCh = stop
	c.mu.Unlock()

	c.heartbeat = newHeartbeatEngine(c.heartbeatInterval, c.statusHookOrNoop(), c.sendHeartbeat, c.onHeartbeatTimeout)

	go c.readLoop(conn, stop)
	go c.drainLoop(stop)
	c.heartbeat.start()
	c.reconnect.reset()

	c.rejoinAll()
	return nil
}

func (c *Client) statusHookOrNoop() func(HeartbeatStatus) {
	if c.statusHook != nil {
		return c.statusHook
	}
	return func(HeartbeatStatus) {}
}

// Disconnect performs a clean shutdown: the reconnect timer is cancelled
// and channels are not auto-rejoined (spec.md §4.4).
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	conn := c.conn
	c.open = false
	stop := c.connStopCh
	c.mu.Unlock()

	c.reconnect.cancel()
	c.replies.Cancel("client disconnected")
	if c.heartbeat != nil {
		c.heartbeat.stop()
	}
	if stop != nil {
		close(stop)
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// enqueue pushes f onto the buffered sender (spec.md §4.5).
func (c *Client) enqueue(f wire.Frame) {
	c.sender.push(f)
}

// request allocates a sequence, registers the pending reply, and enqueues a
// request frame. It blocks until the reply settles or ctx is cancelled.
func (c *Client) request(ctx context.Context, joinSeq *string, topic, event string, payload json.RawMessage) (reply.Result, string, error) {
	seq := c.nextSeq()
	resultCh := make(chan reply.Result, 1)
	c.replies.Register(seq, c.requestTimeout, func(r reply.Result) { resultCh <- r })

	seqCopy := seq
	c.enqueue(wire.Frame{JoinSeq: joinSeq, Seq: &seqCopy, Topic: topic, Event: event, Payload: payload})

	select {
	case r := <-resultCh:
		return r, seq, nil
	case <-ctx.Done():
		return reply.Result{}, seq, ctx.Err()
	}
}

// noHeartbeatDeadline is the registry deadline used for a heartbeat probe's
// pending reply. spec.md §5 makes the heartbeat engine's own tick-based
// outstanding check (heartbeat.go's tick/complete) the sole timeout
// authority for probes, not the generic per-request deadline c.requestTimeout
// uses for ordinary requests — c.requestTimeout (10s) is shorter than the
// default 25s heartbeat interval and would otherwise fire first, reporting a
// spurious error before the engine's own liveness check ever runs. The
// registry entry still needs *some* deadline to satisfy Registry.Register,
// so it is set far longer than any heartbeat interval; replies.Cancel still
// settles it immediately on disconnect.
const noHeartbeatDeadline = 24 * time.Hour

func (c *Client) sendHeartbeat() (string, error) {
	seq := c.nextSeq()
	seqCopy := seq
	c.replies.Register(seq, noHeartbeatDeadline, func(r reply.Result) {
		c.heartbeat.complete(r.Status == reply.StatusOK)
	})
	c.enqueue(wire.Frame{Seq: &seqCopy, Topic: wire.SystemTopic, Event: wire.EventHeartbeat, Payload: json.RawMessage(`{}`)})
	return seq, nil
}

func (c *Client) onHeartbeatTimeout() {
	slog.Warn("realtime: heartbeat timeout, closing link")
	c.closeTransport("heartbeat timeout")
}

// resolveToken obtains a bearer token via the configured TokenFunc, if any.
func (c *Client) resolveToken(ctx context.Context) (string, error) {
	if c.tokenFn == nil {
		return "", nil
	}
	return c.tokenFn(ctx)
}

func (c *Client) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			c.closeTransport(fmt.Sprintf("read error: %v", err))
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			slog.Debug("realtime: dropping malformed frame", "err", err)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) drainLoop(stop chan struct{}) {
	for {
		f, ok := c.sender.pop()
		if !ok {
			select {
			case <-c.sender.wake:
				continue
			case <-stop:
				return
			}
		}
		if err := c.writeFrame(f); err != nil {
			slog.Debug("realtime: write failed", "err", err)
			c.closeTransport(fmt.Sprintf("write error: %v", err))
			return
		}
	}
}

func (c *Client) writeFrame(f wire.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("realtime: no active connection")
	}
	body, err := wire.Encode(f)
	if err != nil {
		return fmt.Errorf("realtime: encode frame: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, body)
}

func (c *Client) handleFrame(f wire.Frame) {
	if f.Event == wire.ReplyEvent {
		if f.Seq == nil {
			return
		}
		var payload wire.ReplyPayload
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			return
		}
		status := reply.StatusOK
		if payload.Status == wire.StatusError {
			status = reply.StatusError
		}
		c.replies.Resolve(*f.Seq, status, payload.Response)
		return
	}

	ch := c.channelFor(f.Topic)
	if ch == nil {
		return
	}
	switch f.Event {
	case wire.EventBroadcast:
		ch.deliverBroadcast(f.Payload)
	case wire.EventPresenceState:
		ch.deliverPresenceState(f.Payload)
	case wire.EventPresenceDiff:
		ch.deliverPresenceDiff(f.Payload)
	default:
		slog.Debug("realtime: unhandled event", "event", f.Event, "topic", f.Topic)
	}
}

func (c *Client) channelFor(topic string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[topic]
}

// closeTransport tears down the current connection and, unless the user
// initiated the disconnect, arms the reconnection timer (spec.md §4.12).
func (c *Client) closeTransport(reason string) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	conn := c.conn
	userClosed := c.userClosed
	stop := c.connStopCh
	c.mu.Unlock()

	if stop != nil {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.replies.Cancel(reason)
	if c.heartbeat != nil {
		c.heartbeat.stop()
	}

	for _, ch := range c.allChannels() {
		ch.onTransportClosed()
	}

	if userClosed {
		return
	}
	c.reconnect.arm(func() { c.attemptReconnect() })
}

func (c *Client) allChannels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

func (c *Client) attemptReconnect() {
	c.mu.Lock()
	ctx := c.connectCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.Connect(ctx); err != nil {
		slog.Debug("realtime: reconnect attempt failed", "err", err)
		c.reconnect.arm(func() { c.attemptReconnect() })
	}
}

// rejoinAll re-subscribes every channel that was joined before an unclean
// close, per spec.md §4.6's "joined -> joined (self-loop via reconnect)".
func (c *Client) rejoinAll() {
	for _, ch := range c.allChannels() {
		if ch.shouldRejoin() {
			go ch.rejoinAfterReconnect()
		}
	}
}
