package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/realtime-ai/realtime-message/internal/auth"
	"github.com/realtime-ai/realtime-message/internal/reply"
	"github.com/realtime-ai/realtime-message/internal/wire"
)

// ChannelState is one of the five states spec.md §4.6 names.
type ChannelState string

const (
	ChannelClosed  ChannelState = "closed"
	ChannelJoining ChannelState = "joining"
	ChannelJoined  ChannelState = "joined"
	ChannelLeaving ChannelState = "leaving"
	ChannelErrored ChannelState = "errored"
)

type joinRequest struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type presenceRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type presenceTrackPayload struct {
	Meta json.RawMessage `json:"meta,omitempty"`
}

type broadcastEnvelope struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type broadcastListener struct {
	event string // "" matches the wildcard (null event)
	cb    func(event string, payload json.RawMessage)
}

// Channel is the client-side state machine for one joined topic, per
// spec.md §4.6. Grounded on the teacher's per-connection state handling in
// rustyguts-bken/client/app.go (one logical conversation per dialed
// server), generalized into a reusable per-topic state machine instead of
// one implicit global room.
type Channel struct {
	client *Client
	topic  string
	cfg    JoinConfig

	mu        sync.Mutex
	state     ChannelState
	joinSeq   string
	wasJoined bool
	hasMeta   bool
	lastMeta  json.RawMessage
	preJoin   []func()
	rejoin    *reconnectTimer

	listenersMu sync.Mutex
	broadcasts  []broadcastListener
	presence    *presenceReconciler
}

func newChannel(c *Client, topic string, cfg JoinConfig) *Channel {
	return &Channel{
		client:   c,
		topic:    topic,
		cfg:      cfg,
		state:    ChannelClosed,
		rejoin:   newReconnectTimer(c.reconnectSchedule),
		presence: newPresenceReconciler(),
	}
}

// State reports the channel's current state machine value.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// OnBroadcast registers cb for broadcasts whose nested event matches; an
// empty event string matches every broadcast (the wildcard per spec.md §4.6).
func (ch *Channel) OnBroadcast(event string, cb func(event string, payload json.RawMessage)) {
	ch.listenersMu.Lock()
	defer ch.listenersMu.Unlock()
	ch.broadcasts = append(ch.broadcasts, broadcastListener{event: event, cb: cb})
}

// OnPresenceSync, OnPresenceJoin, and OnPresenceLeave bind the presence
// reconciler's three callbacks (spec.md §4.7). Call before Subscribe.
func (ch *Channel) OnPresenceSync(cb func(PresenceState))                           { ch.presence.onSync = cb }
func (ch *Channel) OnPresenceJoin(cb func(key string, entries []PresenceEntry))      { ch.presence.onJoin = cb }
func (ch *Channel) OnPresenceLeave(cb func(key string, entries []PresenceEntry))     { ch.presence.onLeave = cb }

// Subscribe sends chan:join and blocks for the reply, per spec.md §4.6.
// Calling it again on an already-joined channel is idempotent: it resolves
// immediately without re-sending chan:join (spec.md §8).
func (ch *Channel) Subscribe(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == ChannelJoined {
		ch.mu.Unlock()
		return nil
	}
	if ch.state != ChannelClosed && ch.state != ChannelErrored {
		st := ch.state
		ch.mu.Unlock()
		return fmt.Errorf("realtime: channel %s: subscribe called in state %s", ch.topic, st)
	}
	ch.state = ChannelJoining
	ch.mu.Unlock()

	token, err := ch.client.resolveToken(ctx)
	if err != nil {
		ch.mu.Lock()
		ch.state = ChannelErrored
		ch.mu.Unlock()
		return fmt.Errorf("realtime: resolve access token: %w", err)
	}

	payload, err := json.Marshal(joinRequest{Config: ch.cfg, AccessToken: token})
	if err != nil {
		return fmt.Errorf("realtime: marshal join payload: %w", err)
	}

	result, seq, err := ch.client.request(ctx, nil, ch.topic, wire.EventChanJoin, payload)
	if err != nil {
		ch.mu.Lock()
		ch.state = ChannelErrored
		ch.mu.Unlock()
		ch.armRejoin()
		return fmt.Errorf("realtime: chan:join: %w", err)
	}

	switch result.Status {
	case reply.StatusOK:
		ch.mu.Lock()
		ch.state = ChannelJoined
		ch.joinSeq = seq
		ch.wasJoined = true
		buffered := ch.preJoin
		ch.preJoin = nil
		ch.mu.Unlock()
		ch.rejoin.reset()
		for _, fn := range buffered {
			fn()
		}
		return nil

	case reply.StatusError:
		var errResp wire.ErrorResponse
		_ = json.Unmarshal(result.Response, &errResp)
		ch.mu.Lock()
		ch.state = ChannelErrored
		ch.mu.Unlock()
		if !auth.IsAuthCode(errResp.Code) {
			ch.armRejoin()
		}
		return fmt.Errorf("realtime: chan:join rejected: %s (%s)", errResp.Reason, errResp.Code)

	default: // reply.StatusTimeout
		ch.mu.Lock()
		ch.state = ChannelErrored
		ch.mu.Unlock()
		ch.armRejoin()
		return fmt.Errorf("realtime: chan:join timed out")
	}
}

// Unsubscribe sends chan:leave and always ends in ChannelClosed, per
// spec.md §4.6, reporting "ok", "error", or "timed out" to the caller.
func (ch *Channel) Unsubscribe(ctx context.Context) (string, error) {
	ch.mu.Lock()
	if ch.state != ChannelJoined {
		st := ch.state
		ch.mu.Unlock()
		return "", fmt.Errorf("realtime: channel %s: unsubscribe called in state %s", ch.topic, st)
	}
	ch.state = ChannelLeaving
	joinSeq := ch.joinSeq
	ch.mu.Unlock()

	result, _, err := ch.client.request(ctx, &joinSeq, ch.topic, wire.EventChanLeave, json.RawMessage(`{}`))

	ch.mu.Lock()
	ch.state = ChannelClosed
	ch.wasJoined = false
	ch.hasMeta = false
	ch.lastMeta = nil
	ch.mu.Unlock()
	ch.rejoin.cancel()

	if err != nil {
		return "timed out", fmt.Errorf("realtime: chan:leave: %w", err)
	}
	switch result.Status {
	case reply.StatusOK:
		return "ok", nil
	case reply.StatusError:
		var errResp wire.ErrorResponse
		_ = json.Unmarshal(result.Response, &errResp)
		return "error", fmt.Errorf("realtime: chan:leave rejected: %s", errResp.Reason)
	default:
		return "timed out", fmt.Errorf("realtime: chan:leave timed out")
	}
}

// Broadcast sends a broadcast on this channel. If the channel's
// BroadcastConfig.Ack is set the call blocks for a reply; otherwise it
// resolves "ok" once the frame is enqueued (spec.md §4.6).
func (ch *Channel) Broadcast(ctx context.Context, event string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "error", fmt.Errorf("realtime: marshal broadcast payload: %w", err)
	}
	env, err := json.Marshal(broadcastEnvelope{Type: "broadcast", Event: event, Payload: raw})
	if err != nil {
		return "error", fmt.Errorf("realtime: marshal broadcast envelope: %w", err)
	}

	if !ch.cfg.Broadcast.Ack {
		ch.deferUntilJoined(func() {
			ch.client.enqueue(ch.frame(nil, wire.EventBroadcast, env))
		})
		return "ok", nil
	}

	type outcome struct {
		status string
		err    error
	}
	done := make(chan outcome, 1)
	ch.deferUntilJoined(func() {
		joinSeq := ch.currentJoinSeq()
		result, _, err := ch.client.request(ctx, &joinSeq, ch.topic, wire.EventBroadcast, env)
		done <- replyOutcome(result, err, "broadcast")
	})
	select {
	case o := <-done:
		return o.status, o.err
	case <-ctx.Done():
		return "error", ctx.Err()
	}
}

// Track upserts this connection's presence meta under the channel's
// configured key, storing meta for re-track after reconnect (spec.md §4.6).
func (ch *Channel) Track(ctx context.Context, meta any) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("realtime: marshal presence meta: %w", err)
	}
	status, err := ch.sendPresence(ctx, "track", presenceTrackPayload{Meta: raw})
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ch.hasMeta = true
	ch.lastMeta = raw
	ch.mu.Unlock()
	return statusErr(status, "track")
}

// Untrack clears this connection's presence entry and last-tracked meta.
func (ch *Channel) Untrack(ctx context.Context) error {
	status, err := ch.sendPresence(ctx, "untrack", nil)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ch.hasMeta = false
	ch.lastMeta = nil
	ch.mu.Unlock()
	return statusErr(status, "untrack")
}

func (ch *Channel) sendPresence(ctx context.Context, event string, payload any) (string, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return "error", fmt.Errorf("realtime: marshal presence payload: %w", err)
		}
	}
	body, err := json.Marshal(presenceRequest{Event: event, Payload: raw})
	if err != nil {
		return "error", fmt.Errorf("realtime: marshal presence request: %w", err)
	}

	type outcome struct {
		status string
		err    error
	}
	done := make(chan outcome, 1)
	ch.deferUntilJoined(func() {
		joinSeq := ch.currentJoinSeq()
		result, _, err := ch.client.request(ctx, &joinSeq, ch.topic, wire.EventPresence, body)
		done <- replyOutcome(result, err, "presence "+event)
	})
	select {
	case o := <-done:
		return o.status, o.err
	case <-ctx.Done():
		return "error", ctx.Err()
	}
}

func replyOutcome(result reply.Result, err error, what string) struct {
	status string
	err    error
} {
	type outcome struct {
		status string
		err    error
	}
	if err != nil {
		return outcome{"error", fmt.Errorf("realtime: %s: %w", what, err)}
	}
	switch result.Status {
	case reply.StatusOK:
		return outcome{"ok", nil}
	case reply.StatusError:
		var errResp wire.ErrorResponse
		_ = json.Unmarshal(result.Response, &errResp)
		return outcome{"error", fmt.Errorf("realtime: %s rejected: %s", what, errResp.Reason)}
	default:
		return outcome{"timeout", fmt.Errorf("realtime: %s timed out", what)}
	}
}

func statusErr(status string, what string) error {
	if status == "ok" {
		return nil
	}
	return fmt.Errorf("realtime: %s: %s", what, status)
}

func (ch *Channel) currentJoinSeq() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.joinSeq
}

// frame builds a wire.Frame stamped with this channel's join_seq, per
// spec.md §4.6: "the join-sequence is fixed to the request's sequence
// (used as join_seq on all subsequent frames originating from this
// channel)."
func (ch *Channel) frame(seq *string, event string, payload json.RawMessage) wire.Frame {
	joinSeq := ch.currentJoinSeq()
	return wire.Frame{JoinSeq: &joinSeq, Seq: seq, Topic: ch.topic, Event: event, Payload: payload}
}

// deferUntilJoined runs fn immediately if the channel is joined, otherwise
// buffers it (bounded, FIFO-drop-oldest) for replay after the next
// successful join (spec.md §4.5's per-channel pre-join buffer).
func (ch *Channel) deferUntilJoined(fn func()) {
	ch.mu.Lock()
	if ch.state == ChannelJoined {
		ch.mu.Unlock()
		fn()
		return
	}
	if len(ch.preJoin) >= PreJoinBufferLimit {
		ch.preJoin = ch.preJoin[1:]
	}
	ch.preJoin = append(ch.preJoin, fn)
	ch.mu.Unlock()
}

func (ch *Channel) deliverBroadcast(raw json.RawMessage) {
	var env broadcastEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	ch.listenersMu.Lock()
	listeners := make([]broadcastListener, len(ch.broadcasts))
	copy(listeners, ch.broadcasts)
	ch.listenersMu.Unlock()

	for _, l := range listeners {
		if l.event == "" || l.event == env.Event {
			l.cb(env.Event, env.Payload)
		}
	}
}

func (ch *Channel) deliverPresenceState(raw json.RawMessage) {
	var snapshot PresenceState
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return
	}
	ch.presence.applySnapshot(snapshot)
}

func (ch *Channel) deliverPresenceDiff(raw json.RawMessage) {
	var diff presenceDiffPayload
	if err := json.Unmarshal(raw, &diff); err != nil {
		return
	}
	ch.presence.applyDiff(diff)
}

// onTransportClosed marks a joined channel errored and arms its rejoin
// timer, per spec.md §4.12 ("transport close while joined").
func (ch *Channel) onTransportClosed() {
	ch.mu.Lock()
	wasJoined := ch.wasJoined
	if ch.state == ChannelJoined || ch.state == ChannelJoining {
		ch.state = ChannelErrored
	}
	ch.mu.Unlock()
	if wasJoined {
		ch.armRejoin()
	}
}

func (ch *Channel) shouldRejoin() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.wasJoined && ch.state == ChannelErrored
}

// rejoinAfterReconnect re-subscribes immediately on Link re-open, and if a
// presence meta was tracked before the disconnect, re-tracks it once
// rejoined (spec.md §4.6's reconnect self-loop).
func (ch *Channel) rejoinAfterReconnect() {
	ctx := context.Background()
	if err := ch.Subscribe(ctx); err != nil {
		return
	}
	ch.mu.Lock()
	hasMeta := ch.hasMeta
	meta := ch.lastMeta
	ch.mu.Unlock()
	if hasMeta {
		_ = ch.Track(ctx, meta)
	}
}

// armRejoin arms this channel's own rejoin timer (distinct from the
// client's transport reconnect timer, per spec.md §4.6's "rejoin timer").
func (ch *Channel) armRejoin() {
	ch.rejoin.arm(func() {
		if ch.shouldRejoinAfterError() {
			_ = ch.Subscribe(context.Background())
		}
	})
}

func (ch *Channel) shouldRejoinAfterError() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == ChannelErrored
}
