package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/realtime-ai/realtime-message/internal/auth"
	"github.com/realtime-ai/realtime-message/internal/wire"
)

// Error code families from spec.md §7.
const (
	CodeChannelNotFound    = "CHANNEL_NOT_FOUND"
	CodeChannelForbidden   = "CHANNEL_FORBIDDEN"
	CodeChannelAlreadyIn   = "CHANNEL_ALREADY_JOINED"
	CodeChannelFull        = "CHANNEL_FULL"
	CodeMessageTooLarge    = "MESSAGE_TOO_LARGE"
	CodeMessageMalformed   = "MESSAGE_MALFORMED"
	CodeMessageRateLimit   = "MESSAGE_RATE_LIMITED"
	CodePresenceDisabled   = "PRESENCE_DISABLED"
	CodePresenceTooLarge   = "PRESENCE_PAYLOAD_TOO_LARGE"
	CodePresenceKeyMissing = "PRESENCE_KEY_MISSING"
	CodePresenceFull       = "PRESENCE_CHANNEL_FULL"
	CodeInternal           = "INTERNAL_ERROR"
)

// joinRequest is the payload of a chan:join frame (spec.md §4.6).
type joinRequest struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

// presenceRequest is the payload of a presence frame (spec.md §4.8).
type presenceRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type presenceTrackPayload struct {
	Meta json.RawMessage `json:"meta,omitempty"`
}

// Router maps inbound frames to handlers by event kind and enforces channel
// membership, grounded on the teacher's Handler.handleInbound switch
// (rustyguts-bken/server/internal/ws/handler.go) and generalized from fixed
// message types to the spec's event-name dispatch.
type Router struct {
	hub         *Hub
	verifier    *auth.Verifier
	authEnabled bool
}

// NewRouter builds a Router. verifier may be nil when authEnabled is false.
func NewRouter(hub *Hub, verifier *auth.Verifier, authEnabled bool) *Router {
	return &Router{hub: hub, verifier: verifier, authEnabled: authEnabled}
}

// Route dispatches one inbound frame from link, per spec.md §4.8.
func (rt *Router) Route(ctx context.Context, link Link, f wire.Frame) {
	if f.Topic == wire.SystemTopic && f.Event == wire.EventHeartbeat {
		rt.reply(link, f.Seq, wire.StatusOK, json.RawMessage(`{}`))
		return
	}

	switch f.Event {
	case wire.EventChanJoin:
		rt.handleJoin(ctx, link, f)
	case wire.EventChanLeave:
		rt.handleLeave(link, f)
	case wire.EventBroadcast:
		rt.handleBroadcast(ctx, link, f)
	case wire.EventPresence:
		rt.handlePresence(link, f)
	default:
		slog.Warn("unknown event, dropping frame", "event", f.Event, "topic", f.Topic, "link_id", link.ID())
	}
}

func (rt *Router) handleJoin(ctx context.Context, link Link, f wire.Frame) {
	var req joinRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		rt.replyError(link, f.Seq, CodeMessageMalformed, "malformed chan:join payload")
		return
	}

	if len(f.Topic) > MaxTopicLength {
		rt.replyError(link, f.Seq, CodeMessageMalformed, "topic too long")
		return
	}

	if rt.authEnabled {
		result := rt.verifier.Verify(req.AccessToken)
		if !result.Valid {
			rt.replyError(link, f.Seq, result.ErrorCode, errString(result.Err))
			return
		}
		if !auth.CanAccessChannel(result.Payload, f.Topic) {
			rt.replyError(link, f.Seq, auth.CodeAuthForbidden, "not permitted to join this channel")
			return
		}
	}

	joinSeq := ""
	if f.Seq != nil {
		joinSeq = *f.Seq
	}

	switch err := rt.hub.Join(ctx, f.Topic, link, joinSeq, req.Config); {
	case err == ErrAlreadyMember:
		rt.replyError(link, f.Seq, CodeChannelAlreadyIn, "already joined this channel")
		return
	case err == ErrChannelFull:
		rt.replyError(link, f.Seq, CodeChannelFull, "channel is full")
		return
	case err == ErrTooManySubscriptions:
		rt.replyError(link, f.Seq, CodeChannelFull, "too many subscriptions on this connection")
		return
	case err != nil:
		rt.replyError(link, f.Seq, CodeInternal, errString(err))
		return
	}

	rt.reply(link, f.Seq, wire.StatusOK, json.RawMessage(`{}`))

	if req.Config.PresenceEnabled() {
		snapshot := rt.hub.Presence.Snapshot(f.Topic)
		rt.hub.Channels.SendPresenceState(f.Topic, link, snapshot)
	}
}

func (rt *Router) handleLeave(link Link, f wire.Frame) {
	if member, ok := rt.hub.Channels.Member(f.Topic, link.ID()); ok && member.Config.PresenceEnabled() {
		diff := rt.hub.Presence.Untrack(f.Topic, link.ID(), member.Config.Presence.Key)
		rt.hub.Channels.DeliverPresenceDiff(f.Topic, link.ID(), diff)
	}

	existed, _ := rt.hub.Leave(f.Topic, link.ID())
	if !existed {
		rt.replyError(link, f.Seq, CodeChannelNotFound, "not a member of this channel")
		return
	}
	rt.reply(link, f.Seq, wire.StatusOK, json.RawMessage(`{}`))
}

func (rt *Router) handleBroadcast(ctx context.Context, link Link, f wire.Frame) {
	member, ok := rt.hub.Channels.Member(f.Topic, link.ID())
	if !ok {
		rt.replyError(link, f.Seq, CodeChannelNotFound, "not a member of this channel")
		return
	}
	if len(f.Payload) > MaxMessageBytes {
		rt.replyError(link, f.Seq, CodeMessageTooLarge, "message exceeds maximum size")
		return
	}

	rt.hub.Channels.Broadcast(ctx, f.Topic, link.ID(), member.Config.Broadcast.Self, f.Payload)

	if member.Config.Broadcast.Ack && f.Seq != nil {
		rt.reply(link, f.Seq, wire.StatusOK, json.RawMessage(`{}`))
	}
}

func (rt *Router) handlePresence(link Link, f wire.Frame) {
	member, ok := rt.hub.Channels.Member(f.Topic, link.ID())
	if !ok {
		rt.replyError(link, f.Seq, CodeChannelNotFound, "not a member of this channel")
		return
	}
	if !member.Config.PresenceEnabled() {
		rt.replyError(link, f.Seq, CodePresenceDisabled, "presence is disabled for this channel")
		return
	}
	key := member.Config.Presence.Key
	if key == "" {
		rt.replyError(link, f.Seq, CodePresenceKeyMissing, "no presence key declared at join")
		return
	}

	var req presenceRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		rt.replyError(link, f.Seq, CodeMessageMalformed, "malformed presence payload")
		return
	}

	switch req.Event {
	case "track":
		var trackReq presenceTrackPayload
		if err := json.Unmarshal(req.Payload, &trackReq); err != nil {
			rt.replyError(link, f.Seq, CodeMessageMalformed, "malformed presence track payload")
			return
		}
		if len(trackReq.Meta) > MaxPresencePayload {
			rt.replyError(link, f.Seq, CodePresenceTooLarge, "presence payload exceeds maximum size")
			return
		}
		diff, err := rt.hub.Presence.Track(f.Topic, link.ID(), key, trackReq.Meta)
		if err != nil {
			rt.replyError(link, f.Seq, CodePresenceFull, err.Error())
			return
		}
		rt.hub.Channels.DeliverPresenceDiff(f.Topic, link.ID(), diff)
	case "untrack":
		diff := rt.hub.Presence.Untrack(f.Topic, link.ID(), key)
		rt.hub.Channels.DeliverPresenceDiff(f.Topic, link.ID(), diff)
	default:
		rt.replyError(link, f.Seq, CodeMessageMalformed, fmt.Sprintf("unknown presence event %q", req.Event))
		return
	}

	rt.reply(link, f.Seq, wire.StatusOK, json.RawMessage(`{}`))
}

// HandleDisconnect performs the cleanup spec.md §4.12 requires when a
// link's transport closes: drop its channel memberships and untrack its
// presence entries, emitting a presence_diff{leaves} to each affected
// topic's remaining members.
func (rt *Router) HandleDisconnect(link Link) {
	diffs := rt.hub.Presence.UntrackLink(link.ID())
	for topic, diff := range diffs {
		rt.hub.Channels.DeliverPresenceDiff(topic, link.ID(), diff)
	}
	rt.hub.LeaveAll(link.ID())
}

func (rt *Router) reply(link Link, seq *string, status wire.ReplyStatus, response json.RawMessage) {
	if seq == nil {
		return
	}
	payload, err := json.Marshal(wire.ReplyPayload{Status: status, Response: response})
	if err != nil {
		slog.Error("marshal reply payload failed", "err", err)
		return
	}
	frame := wire.Frame{Seq: seq, Event: wire.ReplyEvent, Payload: payload}
	if err := link.WriteFrame(frame); err != nil {
		slog.Debug("reply write failed", "link_id", link.ID(), "err", err)
	}
}

func (rt *Router) replyError(link Link, seq *string, code, reason string) {
	resp := mustMarshal(wire.ErrorResponse{Reason: reason, Code: code})
	rt.reply(link, seq, wire.StatusError, resp)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
