// Package server implements the server-side halves of the spec: the
// connection registry, channel registry with broadcast fan-out, the
// presence store, and the message router that ties them to inbound wire
// frames (spec.md §4.8-§4.10). It is grounded on the teacher's
// internal/core.ChannelState (rustyguts-bken/server), generalized from a
// single voice-chat room to arbitrary topic-keyed channels.
package server

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/realtime-ai/realtime-message/internal/wire"
)

// SendTimeout bounds how long a write to one member's link may block before
// the fan-out gives up on that recipient, mirroring the teacher's
// SendTimeout in internal/core/channel_state.go.
const SendTimeout = 50 * time.Millisecond

// Limits mirror the observable limits in spec.md §6.
const (
	MaxMessageBytes      = 100 * 1024
	MaxPresencePayload   = 10 * 1024
	MaxTopicLength       = 255
	MaxEventLength       = 128
	MaxSubscriptionsPerLink = 100
	MaxMembersPerChannel    = 10000
	MaxPresenceEntries      = 1000
)

// BroadcastConfig is the subset of a channel's join-time config that affects
// fan-out policy (spec.md §3 Channel entity, broadcast.self / broadcast.ack).
type BroadcastConfig struct {
	Self bool `json:"self"`
	Ack  bool `json:"ack"`
}

// PresenceConfig is the subset of join-time config affecting presence
// (spec.md §3 Channel entity, presence.key / presence.enabled).
type PresenceConfig struct {
	Key     string `json:"key,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

// JoinConfig is the full payload carried in a chan:join request.
type JoinConfig struct {
	Broadcast BroadcastConfig `json:"broadcast"`
	Presence  PresenceConfig  `json:"presence"`
}

// PresenceEnabled resolves Open Question (b) from spec.md §9: a non-empty
// key does NOT implicitly enable presence. Enabled is the single source of
// truth (see SPEC_FULL.md §5).
func (c JoinConfig) PresenceEnabled() bool {
	return c.Presence.Enabled
}

// Link is the minimal write surface the registry needs from a connected
// transport. Implementations must serialize writes internally (spec.md §5:
// "writes to a link's transport are serialized per link").
type Link interface {
	ID() string
	WriteFrame(f wire.Frame) error
}

// Member is a server-side ChannelMember (spec.md §3): one link's membership
// in one topic.
type Member struct {
	Link     Link
	Topic    string
	JoinSeq  string
	Config   JoinConfig
}

// trySend writes a frame to a member's link. Link implementations are
// expected to bound the write internally (e.g. a buffered channel drained by
// a single writer goroutine, using SendTimeout as the per-write deadline)
// so that one slow peer cannot stall fan-out to the rest — mirrors the
// teacher's trySend-over-a-buffered-channel pattern.
func trySend(l Link, f wire.Frame) (ok bool) {
	if err := l.WriteFrame(f); err != nil {
		slog.Debug("member write failed", "link_id", l.ID(), "event", f.Event, "err", err)
		return false
	}
	return true
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic("server: marshal: " + err.Error())
	}
	return b
}
