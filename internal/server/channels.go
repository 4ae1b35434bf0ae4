package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/realtime-ai/realtime-message/internal/fabric"
	"github.com/realtime-ai/realtime-message/internal/wire"
)

// ErrAlreadyMember is returned by Join when the link already holds
// membership in topic (spec.md §3: "ChannelMember(topic, link) exists iff
// server observed a successful join reply... and no subsequent leave").
var ErrAlreadyMember = fmt.Errorf("already joined")

// ErrChannelFull is returned by Join once MaxMembersPerChannel is reached.
var ErrChannelFull = fmt.Errorf("channel full")

// ErrTooManySubscriptions is returned by Join once a single link has joined
// MaxSubscriptionsPerLink channels (spec.md §6).
var ErrTooManySubscriptions = fmt.Errorf("too many subscriptions")

// ChannelRegistry is the server-side channel registry: per-topic
// membership, keyed by link id, plus the broadcast fan-out policy from
// spec.md §4.9. It is grounded on the teacher's ChannelState broadcast
// helpers, generalized from one implicit room to arbitrary topics.
type ChannelRegistry struct {
	mu      sync.RWMutex
	members map[string]map[string]*Member // topic -> link id -> Member
	byLink  map[string]map[string]struct{} // link id -> topic set, for the per-link subscription cap

	fab        fabric.Fabric
	instanceID string
}

// NewChannelRegistry builds an empty registry. fab may be nil to run without
// cross-instance relay (spec.md §4.12: "fabric outage: local-instance
// broadcasts continue to work").
func NewChannelRegistry(fab fabric.Fabric, instanceID string) *ChannelRegistry {
	return &ChannelRegistry{
		members:    make(map[string]map[string]*Member),
		byLink:     make(map[string]map[string]struct{}),
		fab:        fab,
		instanceID: instanceID,
	}
}

// Join registers link as a member of topic with the given join sequence and
// config. It enforces the per-channel member cap (spec.md §6) and the
// already-member invariant.
func (r *ChannelRegistry) Join(topic string, link Link, joinSeq string, cfg JoinConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.members[topic]
	if _, exists := set[link.ID()]; exists {
		return ErrAlreadyMember
	}
	if len(set) >= MaxMembersPerChannel {
		return ErrChannelFull
	}
	if len(r.byLink[link.ID()]) >= MaxSubscriptionsPerLink {
		return ErrTooManySubscriptions
	}
	if set == nil {
		set = make(map[string]*Member)
		r.members[topic] = set
	}

	set[link.ID()] = &Member{Link: link, Topic: topic, JoinSeq: joinSeq, Config: cfg}
	topics, ok := r.byLink[link.ID()]
	if !ok {
		topics = make(map[string]struct{})
		r.byLink[link.ID()] = topics
	}
	topics[topic] = struct{}{}
	slog.Info("channel joined", "topic", topic, "link_id", link.ID(), "members", len(set))
	return nil
}

// Leave removes link's membership in topic. It reports whether the member
// existed and whether the channel is now empty (the caller drops empty
// channel entries per spec.md §4.8).
func (r *ChannelRegistry) Leave(topic, linkID string) (existed bool, nowEmpty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[topic]
	if !ok {
		return false, true
	}
	if _, exists := set[linkID]; !exists {
		return false, len(set) == 0
	}
	delete(set, linkID)
	empty := len(set) == 0
	if empty {
		delete(r.members, topic)
	}
	if topics, ok := r.byLink[linkID]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(r.byLink, linkID)
		}
	}
	slog.Info("channel left", "topic", topic, "link_id", linkID, "members", len(set))
	return true, empty
}

// LeaveAll removes linkID's membership from every topic, returning the
// topics it was a member of — used on transport disconnect (spec.md §4.12).
func (r *ChannelRegistry) LeaveAll(linkID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var topics []string
	for topic, set := range r.members {
		if _, ok := set[linkID]; ok {
			delete(set, linkID)
			topics = append(topics, topic)
			if len(set) == 0 {
				delete(r.members, topic)
			}
		}
	}
	delete(r.byLink, linkID)
	return topics
}

// IsMember reports whether linkID currently holds membership in topic.
func (r *ChannelRegistry) IsMember(topic, linkID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[topic][linkID]
	return ok
}

// Member returns the Member record for linkID in topic, if any.
func (r *ChannelRegistry) Member(topic, linkID string) (*Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[topic][linkID]
	return m, ok
}

// MemberCount returns the number of local members of topic.
func (r *ChannelRegistry) MemberCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[topic])
}

// MemberIDs returns a snapshot of link ids currently member of topic, used
// by the HTTP collaborator's GET /api/channels/:topic.
func (r *ChannelRegistry) MemberIDs(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.members[topic]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// snapshot returns the membership snapshot at fan-out start (spec.md §5:
// "the set of recipients is the membership snapshot at fan-out start").
func (r *ChannelRegistry) snapshot(topic string) []*Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.members[topic]
	out := make([]*Member, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	return out
}

// Broadcast implements the fan-out policy from spec.md §4.9 for a broadcast
// initiated by senderLinkID with senderSelf = the sender's broadcast.self
// config. It returns the number of local peers the frame was written to.
func (r *ChannelRegistry) Broadcast(ctx context.Context, topic, senderLinkID string, senderSelf bool, payload json.RawMessage) int {
	frame := wire.Frame{Topic: topic, Event: wire.EventBroadcast, Payload: payload}
	members := r.snapshot(topic)

	sent := 0
	for _, m := range members {
		if m.Link.ID() == senderLinkID && !senderSelf {
			continue
		}
		if trySend(m.Link, frame) {
			sent++
		}
	}

	if r.fab != nil {
		if err := r.fab.Publish(ctx, fabric.Event{Topic: topic, Kind: fabric.KindBroadcast, Payload: payload}); err != nil {
			slog.Warn("fabric publish failed", "topic", topic, "err", err)
		}
	}

	slog.Debug("broadcast", "topic", topic, "recipients", sent, "total_local_members", len(members))
	return sent
}

// apiBroadcastEnvelope is the same {type, event, payload} shape a socket
// client builds client-side before sending a broadcast frame (see
// pkg/realtime/channel.go's broadcastEnvelope); REST-originated broadcasts
// have no client to build it, so BroadcastFromAPI builds it here instead.
type apiBroadcastEnvelope struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// BroadcastFromAPI fans payload out to every local member of topic with no
// sender to exclude, used by the REST collaborator (spec.md §4.9: "REST-
// originated broadcasts... there is no local sender to exclude"). It wraps
// payload in the same broadcast envelope a socket-originated send carries,
// so OnBroadcast(event, ...) listeners filter REST-originated broadcasts
// the same way they filter socket-originated ones.
func (r *ChannelRegistry) BroadcastFromAPI(ctx context.Context, topic, event string, payload json.RawMessage) (int, error) {
	env, err := json.Marshal(apiBroadcastEnvelope{Type: "broadcast", Event: event, Payload: payload})
	if err != nil {
		return 0, fmt.Errorf("marshal api broadcast envelope: %w", err)
	}
	return r.Broadcast(ctx, topic, "", true, env), nil
}

// DeliverFromFabric fans a cross-instance broadcast out to every local
// member, skipping no one — the originating instance already handled its
// own local peers directly (spec.md §4.9).
func (r *ChannelRegistry) DeliverFromFabric(topic string, payload json.RawMessage) int {
	frame := wire.Frame{Topic: topic, Event: wire.EventBroadcast, Payload: payload}
	members := r.snapshot(topic)
	sent := 0
	for _, m := range members {
		if trySend(m.Link, frame) {
			sent++
		}
	}
	return sent
}

// SendPresenceState delivers a presence_state snapshot to a single joining
// link (spec.md §4.8: "immediately send a presence_state snapshot... to the
// joining link only").
func (r *ChannelRegistry) SendPresenceState(topic string, link Link, state PresenceKeyMap) bool {
	frame := wire.Frame{Topic: topic, Event: wire.EventPresenceState, Payload: mustMarshal(state)}
	return trySend(link, frame)
}

// DeliverPresenceDiff fans a presence_diff out to every local member of
// topic except excludeLinkID (the actor whose track/untrack produced the
// diff already knows its own outcome via the request's reply).
func (r *ChannelRegistry) DeliverPresenceDiff(topic, excludeLinkID string, diff PresenceDiffPayload) int {
	if diff.empty() {
		return 0
	}
	frame := wire.Frame{Topic: topic, Event: wire.EventPresenceDiff, Payload: mustMarshal(diff)}
	members := r.snapshot(topic)
	sent := 0
	for _, m := range members {
		if m.Link.ID() == excludeLinkID {
			continue
		}
		if trySend(m.Link, frame) {
			sent++
		}
	}
	return sent
}

// Topics returns every topic that currently has at least one local member,
// used by the HTTP collaborator's GET /health to count channels.
func (r *ChannelRegistry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for topic := range r.members {
		out = append(out, topic)
	}
	return out
}

// TotalMembers returns the sum of local membership across every topic, used
// by the HTTP collaborator's GET /health (spec.md §6).
func (r *ChannelRegistry) TotalMembers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, set := range r.members {
		total += len(set)
	}
	return total
}
