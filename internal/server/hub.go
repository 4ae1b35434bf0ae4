package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/realtime-ai/realtime-message/internal/fabric"
)

// Hub composes the channel registry and presence store with the fabric
// subscription lifecycle spec.md §4.11 describes: an instance subscribes to
// a topic's fabric stream once it has at least one local member, and
// unsubscribes once the last local member leaves. It is grounded on the
// teacher's ChannelState, which plays the same "one shared state root"
// role for the voice-chat room.
type Hub struct {
	Channels *ChannelRegistry
	Presence *PresenceStore

	fab        fabric.Fabric
	instanceID string

	mu          sync.Mutex
	subscribers map[string]int // topic -> joins since the topic's fabric subscription began (not decremented on leave); the entry is removed, and the topic unsubscribed, once ChannelRegistry reports the topic empty
}

// NewHub builds a Hub. fab may be nil to run single-instance with no
// cross-instance relay.
func NewHub(fab fabric.Fabric, instanceID string) *Hub {
	return &Hub{
		Channels:    NewChannelRegistry(fab, instanceID),
		Presence:    NewPresenceStore(fab, instanceID),
		fab:         fab,
		instanceID:  instanceID,
		subscribers: make(map[string]int),
	}
}

// Join joins link to topic and, if this is the topic's first local member,
// subscribes to its fabric stream.
func (h *Hub) Join(ctx context.Context, topic string, link Link, joinSeq string, cfg JoinConfig) error {
	if err := h.Channels.Join(topic, link, joinSeq, cfg); err != nil {
		return err
	}
	h.ensureSubscribed(ctx, topic)
	return nil
}

// Leave leaves link from topic and, if the topic is now empty locally,
// unsubscribes from its fabric stream.
func (h *Hub) Leave(topic, linkID string) (existed bool, nowEmpty bool) {
	existed, nowEmpty = h.Channels.Leave(topic, linkID)
	if existed && nowEmpty {
		h.maybeUnsubscribe(topic)
	}
	return existed, nowEmpty
}

// LeaveAll leaves link from every topic it was a member of, unsubscribing
// from the fabric for any topic that becomes empty.
func (h *Hub) LeaveAll(linkID string) []string {
	topics := h.Channels.LeaveAll(linkID)
	for _, topic := range topics {
		if h.Channels.MemberCount(topic) == 0 {
			h.maybeUnsubscribe(topic)
		}
	}
	return topics
}

func (h *Hub) ensureSubscribed(ctx context.Context, topic string) {
	if h.fab == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[topic] > 0 {
		h.subscribers[topic]++
		return
	}
	h.subscribers[topic] = 1
	if err := h.fab.Subscribe(ctx, topic, h.dispatch); err != nil {
		slog.Warn("fabric subscribe failed", "topic", topic, "err", err)
	}
}

func (h *Hub) maybeUnsubscribe(topic string) {
	if h.fab == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[topic]; !ok {
		return
	}
	delete(h.subscribers, topic)
	if err := h.fab.Unsubscribe(topic); err != nil {
		slog.Warn("fabric unsubscribe failed", "topic", topic, "err", err)
	}
}

// fabricPresencePayload mirrors PresenceStore.publishFabric's wire shape.
type fabricPresencePayload struct {
	Key         string          `json:"key"`
	OwnerLinkID string          `json:"owner_link_id"`
	Ref         string          `json:"ref"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

// dispatch applies one cross-instance fabric event against local state and
// fans the result out to local members, per spec.md §4.9/§4.10.
func (h *Hub) dispatch(ev fabric.Event) {
	switch ev.Kind {
	case fabric.KindBroadcast:
		h.Channels.DeliverFromFabric(ev.Topic, ev.Payload)

	case fabric.KindPresenceTrack:
		var p fabricPresencePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			slog.Warn("fabric presence track decode failed", "topic", ev.Topic, "err", err)
			return
		}
		diff := h.Presence.ApplyFabricTrack(ev.Topic, p.OwnerLinkID, p.Key, p.Meta, p.Ref)
		h.Channels.DeliverPresenceDiff(ev.Topic, "", diff)

	case fabric.KindPresenceUntrack:
		var p fabricPresencePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			slog.Warn("fabric presence untrack decode failed", "topic", ev.Topic, "err", err)
			return
		}
		diff := h.Presence.ApplyFabricUntrack(ev.Topic, p.OwnerLinkID, p.Key)
		h.Channels.DeliverPresenceDiff(ev.Topic, "", diff)

	default:
		slog.Warn("unknown fabric event kind", "topic", ev.Topic, "kind", ev.Kind)
	}
}
