package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/realtime-ai/realtime-message/internal/fabric"
)

// ErrPresenceFull is returned by Track once a topic's tracked-entry count
// has reached MaxPresenceEntries (spec.md §6).
var ErrPresenceFull = fmt.Errorf("presence entries exceed channel capacity")

// PresenceEntry is a server-side PresenceEntry (spec.md §3): one (topic,
// key) slot owned by a single link. Multiple entries can share a key when
// several devices/sessions track the same application-chosen key.
type PresenceEntry struct {
	PresenceRef string          `json:"presence_ref"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	OwnerLinkID string          `json:"-"`
}

// PublicEntry is the wire shape of a PresenceEntry once owner_link is
// stripped (spec.md §4.10: "Snapshot serializes the ordered list per key,
// stripping owner_link").
type PublicEntry struct {
	PresenceRef string          `json:"presence_ref"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

// PresenceKeyMap is the map[key][]PublicEntry shape carried by
// presence_state and (partially, for the joins/leaves sub-maps)
// presence_diff frames.
type PresenceKeyMap map[string][]PublicEntry

// PresenceDiffPayload is the {joins, leaves} payload of a presence_diff
// frame (spec.md §4.7).
type PresenceDiffPayload struct {
	Joins  PresenceKeyMap `json:"joins"`
	Leaves PresenceKeyMap `json:"leaves"`
}

func (d PresenceDiffPayload) empty() bool {
	return len(d.Joins) == 0 && len(d.Leaves) == 0
}

// PresenceStore is the per-topic, per-key presence registry described in
// spec.md §4.10, generalized from the teacher's single global voice-state
// map (internal/core.ChannelState.users[*].voice) to arbitrary topics and
// arbitrary application-chosen keys with multi-entry (multi-device) union.
type PresenceStore struct {
	mu     sync.Mutex
	topics map[string]map[string][]PresenceEntry // topic -> key -> entries

	fab        fabric.Fabric
	instanceID string
}

// NewPresenceStore builds an empty store. fab may be nil to disable
// cross-instance convergence.
func NewPresenceStore(fab fabric.Fabric, instanceID string) *PresenceStore {
	return &PresenceStore{
		topics:     make(map[string]map[string][]PresenceEntry),
		fab:        fab,
		instanceID: instanceID,
	}
}

// Track upserts the presence of (linkID, key) in topic. If the link already
// has an entry for key, its meta is replaced in place and the same
// presence-ref is reused; otherwise a fresh presence-ref is allocated,
// unique per (link, key) so a single client's multiple keys never collide
// (spec.md §9 design note), subject to MaxPresenceEntries per topic
// (spec.md §6). It returns the resulting PresenceDiffPayload (always a
// single join) to deliver to the topic's other members.
func (s *PresenceStore) Track(topic, linkID, key string, meta json.RawMessage) (PresenceDiffPayload, error) {
	s.mu.Lock()
	entry, err := s.trackLocked(topic, linkID, key, meta)
	s.mu.Unlock()
	if err != nil {
		return PresenceDiffPayload{}, err
	}

	diff := PresenceDiffPayload{Joins: PresenceKeyMap{key: {entry.public()}}}
	s.publishFabric(topic, fabric.KindPresenceTrack, key, entry)
	return diff, nil
}

func (s *PresenceStore) trackLocked(topic, linkID, key string, meta json.RawMessage) (PresenceEntry, error) {
	byKey, ok := s.topics[topic]
	if !ok {
		byKey = make(map[string][]PresenceEntry)
		s.topics[topic] = byKey
	}
	entries := byKey[key]
	for i := range entries {
		if entries[i].OwnerLinkID == linkID {
			entries[i].Meta = meta
			slog.Debug("presence re-tracked", "topic", topic, "key", key, "link_id", linkID)
			return entries[i], nil
		}
	}
	if topicEntryCount(byKey) >= MaxPresenceEntries {
		return PresenceEntry{}, ErrPresenceFull
	}
	entry := PresenceEntry{PresenceRef: uuid.NewString(), Meta: meta, OwnerLinkID: linkID}
	byKey[key] = append(entries, entry)
	slog.Debug("presence tracked", "topic", topic, "key", key, "link_id", linkID, "ref", entry.PresenceRef)
	return entry, nil
}

// topicEntryCount sums tracked entries across every key in a topic's
// presence map, used to enforce MaxPresenceEntries.
func topicEntryCount(byKey map[string][]PresenceEntry) int {
	total := 0
	for _, entries := range byKey {
		total += len(entries)
	}
	return total
}

// Untrack removes (linkID, key)'s entry from topic, if any, returning the
// resulting diff (a single leave) to deliver to the topic's other members.
// Untrack of a key never tracked is a no-op (spec.md §8).
func (s *PresenceStore) Untrack(topic, linkID, key string) PresenceDiffPayload {
	s.mu.Lock()
	entry, removed := s.untrackLocked(topic, linkID, key)
	s.mu.Unlock()

	if !removed {
		return PresenceDiffPayload{}
	}
	s.publishFabric(topic, fabric.KindPresenceUntrack, key, entry)
	return PresenceDiffPayload{Leaves: PresenceKeyMap{key: {entry.public()}}}
}

func (s *PresenceStore) untrackLocked(topic, linkID, key string) (PresenceEntry, bool) {
	byKey, ok := s.topics[topic]
	if !ok {
		return PresenceEntry{}, false
	}
	entries := byKey[key]
	for i, e := range entries {
		if e.OwnerLinkID == linkID {
			byKey[key] = append(entries[:i], entries[i+1:]...)
			if len(byKey[key]) == 0 {
				delete(byKey, key)
			}
			return e, true
		}
	}
	return PresenceEntry{}, false
}

// UntrackLink removes every entry owned by linkID across every topic,
// called on link close (spec.md §4.10/§4.12). It returns a diff payload per
// affected topic to broadcast to that topic's remaining members.
func (s *PresenceStore) UntrackLink(linkID string) map[string]PresenceDiffPayload {
	s.mu.Lock()
	removedByTopic := make(map[string][]struct {
		key   string
		entry PresenceEntry
	})
	for topic, byKey := range s.topics {
		for key, entries := range byKey {
			for i := 0; i < len(entries); i++ {
				if entries[i].OwnerLinkID != linkID {
					continue
				}
				removedByTopic[topic] = append(removedByTopic[topic], struct {
					key   string
					entry PresenceEntry
				}{key, entries[i]})
				entries = append(entries[:i], entries[i+1:]...)
				i--
			}
			if len(entries) == 0 {
				delete(byKey, key)
			} else {
				byKey[key] = entries
			}
		}
	}
	s.mu.Unlock()

	out := make(map[string]PresenceDiffPayload, len(removedByTopic))
	for topic, removed := range removedByTopic {
		leaves := make(PresenceKeyMap, len(removed))
		for _, r := range removed {
			leaves[r.key] = append(leaves[r.key], r.entry.public())
			s.publishFabric(topic, fabric.KindPresenceUntrack, r.key, r.entry)
		}
		out[topic] = PresenceDiffPayload{Leaves: leaves}
	}
	return out
}

// Snapshot serializes the full presence state of topic, used to answer a
// newly-joined link's presence_state frame (spec.md §4.8).
func (s *PresenceStore) Snapshot(topic string) PresenceKeyMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := s.topics[topic]
	out := make(PresenceKeyMap, len(byKey))
	for key, entries := range byKey {
		list := make([]PublicEntry, len(entries))
		for i, e := range entries {
			list[i] = e.public()
		}
		out[key] = list
	}
	return out
}

// ApplyFabricTrack/ApplyFabricUntrack apply a cross-instance presence event
// against this instance's shadow map (spec.md §4.10: peer instances "apply
// them against a per-topic shadow map and emit corresponding diffs to their
// own members"). They reuse the same ownership model keyed by a synthetic
// owner id so repeated events from the same remote owner update in place
// rather than accumulating duplicates.
func (s *PresenceStore) ApplyFabricTrack(topic, remoteOwnerID, key string, meta json.RawMessage, ref string) PresenceDiffPayload {
	s.mu.Lock()
	byKey, ok := s.topics[topic]
	if !ok {
		byKey = make(map[string][]PresenceEntry)
		s.topics[topic] = byKey
	}
	entries := byKey[key]
	for i := range entries {
		if entries[i].OwnerLinkID == remoteOwnerID {
			entries[i].Meta = meta
			s.mu.Unlock()
			return PresenceDiffPayload{Joins: PresenceKeyMap{key: {entries[i].public()}}}
		}
	}
	entry := PresenceEntry{PresenceRef: ref, Meta: meta, OwnerLinkID: remoteOwnerID}
	byKey[key] = append(entries, entry)
	s.mu.Unlock()
	return PresenceDiffPayload{Joins: PresenceKeyMap{key: {entry.public()}}}
}

func (s *PresenceStore) ApplyFabricUntrack(topic, remoteOwnerID, key string) PresenceDiffPayload {
	s.mu.Lock()
	entry, removed := s.untrackLocked(topic, remoteOwnerID, key)
	s.mu.Unlock()
	if !removed {
		return PresenceDiffPayload{}
	}
	return PresenceDiffPayload{Leaves: PresenceKeyMap{key: {entry.public()}}}
}

func (s *PresenceStore) publishFabric(topic string, kind fabric.Kind, key string, entry PresenceEntry) {
	if s.fab == nil {
		return
	}
	payload, err := json.Marshal(struct {
		Key         string          `json:"key"`
		OwnerLinkID string          `json:"owner_link_id"`
		Ref         string          `json:"ref"`
		Meta        json.RawMessage `json:"meta,omitempty"`
	}{Key: key, OwnerLinkID: entry.OwnerLinkID, Ref: entry.PresenceRef, Meta: entry.Meta})
	if err != nil {
		slog.Warn("presence fabric marshal failed", "topic", topic, "err", err)
		return
	}
	if err := s.fab.Publish(context.Background(), fabric.Event{Topic: topic, Kind: kind, Payload: payload}); err != nil {
		slog.Warn("presence fabric publish failed", "topic", topic, "err", err)
	}
}

func (e PresenceEntry) public() PublicEntry {
	return PublicEntry{PresenceRef: e.PresenceRef, Meta: e.Meta}
}
