package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/realtime-ai/realtime-message/internal/fabric"
)

func TestHubCrossInstanceBroadcastFansOutAndDropsEcho(t *testing.T) {
	mem := fabric.NewMemory()
	hub1 := NewHub(mem.Bound("s1"), "s1")
	hub2 := NewHub(mem.Bound("s2"), "s2")

	a := newFakeLink("a")
	b := newFakeLink("b")
	ctx := context.Background()
	if err := hub1.Join(ctx, "room:1", a, "1", JoinConfig{}); err != nil {
		t.Fatalf("join a on hub1: %v", err)
	}
	if err := hub2.Join(ctx, "room:1", b, "1", JoinConfig{}); err != nil {
		t.Fatalf("join b on hub2: %v", err)
	}

	payload := json.RawMessage(`{"text":"hi"}`)
	hub1.Channels.Broadcast(ctx, "room:1", a.ID(), false, payload)

	bFrames := b.received()
	if len(bFrames) != 1 {
		t.Fatalf("expected b to receive exactly one cross-instance broadcast, got %d", len(bFrames))
	}
	if string(bFrames[0].Payload) != string(payload) {
		t.Fatalf("payload mismatch: got %s want %s", bFrames[0].Payload, payload)
	}

	if len(a.received()) != 0 {
		t.Fatalf("expected the sender's own instance to not re-deliver, got %d", len(a.received()))
	}
}

func TestHubUnsubscribesWhenTopicGoesEmpty(t *testing.T) {
	mem := fabric.NewMemory()
	hub1 := NewHub(mem.Bound("s1"), "s1")
	hub2 := NewHub(mem.Bound("s2"), "s2")

	a := newFakeLink("a")
	b := newFakeLink("b")
	ctx := context.Background()
	hub1.Join(ctx, "room:1", a, "1", JoinConfig{})
	hub2.Join(ctx, "room:1", b, "1", JoinConfig{})

	hub1.Leave("room:1", a.ID())

	payload := json.RawMessage(`{"text":"after-leave"}`)
	hub2.Channels.Broadcast(ctx, "room:1", b.ID(), false, payload)

	if len(a.received()) != 0 {
		t.Fatalf("expected unsubscribed instance to receive nothing, got %d", len(a.received()))
	}
}

func TestHubAppliesCrossInstancePresenceTrack(t *testing.T) {
	mem := fabric.NewMemory()
	hub1 := NewHub(mem.Bound("s1"), "s1")
	hub2 := NewHub(mem.Bound("s2"), "s2")

	a := newFakeLink("a")
	b := newFakeLink("b")
	ctx := context.Background()
	hub1.Join(ctx, "room:1", a, "1", JoinConfig{Presence: PresenceConfig{Key: "alice", Enabled: true}})
	hub2.Join(ctx, "room:1", b, "1", JoinConfig{Presence: PresenceConfig{Key: "bob", Enabled: true}})

	hub1.Presence.Track("room:1", a.ID(), "alice", nil)

	found := false
	for _, fr := range b.received() {
		if fr.Event == "presence_diff" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected b to observe a presence_diff for alice via the fabric shadow map")
	}
	if len(hub2.Presence.Snapshot("room:1")["alice"]) != 1 {
		t.Fatal("expected hub2's shadow presence map to reflect alice")
	}
}
