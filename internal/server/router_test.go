package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/realtime-ai/realtime-message/internal/auth"
	"github.com/realtime-ai/realtime-message/internal/wire"
)

func strPtr(s string) *string { return &s }

func lastReply(t *testing.T, l *fakeLink) wire.Frame {
	t.Helper()
	frames := l.received()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == wire.ReplyEvent {
			return frames[i]
		}
	}
	t.Fatal("expected at least one chan:reply frame")
	return wire.Frame{}
}

func replyStatus(t *testing.T, f wire.Frame) wire.ReplyPayload {
	t.Helper()
	var p wire.ReplyPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("unmarshal reply payload: %v", err)
	}
	return p
}

func newTestRouter() (*Router, *ChannelRegistry, *PresenceStore) {
	hub := NewHub(nil, "inst-1")
	return NewRouter(hub, nil, false), hub.Channels, hub.Presence
}

func TestRouterHandleJoinRepliesOKAndSendsPresenceState(t *testing.T) {
	rt, channels, presence := newTestRouter()
	other := newFakeLink("other")
	channels.Join("room:1", other, "0", JoinConfig{})
	presence.Track("room:1", "other", "carol", nil)

	link := newFakeLink("a")
	cfg := JoinConfig{Presence: PresenceConfig{Key: "alice", Enabled: true}}
	payload, _ := json.Marshal(joinRequest{Config: cfg})
	f := wire.Frame{Seq: strPtr("1"), Topic: "room:1", Event: wire.EventChanJoin, Payload: payload}

	rt.Route(context.Background(), link, f)

	reply := replyStatus(t, lastReply(t, link))
	if reply.Status != wire.StatusOK {
		t.Fatalf("expected ok reply, got %+v", reply)
	}
	if !channels.IsMember("room:1", "a") {
		t.Fatal("expected link to be joined")
	}

	var stateFrame *wire.Frame
	for _, fr := range link.received() {
		if fr.Event == wire.EventPresenceState {
			fr := fr
			stateFrame = &fr
		}
	}
	if stateFrame == nil {
		t.Fatal("expected a presence_state frame on join with presence enabled")
	}
	var state PresenceKeyMap
	if err := json.Unmarshal(stateFrame.Payload, &state); err != nil {
		t.Fatalf("unmarshal presence_state: %v", err)
	}
	if len(state["carol"]) != 1 {
		t.Fatalf("expected carol's existing presence in the snapshot, got %+v", state)
	}
}

func TestRouterHandleJoinAlreadyMemberReturnsError(t *testing.T) {
	rt, channels, _ := newTestRouter()
	link := newFakeLink("a")
	channels.Join("room:1", link, "0", JoinConfig{})

	payload, _ := json.Marshal(joinRequest{})
	f := wire.Frame{Seq: strPtr("1"), Topic: "room:1", Event: wire.EventChanJoin, Payload: payload}
	rt.Route(context.Background(), link, f)

	reply := replyStatus(t, lastReply(t, link))
	if reply.Status != wire.StatusError {
		t.Fatalf("expected error reply, got %+v", reply)
	}
	var errResp wire.ErrorResponse
	if err := json.Unmarshal(reply.Response, &errResp); err != nil {
		t.Fatalf("unmarshal error response: %v", err)
	}
	if errResp.Code != CodeChannelAlreadyIn {
		t.Fatalf("expected %s, got %s", CodeChannelAlreadyIn, errResp.Code)
	}
}

func TestRouterHandleJoinRejectsWhenAuthFails(t *testing.T) {
	hub := NewHub(nil, "inst-1")
	verifier := auth.NewVerifier("shh", "", "")
	rt := NewRouter(hub, verifier, true)

	link := newFakeLink("a")
	payload, _ := json.Marshal(joinRequest{AccessToken: ""})
	f := wire.Frame{Seq: strPtr("1"), Topic: "room:1", Event: wire.EventChanJoin, Payload: payload}
	rt.Route(context.Background(), link, f)

	reply := replyStatus(t, lastReply(t, link))
	if reply.Status != wire.StatusError {
		t.Fatalf("expected error reply, got %+v", reply)
	}
	var errResp wire.ErrorResponse
	json.Unmarshal(reply.Response, &errResp)
	if !auth.IsAuthCode(errResp.Code) {
		t.Fatalf("expected an AUTH_ error code, got %s", errResp.Code)
	}
	if hub.Channels.IsMember("room:1", "a") {
		t.Fatal("expected join to be rejected, not registered")
	}
}

func TestRouterHandleJoinRejectsForbiddenChannel(t *testing.T) {
	hub := NewHub(nil, "inst-1")
	verifier := auth.NewVerifier("shh", "", "")
	rt := NewRouter(hub, verifier, true)

	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Channels:         []string{"lobby:*"},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("shh"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	link := newFakeLink("a")
	payload, _ := json.Marshal(joinRequest{AccessToken: signed})
	f := wire.Frame{Seq: strPtr("1"), Topic: "private:1", Event: wire.EventChanJoin, Payload: payload}
	rt.Route(context.Background(), link, f)

	reply := replyStatus(t, lastReply(t, link))
	var errResp wire.ErrorResponse
	json.Unmarshal(reply.Response, &errResp)
	if errResp.Code != auth.CodeAuthForbidden {
		t.Fatalf("expected %s, got %s", auth.CodeAuthForbidden, errResp.Code)
	}
}

func TestRouterHandleLeaveUntracksPresenceForThatTopicOnly(t *testing.T) {
	rt, channels, presence := newTestRouter()
	link := newFakeLink("a")
	cfg := JoinConfig{Presence: PresenceConfig{Key: "alice", Enabled: true}}
	channels.Join("room:1", link, "0", cfg)
	channels.Join("room:2", link, "0", cfg)
	presence.Track("room:1", "a", "alice", nil)
	presence.Track("room:2", "a", "alice", nil)

	f := wire.Frame{Seq: strPtr("1"), Topic: "room:1", Event: wire.EventChanLeave}
	rt.Route(context.Background(), link, f)

	reply := replyStatus(t, lastReply(t, link))
	if reply.Status != wire.StatusOK {
		t.Fatalf("expected ok reply, got %+v", reply)
	}
	if channels.IsMember("room:1", "a") {
		t.Fatal("expected link removed from room:1")
	}
	if !channels.IsMember("room:2", "a") {
		t.Fatal("expected link to remain a member of room:2")
	}
	if len(presence.Snapshot("room:1")["alice"]) != 0 {
		t.Fatal("expected presence untracked in room:1")
	}
	if len(presence.Snapshot("room:2")["alice"]) != 1 {
		t.Fatal("expected presence to remain tracked in room:2")
	}
}

func TestRouterHandleLeaveNotMemberReturnsError(t *testing.T) {
	rt, _, _ := newTestRouter()
	link := newFakeLink("a")
	f := wire.Frame{Seq: strPtr("1"), Topic: "room:1", Event: wire.EventChanLeave}
	rt.Route(context.Background(), link, f)

	reply := replyStatus(t, lastReply(t, link))
	if reply.Status != wire.StatusError {
		t.Fatalf("expected error reply, got %+v", reply)
	}
}

func TestRouterHandleBroadcastAcksOnlyWhenConfigured(t *testing.T) {
	rt, channels, _ := newTestRouter()
	link := newFakeLink("a")
	channels.Join("room:1", link, "0", JoinConfig{Broadcast: BroadcastConfig{Ack: false}})

	f := wire.Frame{Seq: strPtr("1"), Topic: "room:1", Event: wire.EventBroadcast, Payload: json.RawMessage(`{}`)}
	rt.Route(context.Background(), link, f)

	for _, fr := range link.received() {
		if fr.Event == wire.ReplyEvent {
			t.Fatalf("expected no reply when ack is disabled, got %+v", fr)
		}
	}
}

func TestRouterHandleBroadcastAcksWhenConfigured(t *testing.T) {
	rt, channels, _ := newTestRouter()
	link := newFakeLink("a")
	channels.Join("room:1", link, "0", JoinConfig{Broadcast: BroadcastConfig{Ack: true}})

	f := wire.Frame{Seq: strPtr("1"), Topic: "room:1", Event: wire.EventBroadcast, Payload: json.RawMessage(`{}`)}
	rt.Route(context.Background(), link, f)

	reply := replyStatus(t, lastReply(t, link))
	if reply.Status != wire.StatusOK {
		t.Fatalf("expected ok reply, got %+v", reply)
	}
}

func TestRouterHandleBroadcastRejectsOversizedPayload(t *testing.T) {
	rt, channels, _ := newTestRouter()
	link := newFakeLink("a")
	channels.Join("room:1", link, "0", JoinConfig{Broadcast: BroadcastConfig{Ack: true}})

	big := make([]byte, MaxMessageBytes+1)
	for i := range big {
		big[i] = 'x'
	}
	payload, _ := json.Marshal(string(big))
	f := wire.Frame{Seq: strPtr("1"), Topic: "room:1", Event: wire.EventBroadcast, Payload: payload}
	rt.Route(context.Background(), link, f)

	reply := replyStatus(t, lastReply(t, link))
	if reply.Status != wire.StatusError {
		t.Fatalf("expected error reply, got %+v", reply)
	}
	var errResp wire.ErrorResponse
	json.Unmarshal(reply.Response, &errResp)
	if errResp.Code != CodeMessageTooLarge {
		t.Fatalf("expected %s, got %s", CodeMessageTooLarge, errResp.Code)
	}
}

func TestRouterHandlePresenceTrackRequiresEnabled(t *testing.T) {
	rt, channels, _ := newTestRouter()
	link := newFakeLink("a")
	channels.Join("room:1", link, "0", JoinConfig{})

	req, _ := json.Marshal(presenceRequest{Event: "track", Payload: json.RawMessage(`{}`)})
	f := wire.Frame{Seq: strPtr("1"), Topic: "room:1", Event: wire.EventPresence, Payload: req}
	rt.Route(context.Background(), link, f)

	reply := replyStatus(t, lastReply(t, link))
	var errResp wire.ErrorResponse
	json.Unmarshal(reply.Response, &errResp)
	if errResp.Code != CodePresenceDisabled {
		t.Fatalf("expected %s, got %s", CodePresenceDisabled, errResp.Code)
	}
}

func TestRouterHandlePresenceTrackAndDiffDelivered(t *testing.T) {
	rt, channels, presence := newTestRouter()
	a := newFakeLink("a")
	b := newFakeLink("b")
	cfg := JoinConfig{Presence: PresenceConfig{Key: "alice", Enabled: true}}
	channels.Join("room:1", a, "0", cfg)
	channels.Join("room:1", b, "0", JoinConfig{Presence: PresenceConfig{Key: "bob", Enabled: true}})

	meta, _ := json.Marshal(map[string]string{"status": "online"})
	trackPayload, _ := json.Marshal(presenceTrackPayload{Meta: meta})
	req, _ := json.Marshal(presenceRequest{Event: "track", Payload: trackPayload})
	f := wire.Frame{Seq: strPtr("1"), Topic: "room:1", Event: wire.EventPresence, Payload: req}
	rt.Route(context.Background(), a, f)

	reply := replyStatus(t, lastReply(t, a))
	if reply.Status != wire.StatusOK {
		t.Fatalf("expected ok reply, got %+v", reply)
	}
	if len(presence.Snapshot("room:1")["alice"]) != 1 {
		t.Fatal("expected alice tracked")
	}

	var diffFrame *wire.Frame
	for _, fr := range b.received() {
		if fr.Event == wire.EventPresenceDiff {
			fr := fr
			diffFrame = &fr
		}
	}
	if diffFrame == nil {
		t.Fatal("expected b to receive a presence_diff")
	}
	var diff PresenceDiffPayload
	json.Unmarshal(diffFrame.Payload, &diff)
	if len(diff.Joins["alice"]) != 1 {
		t.Fatalf("expected a join entry for alice, got %+v", diff)
	}

	for _, fr := range a.received() {
		if fr.Event == wire.EventPresenceDiff {
			t.Fatal("expected the tracking actor to not receive its own diff")
		}
	}
}

func TestRouterHeartbeatAlwaysReplies(t *testing.T) {
	rt, _, _ := newTestRouter()
	link := newFakeLink("a")
	f := wire.Frame{Seq: strPtr("1"), Topic: wire.SystemTopic, Event: wire.EventHeartbeat}
	rt.Route(context.Background(), link, f)

	reply := replyStatus(t, lastReply(t, link))
	if reply.Status != wire.StatusOK {
		t.Fatalf("expected ok reply, got %+v", reply)
	}
}

func TestRouterHandleDisconnectUntracksPresenceAndLeavesAll(t *testing.T) {
	rt, channels, presence := newTestRouter()
	a := newFakeLink("a")
	b := newFakeLink("b")
	cfg := JoinConfig{Presence: PresenceConfig{Key: "alice", Enabled: true}}
	channels.Join("room:1", a, "0", cfg)
	channels.Join("room:1", b, "0", JoinConfig{})
	presence.Track("room:1", "a", "alice", nil)

	rt.HandleDisconnect(a)

	if channels.IsMember("room:1", "a") {
		t.Fatal("expected a to be removed from room:1")
	}
	if len(presence.Snapshot("room:1")["alice"]) != 0 {
		t.Fatal("expected alice's presence removed")
	}

	var diffFrame *wire.Frame
	for _, fr := range b.received() {
		if fr.Event == wire.EventPresenceDiff {
			fr := fr
			diffFrame = &fr
		}
	}
	if diffFrame == nil {
		t.Fatal("expected b to receive a presence_diff leave")
	}
}
