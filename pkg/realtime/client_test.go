package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/realtime-ai/realtime-message/internal/server"
	"github.com/realtime-ai/realtime-message/internal/ws"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	hub := server.NewHub(nil, "test-instance")
	router := server.NewRouter(hub, nil, false)
	e := echo.New()
	ws.NewHandler(router).Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)
	return "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func mustConnect(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestChannelSubscribeThenBroadcastDeliversToPeer(t *testing.T) {
	baseURL := startTestServer(t)

	a := NewClient(baseURL + "/ws")
	mustConnect(t, a)
	defer a.Disconnect()

	b := NewClient(baseURL + "/ws")
	mustConnect(t, b)
	defer b.Disconnect()

	chA := a.Channel("room:1", JoinConfig{})
	chB := b.Channel("room:1", JoinConfig{})

	received := make(chan string, 1)
	chA.OnBroadcast("", func(event string, payload json.RawMessage) {
		received <- string(payload)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := chA.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := chB.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	if _, err := chB.Broadcast(ctx, "ping", map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case payload := <-received:
		if !strings.Contains(payload, "hi") {
			t.Fatalf("unexpected payload: %s", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestChannelSubscribeIsIdempotentWhenAlreadyJoined(t *testing.T) {
	baseURL := startTestServer(t)
	a := NewClient(baseURL + "/ws")
	mustConnect(t, a)
	defer a.Disconnect()

	ch := a.Channel("room:2", JoinConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Subscribe(ctx); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if err := ch.Subscribe(ctx); err != nil {
		t.Fatalf("expected second subscribe on an already-joined channel to succeed, got %v", err)
	}
	if st := ch.State(); st != ChannelJoined {
		t.Fatalf("expected channel to remain joined, got %s", st)
	}
}

func TestChannelUnsubscribeReturnsToClosed(t *testing.T) {
	baseURL := startTestServer(t)
	a := NewClient(baseURL + "/ws")
	mustConnect(t, a)
	defer a.Disconnect()

	ch := a.Channel("room:3", JoinConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	status, err := ch.Unsubscribe(ctx)
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if status != "ok" {
		t.Fatalf("expected ok, got %s", status)
	}
	if ch.State() != ChannelClosed {
		t.Fatalf("expected closed, got %s", ch.State())
	}
}

func TestChannelPresenceTrackDeliversDiffToPeer(t *testing.T) {
	baseURL := startTestServer(t)

	a := NewClient(baseURL + "/ws")
	mustConnect(t, a)
	defer a.Disconnect()
	b := NewClient(baseURL + "/ws")
	mustConnect(t, b)
	defer b.Disconnect()

	chA := a.Channel("presence:1", JoinConfig{Presence: PresenceConfig{Key: "alice", Enabled: true}})
	chB := b.Channel("presence:1", JoinConfig{Presence: PresenceConfig{Key: "bob", Enabled: true}})

	var mu sync.Mutex
	joined := make(map[string]bool)
	chB.OnPresenceJoin(func(key string, entries []PresenceEntry) {
		mu.Lock()
		joined[key] = true
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := chA.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := chB.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	if err := chA.Track(ctx, map[string]string{"status": "here"}); err != nil {
		t.Fatalf("track: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := joined["alice"]
		mu.Unlock()
		if ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected peer to observe alice's presence join")
}
