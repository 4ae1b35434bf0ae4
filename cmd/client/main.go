// Command client is a small demo CLI exercising pkg/realtime end to end:
// it connects to a running server, joins one channel (with presence
// enabled and tracked when -user is set), relays stdin lines as
// broadcasts, and prints broadcasts and presence changes from peers as
// they arrive.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/realtime-ai/realtime-message/pkg/realtime"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/ws", "server websocket URL")
	topic := flag.String("topic", "lobby", "channel topic to join")
	username := flag.String("user", "", "presence key to track (empty disables presence)")
	token := flag.String("token", "", "bearer token sent with chan:join, when the server requires auth")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := []realtime.Option{
		realtime.WithStatusHook(func(s realtime.HeartbeatStatus) {
			slog.Debug("heartbeat", "status", s)
		}),
	}
	if *token != "" {
		opts = append(opts, realtime.WithToken(*token))
	}

	c := realtime.NewClient(*url, opts...)
	if err := c.Connect(ctx); err != nil {
		slog.Error("connect failed", "err", err)
		os.Exit(1)
	}
	defer c.Disconnect()

	cfg := realtime.JoinConfig{Broadcast: realtime.BroadcastConfig{Self: false}}
	if *username != "" {
		cfg.Presence = realtime.PresenceConfig{Key: *username, Enabled: true}
	}
	ch := c.Channel(*topic, cfg)

	ch.OnBroadcast("", func(event string, payload json.RawMessage) {
		fmt.Printf("[%s] %s\n", event, string(payload))
	})
	if *username != "" {
		ch.OnPresenceJoin(func(key string, _ []realtime.PresenceEntry) {
			fmt.Printf("* %s joined\n", key)
		})
		ch.OnPresenceLeave(func(key string, _ []realtime.PresenceEntry) {
			fmt.Printf("* %s left\n", key)
		})
	}

	joinCtx, joinCancel := context.WithTimeout(ctx, 10*time.Second)
	defer joinCancel()
	if err := ch.Subscribe(joinCtx); err != nil {
		slog.Error("subscribe failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("joined %s as %q\n", *topic, *username)

	if *username != "" {
		if err := ch.Track(joinCtx, map[string]string{"user": *username}); err != nil {
			slog.Warn("track failed", "err", err)
		}
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if _, err := ch.Broadcast(ctx, "message", map[string]string{"user": *username, "text": line}); err != nil {
				slog.Warn("broadcast failed", "err", err)
			}
		}
	}()

	<-ctx.Done()
	fmt.Println("\nshutting down")
}
