// Command server runs the realtime message bus: it dials (or runs without)
// an external fabric, wires the channel/presence/router stack, and serves
// the websocket and HTTP collaborator surfaces described in spec.md §6.
// Flags and env fallbacks mirror the teacher's cmd/server/main.go
// (rustyguts-bken/server), generalized from a SQLite-backed voice-chat
// room to the pub/sub bus's listen/fabric/auth knobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/realtime-ai/realtime-message/internal/auth"
	"github.com/realtime-ai/realtime-message/internal/fabric"
	"github.com/realtime-ai/realtime-message/internal/server"
	"github.com/realtime-ai/realtime-message/internal/httpserver"
)

func main() {
	addr := flag.String("addr", envOr("REALTIME_ADDR", ":8080"), "HTTP/WebSocket listen address")
	fabricMode := flag.String("fabric", envOr("REALTIME_FABRIC", "memory"), "fabric backend: memory or redis")
	redisURL := flag.String("redis-url", envOr("REALTIME_REDIS_URL", "redis://127.0.0.1:6379/0"), "redis connection URL, used when -fabric=redis")
	authEnabled := flag.Bool("auth", envOr("REALTIME_AUTH_ENABLED", "") == "true", "require a bearer token on chan:join and POST /api/broadcast")
	jwtSecret := flag.String("jwt-secret", envOr("REALTIME_JWT_SECRET", ""), "HMAC secret used to verify access tokens")
	jwtIssuer := flag.String("jwt-issuer", envOr("REALTIME_JWT_ISSUER", ""), "expected JWT issuer claim (empty to skip the check)")
	jwtAudience := flag.String("jwt-audience", envOr("REALTIME_JWT_AUDIENCE", ""), "expected JWT audience claim (empty to skip the check)")
	instanceID := flag.String("instance-id", envOr("REALTIME_INSTANCE_ID", ""), "this instance's id for fabric self-echo suppression (default: a generated uuid)")
	flag.Parse()

	if *instanceID == "" {
		*instanceID = uuid.NewString()
	}

	if *authEnabled && *jwtSecret == "" {
		slog.Error("auth enabled but -jwt-secret/REALTIME_JWT_SECRET is empty")
		os.Exit(1)
	}

	fab, closeFabric, err := buildFabric(*fabricMode, *redisURL, *instanceID)
	if err != nil {
		slog.Error("fabric setup failed", "err", err)
		os.Exit(1)
	}
	if closeFabric != nil {
		defer closeFabric()
	}

	var verifier *auth.Verifier
	if *authEnabled {
		verifier = auth.NewVerifier(*jwtSecret, *jwtIssuer, *jwtAudience)
	}

	hub := server.NewHub(fab, *instanceID)
	router := server.NewRouter(hub, verifier, *authEnabled)
	httpSrv := httpserver.New(hub, router, verifier, *authEnabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	slog.Info("realtime server starting", "addr", *addr, "fabric", *fabricMode, "auth", *authEnabled, "instance_id", *instanceID)
	if err := httpSrv.Run(ctx, *addr); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

// buildFabric constructs the external-fabric adapter named by mode. For
// "memory" (or an empty mode) it returns a nil Fabric: internal/server then
// delivers purely locally, with no cross-instance relay. The in-process
// fabric.Memory implementation is not selectable from here.
func buildFabric(mode, redisURL, instanceID string) (fabric.Fabric, func(), error) {
	switch mode {
	case "", "memory":
		return nil, nil, nil
	case "redis":
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		rs := fabric.NewRedisStreams(client, instanceID)
		return rs, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown fabric mode %q (want memory or redis)", mode)
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
