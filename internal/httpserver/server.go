// Package httpserver implements the HTTP collaborator surface spec.md §6
// describes: a REST endpoint for server-originated broadcasts, a read-only
// channel inspection endpoint, and a health check, plus the websocket
// upgrade route. It is grounded on the teacher's internal/httpapi/server.go
// (rustyguts-bken/server), keeping its Echo wiring, request-logging
// middleware, and Run/Shutdown lifecycle, generalized from the voice-chat
// REST surface to the message bus's broadcast/channels/health surface.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/realtime-ai/realtime-message/internal/auth"
	"github.com/realtime-ai/realtime-message/internal/server"
	"github.com/realtime-ai/realtime-message/internal/ws"
)

// Server is the Echo application exposing the bus's HTTP collaborator
// surface (spec.md §6).
type Server struct {
	echo        *echo.Echo
	hub         *server.Hub
	verifier    *auth.Verifier
	authEnabled bool
}

// New constructs an Echo app with websocket + REST routes. verifier may be
// nil when authEnabled is false; when true, POST /api/broadcast requires a
// bearer token whose claims permit the target channel (spec.md §6).
func New(hub *server.Hub, router *server.Router, verifier *auth.Verifier, authEnabled bool) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, hub: hub, verifier: verifier, authEnabled: authEnabled}
	s.registerRoutes(router)
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/ws" || path == "/health" {
				slog.Debug("http request",
					"method", req.Method, "path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds())
			} else {
				slog.Info("http request",
					"method", req.Method, "path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP())
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes(router *server.Router) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/api/broadcast", s.handleBroadcast)
	s.echo.GET("/api/channels/:topic", s.handleChannel)
	ws.NewHandler(router).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

type healthResponse struct {
	Status        string `json:"status"`
	TotalChannels int    `json:"totalChannels"`
	TotalMembers  int    `json:"totalMembers"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:        "healthy",
		TotalChannels: len(s.hub.Channels.Topics()),
		TotalMembers:  s.hub.Channels.TotalMembers(),
	})
}

type broadcastRequest struct {
	Topic       string          `json:"topic"`
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload"`
	AccessToken string          `json:"access_token,omitempty"`
}

type broadcastResponse struct {
	Status         string `json:"status"`
	RecipientCount int    `json:"recipientCount"`
}

// errorResponse is the {status:"error", reason} shape spec.md §6 documents
// for every failed HTTP collaborator request.
type errorResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func jsonError(c echo.Context, code int, reason string) error {
	return c.JSON(code, errorResponse{Status: "error", Reason: reason})
}

// handleBroadcast injects a REST-originated broadcast (spec.md §4.9). There
// is no local sender to exclude, so every local member receives it. The
// fabric event it publishes carries topic, kind, instance id and payload
// only; no sender identity is attached to it.
func (s *Server) handleBroadcast(c echo.Context) error {
	var req broadcastRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "malformed broadcast request")
	}
	if strings.TrimSpace(req.Topic) == "" {
		return jsonError(c, http.StatusBadRequest, "topic is required")
	}
	if len(req.Payload) > server.MaxMessageBytes {
		return jsonError(c, http.StatusRequestEntityTooLarge, "payload exceeds maximum size")
	}

	if s.authEnabled {
		token := bearerToken(c, req.AccessToken)
		result := s.verifier.Verify(token)
		if !result.Valid {
			return jsonError(c, http.StatusUnauthorized, result.ErrorCode)
		}
		if !auth.CanAccessChannel(result.Payload, req.Topic) {
			return jsonError(c, http.StatusForbidden, auth.CodeAuthForbidden)
		}
	}

	sent, err := s.hub.Channels.BroadcastFromAPI(c.Request().Context(), req.Topic, req.Event, req.Payload)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, err.Error())
	}
	slog.Info("api broadcast", "topic", req.Topic, "event", req.Event, "recipients", sent)
	return c.JSON(http.StatusOK, broadcastResponse{Status: "ok", RecipientCount: sent})
}

func bearerToken(c echo.Context, bodyToken string) string {
	if bodyToken != "" {
		return bodyToken
	}
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	return strings.TrimPrefix(h, "Bearer ")
}

type channelMember struct {
	ClientID string `json:"clientId"`
}

type channelResponse struct {
	Topic       string          `json:"topic"`
	MemberCount int             `json:"memberCount"`
	Members     []channelMember `json:"members"`
}

func (s *Server) handleChannel(c echo.Context) error {
	topic := c.Param("topic")
	ids := s.hub.Channels.MemberIDs(topic)
	members := make([]channelMember, 0, len(ids))
	for _, id := range ids {
		members = append(members, channelMember{ClientID: id})
	}
	return c.JSON(http.StatusOK, channelResponse{
		Topic:       topic,
		MemberCount: len(ids),
		Members:     members,
	})
}
