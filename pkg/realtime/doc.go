// Package realtime is the public client-side mirror of the message bus
// described in spec.md §4.3-4.7: a websocket-backed Client that dials the
// server's /ws route, a Channel state machine for joining topics, a
// heartbeat engine, a reconnection timer, a buffered sender, and a presence
// reconciler. It is grounded on the teacher's client-side transport
// (rustyguts-bken/client/transport.go: ping/pong liveness loop,
// onDisconnected callback, per-connection goroutines) generalized from a
// fixed control-message protocol to the wire frame protocol in
// internal/wire, and reuses internal/reply's pending-reply registry
// directly since both sides of the link correlate replies the same way.
package realtime
