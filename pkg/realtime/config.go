package realtime

// BroadcastConfig controls how a channel's broadcast sends behave, mirrored
// from internal/server.BroadcastConfig (spec.md §4.6, §4.9) so wire payloads
// round-trip unchanged between client and server.
type BroadcastConfig struct {
	// Self, when true, asks the server to echo the sender's own broadcast
	// back to this link.
	Self bool `json:"self"`
	// Ack, when true, turns Channel.Broadcast into a request that resolves
	// to the server's reply status instead of resolving on enqueue.
	Ack bool `json:"ack"`
}

// PresenceConfig declares the presence key this connection tracks under on
// a channel, mirrored from internal/server.PresenceConfig.
type PresenceConfig struct {
	Key     string `json:"key,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

// JoinConfig is the payload.config field of a chan:join frame (spec.md §4.6).
type JoinConfig struct {
	Broadcast BroadcastConfig `json:"broadcast"`
	Presence  PresenceConfig  `json:"presence"`
}

// PresenceEnabled resolves Open Question (b): presence is only active when
// Enabled is explicitly set, regardless of whether Key is populated. This
// mirrors internal/server.JoinConfig.PresenceEnabled so client and server
// agree on the same decision.
func (c JoinConfig) PresenceEnabled() bool {
	return c.Presence.Enabled
}
