package realtime

import (
	"encoding/json"
	"sync"
)

// PresenceEntry is one device/session's contribution to a presence key,
// matching the {presence_ref, meta} shape spec.md §4.7 and §4.10 share
// between server and client.
type PresenceEntry struct {
	Ref  string          `json:"presence_ref"`
	Meta json.RawMessage `json:"meta,omitempty"`
}

// PresenceState is the reconciler's local view: key to an ordered list of
// entries, one per device/session sharing that key (spec.md §4.7).
type PresenceState map[string][]PresenceEntry

// clone returns a deep-enough copy for safely handing to callbacks without
// racing the reconciler's own mutations.
func (s PresenceState) clone() PresenceState {
	out := make(PresenceState, len(s))
	for k, v := range s {
		cp := make([]PresenceEntry, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

type presenceDiffPayload struct {
	Joins  PresenceState `json:"joins,omitempty"`
	Leaves PresenceState `json:"leaves,omitempty"`
}

// presenceReconciler implements the snapshot+diff merge algorithm from
// spec.md §4.7, grounded on the server's own presence_diff shape
// (internal/server/presence.go) so the wire representation matches exactly.
type presenceReconciler struct {
	mu    sync.Mutex
	state PresenceState

	onSync  func(PresenceState)
	onJoin  func(key string, entries []PresenceEntry)
	onLeave func(key string, entries []PresenceEntry)
}

func newPresenceReconciler() *presenceReconciler {
	return &presenceReconciler{state: make(PresenceState)}
}

// applySnapshot replaces local state wholesale, per spec.md §4.7 step 1.
func (r *presenceReconciler) applySnapshot(snapshot PresenceState) {
	r.mu.Lock()
	if snapshot == nil {
		snapshot = make(PresenceState)
	}
	r.state = snapshot
	out := r.state.clone()
	r.mu.Unlock()

	if r.onSync != nil {
		r.onSync(out)
	}
}

// applyDiff merges a presence_diff frame against local state. Per
// spec.md §4.7 step 2 / Open Question (a), a diff observed before any
// snapshot is simply applied against the empty initial state rather than
// buffered — the server guarantees a joiner's own snapshot always precedes
// any peer-originated diff, so there is nothing to reconcile retroactively.
func (r *presenceReconciler) applyDiff(diff presenceDiffPayload) {
	r.mu.Lock()
	if r.state == nil {
		r.state = make(PresenceState)
	}

	// Leaves before joins (spec.md §4.7 step 3).
	type leaveEvent struct {
		key     string
		entries []PresenceEntry
	}
	var leaveEvents []leaveEvent
	for key, leaving := range diff.Leaves {
		remaining := r.state[key]
		for _, gone := range leaving {
			filtered := remaining[:0]
			for _, e := range remaining {
				if e.Ref != gone.Ref {
					filtered = append(filtered, e)
				}
			}
			remaining = filtered
		}
		if len(remaining) == 0 {
			delete(r.state, key)
		} else {
			r.state[key] = remaining
		}
		leaveEvents = append(leaveEvents, leaveEvent{key: key, entries: leaving})
	}

	type joinEvent struct {
		key     string
		entries []PresenceEntry
	}
	var joinEvents []joinEvent
	for key, joining := range diff.Joins {
		existing := r.state[key]
		for _, add := range joining {
			dup := false
			for _, e := range existing {
				if e.Ref == add.Ref {
					dup = true
					break
				}
			}
			if !dup {
				existing = append(existing, add)
			}
		}
		r.state[key] = existing
		joinEvents = append(joinEvents, joinEvent{key: key, entries: joining})
	}

	out := r.state.clone()
	r.mu.Unlock()

	for _, ev := range leaveEvents {
		if r.onLeave != nil {
			r.onLeave(ev.key, ev.entries)
		}
	}
	for _, ev := range joinEvents {
		if r.onJoin != nil {
			r.onJoin(ev.key, ev.entries)
		}
	}
	if r.onSync != nil {
		r.onSync(out)
	}
}

// snapshot returns the current reconciled state.
func (r *presenceReconciler) snapshot() PresenceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}
