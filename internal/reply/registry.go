// Package reply implements the pending-reply registry described in
// spec.md §4.2: a map from outstanding sequence id to a one-shot
// completion sink with a deadline.
package reply

import (
	"encoding/json"
	"sync"
	"time"
)

// Status is the terminal outcome of a pending request.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Result is delivered to a pending request's callback exactly once.
type Result struct {
	Status   Status
	Response json.RawMessage
}

// Callback is invoked exactly once when a pending request settles.
type Callback func(Result)

type pendingEntry struct {
	cb       Callback
	timer    *time.Timer
	settled  bool
	mu       sync.Mutex
}

// Registry correlates outstanding request sequences with their completion
// callback and deadline. The zero value is ready to use.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*pendingEntry)}
}

// Register records a pending request for seq with the given deadline. If the
// deadline elapses before Resolve or Cancel is called, cb fires once with
// StatusTimeout.
func (r *Registry) Register(seq string, deadline time.Duration, cb Callback) {
	entry := &pendingEntry{cb: cb}
	entry.timer = time.AfterFunc(deadline, func() {
		r.settle(seq, entry, Result{Status: StatusTimeout})
	})

	r.mu.Lock()
	if r.pending == nil {
		r.pending = make(map[string]*pendingEntry)
	}
	r.pending[seq] = entry
	r.mu.Unlock()
}

// Resolve matches a reply frame's seq against a pending entry and invokes its
// callback with the given status/response. A reply arriving for an unknown
// (already-settled or never-registered) seq is silently discarded, per
// spec.md §4.2.
func (r *Registry) Resolve(seq string, status Status, response json.RawMessage) {
	r.mu.Lock()
	entry, ok := r.pending[seq]
	if ok {
		delete(r.pending, seq)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.settle(seq, entry, Result{Status: status, Response: response})
}

// Cancel settles every outstanding request with StatusError, used when the
// underlying Link closes while requests are in flight (spec.md §4.12).
func (r *Registry) Cancel(reason string) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*pendingEntry)
	r.mu.Unlock()

	resp, _ := json.Marshal(map[string]string{"reason": reason})
	for seq, entry := range pending {
		r.settle(seq, entry, Result{Status: StatusError, Response: resp})
	}
}

// Outstanding reports the number of currently pending requests.
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) settle(seq string, entry *pendingEntry, result Result) {
	entry.mu.Lock()
	if entry.settled {
		entry.mu.Unlock()
		return
	}
	entry.settled = true
	entry.mu.Unlock()

	entry.timer.Stop()

	// Best-effort removal in case settle was triggered by the timer rather
	// than by Resolve/Cancel (which already removed the entry).
	r.mu.Lock()
	if cur, ok := r.pending[seq]; ok && cur == entry {
		delete(r.pending, seq)
	}
	r.mu.Unlock()

	entry.cb(result)
}
