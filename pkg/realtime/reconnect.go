package realtime

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ScheduleFunc maps a 1-based attempt count to the delay before the next
// attempt, per spec.md §4.4. A user-supplied function overrides
// DefaultSchedule.
type ScheduleFunc func(attempt int) time.Duration

// defaultSteps is spec.md §4.4's normative schedule: 1s, 2s, 5s, 10s,
// clamped to 10s for further attempts.
var defaultSteps = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

// DefaultSchedule implements ScheduleFunc with the 1s/2s/5s/10s schedule.
func DefaultSchedule(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(defaultSteps) {
		return defaultSteps[len(defaultSteps)-1]
	}
	return defaultSteps[attempt-1]
}

// scheduleBackOff adapts a ScheduleFunc to the backoff.BackOff interface so
// the schedule can drive a real backoff.Ticker instead of a hand-rolled
// timer loop.
type scheduleBackOff struct {
	mu       sync.Mutex
	attempt  int
	schedule ScheduleFunc
}

func newScheduleBackOff(schedule ScheduleFunc) *scheduleBackOff {
	return &scheduleBackOff{schedule: schedule}
}

func (s *scheduleBackOff) NextBackOff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	return s.schedule(s.attempt)
}

func (s *scheduleBackOff) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
}

var _ backoff.BackOff = (*scheduleBackOff)(nil)

// reconnectTimer arms a single delayed callback per spec.md §4.4. It backs
// both the client-level transport reconnect and each Channel's own rejoin
// timer (spec.md §4.6 arms a "rejoin timer" independently of the transport
// reconnecting, e.g. on a non-auth chan:join error while the link stays
// open) — both are the same scheduling primitive reused at two scopes. The
// wait itself is driven by backoff.NewTicker over scheduleBackOff, so the
// delay before fn fires is computed and awaited by cenkalti/backoff rather
// than a hand-rolled time.AfterFunc.
type reconnectTimer struct {
	bo *scheduleBackOff

	mu     sync.Mutex
	active bool
	stopCh chan struct{}
}

func newReconnectTimer(schedule ScheduleFunc) *reconnectTimer {
	if schedule == nil {
		schedule = DefaultSchedule
	}
	return &reconnectTimer{bo: newScheduleBackOff(schedule)}
}

// arm schedules fn to run after the next delay in the schedule, unless a
// delayed fn is already pending. Calling arm repeatedly without an
// intervening reset advances the attempt count (spec.md §4.4: "on repeated
// failure it advances").
func (t *reconnectTimer) arm(fn func()) {
	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return
	}
	t.active = true
	stop := make(chan struct{})
	t.stopCh = stop
	t.mu.Unlock()

	ticker := backoff.NewTicker(t.bo)
	go func() {
		defer ticker.Stop()
		select {
		case <-ticker.C:
			t.mu.Lock()
			t.active = false
			t.mu.Unlock()
			fn()
		case <-stop:
		}
	}()
}

// cancel stops a pending timer without resetting the attempt count, used
// when a reconnect attempt is superseded rather than succeeded.
func (t *reconnectTimer) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		close(t.stopCh)
		t.active = false
	}
}

// reset cancels any pending timer and zeroes the attempt count, per
// spec.md §4.4: "on success, attempt count resets to zero."
func (t *reconnectTimer) reset() {
	t.cancel()
	t.bo.Reset()
}
