package realtime

import (
	"sync"

	"github.com/realtime-ai/realtime-message/internal/wire"
)

// SendBufferLimit is the global outbound queue bound from spec.md §4.5.
const SendBufferLimit = 1000

// PreJoinBufferLimit bounds each Channel's pre-join buffer, per spec.md §4.5.
const PreJoinBufferLimit = 100

// bufferedSender is the FIFO-drop-oldest outbound queue described in
// spec.md §4.5: frames queued while the link is not open, drained in order
// once it is. Grounded on the teacher's buffered-channel send pattern
// (internal/ws/handler.go's per-link outbox / rustyguts-bken client's
// single-writer discipline), adapted to a slice so overflow can drop the
// oldest entry instead of the newest.
type bufferedSender struct {
	limit int

	mu    sync.Mutex
	queue []wire.Frame
	wake  chan struct{}
}

func newBufferedSender(limit int) *bufferedSender {
	return &bufferedSender{limit: limit, wake: make(chan struct{}, 1)}
}

// push enqueues f, dropping the oldest queued frame if the queue is full.
func (s *bufferedSender) push(f wire.Frame) {
	s.mu.Lock()
	if len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest queued frame, if any.
func (s *bufferedSender) pop() (wire.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return wire.Frame{}, false
	}
	f := s.queue[0]
	s.queue = s.queue[1:]
	return f, true
}

func (s *bufferedSender) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
