package server

import (
	"sync"

	"github.com/realtime-ai/realtime-message/internal/wire"
)

// fakeLink is an in-memory Link used across this package's tests.
type fakeLink struct {
	id string

	mu     sync.Mutex
	frames []wire.Frame
	fail   bool
}

func newFakeLink(id string) *fakeLink {
	return &fakeLink{id: id}
}

func (l *fakeLink) ID() string { return l.id }

func (l *fakeLink) WriteFrame(f wire.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return errWriteFailed
	}
	l.frames = append(l.frames, f)
	return nil
}

func (l *fakeLink) received() []wire.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]wire.Frame, len(l.frames))
	copy(out, l.frames)
	return out
}

var errWriteFailed = fakeErr("write failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
