package wire

import (
	"strconv"
	"sync/atomic"
)

// SequenceAllocator hands out a monotonic, per-link sequence id stringified
// for use as a frame's seq field (spec.md §4.2). It is safe for concurrent
// use, though in practice each Link has exactly one allocator and callers on
// the client side drive it from a single goroutine.
type SequenceAllocator struct {
	counter atomic.Uint64
}

// Next returns the next sequence value as a decimal string, starting at "1".
func (a *SequenceAllocator) Next() string {
	n := a.counter.Add(1)
	return strconv.FormatUint(n, 10)
}
