package fabric

import (
	"context"
	"sync"
)

// Memory is an in-process Fabric used for tests and for running a single
// server instance without an external fabric dependency. It delivers
// published events synchronously to every other subscriber sharing the same
// Memory instance, mimicking a push-backed pub/sub backend (spec.md §9:
// "push-backed implementations wrap channel pub/sub").
type Memory struct {
	mu   sync.Mutex
	subs map[string][]memSub
}

type memSub struct {
	instanceID string
	sink       Sink
}

// NewMemory returns an empty in-process fabric. Multiple instances sharing
// state must wrap the same *Memory value.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]memSub)}
}

// Publish delivers ev to every subscriber on ev.Topic except ones
// registered under the same InstanceID as ev (self-echo suppression).
func (m *Memory) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	targets := append([]memSub(nil), m.subs[ev.Topic]...)
	m.mu.Unlock()

	for _, s := range targets {
		if s.instanceID == ev.InstanceID {
			continue
		}
		s.sink(ev)
	}
	return nil
}

// Subscribe registers sink under instanceID for topic, replacing any sink
// previously registered under the same instanceID for that topic.
func (m *Memory) Subscribe(_ context.Context, topic string, instanceID string, sink Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := make([]memSub, 0, len(m.subs[topic])+1)
	for _, s := range m.subs[topic] {
		if s.instanceID != instanceID {
			kept = append(kept, s)
		}
	}
	m.subs[topic] = append(kept, memSub{instanceID: instanceID, sink: sink})
	return nil
}

// Unsubscribe removes every subscription for topic registered under
// instanceID.
func (m *Memory) Unsubscribe(topic string, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.subs[topic]
	kept := existing[:0]
	for _, s := range existing {
		if s.instanceID != instanceID {
			kept = append(kept, s)
		}
	}
	m.subs[topic] = kept
	return nil
}

// Close is a no-op for Memory; present to satisfy callers that expect a
// Closer-like lifecycle alongside RedisStreams.
func (m *Memory) Close() error { return nil }

// Bound returns a per-instance Fabric view bound to instanceID, so callers
// can use the same Fabric interface as with RedisStreams.
func (m *Memory) Bound(instanceID string) Fabric {
	return &memoryBound{m: m, instanceID: instanceID}
}

type memoryBound struct {
	m          *Memory
	instanceID string
}

func (b *memoryBound) Publish(ctx context.Context, ev Event) error {
	ev.InstanceID = b.instanceID
	return b.m.Publish(ctx, ev)
}

func (b *memoryBound) Subscribe(ctx context.Context, topic string, sink Sink) error {
	return b.m.Subscribe(ctx, topic, b.instanceID, sink)
}

func (b *memoryBound) Unsubscribe(topic string) error {
	return b.m.Unsubscribe(topic, b.instanceID)
}

func (b *memoryBound) Close() error { return nil }
