package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreams implements Fabric on top of Redis Streams, the
// "polling-backed" variant spec.md §4.11/§9 names explicitly ("Polling-
// backed implementations wrap XREAD/XADD"). Concrete settings per spec.md
// §6: per-topic stream max length ~1000, inactive TTL 1 hour, polling
// cadence ~100ms.
type RedisStreams struct {
	client     *redis.Client
	instanceID string

	streamMaxLen int64
	inactiveTTL  time.Duration
	pollInterval time.Duration

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	cancel context.CancelFunc
	lastID string
}

const keyPrefix = "realtime:fabric:"

// NewRedisStreams builds a RedisStreams adapter. instanceID should be a
// per-process UUID (spec.md §3 InstanceId) used to tag and filter self-echo.
func NewRedisStreams(client *redis.Client, instanceID string) *RedisStreams {
	return &RedisStreams{
		client:       client,
		instanceID:   instanceID,
		streamMaxLen: 1000,
		inactiveTTL:  time.Hour,
		pollInterval: 100 * time.Millisecond,
		subs:         make(map[string]*subscription),
	}
}

func streamKey(topic string) string {
	return keyPrefix + topic
}

// Publish appends ev to the topic's stream. Failures are logged by the
// caller's fan-out path; this method simply returns the error (spec.md
// §4.11: "Failures in publish are logged; the local fan-out still
// completes").
func (r *RedisStreams) Publish(ctx context.Context, ev Event) error {
	ev.InstanceID = r.instanceID
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal fabric event: %w", err)
	}

	key := streamKey(ev.Topic)
	pipe := r.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: r.streamMaxLen,
		Approx: true,
		Values: map[string]any{"event": body},
	})
	pipe.Expire(ctx, key, r.inactiveTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %s: %w", key, err)
	}
	return nil
}

// Subscribe starts a polling loop reading topic's stream, replacing any loop
// already running for topic. Each new loop starts at "$", so it sees only
// entries appended after the call; the last-seen id advances within that
// loop only and is not carried over to a later Subscribe, so reading does
// not resume where an earlier loop or process stopped.
func (r *RedisStreams) Subscribe(ctx context.Context, topic string, sink Sink) error {
	r.mu.Lock()
	if existing, ok := r.subs[topic]; ok {
		existing.cancel()
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, lastID: "$"}
	r.subs[topic] = sub
	r.mu.Unlock()

	go r.pollLoop(subCtx, topic, sub, sink)
	return nil
}

// Unsubscribe cancels topic's polling loop. Idempotent.
func (r *RedisStreams) Unsubscribe(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[topic]; ok {
		sub.cancel()
		delete(r.subs, topic)
	}
	return nil
}

// Close cancels every active subscription.
func (r *RedisStreams) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, sub := range r.subs {
		sub.cancel()
		delete(r.subs, topic)
	}
	return nil
}

func (r *RedisStreams) pollLoop(ctx context.Context, topic string, sub *subscription, sink Sink) {
	key := streamKey(topic)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, sub.lastID},
			Block:   r.pollInterval,
			Count:   100,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			slog.Warn("fabric poll failed", "topic", topic, "err", err)
			time.Sleep(r.pollInterval)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				sub.lastID = msg.ID
				raw, ok := msg.Values["event"]
				if !ok {
					continue
				}
				s, ok := raw.(string)
				if !ok {
					continue
				}
				var ev Event
				if err := json.Unmarshal([]byte(s), &ev); err != nil {
					slog.Warn("fabric decode failed", "topic", topic, "err", err)
					continue
				}
				if ev.InstanceID == r.instanceID {
					// Receivers drop frames they originated (spec.md §3).
					continue
				}
				sink(ev)
			}
		}
	}
}
