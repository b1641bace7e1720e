package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamPrefix = "q:"
	group        = "voxloop"

	// fieldBody / fieldEvent are the stream entry field names.
	fieldBody  = "body"
	fieldEvent = "event_id"
)

// Redis implements [Queue] on Redis Streams with one consumer group per
// stream. Visibility timeout maps onto pending-entry idle time: entries idle
// past the timeout are reclaimed by the next Receive via XAUTOCLAIM.
type Redis struct {
	client     *redis.Client
	consumer   string
	visibility time.Duration
	block      time.Duration
}

// Compile-time interface assertion.
var _ Queue = (*Redis)(nil)

// RedisOption configures a [Redis] queue.
type RedisOption func(*Redis)

// WithVisibility sets the visibility timeout. Default is 30 seconds.
func WithVisibility(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.visibility = d
		}
	}
}

// WithBlock sets how long Receive blocks waiting for new entries before
// returning empty. Default is 2 seconds.
func WithBlock(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.block = d
		}
	}
}

// NewRedis returns a Redis-backed queue. consumer must be unique per worker
// process (typically hostname + PID); it names this worker inside the
// consumer group.
func NewRedis(ctx context.Context, client *redis.Client, consumer string, opts ...RedisOption) (*Redis, error) {
	r := &Redis{
		client:     client,
		consumer:   consumer,
		visibility: 30 * time.Second,
		block:      2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}

	// Create the consumer groups up front; BUSYGROUP means another worker got
	// there first, which is fine.
	for _, kind := range []Kind{KindCallEvents, KindSMSEvents, KindPostCall, KindTraining} {
		err := client.XGroupCreateMkStream(ctx, streamPrefix+string(kind), group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return nil, fmt.Errorf("queue: create group for %s: %w", kind, err)
		}
	}
	return r, nil
}

// Send implements Queue.
func (r *Redis) Send(ctx context.Context, kind Kind, eventID string, body []byte) error {
	if !kind.IsValid() {
		return ErrUnknownQueue
	}
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamPrefix + string(kind),
		Values: map[string]any{fieldBody: body, fieldEvent: eventID},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: send to %s: %w", kind, err)
	}
	return nil
}

// Receive implements Queue. Reclaimed timed-out entries are served before new
// ones so a crashed worker's backlog is drained first.
func (r *Redis) Receive(ctx context.Context, kind Kind, max int) ([]Message, error) {
	if !kind.IsValid() {
		return nil, ErrUnknownQueue
	}
	if max <= 0 {
		max = 1
	}
	stream := streamPrefix + string(kind)

	// First, reclaim entries whose visibility lapsed.
	claimed, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: r.consumer,
		MinIdle:  r.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue: autoclaim %s: %w", kind, err)
	}

	msgs := make([]Message, 0, max)
	for _, entry := range claimed {
		msg, err := r.toMessage(ctx, kind, stream, entry)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) >= max {
		return msgs[:max], nil
	}

	// Then read fresh entries.
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: r.consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(max - len(msgs)),
		Block:    r.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return msgs, nil
		}
		return nil, fmt.Errorf("queue: read %s: %w", kind, err)
	}
	for _, s := range streams {
		for _, entry := range s.Messages {
			msg, err := r.toMessage(ctx, kind, stream, entry)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// Ack implements Queue.
func (r *Redis) Ack(ctx context.Context, msg Message) error {
	stream := streamPrefix + string(msg.Queue)
	pipe := r.client.TxPipeline()
	pipe.XAck(ctx, stream, group, msg.Receipt)
	pipe.XDel(ctx, stream, msg.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: ack %s: %w", msg.Queue, err)
	}
	return nil
}

// Nack implements Queue. The entry is re-enqueued as a fresh delivery and the
// original acked, so redelivery is immediate rather than waiting out the
// visibility timeout.
func (r *Redis) Nack(ctx context.Context, msg Message) error {
	if err := r.Send(ctx, msg.Queue, msg.EventID, msg.Body); err != nil {
		return err
	}
	return r.Ack(ctx, msg)
}

// Extend implements Queue. Claiming our own pending entry resets its idle
// clock, pushing the effective visibility deadline out.
func (r *Redis) Extend(ctx context.Context, msg Message, _ time.Duration) error {
	stream := streamPrefix + string(msg.Queue)
	err := r.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: r.consumer,
		MinIdle:  0,
		Messages: []string{msg.Receipt},
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("queue: extend %s: %w", msg.Queue, err)
	}
	return nil
}

// toMessage converts a stream entry, looking up its delivery count from the
// pending entries list.
func (r *Redis) toMessage(ctx context.Context, kind Kind, stream string, entry redis.XMessage) (Message, error) {
	msg := Message{Receipt: entry.ID, Queue: kind, Attempts: 1}
	if s, ok := entry.Values[fieldBody].(string); ok {
		msg.Body = []byte(s)
	}
	if s, ok := entry.Values[fieldEvent].(string); ok {
		msg.EventID = s
	}

	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  entry.ID,
		End:    entry.ID,
		Count:  1,
	}).Result()
	if err == nil && len(pending) == 1 {
		msg.Attempts = int(pending[0].RetryCount)
	}
	return msg, nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// ConsumerName builds the canonical consumer identity for a worker.
func ConsumerName(hostname string, pid int) string {
	return hostname + "-" + strconv.Itoa(pid)
}
