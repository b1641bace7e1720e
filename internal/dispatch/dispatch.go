// Package dispatch enqueues the background follow-ups of a finished call:
// the post-call synthesis job and, when the conversation produced new
// knowledge, a training extraction job.
//
// The queue delivers at least once and a crashed worker may close the same
// call twice, so every enqueue is guarded by a short-TTL dedup marker keyed
// on (call_id, job_kind).
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxloop/voxloop/internal/call"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/queue"
)

// defaultMarkerTTL is how long a dedup marker blocks re-enqueueing. Long
// enough to cover queue redelivery storms, short enough that a legitimate
// re-run (manual replay) works the next day.
const defaultMarkerTTL = time.Hour

// Marker records that a job was already enqueued. SetOnce returns true when
// the marker was newly created, false when it already existed.
type Marker interface {
	SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisMarker implements [Marker] on Redis SET NX.
type RedisMarker struct {
	Client *redis.Client
}

var _ Marker = RedisMarker{}

// SetOnce implements [Marker].
func (m RedisMarker) SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := m.Client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dispatch: set marker %s: %w", key, err)
	}
	return ok, nil
}

// Dispatcher enqueues post-call jobs exactly once per (call, kind) within
// the marker TTL.
type Dispatcher struct {
	q       queue.Queue
	marker  Marker
	log     *slog.Logger
	metrics *observe.Metrics
	ttl     time.Duration
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.log = log
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithMarkerTTL overrides the dedup marker lifetime.
func WithMarkerTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// New returns a dispatcher publishing on q with dedup state in marker.
func New(q queue.Queue, marker Marker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		q:      q,
		marker: marker,
		log:    slog.Default(),
		ttl:    defaultMarkerTTL,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// CallClosed enqueues the follow-up jobs for a call that just reached its
// terminal state. Always enqueues synthesis; enqueues training only when the
// caller actually said something worth learning from.
func (d *Dispatcher) CallClosed(ctx context.Context, cl *call.Call) error {
	if err := d.enqueue(ctx, cl.ID, queue.KindPostCall, queue.JobSynthesis); err != nil {
		return err
	}
	if !hasNewKnowledge(cl) {
		return nil
	}
	return d.enqueue(ctx, cl.ID, queue.KindTraining, queue.JobTraining)
}

// enqueue publishes one job unless its dedup marker already exists.
func (d *Dispatcher) enqueue(ctx context.Context, callID string, kind queue.Kind, job queue.JobKind) error {
	key := markerKey(callID, job)
	fresh, err := d.marker.SetOnce(ctx, key, d.ttl)
	if err != nil {
		return err
	}
	if !fresh {
		d.log.Debug("job already dispatched", "call_id", callID, "job", job)
		d.metrics.RecordQueueJob(ctx, string(job), "deduplicated")
		return nil
	}

	eventID, err := queue.Send(ctx, d.q, kind, queue.PostCallJob{CallID: callID, Kind: job})
	if err != nil {
		return fmt.Errorf("dispatch: enqueue %s for call %s: %w", job, callID, err)
	}
	d.log.Info("job dispatched", "call_id", callID, "job", job, "event_id", eventID)
	d.metrics.RecordQueueJob(ctx, string(job), "enqueued")
	return nil
}

// markerKey builds the Redis key guarding one (call, job) pair.
func markerKey(callID string, job queue.JobKind) string {
	return "voxloop:dispatch:" + callID + ":" + string(job)
}

// hasNewKnowledge reports whether the conversation carries content the
// training extractor could learn from: at least one substantive human turn
// answered by the assistant.
func hasNewKnowledge(cl *call.Call) bool {
	var humanSpoke, assistantSpoke bool
	for _, msg := range cl.Messages {
		switch msg.Persona {
		case call.PersonaHuman:
			if msg.Content != "" {
				humanSpoke = true
			}
		case call.PersonaAssistant:
			if msg.Content != "" {
				assistantSpoke = true
			}
		}
	}
	return humanSpoke && assistantSpoke
}
