package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxloop/voxloop/internal/call"
	"github.com/voxloop/voxloop/internal/lease"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/queue"
	"github.com/voxloop/voxloop/internal/store"
	"github.com/voxloop/voxloop/pkg/provider/sms"
)

const (
	// defaultBatch is how many jobs one Receive pulls.
	defaultBatch = 4

	// maxAttempts drops a job that keeps failing. The queue redelivers on
	// Nack, so without a cap a poisoned payload would cycle forever.
	maxAttempts = 5

	// saveRetries bounds reload-and-reapply rounds on version conflicts.
	saveRetries = 3
)

// Worker consumes the post_call and training queues.
type Worker struct {
	q       queue.Queue
	store   store.Store
	leases  lease.Manager
	syn     *Synthesizer
	trainer *Trainer
	sms     sms.Sender
	log     *slog.Logger
	metrics *observe.Metrics
	batch   int
}

// Option configures a [Worker].
type Option func(*Worker)

// WithSMS enables the SMS report sent to the caller after synthesis.
func WithSMS(sender sms.Sender) Option {
	return func(w *Worker) {
		w.sms = sender
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(w *Worker) {
		w.log = log
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithBatch sets how many jobs one poll claims.
func WithBatch(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batch = n
		}
	}
}

// NewWorker assembles a worker. The trainer may be nil when no documentation
// index is configured; training jobs are then acked untouched.
func NewWorker(q queue.Queue, st store.Store, leases lease.Manager, syn *Synthesizer, trainer *Trainer, opts ...Option) *Worker {
	w := &Worker{
		q:       q,
		store:   st,
		leases:  leases,
		syn:     syn,
		trainer: trainer,
		log:     slog.Default(),
		batch:   defaultBatch,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}
	return w
}

// Run consumes both queues until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.consume(ctx, queue.KindPostCall, w.handlePostCall) })
	g.Go(func() error { return w.consume(ctx, queue.KindTraining, w.handleTraining) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// consume is the shared receive loop. Handler errors Nack the message for
// redelivery until the attempt cap, then the message is dropped with an
// incident.
func (w *Worker) consume(ctx context.Context, kind queue.Kind, handle func(context.Context, queue.Message) error) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := w.q.Receive(ctx, kind, w.batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("queue receive failed", "queue", kind, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if len(msgs) == 0 {
			// Not every broker blocks on an empty queue.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		for _, msg := range msgs {
			w.dispatch(ctx, kind, msg, handle)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, kind queue.Kind, msg queue.Message, handle func(context.Context, queue.Message) error) {
	err := handle(ctx, msg)
	switch {
	case err == nil:
		if err := w.q.Ack(ctx, msg); err != nil {
			w.log.Warn("ack failed", "queue", kind, "event_id", msg.EventID, "error", err)
		}
		w.metrics.RecordQueueJob(ctx, string(kind), "completed")
	case msg.Attempts >= maxAttempts:
		w.log.Error("job dropped after repeated failures",
			"queue", kind, "event_id", msg.EventID, "attempts", msg.Attempts, "error", err)
		w.metrics.RecordIncident(ctx, string(kind))
		if err := w.q.Ack(ctx, msg); err != nil {
			w.log.Warn("ack failed", "queue", kind, "event_id", msg.EventID, "error", err)
		}
	default:
		w.log.Warn("job failed, redelivering",
			"queue", kind, "event_id", msg.EventID, "attempts", msg.Attempts, "error", err)
		w.metrics.RecordQueueJob(ctx, string(kind), "retried")
		if err := w.q.Nack(ctx, msg); err != nil {
			w.log.Warn("nack failed", "queue", kind, "event_id", msg.EventID, "error", err)
		}
	}
}

// handlePostCall runs the summary for one closed call and sends the SMS
// report. A call that already carries a synthesis is left untouched, so a
// redelivered job never pays for a second completion.
func (w *Worker) handlePostCall(ctx context.Context, msg queue.Message) error {
	var job queue.PostCallJob
	if err := msg.Decode(&job); err != nil {
		w.log.Error("undecodable post_call job", "event_id", msg.EventID, "error", err)
		return nil // acked; redelivery cannot fix the payload
	}

	cl, err := w.store.GetByID(ctx, job.CallID)
	if errors.Is(err, store.ErrNotFound) {
		w.log.Error("post_call job for unknown call", "call_id", job.CallID)
		return nil
	}
	if err != nil {
		return err
	}
	if cl.Synthesis != nil {
		return nil
	}

	syn, err := w.syn.Synthesize(ctx, cl)
	if err != nil {
		return err
	}
	if err := w.saveSynthesis(ctx, job.CallID, syn); err != nil {
		return err
	}
	w.log.Info("call synthesised", "call_id", cl.ID, "satisfaction", syn.Satisfaction)

	w.sendReport(ctx, cl, syn)
	return nil
}

// saveSynthesis writes syn onto the call under its lease, reloading and
// reapplying on version conflicts.
func (w *Worker) saveSynthesis(ctx context.Context, callID string, syn *call.Synthesis) error {
	l, err := w.leases.Acquire(ctx, lease.CallKey(callID), lease.CallTTL)
	if err != nil {
		return fmt.Errorf("synthesis: lease call %s: %w", callID, err)
	}
	defer func() {
		if err := w.leases.Release(ctx, l); err != nil && !errors.Is(err, lease.ErrLost) {
			w.log.Warn("lease release failed", "call_id", callID, "error", err)
		}
	}()

	for attempt := 0; attempt < saveRetries; attempt++ {
		cl, err := w.store.GetByID(ctx, callID)
		if err != nil {
			return err
		}
		if cl.Synthesis != nil {
			return nil
		}
		cl.Synthesis = syn
		err = w.store.Save(ctx, cl)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		w.metrics.SaveConflicts.Add(ctx, 1)
	}
	return fmt.Errorf("synthesis: save call %s: %w", callID, store.ErrConflict)
}

// sendReport texts the short summary to the caller. Report delivery is best
// effort; the saved synthesis is the source of truth and a failed SMS must
// not requeue the whole job.
func (w *Worker) sendReport(ctx context.Context, cl *call.Call, syn *call.Synthesis) {
	if w.sms == nil || cl.Initiate.CallerPhoneNumber == "" || syn.Short == "" {
		return
	}
	body := fmt.Sprintf("%s (%s): %s", cl.Initiate.BotName, cl.Initiate.BotCompany, syn.Short)
	if err := w.sms.Send(ctx, cl.Initiate.CallerPhoneNumber, body); err != nil {
		w.log.Warn("sms report failed", "call_id", cl.ID, "error", err)
		w.metrics.RecordProviderError(ctx, "sms", "send")
		return
	}
	w.log.Info("sms report sent", "call_id", cl.ID)
}

// handleTraining extracts Q/A documents for one closed call.
func (w *Worker) handleTraining(ctx context.Context, msg queue.Message) error {
	if w.trainer == nil {
		return nil
	}
	var job queue.PostCallJob
	if err := msg.Decode(&job); err != nil {
		w.log.Error("undecodable training job", "event_id", msg.EventID, "error", err)
		return nil
	}

	cl, err := w.store.GetByID(ctx, job.CallID)
	if errors.Is(err, store.ErrNotFound) {
		w.log.Error("training job for unknown call", "call_id", job.CallID)
		return nil
	}
	if err != nil {
		return err
	}

	n, err := w.trainer.Train(ctx, cl)
	if err != nil {
		return err
	}
	w.log.Info("call indexed", "call_id", cl.ID, "documents", n)
	return nil
}
