package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/tenantsync/tenantsync/internal/metrics"
)

// queue is the store surface the worker drives. Kept small so tests can
// substitute an in-memory fake.
type queue interface {
	Dequeue(ctx context.Context, name string, max int, visibility time.Duration) ([]Job, error)
	Complete(ctx context.Context, job Job, emitted []Event) error
	RetryJob(ctx context.Context, job Job, cause error, delay time.Duration) (string, error)
	RescheduleJob(ctx context.Context, job Job, delay time.Duration, cause string) error
	FailJob(ctx context.Context, job Job, cause error) error
	RequeueExpired(ctx context.Context) (int64, error)
}

type registration struct {
	name    string
	workers int
	handler Handler
}

// WorkerOptions tune the polling loops. Zero values fall back to defaults.
type WorkerOptions struct {
	// PollInterval is how long an idle loop sleeps before polling again.
	PollInterval time.Duration
	// HandlerTimeout bounds one handler execution.
	HandlerTimeout time.Duration
	// Visibility is how long a claimed event stays invisible before the
	// reaper returns it to the queue.
	Visibility time.Duration
	// RetryBackoff is the base delay for the exponential retry schedule.
	RetryBackoff time.Duration
	// ReapInterval is how often expired running events are requeued.
	ReapInterval time.Duration
}

func (o *WorkerOptions) fillDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 2 * time.Minute
	}
	if o.Visibility <= 0 {
		o.Visibility = o.HandlerTimeout + time.Minute
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 30 * time.Second
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = 30 * time.Second
	}
}

// Worker polls the queue and dispatches claimed events to registered
// handlers. Each registration gets its own pool of goroutines, which is the
// per-event-name concurrency ceiling.
type Worker struct {
	queue         queue
	logger        *slog.Logger
	opts          WorkerOptions
	registrations []registration
}

func NewWorker(q queue, logger *slog.Logger, opts WorkerOptions) *Worker {
	opts.fillDefaults()
	return &Worker{queue: q, logger: logger, opts: opts}
}

// Register binds a handler to an event name with at most workers concurrent
// executions. Must be called before Run.
func (w *Worker) Register(name string, workers int, handler Handler) {
	if workers <= 0 {
		workers = 1
	}
	w.registrations = append(w.registrations, registration{name: name, workers: workers, handler: handler})
}

// Run starts the polling loops and the expiry reaper, and blocks until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.reapLoop(ctx) })
	for _, reg := range w.registrations {
		for i := 0; i < reg.workers; i++ {
			g.Go(func() error { return w.pollLoop(ctx, reg) })
		}
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (w *Worker) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := w.queue.RequeueExpired(ctx)
			if err != nil {
				w.logger.Error("requeue expired events", "error", err)
				continue
			}
			if n > 0 {
				w.logger.Warn("requeued expired events", "count", n)
			}
		}
	}
}

func (w *Worker) pollLoop(ctx context.Context, reg registration) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		jobs, err := w.queue.Dequeue(ctx, reg.name, 1, w.opts.Visibility)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("dequeue", "event", reg.name, "error", err)
		}
		if len(jobs) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}
		for _, job := range jobs {
			w.process(ctx, reg.handler, job)
		}
	}
}

// process runs one handler execution and settles the job according to the
// outcome: complete, reschedule, discard, or retry.
func (w *Worker) process(ctx context.Context, handler Handler, job Job) {
	logger := w.logger.With("event", job.Name, "event_id", job.ID, "attempt", job.Attempts+1)

	var emitted []Event
	emit := func(events ...Event) { emitted = append(emitted, events...) }

	started := time.Now()
	handlerCtx, cancel := context.WithTimeout(ctx, w.opts.HandlerTimeout)
	err := handler(handlerCtx, job, emit)
	cancel()
	metrics.EventDuration.WithLabelValues(job.Name).Observe(time.Since(started).Seconds())

	switch {
	case err == nil:
		if err := w.queue.Complete(ctx, job, emitted); err != nil {
			logger.Error("complete event", "error", err)
			w.observe(job, "error")
			return
		}
		w.observe(job, "completed")

	case isReschedule(err):
		delay, _ := RescheduleDelay(err)
		if err := w.queue.RescheduleJob(ctx, job, delay, err.Error()); err != nil {
			logger.Error("reschedule event", "error", err)
			w.observe(job, "error")
			return
		}
		logger.Info("event rescheduled", "delay", delay)
		w.observe(job, "rescheduled")

	case isDiscard(err):
		cause, _ := DiscardCause(err)
		if err := w.queue.FailJob(ctx, job, cause); err != nil {
			logger.Error("fail event", "error", err)
			w.observe(job, "error")
			return
		}
		logger.Warn("event discarded", "cause", cause)
		w.observe(job, "discarded")

	default:
		delay := w.retryDelay(job.Attempts)
		state, retryErr := w.queue.RetryJob(ctx, job, err, delay)
		if retryErr != nil {
			logger.Error("retry event", "error", retryErr)
			w.observe(job, "error")
			return
		}
		if state == StateFailed {
			logger.Error("event failed after final attempt", "error", err)
			w.observe(job, "failed")
			return
		}
		logger.Warn("event retrying", "error", err, "delay", delay)
		w.observe(job, "retrying")
	}
}

func (w *Worker) observe(job Job, outcome string) {
	metrics.EventsProcessedTotal.WithLabelValues(job.Name, outcome).Inc()
}

// retryDelay computes the delay before the next attempt: exponential in the
// number of attempts already consumed, with jitter.
func (w *Worker) retryDelay(attempts int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.opts.RetryBackoff
	policy.MaxInterval = time.Hour

	delay := policy.NextBackOff()
	for i := 0; i < attempts; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}

func isReschedule(err error) bool {
	_, ok := RescheduleDelay(err)
	return ok
}

func isDiscard(err error) bool {
	_, ok := DiscardCause(err)
	return ok
}

var _ queue = (*Store)(nil)

// String renders the job for logs without its payload, which can contain
// user identifiers.
func (j Job) String() string {
	return fmt.Sprintf("%s[%s]", j.Name, j.ID)
}
