// Package bus is the durable event pipeline: at-least-once delivery of named
// internal events to registered handlers, with bounded retries, per-name
// worker ceilings and single-flight execution per concurrency key.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event states. An event is never silently dropped: it ends in completed or
// failed, and failed rows stay queryable for observability.
const (
	StateEnqueued  = "enqueued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Event is one durable unit of work to enqueue.
type Event struct {
	// Name is a namespaced verb, e.g. "users.sync.requested".
	Name string
	// Payload is JSON-marshalled into the event row.
	Payload any
	// DedupKey makes enqueueing idempotent: a second event with the same key
	// is ignored while the first exists.
	DedupKey string
	// ConcurrencyKey serializes execution: no two events sharing a key run
	// simultaneously. Typically the organisation id.
	ConcurrencyKey string
	// MaxAttempts overrides the store default when > 0.
	MaxAttempts int
	// Delay postpones the first execution.
	Delay time.Duration
}

// Sender enqueues events. Handlers receive it as an explicit dependency so
// tests can substitute an in-memory fake.
type Sender interface {
	Send(ctx context.Context, events ...Event) error
}

// Job is a claimed event handed to a handler.
type Job struct {
	ID             uuid.UUID
	Name           string
	Payload        []byte
	Attempts       int
	MaxAttempts    int
	ConcurrencyKey string
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Name, err)
	}
	return nil
}

// Emitter collects follow-up events. Everything emitted is committed in the
// same transaction that marks the job completed, so "process page N, enqueue
// page N+1" is atomic from the caller's point of view.
type Emitter func(events ...Event)

// Handler processes one job. A nil return completes the job and commits
// emitted events; control errors (Reschedule, Discard) override the standard
// retry policy; any other error retries with exponential backoff until the
// attempt budget is exhausted.
type Handler func(ctx context.Context, job Job, emit Emitter) error

type rescheduleError struct {
	after time.Duration
}

func (e *rescheduleError) Error() string {
	return fmt.Sprintf("rescheduled after %s", e.after)
}

// Reschedule makes the worker re-enqueue the same job after the given delay
// without consuming a retry attempt. Used for vendor rate limiting, which is
// flow control, not failure.
func Reschedule(after time.Duration) error {
	if after <= 0 {
		after = time.Minute
	}
	return &rescheduleError{after: after}
}

// RescheduleDelay reports whether err requests a reschedule and its delay.
func RescheduleDelay(err error) (time.Duration, bool) {
	var re *rescheduleError
	if errors.As(err, &re) {
		return re.after, true
	}
	return 0, false
}

type discardError struct {
	cause error
}

func (e *discardError) Error() string {
	return fmt.Sprintf("discarded: %v", e.cause)
}

func (e *discardError) Unwrap() error { return e.cause }

// Discard marks the job failed immediately, skipping remaining retries.
// Used when retrying cannot help: revoked credentials, contract errors.
func Discard(cause error) error {
	return &discardError{cause: cause}
}

// DiscardCause reports whether err requests a terminal discard.
func DiscardCause(err error) (error, bool) {
	var de *discardError
	if errors.As(err, &de) {
		return de.cause, true
	}
	return nil, false
}
