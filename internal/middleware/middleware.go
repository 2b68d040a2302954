// Package middleware wraps event handlers with the cross-cutting policies
// every handler needs: panic containment, structured logging, and the mapping
// from classified vendor failures onto queue outcomes.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tenantsync/tenantsync/internal/bus"
	"github.com/tenantsync/tenantsync/internal/elba"
	"github.com/tenantsync/tenantsync/internal/errkind"
)

// Middleware decorates a handler.
type Middleware func(bus.Handler) bus.Handler

// Chain applies middlewares outermost first.
func Chain(h bus.Handler, mws ...Middleware) bus.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type statusReporter interface {
	UpdateConnectionStatus(ctx context.Context, organisationID uuid.UUID, status string) error
}

type workCanceller interface {
	CancelPending(ctx context.Context, concurrencyKey string) (int64, error)
}

// Recover converts a handler panic into an error so one bad payload cannot
// take the worker down.
func Recover() Middleware {
	return func(next bus.Handler) bus.Handler {
		return func(ctx context.Context, job bus.Job, emit bus.Emitter) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panicked: %v", r)
				}
			}()
			return next(ctx, job, emit)
		}
	}
}

// Logging records every handler execution with its duration and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(next bus.Handler) bus.Handler {
		return func(ctx context.Context, job bus.Job, emit bus.Emitter) error {
			started := time.Now()
			err := next(ctx, job, emit)
			attrs := []any{
				"event", job.Name,
				"event_id", job.ID,
				"duration", time.Since(started),
			}
			if err != nil {
				logger.Warn("event handler returned error", append(attrs, "error", err, "kind", errkind.Classify(err).String())...)
			} else {
				logger.Debug("event handler finished", attrs...)
			}
			return err
		}
	}
}

// ClassifyErrors translates the error taxonomy into queue outcomes:
//
//   - rate limited: reschedule after the vendor-supplied delay, no attempt
//     consumed
//   - unauthorized: mark the organisation unhealthy, cancel its pending
//     work, and discard the job
//   - validation or fatal: report the error status and discard the job
//   - anything else: returned as-is for the bounded retry policy; when this
//     was the last attempt the error status is reported first
func ClassifyErrors(reporter statusReporter, canceller workCanceller, logger *slog.Logger) Middleware {
	return func(next bus.Handler) bus.Handler {
		return func(ctx context.Context, job bus.Job, emit bus.Emitter) error {
			err := next(ctx, job, emit)
			if err == nil {
				return nil
			}

			switch errkind.Classify(err) {
			case errkind.KindRateLimited:
				var rl *errkind.RateLimitError
				errors.As(err, &rl)
				return bus.Reschedule(rl.Delay())

			case errkind.KindUnauthorized:
				markUnauthorized(ctx, reporter, canceller, logger, job)
				return bus.Discard(err)

			case errkind.KindValidation, errkind.KindFatal:
				reportError(ctx, reporter, logger, job)
				return bus.Discard(err)

			default:
				if job.Attempts+1 >= job.MaxAttempts {
					reportError(ctx, reporter, logger, job)
				}
				return err
			}
		}
	}
}

// reportError pushes the error connection status when a job fails for good.
// Best effort: the queue outcome must go through even when the report fails.
// Events without an organisation-scoped key have no status to report.
func reportError(ctx context.Context, reporter statusReporter, logger *slog.Logger, job bus.Job) {
	organisationID, err := uuid.Parse(job.ConcurrencyKey)
	if err != nil {
		return
	}
	if err := reporter.UpdateConnectionStatus(ctx, organisationID, elba.StatusError); err != nil {
		logger.Error("report error connection status", "organisation_id", organisationID, "error", err)
	}
}

// markUnauthorized is best effort: the discard must go through even when the
// status update or cancellation fails, so those errors are only logged.
func markUnauthorized(ctx context.Context, reporter statusReporter, canceller workCanceller, logger *slog.Logger, job bus.Job) {
	organisationID, err := uuid.Parse(job.ConcurrencyKey)
	if err != nil {
		logger.Error("cannot resolve organisation for unauthorized event", "event", job.Name, "event_id", job.ID)
		return
	}
	if err := reporter.UpdateConnectionStatus(ctx, organisationID, elba.StatusUnauthorized); err != nil {
		logger.Error("report unauthorized connection status", "organisation_id", organisationID, "error", err)
	}
	cancelled, err := canceller.CancelPending(ctx, job.ConcurrencyKey)
	if err != nil {
		logger.Error("cancel pending work", "organisation_id", organisationID, "error", err)
		return
	}
	if cancelled > 0 {
		logger.Info("cancelled pending work for unauthorized organisation",
			"organisation_id", organisationID, "count", cancelled)
	}
}
