package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tenantsync/tenantsync/internal/metrics"
)

const defaultMaxAttempts = 4

// Store is the Postgres-backed event queue. Claiming uses
// FOR UPDATE SKIP LOCKED with a visibility timeout, so a crashed worker's
// events become claimable again and delivery is at-least-once.
type Store struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

func NewStore(pool *pgxpool.Pool, maxAttempts int) (*Store, error) {
	if pool == nil {
		return nil, errors.New("bus pool is nil")
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Store{pool: pool, maxAttempts: maxAttempts}, nil
}

const enqueueSQL = `
	INSERT INTO events (id, name, payload, dedup_key, concurrency_key, state, attempts, max_attempts, run_at, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, 'enqueued', 0, $6, NOW() + $7 * INTERVAL '1 second', NOW(), NOW())
	ON CONFLICT (dedup_key) WHERE state IN ('enqueued', 'running') DO NOTHING
`

// Send durably enqueues events. A duplicate DedupKey is a no-op, which keeps
// webhook redelivery and page re-emission idempotent.
func (s *Store) Send(ctx context.Context, events ...Event) error {
	for _, event := range events {
		args, err := s.enqueueArgs(event)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, enqueueSQL, args...); err != nil {
			return fmt.Errorf("enqueue %s: %w", event.Name, err)
		}
		metrics.EventsEnqueuedTotal.WithLabelValues(event.Name).Inc()
	}
	return nil
}

func (s *Store) sendTx(ctx context.Context, tx pgx.Tx, events ...Event) error {
	for _, event := range events {
		args, err := s.enqueueArgs(event)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, enqueueSQL, args...); err != nil {
			return fmt.Errorf("enqueue %s: %w", event.Name, err)
		}
		metrics.EventsEnqueuedTotal.WithLabelValues(event.Name).Inc()
	}
	return nil
}

func (s *Store) enqueueArgs(event Event) ([]any, error) {
	if event.Name == "" {
		return nil, errors.New("event name is required")
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event.Name, err)
	}
	maxAttempts := event.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}
	var dedupKey, concurrencyKey any
	if event.DedupKey != "" {
		dedupKey = event.DedupKey
	}
	if event.ConcurrencyKey != "" {
		concurrencyKey = event.ConcurrencyKey
	}
	delaySeconds := int64(event.Delay / time.Second)
	if delaySeconds < 0 {
		delaySeconds = 0
	}
	return []any{
		uuid.Must(uuid.NewV7()), event.Name, payload, dedupKey, concurrencyKey,
		maxAttempts, delaySeconds,
	}, nil
}

// Dequeue claims up to max due events with the given name, at most one
// running event per concurrency key. The running-state check alone is not
// enough under READ COMMITTED: two claim transactions can each miss the
// other's uncommitted claim of a different event with the same key. Each key
// is therefore guarded by a transaction-scoped advisory lock, acquired before
// the authoritative check; a competitor holds its key lock until its claim
// commits, so after the lock is acquired the check sees the committed row.
func (s *Store) Dequeue(ctx context.Context, name string, max int, visibility time.Duration) ([]Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", name, err)
	}
	defer tx.Rollback(ctx)

	candidates, err := claimCandidates(ctx, tx, name, max)
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", name, err)
	}

	var claimed []uuid.UUID
	seen := make(map[string]bool)
	for _, cand := range candidates {
		if cand.key != "" {
			// Advisory locks are reentrant within a transaction, so a
			// second candidate with the same key must be skipped here.
			if seen[cand.key] {
				continue
			}
			seen[cand.key] = true

			var locked bool
			err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`, cand.key).Scan(&locked)
			if err != nil {
				return nil, fmt.Errorf("dequeue %s: %w", name, err)
			}
			if !locked {
				continue
			}
		}
		claimed = append(claimed, cand.id)
	}
	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	rows, err := tx.Query(ctx, `
		UPDATE events
		SET state = 'running',
		    visibility_until = NOW() + $2 * INTERVAL '1 second',
		    updated_at = NOW()
		WHERE id = ANY($1)
		  AND state = 'enqueued'
		  AND (concurrency_key IS NULL OR NOT EXISTS (
			SELECT 1 FROM events r
			WHERE r.concurrency_key = events.concurrency_key
			  AND r.state = 'running'
		  ))
		RETURNING id, name, payload, attempts, max_attempts, COALESCE(concurrency_key, '')
	`, claimed, durationSecondsCeil(visibility))
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", name, err)
	}

	var jobs []Job
	for rows.Next() {
		var job Job
		if err := rows.Scan(&job.ID, &job.Name, &job.Payload, &job.Attempts, &job.MaxAttempts, &job.ConcurrencyKey); err != nil {
			rows.Close()
			return nil, fmt.Errorf("dequeue %s: %w", name, err)
		}
		jobs = append(jobs, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", name, err)
	}
	return jobs, tx.Commit(ctx)
}

type claimCandidate struct {
	id  uuid.UUID
	key string
}

// claimCandidates row-locks due events so concurrent claimers work on
// disjoint sets. The running-key filter here is only a cheap pre-pass; the
// claiming UPDATE re-checks it under the advisory lock.
func claimCandidates(ctx context.Context, tx pgx.Tx, name string, max int) ([]claimCandidate, error) {
	rows, err := tx.Query(ctx, `
		SELECT e.id, COALESCE(e.concurrency_key, '')
		FROM events e
		WHERE e.name = $1
		  AND e.state = 'enqueued'
		  AND e.run_at <= NOW()
		  AND (e.concurrency_key IS NULL OR NOT EXISTS (
			SELECT 1 FROM events r
			WHERE r.concurrency_key = e.concurrency_key
			  AND r.state = 'running'
		  ))
		ORDER BY e.run_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, name, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []claimCandidate
	for rows.Next() {
		var cand claimCandidate
		if err := rows.Scan(&cand.id, &cand.key); err != nil {
			return nil, err
		}
		candidates = append(candidates, cand)
	}
	return candidates, rows.Err()
}

// Complete marks the job completed and enqueues its emitted follow-up events
// in one transaction.
func (s *Store) Complete(ctx context.Context, job Job, emitted []Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("complete %s: %w", job.Name, err)
	}
	defer tx.Rollback(ctx)

	if err := s.sendTx(ctx, tx, emitted...); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE events
		SET state = 'completed', visibility_until = NULL, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'running'
	`, job.ID)
	if err != nil {
		return fmt.Errorf("complete %s: %w", job.Name, err)
	}
	if tag.RowsAffected() == 0 {
		// Visibility expired and another worker reclaimed the event. Do not
		// commit the emitted events; the reclaiming execution will emit them.
		return fmt.Errorf("complete %s: event %s is no longer running", job.Name, job.ID)
	}
	return tx.Commit(ctx)
}

// RetryJob consumes one attempt and either re-enqueues the job after the
// given delay or marks it failed when the budget is exhausted. It returns the
// resulting state.
func (s *Store) RetryJob(ctx context.Context, job Job, cause error, delay time.Duration) (string, error) {
	var state string
	err := s.pool.QueryRow(ctx, `
		UPDATE events
		SET state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'enqueued' END,
		    attempts = attempts + 1,
		    last_error = $2,
		    run_at = NOW() + $3 * INTERVAL '1 second',
		    visibility_until = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND state = 'running'
		RETURNING state
	`, job.ID, truncateError(cause), durationSecondsCeil(delay)).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("retry %s: %w", job.Name, err)
	}
	return state, nil
}

// RescheduleJob re-enqueues the job after the given delay without touching
// the attempt counter. Rate limiting is flow control, not failure.
func (s *Store) RescheduleJob(ctx context.Context, job Job, delay time.Duration, cause string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE events
		SET state = 'enqueued',
		    last_error = $2,
		    run_at = NOW() + $3 * INTERVAL '1 second',
		    visibility_until = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND state = 'running'
	`, job.ID, cause, durationSecondsCeil(delay))
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", job.Name, err)
	}
	return nil
}

// FailJob marks the job failed immediately, regardless of remaining attempts.
func (s *Store) FailJob(ctx context.Context, job Job, cause error) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE events
		SET state = 'failed', last_error = $2, visibility_until = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'running'
	`, job.ID, truncateError(cause))
	if err != nil {
		return fmt.Errorf("fail %s: %w", job.Name, err)
	}
	return nil
}

// RequeueExpired returns timed-out running events to the queue, consuming one
// attempt. Execution timeouts are transient failures under the retry policy.
func (s *Store) RequeueExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE events
		SET state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'enqueued' END,
		    attempts = attempts + 1,
		    last_error = 'execution timed out',
		    visibility_until = NULL,
		    updated_at = NOW()
		WHERE state = 'running' AND visibility_until < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CancelPending removes not-yet-running events for a concurrency key. Running
// events finish on their own and no-op once the organisation's credentials
// are gone.
func (s *Store) CancelPending(ctx context.Context, concurrencyKey string) (int64, error) {
	if concurrencyKey == "" {
		return 0, errors.New("concurrency key is required")
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM events
		WHERE concurrency_key = $1 AND state = 'enqueued'
	`, concurrencyKey)
	if err != nil {
		return 0, fmt.Errorf("cancel pending: %w", err)
	}
	return tag.RowsAffected(), nil
}

func durationSecondsCeil(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	const maxLen = 2048
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
