//go:build integration

package bus

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// These tests need a migrated database; point DATABASE_URL at one and run
// with -tags integration.
func setupStore(t *testing.T) *Store {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Fatal("DATABASE_URL must be set for integration tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("pgxpool.New() error = %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, `TRUNCATE events`); err != nil {
		t.Fatalf("truncate events: %v", err)
	}

	store, err := NewStore(pool, 4)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store
}

func countInState(t *testing.T, store *Store, state string) int {
	t.Helper()
	var n int
	err := store.pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM events WHERE state = $1`, state).Scan(&n)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func TestSendCollapsesPendingDuplicates(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	event := Event{Name: "it.sync", Payload: map[string]string{"page": "1"}, DedupKey: "it.sync:org1:0:"}
	if err := store.Send(ctx, event, event); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := countInState(t, store, StateEnqueued); got != 1 {
		t.Fatalf("enqueued = %d, want 1", got)
	}

	jobs, err := store.Dequeue(ctx, "it.sync", 1, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Dequeue() claimed %d jobs, want 1", len(jobs))
	}
	if err := store.Complete(ctx, jobs[0], nil); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	// Settled work may be requested again under the same key.
	if err := store.Send(ctx, event); err != nil {
		t.Fatalf("Send() after completion error = %v", err)
	}
	if got := countInState(t, store, StateEnqueued); got != 1 {
		t.Fatalf("enqueued after completion = %d, want 1", got)
	}
}

func TestDequeueSingleFlightPerKey(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	err := store.Send(ctx,
		Event{Name: "it.sync", Payload: map[string]string{"page": "1"}, DedupKey: "a", ConcurrencyKey: "org1"},
		Event{Name: "it.sync", Payload: map[string]string{"page": "2"}, DedupKey: "b", ConcurrencyKey: "org1"},
	)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	jobs, err := store.Dequeue(ctx, "it.sync", 10, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Dequeue() claimed %d jobs, want 1 while the key is shared", len(jobs))
	}

	again, err := store.Dequeue(ctx, "it.sync", 10, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("Dequeue() claimed %d jobs, want 0 while org1 is running", len(again))
	}

	if err := store.Complete(ctx, jobs[0], nil); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	after, err := store.Dequeue(ctx, "it.sync", 10, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if len(after) != 1 {
		t.Fatalf("Dequeue() after completion claimed %d jobs, want 1", len(after))
	}
}

// Two pollers racing over two enqueued events with the same key must never
// both end up running, even across different event names.
func TestDequeueConcurrentClaimersHonorKey(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		if _, err := store.pool.Exec(ctx, `TRUNCATE events`); err != nil {
			t.Fatalf("truncate events: %v", err)
		}
		err := store.Send(ctx,
			Event{Name: "it.sync", Payload: map[string]string{"page": "1"}, ConcurrencyKey: "org1"},
			Event{Name: "it.delete", Payload: map[string]string{"page": "2"}, ConcurrencyKey: "org1"},
		)
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}

		start := make(chan struct{})
		results := make([]int, 2)
		var wg sync.WaitGroup
		for w, name := range []string{"it.sync", "it.delete"} {
			wg.Add(1)
			go func(w int, name string) {
				defer wg.Done()
				<-start
				jobs, err := store.Dequeue(ctx, name, 10, time.Minute)
				if err != nil {
					t.Errorf("Dequeue(%s) error = %v", name, err)
					return
				}
				results[w] = len(jobs)
			}(w, name)
		}
		close(start)
		wg.Wait()

		if running := countInState(t, store, StateRunning); running > 1 {
			t.Fatalf("iteration %d: %d events running for one key, want at most 1 (claims: %v)", i, running, results)
		}
	}
}

func TestRetryJobExhaustsBudget(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	err := store.Send(ctx, Event{Name: "it.sync", Payload: map[string]string{"page": "1"}, MaxAttempts: 2})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	jobs, err := store.Dequeue(ctx, "it.sync", 1, time.Minute)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Dequeue() = %v jobs, error = %v", len(jobs), err)
	}
	state, err := store.RetryJob(ctx, jobs[0], context.DeadlineExceeded, 0)
	if err != nil {
		t.Fatalf("RetryJob() error = %v", err)
	}
	if state != StateEnqueued {
		t.Fatalf("RetryJob() state = %q, want %q", state, StateEnqueued)
	}

	jobs, err = store.Dequeue(ctx, "it.sync", 1, time.Minute)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Dequeue() = %v jobs, error = %v", len(jobs), err)
	}
	state, err = store.RetryJob(ctx, jobs[0], context.DeadlineExceeded, 0)
	if err != nil {
		t.Fatalf("RetryJob() error = %v", err)
	}
	if state != StateFailed {
		t.Fatalf("RetryJob() state = %q, want %q", state, StateFailed)
	}
}
