package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/user/crmbulk/internal/bulk"
	"github.com/user/crmbulk/internal/ledger"
	"github.com/user/crmbulk/internal/queue"
	"github.com/user/crmbulk/internal/scheduler"
	"github.com/user/crmbulk/internal/server"
	"github.com/user/crmbulk/internal/store"
	"github.com/user/crmbulk/internal/worker"
)

// testEnv holds a fully wired stack: API, worker pool and scheduler.
type testEnv struct {
	client *Client
	store  *store.Store
	ledger ledger.Ledger
}

func setupStack(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	s := store.NewStore(db)
	t.Cleanup(func() {
		s.Close()
		db.Close()
	})
	q, err := queue.Open(t.TempDir(), queue.Options{NoSync: true})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	l, err := ledger.OpenBadgerLedger("")
	if err != nil {
		t.Fatalf("OpenBadgerLedger: %v", err)
	}

	executor := bulk.NewExecutor(s, l, 2)
	pool := worker.New(q, worker.Config{Queue: bulk.QueueName, Concurrency: 2, Lease: 5 * time.Second, PollInterval: 10 * time.Millisecond})
	pool.Handle(bulk.JobName, func(ctx context.Context, job *queue.Job) error {
		var p bulk.JobPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return err
		}
		return executor.Execute(ctx, p.BulkActionID)
	})
	sched := scheduler.New(q, scheduler.Config{Interval: 20 * time.Millisecond, PromoteInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { pool.Run(ctx); done <- struct{}{} }()
	go func() { sched.Run(ctx); done <- struct{}{} }()
	t.Cleanup(func() {
		cancel()
		<-done
		<-done
		l.Close()
		q.Close()
	})

	srv := server.New(s, bulk.NewSubmitter(s, q), ":0", server.Options{ProgressInterval: 20 * time.Millisecond})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{client: New(ts.URL), store: s, ledger: l}
}

func (e *testEnv) seed(t *testing.T, id, email string) {
	t.Helper()
	if err := e.store.CreateEntity(context.Background(), store.EntityContact, id, map[string]string{"name": "seed", "email": email}); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
}

func (e *testEnv) waitCompleted(t *testing.T, id string) ProgressEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var last ProgressEvent
	if err := e.client.WatchProgress(ctx, id, func(ev ProgressEvent) error {
		last = ev
		return nil
	}); err != nil {
		t.Fatalf("WatchProgress: %v", err)
	}
	return last
}

func TestEndToEndMixedOutcomes(t *testing.T) {
	env := setupStack(t)
	const (
		idA     = "64b7f0c2a1d4e5f6000000a1"
		idB     = "64b7f0c2a1d4e5f6000000b2"
		missing = "64b7f0c2a1d4e5f6000000c3"
	)
	env.seed(t, idA, "a@example.com")
	env.seed(t, idB, "b@example.com")

	created, err := env.client.Submit(context.Background(), SubmitRequest{
		AccountID:  "acct-1",
		EntityType: "Contact",
		EntitiesToUpdate: []map[string]any{
			{"_id": idA, "version": 0, "name": "Ada"},
			{"_id": idB, "version": 0, "email": "a@example.com"},
			{"_id": missing, "version": 0, "name": "Ghost"},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	last := env.waitCompleted(t, created.ID)
	if last.SuccessCount != 1 || last.SkippedCount != 1 || last.FailureCount != 1 || last.Processed != 3 {
		t.Fatalf("final progress = %+v", last)
	}

	a, err := env.client.GetBulkAction(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetBulkAction: %v", err)
	}
	want := map[string]string{idB: bulk.MsgDuplicateEmail, missing: bulk.MsgEntityMissing}
	if len(a.ActionErrors) != len(want) {
		t.Fatalf("actionErrors = %+v", a.ActionErrors)
	}
	for _, e := range a.ActionErrors {
		if want[e.EntityID] != e.Message {
			t.Errorf("error for %s = %q, want %q", e.EntityID, e.Message, want[e.EntityID])
		}
	}

	ent, err := env.store.GetEntity(context.Background(), store.EntityContact, idA)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if ent.Version != 1 || ent.Fields["name"] != "Ada" {
		t.Errorf("updated entity = %+v", ent)
	}
	entries, err := env.ledger.All(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("ledger.All: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("ledger kept %d entries after completion", len(entries))
	}
}

func TestEndToEndScheduledAction(t *testing.T) {
	env := setupStack(t)
	const id = "64b7f0c2a1d4e5f6000000d4"
	env.seed(t, id, "d@example.com")

	at := time.Now().Add(300 * time.Millisecond).UTC()
	created, err := env.client.Submit(context.Background(), SubmitRequest{
		AccountID:        "acct-1",
		EntityType:       "Contact",
		EntitiesToUpdate: []map[string]any{{"_id": id, "name": "Later"}},
		ScheduledFor:     &at,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	last := env.waitCompleted(t, created.ID)
	if time.Now().Before(at) {
		t.Errorf("scheduled action completed before %v", at)
	}
	if last.SuccessCount != 1 {
		t.Errorf("final progress = %+v", last)
	}
}
