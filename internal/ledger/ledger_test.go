package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/google/go-cmp/cmp"
)

func backends(t *testing.T) map[string]Ledger {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	pl, err := OpenPebbleLedger(t.TempDir())
	if err != nil {
		t.Fatalf("OpenPebbleLedger: %v", err)
	}
	t.Cleanup(func() { pl.Close() })

	bl, err := OpenBadgerLedger("")
	if err != nil {
		t.Fatalf("OpenBadgerLedger: %v", err)
	}
	t.Cleanup(func() { bl.Close() })

	return map[string]Ledger{
		BackendRedis:  NewRedisLedger(rdb),
		BackendPebble: pl,
		BackendBadger: bl,
	}
}

func TestPutIfAbsentFirstWriterWins(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stored, err := l.PutIfAbsent(ctx, "ba_1", Entry{Status: StatusSuccess, EntityID: "e1"})
			if err != nil {
				t.Fatalf("PutIfAbsent() error: %v", err)
			}
			if !stored {
				t.Fatal("first PutIfAbsent() stored = false, want true")
			}

			stored, err = l.PutIfAbsent(ctx, "ba_1", Entry{Status: StatusFailure, EntityID: "e1", Message: "late"})
			if err != nil {
				t.Fatalf("PutIfAbsent() error: %v", err)
			}
			if stored {
				t.Error("second PutIfAbsent() stored = true, want false")
			}

			all, err := l.All(ctx, "ba_1")
			if err != nil {
				t.Fatalf("All() error: %v", err)
			}
			want := map[string]Entry{"e1": {Status: StatusSuccess, EntityID: "e1"}}
			if diff := cmp.Diff(want, all); diff != "" {
				t.Errorf("All() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAllIsScopedToAction(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l.PutIfAbsent(ctx, "ba_1", Entry{Status: StatusSkipped, EntityID: "a", Message: "Version mismatch"})
			l.PutIfAbsent(ctx, "ba_1", Entry{Status: StatusFailure, EntityID: "b", Message: "Entity doesn't exists"})
			l.PutIfAbsent(ctx, "ba_10", Entry{Status: StatusSuccess, EntityID: "c"})

			all, err := l.All(ctx, "ba_1")
			if err != nil {
				t.Fatalf("All() error: %v", err)
			}
			want := map[string]Entry{
				"a": {Status: StatusSkipped, EntityID: "a", Message: "Version mismatch"},
				"b": {Status: StatusFailure, EntityID: "b", Message: "Entity doesn't exists"},
			}
			if diff := cmp.Diff(want, all); diff != "" {
				t.Errorf("All() mismatch (-want +got):\n%s", diff)
			}

			empty, err := l.All(ctx, "ba_unknown")
			if err != nil {
				t.Fatalf("All(unknown) error: %v", err)
			}
			if len(empty) != 0 {
				t.Errorf("All(unknown) = %v, want empty", empty)
			}
		})
	}
}

func TestDeleteRemovesOnlyThatAction(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l.PutIfAbsent(ctx, "ba_1", Entry{Status: StatusSuccess, EntityID: "a"})
			l.PutIfAbsent(ctx, "ba_2", Entry{Status: StatusSuccess, EntityID: "a"})

			if err := l.Delete(ctx, "ba_1"); err != nil {
				t.Fatalf("Delete() error: %v", err)
			}
			if err := l.Delete(ctx, "ba_1"); err != nil {
				t.Fatalf("second Delete() error: %v", err)
			}

			all, _ := l.All(ctx, "ba_1")
			if len(all) != 0 {
				t.Errorf("All(ba_1) after Delete = %v, want empty", all)
			}
			other, _ := l.All(ctx, "ba_2")
			if len(other) != 1 {
				t.Errorf("All(ba_2) = %v, want one entry", other)
			}

			// A deleted ledger accepts fresh entries again.
			stored, err := l.PutIfAbsent(ctx, "ba_1", Entry{Status: StatusFailure, EntityID: "a"})
			if err != nil || !stored {
				t.Errorf("PutIfAbsent() after Delete = %v, %v; want true, nil", stored, err)
			}
		})
	}
}

func TestConcurrentPutIfAbsentStoresOnce(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					status := StatusSuccess
					if i%2 == 1 {
						status = StatusSkipped
					}
					stored, err := l.PutIfAbsent(ctx, "ba_race", Entry{Status: status, EntityID: "e"})
					if err != nil {
						t.Errorf("PutIfAbsent() error: %v", err)
						return
					}
					if stored {
						wins.Add(1)
					}
				}(i)
			}
			wg.Wait()
			if wins.Load() != 1 {
				t.Errorf("stored %d times, want exactly 1", wins.Load())
			}
		})
	}
}

func TestRedisLedgerKeyLayout(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	l := NewRedisLedger(rdb)
	if _, err := l.PutIfAbsent(context.Background(), "ba_7", Entry{Status: StatusSkipped, EntityID: "e9", Message: "Duplicate Email"}); err != nil {
		t.Fatalf("PutIfAbsent() error: %v", err)
	}
	got := mr.HGet("bulk-action-status:ba_7", "e9")
	want := `{"status":0,"entityId":"e9","message":"Duplicate Email"}`
	if got != want {
		t.Errorf("stored value = %s, want %s", got, want)
	}
}

func TestCancelledContext(t *testing.T) {
	for name, l := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			if _, err := l.PutIfAbsent(ctx, "ba_1", Entry{EntityID: "e"}); err == nil {
				t.Error("PutIfAbsent() with cancelled context error = nil")
			}
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("etcd", t.TempDir(), nil); err == nil {
		t.Error("Open(etcd) error = nil, want error")
	}
	if _, err := Open(BackendRedis, "", nil); err == nil {
		t.Error("Open(redis) without client error = nil, want error")
	}
}
