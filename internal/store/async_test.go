package store

import "testing"

func TestAsyncWriterEmitAndFlush(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	aw := NewAsyncWriter(db.Logs)
	defer aw.Stop()

	for _, msg := range []string{"one", "two", "three"} {
		aw.Emit("INSERT INTO logs (level, message, created_at) VALUES (?, ?, ?)", "LOG", msg, 1)
	}
	aw.Flush()

	var count int
	if err := db.Logs.QueryRow("SELECT COUNT(*) FROM logs").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 3 {
		t.Errorf("log count = %d, want 3", count)
	}
}

func TestAsyncWriterStopDrainsPending(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	aw := NewAsyncWriter(db.Logs)
	for i := 0; i < 100; i++ {
		aw.Emit("INSERT INTO logs (level, message, created_at) VALUES (?, ?, ?)", "LOG", "m", i)
	}
	aw.Stop()

	var count int
	if err := db.Logs.QueryRow("SELECT COUNT(*) FROM logs").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 100 {
		t.Errorf("log count = %d, want 100", count)
	}

	// Emit and Flush after Stop must not block.
	aw.Emit("INSERT INTO logs (level, message, created_at) VALUES (?, ?, ?)", "LOG", "late", 1)
	aw.Flush()
	if aw.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", aw.Dropped())
	}
}

func TestAsyncWriterCountsFailedStatements(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	aw := NewAsyncWriter(db.Logs)
	defer aw.Stop()

	aw.Emit("INSERT INTO no_such_table (x) VALUES (?)", 1)
	aw.Emit("INSERT INTO logs (level, message, created_at) VALUES (?, ?, ?)", "LOG", "ok", 1)
	aw.Flush()

	if aw.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", aw.Dropped())
	}
	var count int
	if err := db.Logs.QueryRow("SELECT COUNT(*) FROM logs").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Errorf("log count = %d, want 1", count)
	}
}
