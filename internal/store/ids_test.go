package store

import (
	"regexp"
	"strings"
	"testing"
)

func TestNewBulkActionID(t *testing.T) {
	id := NewBulkActionID()
	if !strings.HasPrefix(id, "ba_") {
		t.Errorf("NewBulkActionID() = %q, want prefix %q", id, "ba_")
	}
	if len(id) != 29 {
		t.Errorf("NewBulkActionID() length = %d, want 29", len(id))
	}
}

func TestNewJobID(t *testing.T) {
	id := NewJobID()
	if !strings.HasPrefix(id, "job_") {
		t.Errorf("NewJobID() = %q, want prefix %q", id, "job_")
	}
}

func TestNewEntityIDIsObjectIDShaped(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{24}$`)
	for j := 0; j < 10; j++ {
		if id := NewEntityID(); !re.MatchString(id) {
			t.Fatalf("NewEntityID() = %q, want 24 hex chars", id)
		}
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for j := 0; j < 1000; j++ {
		id := NewJobID()
		if seen[id] {
			t.Fatalf("duplicate ID: %s", id)
		}
		seen[id] = true
	}
}

func TestIDsAreSortable(t *testing.T) {
	prev := NewBulkActionID()
	for j := 0; j < 100; j++ {
		next := NewBulkActionID()
		if next <= prev {
			t.Fatalf("IDs not monotonic: %s <= %s", next, prev)
		}
		prev = next
	}
}
