package kv

import (
	"bytes"
	"testing"
)

func TestJobKeyRoundTrip(t *testing.T) {
	k := JobKey("job_ABC123")
	if !bytes.HasPrefix(k, []byte(PrefixJob)) {
		t.Fatal("missing prefix")
	}
	id := string(k[len(PrefixJob):])
	if id != "job_ABC123" {
		t.Errorf("job id: got %q, want %q", id, "job_ABC123")
	}
}

func TestPendingKeySortOrder(t *testing.T) {
	// Earlier millisecond sorts first regardless of sequence.
	k1 := PendingKey("bulk", 100, 9, "job_b")
	k2 := PendingKey("bulk", 200, 1, "job_a")
	if bytes.Compare(k1, k2) >= 0 {
		t.Error("earlier timestamp should sort before later")
	}

	// Same millisecond: lower sequence sorts first.
	k3 := PendingKey("bulk", 100, 1, "job_z")
	k4 := PendingKey("bulk", 100, 2, "job_a")
	if bytes.Compare(k3, k4) >= 0 {
		t.Error("sequence 1 should sort before sequence 2")
	}

	// Same timestamp and sequence: lexicographic on job_id.
	k5 := PendingKey("bulk", 100, 1, "job_a")
	k6 := PendingKey("bulk", 100, 1, "job_b")
	if bytes.Compare(k5, k6) >= 0 {
		t.Error("job_a should sort before job_b")
	}
}

func TestPendingJobID(t *testing.T) {
	key := PendingKey("bulk", 123, 4, "job_xyz")
	id, ok := PendingJobID("bulk", key)
	if !ok || id != "job_xyz" {
		t.Errorf("PendingJobID() = %q, %v; want job_xyz, true", id, ok)
	}
	if _, ok := PendingJobID("other", key); ok {
		t.Error("PendingJobID() matched a different queue")
	}
}

func TestPendingPrefixSeek(t *testing.T) {
	prefix := PendingPrefix("emails")
	key := PendingKey("emails", 999, 1, "job_xyz")
	if !bytes.HasPrefix(key, prefix) {
		t.Error("pending key should start with queue prefix")
	}

	otherKey := PendingKey("sms", 999, 1, "job_xyz")
	if bytes.HasPrefix(otherKey, prefix) {
		t.Error("different queue should not match")
	}
}

func TestScheduledKeySortOrder(t *testing.T) {
	k1 := ScheduledKey("q", 1000, "job_a")
	k2 := ScheduledKey("q", 2000, "job_b")
	if bytes.Compare(k1, k2) >= 0 {
		t.Error("earlier due_ns should sort first")
	}
}

func TestTimedKeyParts(t *testing.T) {
	prefix := RetryingScanPrefix("q")
	ns, id, ok := TimedKeyParts(prefix, RetryingKey("q", 4242, "job_r"))
	if !ok {
		t.Fatal("TimedKeyParts() ok = false")
	}
	if ns != 4242 || id != "job_r" {
		t.Errorf("TimedKeyParts() = %d, %q; want 4242, job_r", ns, id)
	}
	if _, _, ok := TimedKeyParts(prefix, ScheduledKey("q", 1, "job_s")); ok {
		t.Error("TimedKeyParts() accepted a key with a different prefix")
	}
}

func TestActiveKeyContainsJobID(t *testing.T) {
	k := ActiveKey("myqueue", "job_123")
	prefix := ActivePrefix("myqueue")
	if !bytes.HasPrefix(k, prefix) {
		t.Error("active key should start with queue prefix")
	}
	jobID := string(k[len(prefix):])
	if jobID != "job_123" {
		t.Errorf("job id: got %q, want %q", jobID, "job_123")
	}
}

func TestLedgerKeysAreScopedPerAction(t *testing.T) {
	prefix := LedgerPrefix("ba_1")
	if !bytes.HasPrefix(LedgerKey("ba_1", "e1"), prefix) {
		t.Error("ledger key should start with action prefix")
	}
	// ba_10 must not leak into the scan for ba_1.
	if bytes.HasPrefix(LedgerKey("ba_10", "e1"), prefix) {
		t.Error("ledger prefix matched a different action")
	}
}

func TestPrefixUpperBound(t *testing.T) {
	prefix := LedgerPrefix("ba_1")
	upper := PrefixUpperBound(prefix)
	if bytes.Compare(LedgerKey("ba_1", "\xff\xff"), upper) >= 0 {
		t.Error("upper bound should exceed every key with the prefix")
	}
	if bytes.Compare(upper, prefix) <= 0 {
		t.Error("upper bound should sort after the prefix")
	}
	if got := PrefixUpperBound([]byte{0xff, 0xff}); got != nil {
		t.Errorf("PrefixUpperBound(all 0xff) = %v, want nil", got)
	}
}

func TestQueueNameKey(t *testing.T) {
	k := QueueNameKey("bulk-action-queue")
	if string(k) != "qn|bulk-action-queue" {
		t.Errorf("got %q", string(k))
	}
}
