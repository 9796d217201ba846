package kv

import "bytes"

// Key prefixes. Each prefix ends with '|' as a separator.
const (
	PrefixJob       = "j|"  // j|{job_id}
	PrefixPending   = "p|"  // p|{queue}\x00{ts_ms:8BE}{seq:8BE}{job_id}
	PrefixActive    = "a|"  // a|{queue}\x00{job_id}
	PrefixScheduled = "s|"  // s|{queue}\x00{due_ns:8BE}{job_id}
	PrefixRetrying  = "r|"  // r|{queue}\x00{retry_ns:8BE}{job_id}
	PrefixDead      = "d|"  // d|{queue}\x00{job_id}
	PrefixQueueName = "qn|" // qn|{queue}
	PrefixLedger    = "ls|" // ls|{action_id}\x00{entity_id}
)

const sep = '\x00'

// JobKey returns the key for a job document: j|{job_id}
func JobKey(jobID string) []byte {
	return append([]byte(PrefixJob), jobID...)
}

// PendingKey returns the key for a ready job.
// Sort order: ts_ms ASC, seq ASC, then job_id for uniqueness.
// p|{queue}\x00{ts_ms:8BE}{seq:8BE}{job_id}
func PendingKey(queue string, tsMs, seq uint64, jobID string) []byte {
	k := PendingPrefix(queue)
	k = PutUint64BE(k, tsMs)
	k = PutUint64BE(k, seq)
	return append(k, jobID...)
}

// PendingPrefix returns the scan prefix for all pending jobs in a queue: p|{queue}\x00
func PendingPrefix(queue string) []byte {
	k := append([]byte(PrefixPending), queue...)
	return append(k, sep)
}

// PendingJobID extracts the job id from a pending key built for queue.
func PendingJobID(queue string, key []byte) (string, bool) {
	offset := len(PrefixPending) + len(queue) + 1 + 16
	if len(key) <= offset || !bytes.HasPrefix(key, PendingPrefix(queue)) {
		return "", false
	}
	return string(key[offset:]), true
}

// ActiveKey returns the key for a leased job: a|{queue}\x00{job_id}
// Value stores lease_expires_ns as 8-byte big-endian.
func ActiveKey(queue, jobID string) []byte {
	k := ActivePrefix(queue)
	return append(k, jobID...)
}

// ActivePrefix returns the scan prefix for all active jobs in a queue: a|{queue}\x00
func ActivePrefix(queue string) []byte {
	k := append([]byte(PrefixActive), queue...)
	return append(k, sep)
}

// ScheduledKey returns the key for a delayed job: s|{queue}\x00{due_ns:8BE}{job_id}
func ScheduledKey(queue string, dueNs uint64, jobID string) []byte {
	k := ScheduledScanPrefix(queue)
	k = PutUint64BE(k, dueNs)
	return append(k, jobID...)
}

// ScheduledScanPrefix returns the scan prefix for delayed jobs: s|{queue}\x00
func ScheduledScanPrefix(queue string) []byte {
	k := append([]byte(PrefixScheduled), queue...)
	return append(k, sep)
}

// RetryingKey returns the key for a job waiting on backoff: r|{queue}\x00{retry_ns:8BE}{job_id}
func RetryingKey(queue string, retryNs uint64, jobID string) []byte {
	k := RetryingScanPrefix(queue)
	k = PutUint64BE(k, retryNs)
	return append(k, jobID...)
}

// RetryingScanPrefix returns the scan prefix for retrying jobs: r|{queue}\x00
func RetryingScanPrefix(queue string) []byte {
	k := append([]byte(PrefixRetrying), queue...)
	return append(k, sep)
}

// TimedKeyParts splits a scheduled or retrying key into its timestamp and job id.
func TimedKeyParts(prefix, key []byte) (ns uint64, jobID string, ok bool) {
	if len(key) <= len(prefix)+8 || !bytes.HasPrefix(key, prefix) {
		return 0, "", false
	}
	return GetUint64BE(key[len(prefix):]), string(key[len(prefix)+8:]), true
}

// DeadKey returns the key for a job that exhausted its retries: d|{queue}\x00{job_id}
func DeadKey(queue, jobID string) []byte {
	k := DeadPrefix(queue)
	return append(k, jobID...)
}

// DeadPrefix returns the scan prefix for dead jobs in a queue: d|{queue}\x00
func DeadPrefix(queue string) []byte {
	k := append([]byte(PrefixDead), queue...)
	return append(k, sep)
}

// QueueNameKey returns the key for the queue name registry: qn|{queue}
func QueueNameKey(queue string) []byte {
	return append([]byte(PrefixQueueName), queue...)
}

// QueueNamePrefix returns the scan prefix for all registered queues.
func QueueNamePrefix() []byte {
	return []byte(PrefixQueueName)
}

// LedgerKey returns the key for one progress entry: ls|{action_id}\x00{entity_id}
func LedgerKey(actionID, entityID string) []byte {
	k := LedgerPrefix(actionID)
	return append(k, entityID...)
}

// LedgerPrefix returns the scan prefix for all entries of an action: ls|{action_id}\x00
func LedgerPrefix(actionID string) []byte {
	k := append([]byte(PrefixLedger), actionID...)
	return append(k, sep)
}

// PrefixUpperBound returns the smallest key greater than every key with prefix.
func PrefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil // all 0xFF, no upper bound
}
