// Package queue is an embedded, Pebble-backed job queue with delayed jobs,
// composite priorities, leases and at-least-once redelivery.
//
// A job moves between key sets as it changes state:
//
//	s| (scheduled) --Promote--> p| (pending) --Fetch--> a| (active) --Ack--> gone
//	                                  ^                     |
//	                                  +--Reclaim (lease)----+
//	                                  +--Promote-- r| <-Fail-+--> d| (dead)
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/user/crmbulk/internal/kv"
	"github.com/user/crmbulk/internal/store"
)

// Options tunes a Queue. Zero values take the defaults below.
type Options struct {
	Now               func() time.Time
	DefaultMaxRetries int           // default 5
	RetryBaseDelay    time.Duration // default 1s
	RetryMaxDelay     time.Duration // default 5m
	NoSync            bool
}

// Queue owns a Pebble database. All state transitions are serialised by a
// single mutex and committed as one batch.
type Queue struct {
	db        *pebble.DB
	mu        sync.Mutex
	now       func() time.Time
	opts      Options
	writeOpts *pebble.WriteOptions
}

// Open opens (or creates) the queue database in dir.
func Open(dir string, opts Options) (*Queue, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = 5
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 5 * time.Minute
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	q := &Queue{db: db, now: opts.Now, opts: opts, writeOpts: pebble.Sync}
	if opts.NoSync {
		q.writeOpts = pebble.NoSync
	}
	slog.Info("job queue opened", "path", dir)
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Close()
}

// Enqueue adds a job. Delayed jobs wait in the scheduled set until Promote
// moves them to pending; others are pending immediately.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Queue == "" {
		return nil, fmt.Errorf("queue is required")
	}
	if req.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if req.Delay > 0 && req.Priority != nil {
		return nil, fmt.Errorf("a job cannot be both delayed and prioritised")
	}

	now := q.now()
	job := &Job{
		ID:             store.NewJobID(),
		Queue:          req.Queue,
		Name:           req.Name,
		Payload:        req.Payload,
		Priority:       req.Priority,
		MaxRetries:     q.opts.DefaultMaxRetries,
		RetryBackoff:   req.RetryBackoff,
		RetryBaseDelay: int(q.opts.RetryBaseDelay / time.Millisecond),
		RetryMaxDelay:  int(q.opts.RetryMaxDelay / time.Millisecond),
		CreatedAt:      now,
	}
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage(`{}`)
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}
	if job.RetryBackoff == "" {
		job.RetryBackoff = BackoffExponential
	}
	if req.RetryBaseDelay > 0 {
		job.RetryBaseDelay = int(req.RetryBaseDelay / time.Millisecond)
	}
	if req.RetryMaxDelay > 0 {
		job.RetryMaxDelay = int(req.RetryMaxDelay / time.Millisecond)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.db.NewBatch()
	defer batch.Close()

	if req.Delay > 0 {
		due := now.Add(req.Delay)
		job.State = StateScheduled
		job.ScheduledAt = &due
		batch.Set(kv.ScheduledKey(job.Queue, uint64(due.UnixNano()), job.ID), nil, q.writeOpts)
	} else {
		job.State = StatePending
		batch.Set(pendingKey(job, now), nil, q.writeOpts)
	}
	if err := setJob(batch, job, q.writeOpts); err != nil {
		return nil, err
	}
	batch.Set(kv.QueueNameKey(job.Queue), nil, q.writeOpts)
	if err := batch.Commit(q.writeOpts); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}
	return job, nil
}

// pendingKey orders a ready job by its priority, or by readyAt when it has none.
func pendingKey(job *Job, readyAt time.Time) []byte {
	if job.Priority != nil {
		return kv.PendingKey(job.Queue, uint64(job.Priority.TimestampMs), uint64(job.Priority.Sequence), job.ID)
	}
	return kv.PendingKey(job.Queue, uint64(readyAt.UnixMilli()), 0, job.ID)
}

// Fetch leases the first pending job of queueName to workerID. It returns
// nil without error when nothing is ready.
func (q *Queue) Fetch(ctx context.Context, queueName, workerID string, lease time.Duration) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	prefix := kv.PendingPrefix(queueName)
	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: kv.PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}

	var (
		job        *Job
		pendingKey []byte
	)
	var stale [][]byte
	for valid := iter.First(); valid; valid = iter.Next() {
		id, ok := kv.PendingJobID(queueName, iter.Key())
		if !ok {
			continue
		}
		j, err := q.getJob(id)
		if err != nil || j.State != StatePending {
			stale = append(stale, append([]byte(nil), iter.Key()...))
			continue
		}
		job = j
		pendingKey = append([]byte(nil), iter.Key()...)
		break
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}

	batch := q.db.NewBatch()
	defer batch.Close()
	for _, k := range stale {
		batch.Delete(k, q.writeOpts)
	}
	if job == nil {
		if len(stale) > 0 {
			if err := batch.Commit(q.writeOpts); err != nil {
				return nil, fmt.Errorf("drop stale pending keys: %w", err)
			}
		}
		return nil, nil
	}

	now := q.now()
	expires := now.Add(lease)
	job.State = StateActive
	job.Attempt++
	job.WorkerID = workerID
	job.LeaseExpiresAt = &expires
	job.StartedAt = &now

	batch.Delete(pendingKey, q.writeOpts)
	batch.Set(kv.ActiveKey(queueName, job.ID), kv.EncodeNs(expires.UnixNano()), q.writeOpts)
	if err := setJob(batch, job, q.writeOpts); err != nil {
		return nil, err
	}
	if err := batch.Commit(q.writeOpts); err != nil {
		return nil, fmt.Errorf("commit fetch: %w", err)
	}
	return job, nil
}

// Ack completes an active job and removes it.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.getJob(jobID)
	if err != nil {
		return err
	}
	if job.State != StateActive {
		return fmt.Errorf("ack %s (state=%s): %w", jobID, job.State, ErrNotActive)
	}

	batch := q.db.NewBatch()
	defer batch.Close()
	batch.Delete(kv.ActiveKey(job.Queue, jobID), q.writeOpts)
	batch.Delete(kv.JobKey(jobID), q.writeOpts)
	if err := batch.Commit(q.writeOpts); err != nil {
		return fmt.Errorf("commit ack: %w", err)
	}
	return nil
}

// Fail records a failed attempt. The job is retried after a backoff while
// attempts remain, otherwise it is moved to the dead set.
func (q *Queue) Fail(ctx context.Context, jobID, errMsg string) (*FailResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.getJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.State != StateActive {
		return nil, fmt.Errorf("fail %s (state=%s): %w", jobID, job.State, ErrNotActive)
	}

	now := q.now()
	batch := q.db.NewBatch()
	defer batch.Close()
	batch.Delete(kv.ActiveKey(job.Queue, jobID), q.writeOpts)

	remaining := job.MaxRetries - job.Attempt
	if remaining < 0 {
		remaining = 0
	}

	job.LastError = errMsg
	job.FailedAt = &now
	job.WorkerID = ""
	job.LeaseExpiresAt = nil

	var result FailResult
	if remaining > 0 {
		delay := CalculateBackoff(job.RetryBackoff, job.Attempt, job.RetryBaseDelay, job.RetryMaxDelay)
		next := now.Add(delay)
		job.State = StateRetrying
		job.ScheduledAt = &next
		batch.Set(kv.RetryingKey(job.Queue, uint64(next.UnixNano()), jobID), nil, q.writeOpts)

		result.Status = StateRetrying
		result.NextAttemptAt = &next
		result.AttemptsRemaining = remaining
	} else {
		job.State = StateDead
		batch.Set(kv.DeadKey(job.Queue, jobID), nil, q.writeOpts)
		result.Status = StateDead
	}
	if err := setJob(batch, job, q.writeOpts); err != nil {
		return nil, err
	}
	if err := batch.Commit(q.writeOpts); err != nil {
		return nil, fmt.Errorf("commit fail: %w", err)
	}
	return &result, nil
}

// Heartbeat extends the lease of an active job.
func (q *Queue) Heartbeat(ctx context.Context, jobID string, lease time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.getJob(jobID)
	if err != nil {
		return err
	}
	if job.State != StateActive {
		return fmt.Errorf("heartbeat %s (state=%s): %w", jobID, job.State, ErrNotActive)
	}
	expires := q.now().Add(lease)
	job.LeaseExpiresAt = &expires

	batch := q.db.NewBatch()
	defer batch.Close()
	batch.Set(kv.ActiveKey(job.Queue, jobID), kv.EncodeNs(expires.UnixNano()), q.writeOpts)
	if err := setJob(batch, job, q.writeOpts); err != nil {
		return err
	}
	return batch.Commit(q.writeOpts)
}

// Promote moves scheduled and retrying jobs whose time has come to pending.
// It returns how many jobs were moved.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	queues, err := q.queueNames()
	if err != nil {
		return 0, err
	}
	now := q.now()
	nowNs := uint64(now.UnixNano())

	batch := q.db.NewBatch()
	defer batch.Close()
	moved := 0
	for _, name := range queues {
		for _, prefix := range [][]byte{kv.ScheduledScanPrefix(name), kv.RetryingScanPrefix(name)} {
			upper := kv.PutUint64BE(append([]byte(nil), prefix...), nowNs+1)
			iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
			if err != nil {
				return moved, fmt.Errorf("scan due jobs: %w", err)
			}
			for valid := iter.First(); valid; valid = iter.Next() {
				key := append([]byte(nil), iter.Key()...)
				dueNs, id, ok := kv.TimedKeyParts(prefix, key)
				if !ok {
					continue
				}
				batch.Delete(key, q.writeOpts)
				job, err := q.getJob(id)
				if err != nil {
					continue
				}
				job.State = StatePending
				batch.Set(pendingKey(job, time.Unix(0, int64(dueNs))), nil, q.writeOpts)
				if err := setJob(batch, job, q.writeOpts); err != nil {
					iter.Close()
					return moved, err
				}
				moved++
			}
			if err := iter.Close(); err != nil {
				return moved, fmt.Errorf("scan due jobs: %w", err)
			}
		}
	}
	if batch.Empty() {
		return 0, nil
	}
	if err := batch.Commit(q.writeOpts); err != nil {
		return 0, fmt.Errorf("commit promote: %w", err)
	}
	return moved, nil
}

// Reclaim returns active jobs whose lease has expired to pending so that
// another worker picks them up. Jobs out of attempts are moved to dead.
func (q *Queue) Reclaim(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	queues, err := q.queueNames()
	if err != nil {
		return 0, err
	}
	now := q.now()
	nowNs := now.UnixNano()

	batch := q.db.NewBatch()
	defer batch.Close()
	reclaimed := 0
	for _, name := range queues {
		prefix := kv.ActivePrefix(name)
		iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: kv.PrefixUpperBound(prefix)})
		if err != nil {
			return reclaimed, fmt.Errorf("scan active jobs: %w", err)
		}
		for valid := iter.First(); valid; valid = iter.Next() {
			if kv.DecodeNs(iter.Value()) > nowNs {
				continue
			}
			key := append([]byte(nil), iter.Key()...)
			id := string(key[len(prefix):])
			batch.Delete(key, q.writeOpts)
			job, err := q.getJob(id)
			if err != nil {
				continue
			}
			job.WorkerID = ""
			job.LeaseExpiresAt = nil
			job.LastError = "lease expired"
			if job.Attempt >= job.MaxRetries {
				job.State = StateDead
				batch.Set(kv.DeadKey(name, id), nil, q.writeOpts)
			} else {
				job.State = StatePending
				batch.Set(pendingKey(job, now), nil, q.writeOpts)
			}
			if err := setJob(batch, job, q.writeOpts); err != nil {
				iter.Close()
				return reclaimed, err
			}
			slog.Warn("reclaimed expired lease", "job_id", id, "queue", name, "attempt", job.Attempt, "state", job.State)
			reclaimed++
		}
		if err := iter.Close(); err != nil {
			return reclaimed, fmt.Errorf("scan active jobs: %w", err)
		}
	}
	if batch.Empty() {
		return 0, nil
	}
	if err := batch.Commit(q.writeOpts); err != nil {
		return 0, fmt.Errorf("commit reclaim: %w", err)
	}
	return reclaimed, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.getJob(jobID)
}

// Stats counts the jobs of one queue per state.
func (q *Queue) Stats(ctx context.Context, queueName string) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queue:     queueName,
		Pending:   q.countPrefix(kv.PendingPrefix(queueName)),
		Active:    q.countPrefix(kv.ActivePrefix(queueName)),
		Scheduled: q.countPrefix(kv.ScheduledScanPrefix(queueName)),
		Retrying:  q.countPrefix(kv.RetryingScanPrefix(queueName)),
		Dead:      q.countPrefix(kv.DeadPrefix(queueName)),
	}, nil
}

func (q *Queue) getJob(id string) (*Job, error) {
	val, closer, err := q.db.Get(kv.JobKey(id))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	defer closer.Close()
	var job Job
	if err := json.Unmarshal(val, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func setJob(batch *pebble.Batch, job *Job, opts *pebble.WriteOptions) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return batch.Set(kv.JobKey(job.ID), data, opts)
}

func (q *Queue) queueNames() ([]string, error) {
	prefix := kv.QueueNamePrefix()
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: kv.PrefixUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("scan queues: %w", err)
	}
	defer iter.Close()
	var names []string
	for valid := iter.First(); valid; valid = iter.Next() {
		names = append(names, string(iter.Key()[len(prefix):]))
	}
	return names, nil
}

func (q *Queue) countPrefix(prefix []byte) int {
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: kv.PrefixUpperBound(prefix)})
	if err != nil {
		return 0
	}
	defer iter.Close()
	n := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		n++
	}
	return n
}
