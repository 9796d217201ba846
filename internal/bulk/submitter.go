// Package bulk accepts bulk update requests and executes them entity by
// entity against the record store.
package bulk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/crmbulk/internal/queue"
	"github.com/user/crmbulk/internal/store"
)

const (
	// QueueName is the queue bulk action jobs are enqueued on.
	QueueName = "bulk-action-queue"
	// JobName is the handler name of a bulk action job.
	JobName = "processBulkAction"
)

// JobPayload is the body of a processBulkAction job.
type JobPayload struct {
	BulkActionID string `json:"bulkActionId"`
}

// Enqueuer is the part of the job queue the submitter needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error)
}

// Submitter validates, persists and enqueues bulk actions.
type Submitter struct {
	store *store.Store
	queue Enqueuer
	now   func() time.Time
}

func NewSubmitter(st *store.Store, q Enqueuer) *Submitter {
	return &Submitter{store: st, queue: q, now: time.Now}
}

// SetClock replaces the time source used to check scheduledFor and to
// compute the enqueue delay.
func (s *Submitter) SetClock(now func() time.Time) {
	s.now = now
}

// Submit validates req, stores the action as queued and enqueues its job.
// Scheduled actions are delayed until scheduledFor; the rest are ordered by
// (creation millisecond, sequence number).
//
// If enqueueing fails after the action was stored, the error is returned
// and the action stays queued.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*store.BulkAction, error) {
	in, err := ValidateRequest(req, s.now())
	if err != nil {
		return nil, err
	}

	action, err := s.store.CreateBulkAction(ctx, *in)
	if err != nil {
		return nil, fmt.Errorf("create bulk action: %w", err)
	}

	payload, err := json.Marshal(JobPayload{BulkActionID: action.ID})
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	enq := queue.EnqueueRequest{Queue: QueueName, Name: JobName, Payload: payload}
	mode := "immediate"
	if action.ScheduledFor != nil {
		if delay := action.ScheduledFor.Sub(s.now()); delay > 0 {
			enq.Delay = delay
			mode = "scheduled"
		}
	}
	if enq.Delay == 0 {
		enq.Priority = &queue.Priority{
			TimestampMs: action.CreatedAt.UnixMilli(),
			Sequence:    int64(action.SequenceNumber),
		}
	}

	job, err := s.queue.Enqueue(ctx, enq)
	if err != nil {
		slog.Error("bulk action stored but not enqueued", "bulk_action_id", action.ID, "error", err)
		return nil, fmt.Errorf("enqueue bulk action %s: %w", action.ID, err)
	}

	actionsSubmitted.WithLabelValues(string(action.EntityType), mode).Inc()
	attrs := []any{
		"bulk_action_id", action.ID,
		"account_id", action.AccountID,
		"entity_type", action.EntityType,
		"entities", len(action.EntitiesToUpdate),
		"job_id", job.ID,
	}
	if enq.Priority != nil {
		attrs = append(attrs, "priority", enq.Priority.Score())
	} else {
		attrs = append(attrs, "delay", enq.Delay)
	}
	slog.Info("bulk action submitted", attrs...)
	return action, nil
}
