package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// NewBulkAction is the input to CreateBulkAction.
type NewBulkAction struct {
	AccountID        string
	EntityType       EntityType
	EntitiesToUpdate []EntityUpdate
	ScheduledFor     *time.Time
}

// CreateBulkAction persists a queued bulk action. Its sequence number is
// one more than the number of actions already created in the same
// millisecond; the count and the insert share one write transaction so
// concurrent submissions in the same millisecond get distinct numbers.
func (s *Store) CreateBulkAction(ctx context.Context, in NewBulkAction) (*BulkAction, error) {
	if !in.EntityType.Valid() {
		return nil, newInvalidEntityTypeError(in.EntityType)
	}
	entities, err := json.Marshal(in.EntitiesToUpdate)
	if err != nil {
		return nil, fmt.Errorf("encode entities: %w", err)
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	a := &BulkAction{
		ID:               NewBulkActionID(),
		AccountID:        in.AccountID,
		EntityType:       in.EntityType,
		EntitiesToUpdate: in.EntitiesToUpdate,
		Status:           StatusQueued,
		ActionErrors:     []ActionError{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	var scheduled any
	if in.ScheduledFor != nil {
		t := in.ScheduledFor.UTC()
		a.ScheduledFor = &t
		scheduled = toMillis(t)
	}

	err = s.writer.ExecuteTx(ctx, func(tx *sql.Tx) error {
		var same int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM bulk_actions WHERE created_at = ?", toMillis(now)).Scan(&same); err != nil {
			return fmt.Errorf("count same-millisecond actions: %w", err)
		}
		a.SequenceNumber = same + 1
		_, err := tx.ExecContext(ctx, `INSERT INTO bulk_actions
			(id, account_id, entity_type, entities_to_update, status, scheduled_for, sequence_number, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.AccountID, string(a.EntityType), string(entities), string(a.Status),
			scheduled, a.SequenceNumber, toMillis(now), toMillis(now))
		if err != nil {
			return fmt.Errorf("insert bulk action: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

const bulkActionColumns = `id, account_id, entity_type, entities_to_update, status,
	success_count, failure_count, skipped_count, action_errors,
	scheduled_for, sequence_number, created_at, updated_at`

// GetBulkAction reads one bulk action including its entity list and errors.
func (s *Store) GetBulkAction(ctx context.Context, id string) (*BulkAction, error) {
	row := s.db.Read.QueryRowContext(ctx, "SELECT "+bulkActionColumns+" FROM bulk_actions WHERE id = ?", id)

	var (
		a                    BulkAction
		entityType, status   string
		entities, errs       string
		scheduled            sql.NullInt64
		createdMs, updatedMs int64
	)
	err := row.Scan(&a.ID, &a.AccountID, &entityType, &entities, &status,
		&a.SuccessCount, &a.FailureCount, &a.SkippedCount, &errs,
		&scheduled, &a.SequenceNumber, &createdMs, &updatedMs)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, NewNotFoundError(fmt.Sprintf("bulk action %s not found", id))
		}
		return nil, fmt.Errorf("get bulk action %s: %w", id, err)
	}
	a.EntityType = EntityType(entityType)
	a.Status = BulkActionStatus(status)
	if err := json.Unmarshal([]byte(entities), &a.EntitiesToUpdate); err != nil {
		return nil, fmt.Errorf("decode entities of %s: %w", id, err)
	}
	a.ActionErrors = []ActionError{}
	if err := json.Unmarshal([]byte(errs), &a.ActionErrors); err != nil {
		return nil, fmt.Errorf("decode errors of %s: %w", id, err)
	}
	if scheduled.Valid {
		t := fromMillis(scheduled.Int64)
		a.ScheduledFor = &t
	}
	a.CreatedAt = fromMillis(createdMs)
	a.UpdatedAt = fromMillis(updatedMs)
	return &a, nil
}

// ListBulkActions returns one page of actions, newest first.
func (s *Store) ListBulkActions(ctx context.Context, page, limit int) (*BulkActionPage, error) {
	page, limit = normalizePage(page, limit)

	var total int
	if err := s.db.Read.QueryRowContext(ctx, "SELECT COUNT(*) FROM bulk_actions").Scan(&total); err != nil {
		return nil, fmt.Errorf("count bulk actions: %w", err)
	}

	rows, err := s.db.Read.QueryContext(ctx, `SELECT account_id, id, entity_type, status,
		success_count, failure_count, skipped_count, scheduled_for, created_at
		FROM bulk_actions ORDER BY created_at DESC, sequence_number DESC LIMIT ? OFFSET ?`,
		limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("list bulk actions: %w", err)
	}
	defer rows.Close()

	out := &BulkActionPage{
		Actions:    []BulkActionSummary{},
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages(total, limit),
	}
	for rows.Next() {
		var (
			sum                BulkActionSummary
			entityType, status string
			scheduled          sql.NullInt64
			createdMs          int64
		)
		if err := rows.Scan(&sum.AccountID, &sum.ID, &entityType, &status,
			&sum.SuccessCount, &sum.FailureCount, &sum.SkippedCount, &scheduled, &createdMs); err != nil {
			return nil, fmt.Errorf("scan bulk action: %w", err)
		}
		sum.EntityType = EntityType(entityType)
		sum.Status = BulkActionStatus(status)
		if scheduled.Valid {
			t := fromMillis(scheduled.Int64)
			sum.ScheduledFor = &t
		}
		sum.CreatedAt = fromMillis(createdMs)
		out.Actions = append(out.Actions, sum)
	}
	return out, rows.Err()
}

// StartProcessing moves a queued action to processing and records p.
// It reports false when the action is already completed; nothing is
// written in that case.
func (s *Store) StartProcessing(ctx context.Context, id string, p Progress) (bool, error) {
	return s.writeProgress(ctx, id, p,
		`UPDATE bulk_actions SET
			status = CASE WHEN status = 'queued' THEN 'processing' ELSE status END,
			success_count = ?, failure_count = ?, skipped_count = ?, action_errors = ?, updated_at = ?
		WHERE id = ? AND status <> 'completed'`)
}

// UpdateProgress replaces the counters and error list of an action that is
// not yet completed. It reports false when the action is already completed.
func (s *Store) UpdateProgress(ctx context.Context, id string, p Progress) (bool, error) {
	return s.writeProgress(ctx, id, p,
		`UPDATE bulk_actions SET
			success_count = ?, failure_count = ?, skipped_count = ?, action_errors = ?, updated_at = ?
		WHERE id = ? AND status <> 'completed'`)
}

func (s *Store) writeProgress(ctx context.Context, id string, p Progress, query string) (bool, error) {
	errs := p.Errors
	if errs == nil {
		errs = []ActionError{}
	}
	errJSON, err := json.Marshal(errs)
	if err != nil {
		return false, fmt.Errorf("encode action errors: %w", err)
	}
	res, err := s.writer.Execute(ctx, query,
		p.Success, p.Failure, p.Skipped, string(errJSON), toMillis(s.now()), id)
	if err != nil {
		return false, fmt.Errorf("update progress of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update progress of %s: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// MarkCompleted records the final counters and sets the action to
// completed in one statement. Completing twice is a no-op and reports false.
func (s *Store) MarkCompleted(ctx context.Context, id string, p Progress) (bool, error) {
	return s.writeProgress(ctx, id, p,
		`UPDATE bulk_actions SET
			status = 'completed',
			success_count = ?, failure_count = ?, skipped_count = ?, action_errors = ?, updated_at = ?
		WHERE id = ? AND status <> 'completed'`)
}
