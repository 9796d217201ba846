package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/user/crmbulk/internal/ledger"
	"github.com/user/crmbulk/internal/store"
)

// DefaultBatchSize is the number of entities processed concurrently.
const DefaultBatchSize = 50

// Outcome messages recorded for skipped and failed entities.
const (
	MsgDuplicateEmail  = "Duplicate Email"
	MsgVersionMismatch = "Version mismatch"
	MsgEntityMissing   = "Entity doesn't exists"
)

// Executor runs bulk actions. Execute may be called any number of times for
// the same action, including concurrently: the ledger decides which
// delivery records each entity and the counters are always recomputed from
// it.
type Executor struct {
	store     *store.Store
	ledger    ledger.Ledger
	batchSize int
	tracer    trace.Tracer
}

func NewExecutor(st *store.Store, l ledger.Ledger, batchSize int) *Executor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Executor{
		store:     st,
		ledger:    l,
		batchSize: batchSize,
		tracer:    otel.Tracer("github.com/user/crmbulk/internal/bulk"),
	}
}

// Execute processes one delivery of a bulk action job. Per-entity problems
// are recorded as outcomes and never returned. A returned error means the
// delivery itself failed (ledger or control record unavailable) and should
// be retried.
func (e *Executor) Execute(ctx context.Context, actionID string) (err error) {
	ctx, span := e.tracer.Start(ctx, "bulk.execute",
		trace.WithAttributes(attribute.String("bulk_action.id", actionID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	action, err := e.store.GetBulkAction(ctx, actionID)
	if err != nil {
		if store.IsNotFound(err) {
			slog.Warn("bulk action not found, dropping job", "bulk_action_id", actionID)
			return nil
		}
		return err
	}
	span.SetAttributes(
		attribute.String("bulk_action.entity_type", string(action.EntityType)),
		attribute.Int("bulk_action.entities", len(action.EntitiesToUpdate)),
	)
	log := slog.With("bulk_action_id", actionID, "entity_type", action.EntityType)

	if action.Status == store.StatusCompleted {
		log.Info("bulk action already completed")
		return e.dropLedger(ctx, actionID)
	}

	entries, err := e.ledger.All(ctx, actionID)
	if err != nil {
		return err
	}
	started, err := e.store.StartProcessing(ctx, actionID, DeriveProgress(entries, action.EntitiesToUpdate))
	if err != nil {
		return err
	}
	if !started {
		log.Info("bulk action completed by another delivery")
		return e.dropLedger(ctx, actionID)
	}
	if len(entries) > 0 {
		log.Info("resuming bulk action", "recorded", len(entries))
	} else {
		log.Info("processing bulk action", "entities", len(action.EntitiesToUpdate))
	}

	total := len(action.EntitiesToUpdate)
	for start := 0; start < total; start += e.batchSize {
		end := min(start+e.batchSize, total)
		if err := e.runBatch(ctx, action, action.EntitiesToUpdate[start:end], entries, start); err != nil {
			return err
		}

		entries, err = e.ledger.All(ctx, actionID)
		if err != nil {
			return err
		}
		if end == total {
			break
		}
		p := DeriveProgress(entries, action.EntitiesToUpdate)
		ok, err := e.store.UpdateProgress(ctx, actionID, p)
		if err != nil {
			return err
		}
		if !ok {
			log.Info("bulk action completed by another delivery")
			return e.dropLedger(ctx, actionID)
		}
		log.Debug("batch done", "processed", p.Processed(), "total", total)
	}

	p := DeriveProgress(entries, action.EntitiesToUpdate)
	completed, err := e.store.MarkCompleted(ctx, actionID, p)
	if err != nil {
		return err
	}
	if completed {
		log.Info("bulk action completed",
			"success", p.Success, "failure", p.Failure, "skipped", p.Skipped)
	}
	return e.dropLedger(ctx, actionID)
}

func (e *Executor) dropLedger(ctx context.Context, actionID string) error {
	if err := e.ledger.Delete(ctx, actionID); err != nil {
		return fmt.Errorf("delete ledger of %s: %w", actionID, err)
	}
	return nil
}

// runBatch processes every entity of batch concurrently and waits for all
// of them. Entities already in recorded are left alone.
func (e *Executor) runBatch(ctx context.Context, action *store.BulkAction, batch []store.EntityUpdate, recorded map[string]ledger.Entry, offset int) error {
	ctx, span := e.tracer.Start(ctx, "bulk.batch", trace.WithAttributes(
		attribute.Int("batch.offset", offset),
		attribute.Int("batch.size", len(batch)),
	))
	defer span.End()
	started := time.Now()
	defer func() { batchDuration.Observe(time.Since(started).Seconds()) }()

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range batch {
		if _, done := recorded[u.ID]; done {
			continue
		}
		u := u
		g.Go(func() error {
			entry := e.processEntity(gctx, action.EntityType, u)
			// A cancelled context would otherwise be recorded as the
			// entity's failure.
			if err := gctx.Err(); err != nil {
				return err
			}
			stored, err := e.ledger.PutIfAbsent(gctx, action.ID, entry)
			if err != nil {
				return err
			}
			if stored {
				entitiesProcessed.WithLabelValues(string(action.EntityType), entry.Status.String()).Inc()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// processEntity applies one update and classifies the result. It never
// returns an error; store errors become FAILURE outcomes.
func (e *Executor) processEntity(ctx context.Context, t store.EntityType, u store.EntityUpdate) ledger.Entry {
	failure := func(msg string) ledger.Entry {
		return ledger.Entry{Status: ledger.StatusFailure, EntityID: u.ID, Message: msg}
	}
	skipped := func(msg string) ledger.Entry {
		return ledger.Entry{Status: ledger.StatusSkipped, EntityID: u.ID, Message: msg}
	}

	if email, ok := u.Email(); ok && t.HasEmail() {
		taken, err := e.store.EmailTakenByOther(ctx, t, email, u.ID)
		if err != nil {
			return failure(err.Error())
		}
		if taken {
			return skipped(MsgDuplicateEmail)
		}
	}

	modified, err := e.store.UpdateEntityIfVersion(ctx, t, u.ID, u.Version, u.Fields)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return skipped(MsgDuplicateEmail)
		}
		return failure(err.Error())
	}
	if modified {
		return ledger.Entry{Status: ledger.StatusSuccess, EntityID: u.ID}
	}

	exists, err := e.store.EntityExists(ctx, t, u.ID)
	if err != nil {
		return failure(err.Error())
	}
	if !exists {
		return failure(MsgEntityMissing)
	}
	return skipped(MsgVersionMismatch)
}
