// Package queue is the offline queue of writes the remote service has not yet
// acknowledged.
//
// An operation moves queued → in-flight → confirmed (removed), or falls back
// to failed and is retried later. A non-retryable rejection parks it in
// failed-terminal until a user discards it.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/growwyouwithus-tech/new-loan-management/pkg/models"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/store"
)

var transitions = map[models.OperationState][]models.OperationState{
	models.OpQueued:         {models.OpInFlight, models.OpFailedTerminal},
	models.OpInFlight:       {models.OpFailed, models.OpFailedTerminal, models.OpQueued},
	models.OpFailed:         {models.OpInFlight, models.OpQueued, models.OpFailedTerminal},
	models.OpFailedTerminal: {},
}

func canMove(from, to models.OperationState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Queue wraps a QueueStore with the operation state machine.
type Queue struct {
	store     store.QueueStore
	now       func() time.Time
	log       *zap.Logger
	kick      chan struct{}
	deferKick bool
}

// New returns a Queue persisting to s.
func New(s store.QueueStore, now func() time.Time, log *zap.Logger) *Queue {
	return &Queue{store: s, now: now, log: log, kick: make(chan struct{}, 1)}
}

// Within returns a Queue writing through s, typically a transaction. It
// shares the kick channel but leaves signalling to the caller, who should
// call Kick once the transaction commits.
func (q *Queue) Within(s store.QueueStore) *Queue {
	cp := *q
	cp.store = s
	cp.deferKick = true
	return &cp
}

// Kicks delivers a signal whenever new work may be ready.
func (q *Queue) Kicks() <-chan struct{} { return q.kick }

// Kick signals the sync manager without blocking.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Enqueue appends an operation. It reports false when an operation with the
// same idempotency key is already queued, in which case nothing is written.
func (q *Queue) Enqueue(kind models.OperationKind, loanID uuid.UUID, key string, payload any) (*models.QueuedOperation, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	op := &models.QueuedOperation{
		ID:             uuid.New(),
		Kind:           kind,
		LoanID:         loanID,
		IdempotencyKey: key,
		Payload:        raw,
		State:          models.OpQueued,
		CreatedAt:      q.now(),
	}
	inserted, err := q.store.InsertOperation(op)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		return nil, false, nil
	}
	q.log.Debug("operation enqueued", zap.String("kind", string(kind)), zap.String("key", key))
	if !q.deferKick {
		q.Kick()
	}
	return op, true, nil
}

// Live lists operations still awaiting delivery, oldest first.
func (q *Queue) Live() ([]*models.QueuedOperation, error) {
	return q.store.ListOperations(models.OpQueued, models.OpInFlight, models.OpFailed)
}

// Due reports whether op may be attempted now.
func (q *Queue) Due(op *models.QueuedOperation) bool {
	switch op.State {
	case models.OpQueued:
		return true
	case models.OpFailed:
		return op.NextAttemptAt == nil || !op.NextAttemptAt.After(q.now())
	}
	return false
}

// Pending lists every operation not yet confirmed, including terminal ones.
func (q *Queue) Pending(loanID uuid.UUID) ([]*models.QueuedOperation, error) {
	ops, err := q.store.ListOperations()
	if err != nil {
		return nil, err
	}
	var out []*models.QueuedOperation
	for _, op := range ops {
		if op.LoanID == loanID {
			out = append(out, op)
		}
	}
	return out, nil
}

// Failed lists operations parked in failed-terminal.
func (q *Queue) Failed() ([]*models.QueuedOperation, error) {
	return q.store.ListOperations(models.OpFailedTerminal)
}

// Depth counts operations still awaiting delivery.
func (q *Queue) Depth() (int, error) {
	ops, err := q.Live()
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

func (q *Queue) move(op *models.QueuedOperation, to models.OperationState) error {
	if !canMove(op.State, to) {
		return fmt.Errorf("operation %s: cannot move from %s to %s", op.ID, op.State, to)
	}
	prev := op.State
	op.State = to
	if err := q.store.UpdateOperation(op); err != nil {
		op.State = prev
		return err
	}
	return nil
}

// Claim marks op in-flight before it is sent.
func (q *Queue) Claim(op *models.QueuedOperation) error {
	return q.move(op, models.OpInFlight)
}

// Confirm removes op after the remote acknowledged it.
func (q *Queue) Confirm(op *models.QueuedOperation) error {
	if op.State == models.OpFailedTerminal {
		return fmt.Errorf("operation %s: cannot confirm a terminal failure", op.ID)
	}
	if err := q.store.DeleteOperation(op.ID); err != nil {
		return err
	}
	q.log.Debug("operation confirmed", zap.String("kind", string(op.Kind)), zap.String("key", op.IdempotencyKey))
	return nil
}

// Fail records a retryable failure; op becomes eligible again after delay.
func (q *Queue) Fail(op *models.QueuedOperation, cause error, delay time.Duration) error {
	next := q.now().Add(delay)
	op.RetryCount++
	op.LastError = cause.Error()
	op.NextAttemptAt = &next
	if err := q.move(op, models.OpFailed); err != nil {
		return err
	}
	q.log.Info("operation retry scheduled",
		zap.String("kind", string(op.Kind)),
		zap.String("key", op.IdempotencyKey),
		zap.Int("retry", op.RetryCount),
		zap.Time("next_attempt_at", next),
		zap.Error(cause))
	return nil
}

// FailTerminal parks op after a non-retryable rejection.
func (q *Queue) FailTerminal(op *models.QueuedOperation, cause error) error {
	op.LastError = cause.Error()
	op.NextAttemptAt = nil
	if err := q.move(op, models.OpFailedTerminal); err != nil {
		return err
	}
	q.log.Warn("operation failed permanently",
		zap.String("kind", string(op.Kind)),
		zap.String("key", op.IdempotencyKey),
		zap.Error(cause))
	return nil
}

// Discard deletes an operation on user request.
func (q *Queue) Discard(id uuid.UUID) error {
	if _, err := q.store.GetOperation(id); err != nil {
		return err
	}
	return q.store.DeleteOperation(id)
}

// Recover returns operations left in-flight by an interrupted run to queued.
func (q *Queue) Recover() (int, error) {
	ops, err := q.store.ListOperations(models.OpInFlight)
	if err != nil {
		return 0, err
	}
	for _, op := range ops {
		if err := q.move(op, models.OpQueued); err != nil {
			return 0, err
		}
	}
	return len(ops), nil
}
