// Package syncer replays the offline queue against the remote service and
// reconciles local state when the remote disagrees.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/growwyouwithus-tech/new-loan-management/pkg/ledger"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/loanerr"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/models"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/payments"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/queue"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/remote"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/store"
)

// Remote is the backend as the sync manager uses it. Loans are addressed by
// their remote reference, see models.Loan.RemoteRef.
type Remote interface {
	FetchLoans(ctx context.Context) ([]*models.Loan, error)
	FetchLoan(ctx context.Context, ref string) (*models.Loan, error)
	CreateLoan(ctx context.Context, key string, loan *models.Loan) (*remote.Confirmation, error)
	SubmitPayment(ctx context.Context, ref, key string, payload models.PaymentPayload) (*remote.Confirmation, error)
	UpdateStatus(ctx context.Context, ref, key string, payload models.StatusPayload) error
}

// EventKind names what happened in an Event.
type EventKind string

const (
	EventConfirmed       EventKind = "confirmed"
	EventRetryScheduled  EventKind = "retry_scheduled"
	EventRejected        EventKind = "rejected"
	EventReconciled      EventKind = "reconciled"
	EventRefreshRequired EventKind = "refresh_required"
	EventLoanRemoved     EventKind = "loan_removed"
)

// Event reports a sync outcome to the presentation layer. Operation is nil
// for loan-level events.
type Event struct {
	Kind      EventKind
	LoanID    uuid.UUID
	Operation *models.QueuedOperation
	Err       error
}

// Options tune retries and triggers.
type Options struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64       // randomization factor, 0 disables
	Interval        time.Duration // periodic drain, 0 disables
	Concurrency     int           // loans drained at once
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2,
		Jitter:          0.5,
		Interval:        time.Minute,
		Concurrency:     4,
	}
}

// Report counts the outcomes of one drain.
type Report struct {
	Confirmed int `json:"confirmed"`
	Retried   int `json:"retried"`
	Rejected  int `json:"rejected"`
}

func (r *Report) add(o Report) {
	r.Confirmed += o.Confirmed
	r.Retried += o.Retried
	r.Rejected += o.Rejected
}

// Manager drains the offline queue. At most one drain or reconciliation runs
// at a time.
type Manager struct {
	storage store.Storage
	queue   *queue.Queue
	remote  Remote
	opts    Options
	metrics *Metrics
	now     func() time.Time
	log     *zap.Logger

	mu        sync.Mutex
	reconnect chan struct{}
	listener  func(Event)
}

// NewManager returns a Manager. metrics may be nil.
func NewManager(s store.Storage, q *queue.Queue, r Remote, opts Options, metrics *Metrics, now func() time.Time, log *zap.Logger) *Manager {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Manager{
		storage:   s,
		queue:     q,
		remote:    r,
		opts:      opts,
		metrics:   metrics,
		now:       now,
		log:       log,
		reconnect: make(chan struct{}, 1),
	}
}

// OnEvent installs the event listener. Call it before Run.
func (m *Manager) OnEvent(fn func(Event)) { m.listener = fn }

func (m *Manager) emit(e Event) {
	if m.listener != nil {
		m.listener(e)
	}
}

// Reconnected signals that connectivity is back. Run answers with a sweep and
// a drain.
func (m *Manager) Reconnected() {
	select {
	case m.reconnect <- struct{}{}:
	default:
	}
}

// Run drains on every kick, reconnect signal, due retry and tick until ctx is
// done. Operations left in-flight by a previous run are requeued first.
func (m *Manager) Run(ctx context.Context) error {
	n, err := m.queue.Recover()
	if err != nil {
		return fmt.Errorf("recover in-flight operations: %w", err)
	}
	if n > 0 {
		m.log.Info("requeued interrupted operations", zap.Int("count", n))
	}

	var tick <-chan time.Time
	if m.opts.Interval > 0 {
		t := time.NewTicker(m.opts.Interval)
		defer t.Stop()
		tick = t.C
	}
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	drain := func() {
		if _, err := m.Drain(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("drain failed", zap.Error(err))
		}
		if d, ok := m.nextRetry(); ok {
			retry.Reset(d)
		}
	}

	drain()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.queue.Kicks():
			drain()
		case <-retry.C:
			drain()
		case <-tick:
			drain()
		case <-m.reconnect:
			if _, err := m.Sweep(); err != nil {
				m.log.Error("reconnect sweep failed", zap.Error(err))
			}
			drain()
		}
	}
}

// nextRetry is the wait until the earliest scheduled retry.
func (m *Manager) nextRetry() (time.Duration, bool) {
	ops, err := m.queue.Live()
	if err != nil {
		return 0, false
	}
	var earliest *time.Time
	for _, op := range ops {
		if op.State == models.OpFailed && op.NextAttemptAt != nil && (earliest == nil || op.NextAttemptAt.Before(*earliest)) {
			earliest = op.NextAttemptAt
		}
	}
	if earliest == nil {
		return 0, false
	}
	return max(earliest.Sub(m.now()), 0), true
}

// Reconnect sweeps unsynced rows into the queue and drains it.
func (m *Manager) Reconnect(ctx context.Context) (Report, error) {
	n, err := m.Sweep()
	if err != nil {
		return Report{}, err
	}
	m.log.Info("reconnect sweep", zap.Int("enqueued", n))
	return m.Drain(ctx)
}

// Sweep enqueues every unsynced payment and loan that has no operation
// waiting for it. Insertion is keyed on the idempotency key, so rows already
// queued are left alone.
func (m *Manager) Sweep() (int, error) {
	n := 0
	err := m.storage.Atomic(func(tx store.Storage) error {
		q := m.queue.Within(tx)
		unsynced, err := tx.GetUnsyncedPayments()
		if err != nil {
			return err
		}
		for _, p := range unsynced {
			_, inserted, err := q.Enqueue(models.OpCreatePayment, p.LoanID, p.IdempotencyKey(), payments.PayloadFor(p))
			if err != nil {
				return err
			}
			if inserted {
				n++
			}
		}

		loans, err := tx.GetUnsyncedLoans()
		if err != nil {
			return err
		}
		for _, loan := range loans {
			ops, err := q.Pending(loan.ID)
			if err != nil {
				return err
			}
			if hasLoanOps(ops) {
				continue
			}
			var inserted bool
			if len(loan.Audit) <= 1 && loan.Status == models.LoanStatusPending {
				row := *loan
				row.Audit, row.Payments = nil, nil
				_, inserted, err = q.Enqueue(models.OpCreateLoan, loan.ID, ledger.CreateKey(loan.ID), &row)
			} else {
				_, inserted, err = q.Enqueue(models.OpUpdateLoanStatus, loan.ID, ledger.StatusKey(loan.ID, len(loan.Audit)),
					models.StatusPayload{Status: loan.Status, Comment: loan.StatusComment})
			}
			if err != nil {
				return err
			}
			if inserted {
				n++
			}
		}
		return nil
	})
	return n, err
}

func hasLoanOps(ops []*models.QueuedOperation) bool {
	for _, op := range ops {
		if op.Kind != models.OpCreatePayment {
			return true
		}
	}
	return false
}

// Drain attempts every due operation once. Loans drain concurrently; within
// a loan operations go in creation order and the first one not confirmed
// holds back the rest. The error is non-nil only for local failures.
func (m *Manager) Drain(ctx context.Context) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.refreshDepth()

	ops, err := m.queue.Live()
	if err != nil {
		return Report{}, err
	}
	var order []uuid.UUID
	byLoan := make(map[uuid.UUID][]*models.QueuedOperation)
	for _, op := range ops {
		if _, ok := byLoan[op.LoanID]; !ok {
			order = append(order, op.LoanID)
		}
		byLoan[op.LoanID] = append(byLoan[op.LoanID], op)
	}

	var (
		rmu sync.Mutex
		rep Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for _, loanID := range order {
		loanOps := byLoan[loanID]
		g.Go(func() error {
			r, err := m.drainLoan(gctx, loanOps)
			rmu.Lock()
			rep.add(r)
			rmu.Unlock()
			return err
		})
	}
	err = g.Wait()
	return rep, err
}

func (m *Manager) refreshDepth() {
	if n, err := m.queue.Depth(); err == nil {
		m.metrics.setDepth(n)
	}
}

func (m *Manager) drainLoan(ctx context.Context, ops []*models.QueuedOperation) (Report, error) {
	var rep Report
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !m.queue.Due(op) {
			return rep, nil
		}
		ok, err := m.deliver(ctx, op, &rep)
		if err != nil || !ok {
			return rep, err
		}
	}
	return rep, nil
}

// deliver sends op and records the outcome. It reports whether the next
// operation of the loan may follow.
func (m *Manager) deliver(ctx context.Context, op *models.QueuedOperation, rep *Report) (bool, error) {
	if err := m.queue.Claim(op); err != nil {
		return false, err
	}
	conf, sendErr := m.send(ctx, op)
	kind := string(op.Kind)

	switch {
	case sendErr == nil:
		if err := m.confirm(op, conf); err != nil {
			return false, err
		}
		rep.Confirmed++
		m.metrics.observe(kind, OutcomeConfirmed)
		m.emit(Event{Kind: EventConfirmed, LoanID: op.LoanID, Operation: op})
		return true, nil

	case loanerr.Retryable(sendErr):
		if err := m.queue.Fail(op, sendErr, m.delay(op.RetryCount+1)); err != nil {
			return false, err
		}
		rep.Retried++
		m.metrics.observe(kind, OutcomeRetry)
		m.emit(Event{Kind: EventRetryScheduled, LoanID: op.LoanID, Operation: op, Err: sendErr})
		return false, nil
	}

	if err := m.queue.FailTerminal(op, sendErr); err != nil {
		return false, err
	}
	rep.Rejected++
	m.metrics.observe(kind, OutcomeRejected)
	m.emit(Event{Kind: EventRejected, LoanID: op.LoanID, Operation: op, Err: sendErr})
	if err := m.reconcile(ctx, op.LoanID); err != nil {
		m.log.Warn("reconciliation deferred", zap.String("loan_id", op.LoanID.String()), zap.Error(err))
	}
	return false, nil
}

func (m *Manager) send(ctx context.Context, op *models.QueuedOperation) (*remote.Confirmation, error) {
	if op.Kind == models.OpCreateLoan {
		var loan models.Loan
		if err := json.Unmarshal(op.Payload, &loan); err != nil {
			return nil, loanerr.Invalid(loanerr.ErrInvalidInput, "loan payload: %v", err)
		}
		return m.remote.CreateLoan(ctx, op.IdempotencyKey, &loan)
	}
	loan, err := m.storage.GetLoan(op.LoanID)
	if err != nil {
		return nil, err
	}
	ref := loan.RemoteRef()
	switch op.Kind {
	case models.OpCreatePayment:
		var p models.PaymentPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, loanerr.Invalid(loanerr.ErrInvalidInput, "payment payload: %v", err)
		}
		return m.remote.SubmitPayment(ctx, ref, op.IdempotencyKey, p)
	case models.OpUpdateLoanStatus:
		var p models.StatusPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, loanerr.Invalid(loanerr.ErrInvalidInput, "status payload: %v", err)
		}
		return nil, m.remote.UpdateStatus(ctx, ref, op.IdempotencyKey, p)
	}
	return nil, loanerr.Invalid(loanerr.ErrInvalidInput, "unknown operation kind %q", op.Kind)
}

// confirm removes op and marks what it carried as synced.
func (m *Manager) confirm(op *models.QueuedOperation, conf *remote.Confirmation) error {
	return m.storage.Atomic(func(tx store.Storage) error {
		q := m.queue.Within(tx)
		if err := q.Confirm(op); err != nil {
			return err
		}
		if op.Kind == models.OpCreatePayment {
			return confirmPayment(tx, op, conf)
		}
		ops, err := q.Pending(op.LoanID)
		if err != nil {
			return err
		}
		assigned := op.Kind == models.OpCreateLoan && conf != nil && conf.RemoteID != ""
		if hasLiveLoanOps(ops) && !assigned {
			return nil
		}
		loan, err := tx.GetLoan(op.LoanID)
		if err != nil {
			return err
		}
		if assigned {
			loan.RemoteID = conf.RemoteID
		}
		loan.Synced = !hasLiveLoanOps(ops)
		return tx.UpdateLoan(loan)
	})
}

func hasLiveLoanOps(ops []*models.QueuedOperation) bool {
	for _, op := range ops {
		if op.Kind != models.OpCreatePayment && op.State != models.OpFailedTerminal {
			return true
		}
	}
	return false
}

// confirmPayment flips the payment carried by op to confirmed. A payment
// already confirmed, or removed by a reconciliation, is left alone.
func confirmPayment(tx store.Storage, op *models.QueuedOperation, conf *remote.Confirmation) error {
	var payload models.PaymentPayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return fmt.Errorf("operation %s payload: %w", op.ID, err)
	}
	list, err := tx.GetPaymentsForLoan(op.LoanID)
	if err != nil {
		return err
	}
	for _, p := range list {
		if p.ID != payload.PaymentID {
			continue
		}
		if p.SyncState == models.SyncConfirmed {
			return nil
		}
		p.SyncState = models.SyncConfirmed
		if conf != nil && conf.TransactionID != "" {
			p.TransactionID = conf.TransactionID
		}
		return tx.UpdatePayment(p)
	}
	return nil
}

// delay is the backoff before retry number n, counting from 1.
func (m *Manager) delay(n int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     m.opts.InitialInterval,
		RandomizationFactor: m.opts.Jitter,
		Multiplier:          m.opts.Multiplier,
		MaxInterval:         m.opts.MaxInterval,
	}
	b.Reset()
	d := m.opts.InitialInterval
	for range n {
		d = b.NextBackOff()
	}
	return d
}
