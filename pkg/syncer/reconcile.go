package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/growwyouwithus-tech/new-loan-management/pkg/ledger"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/loanerr"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/models"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/payments"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/queue"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/store"
)

var (
	errNoLongerValid = errors.New("no longer valid after reconciliation with the remote snapshot")
	errSuperseded    = errors.New("superseded by the remote snapshot")
)

// Outcome summarises one reconciliation.
type Outcome struct {
	Replayed int // pending payments the remote already had
	Kept     int // pending payments requeued, possibly under a new sequence
	Dropped  int // pending payments removed from the ledger
}

// Refresh replaces the local state of a loan with the remote snapshot and
// keeps only the pending writes that still apply on top of it.
func (m *Manager) Refresh(ctx context.Context, loanID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconcile(ctx, loanID)
}

// RefreshAll pulls every remote loan into the local store. Remote loans that
// cannot be read are logged and left out.
func (m *Manager) RefreshAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps, err := m.remote.FetchLoans(ctx)
	if err != nil && len(snaps) == 0 {
		return 0, fmt.Errorf("fetch loans: %w", err)
	}
	if err != nil {
		m.log.Warn("skipped unreadable remote loans", zap.Error(err))
	}
	for i, snap := range snaps {
		if _, err := m.apply(snap); err != nil {
			return i, err
		}
	}
	return len(snaps), nil
}

func (m *Manager) reconcile(ctx context.Context, loanID uuid.UUID) error {
	ref := loanID.String()
	if local, err := m.storage.GetLoan(loanID); err == nil {
		ref = local.RemoteRef()
	}
	snap, err := m.remote.FetchLoan(ctx, ref)
	if errors.Is(err, loanerr.ErrNotFound) {
		return m.removeMissing(loanID)
	}
	if err != nil {
		m.emit(Event{Kind: EventRefreshRequired, LoanID: loanID, Err: err})
		return fmt.Errorf("fetch loan %s: %w", loanID, err)
	}
	out, err := m.apply(snap)
	if err != nil {
		return err
	}
	m.log.Info("reconciliation applied",
		zap.String("loan_id", loanID.String()),
		zap.String("status", string(snap.Status)),
		zap.Int("replayed", out.Replayed),
		zap.Int("kept", out.Kept),
		zap.Int("dropped", out.Dropped))
	m.emit(Event{Kind: EventReconciled, LoanID: loanID})
	return nil
}

// removeMissing handles a loan the remote does not know. A loan whose create
// operation never went through stays local so the user can act on it;
// anything else was deleted elsewhere.
func (m *Manager) removeMissing(loanID uuid.UUID) error {
	removed := false
	err := m.storage.Atomic(func(tx store.Storage) error {
		ops, err := m.queue.Within(tx).Pending(loanID)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if op.Kind == models.OpCreateLoan {
				return nil
			}
		}
		if err := tx.DeleteLoan(loanID); err != nil && !errors.Is(err, loanerr.ErrNotFound) {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return err
	}
	if removed {
		m.log.Warn("loan removed remotely", zap.String("loan_id", loanID.String()))
		m.emit(Event{Kind: EventLoanRemoved, LoanID: loanID})
		return nil
	}
	m.emit(Event{Kind: EventRefreshRequired, LoanID: loanID, Err: loanerr.ErrNotFound})
	return nil
}

type plan struct {
	payment  *models.Payment
	op       *models.QueuedOperation
	keep     bool
	replayed bool
}

// apply rebuilds a loan from snap plus its still-valid pending writes.
func (m *Manager) apply(snap *models.Loan) (Outcome, error) {
	var out Outcome
	err := m.storage.Atomic(func(tx store.Storage) error {
		q := m.queue.Within(tx)
		local, err := findLocal(tx, snap)
		if errors.Is(err, loanerr.ErrNotFound) {
			return insertSnapshot(tx, snap)
		}
		if err != nil {
			return err
		}
		ops, err := q.Pending(snap.ID)
		if err != nil {
			return err
		}
		byKey := make(map[string]*models.QueuedOperation, len(ops))
		for _, op := range ops {
			byKey[op.IdempotencyKey] = op
		}

		status, paidOps, err := replayStatus(q, ops, snap.Status)
		if err != nil {
			return err
		}

		remoteSeq := make(map[int]*models.Payment, len(snap.Payments))
		remoteID := make(map[uuid.UUID]bool, len(snap.Payments))
		next := 1
		for _, p := range snap.Payments {
			remoteSeq[p.Sequence] = p
			remoteID[p.ID] = true
			next = max(next, p.Sequence+1)
		}
		count := len(snap.Payments)

		var plans []plan
		for _, p := range local.Payments {
			if p.SyncState != models.SyncPending {
				continue
			}
			op := byKey[p.IdempotencyKey()]
			rejected := op != nil && op.State == models.OpFailedTerminal
			rp, atSeq := remoteSeq[p.Sequence]
			switch {
			case remoteID[p.ID] || (atSeq && rp.Amount.Equal(p.Amount) && !rejected):
				out.Replayed++
				plans = append(plans, plan{payment: p, op: op, replayed: true})
			case rejected:
				out.Dropped++
			case !payable(status) || count >= snap.Tenure:
				out.Dropped++
				plans = append(plans, plan{payment: p, op: op})
			default:
				p.Sequence = next
				next++
				count++
				out.Kept++
				plans = append(plans, plan{payment: p, op: op, keep: true})
			}
		}

		for _, p := range local.Payments {
			if err := tx.DeletePayment(p.ID); err != nil {
				return err
			}
		}
		for _, p := range snap.Payments {
			p.LoanID = snap.ID
			if err := tx.CreatePayment(p); err != nil {
				return err
			}
		}

		newKeys := make(map[string]bool)
		for _, pl := range plans {
			if pl.keep {
				newKeys[pl.payment.IdempotencyKey()] = true
			}
		}
		for _, pl := range plans {
			if pl.op == nil {
				continue
			}
			switch {
			case pl.keep || pl.replayed:
				if err := tx.DeleteOperation(pl.op.ID); err != nil {
					return err
				}
			case pl.op.State != models.OpFailedTerminal:
				if err := q.FailTerminal(pl.op, errNoLongerValid); err != nil {
					return err
				}
			}
		}
		// A rejected operation keeps its record, but its key is freed for the
		// payment now holding that sequence.
		for _, op := range ops {
			if op.Kind == models.OpCreatePayment && op.State == models.OpFailedTerminal && newKeys[op.IdempotencyKey] {
				op.IdempotencyKey += "#" + op.ID.String()
				if err := tx.UpdateOperation(op); err != nil {
					return err
				}
			}
		}
		for _, pl := range plans {
			if !pl.keep {
				continue
			}
			if err := tx.CreatePayment(pl.payment); err != nil {
				return err
			}
			if _, _, err := q.Enqueue(models.OpCreatePayment, snap.ID, pl.payment.IdempotencyKey(), payments.PayloadFor(pl.payment)); err != nil {
				return err
			}
		}

		for _, op := range paidOps {
			var err error
			switch {
			case status == models.LoanStatusPaid:
				err = q.Discard(op.ID)
			case status == models.LoanStatusActive && count >= snap.Tenure:
				status = models.LoanStatusPaid
			default:
				err = q.FailTerminal(op, errSuperseded)
			}
			if err != nil {
				return err
			}
		}

		loan := *snap
		loan.CreatedAt = local.CreatedAt
		if loan.RemoteID == "" {
			loan.RemoteID = local.RemoteID
		}
		loan.Status = status
		loan.KYCVerified = snap.KYCVerified || (local.KYCVerified && status != models.LoanStatusPending)
		remaining, err := q.Pending(snap.ID)
		if err != nil {
			return err
		}
		loan.Synced = !hasLiveLoanOps(remaining)
		return tx.UpdateLoan(&loan)
	})
	return out, err
}

// replayStatus walks the loan's live status operations over the remote
// status, failing those the snapshot has made impossible. Transitions to Paid
// depend on which payments survive and are returned for the caller to settle.
func replayStatus(q *queue.Queue, ops []*models.QueuedOperation, status models.LoanStatus) (models.LoanStatus, []*models.QueuedOperation, error) {
	var paid []*models.QueuedOperation
	for _, op := range ops {
		if op.Kind != models.OpUpdateLoanStatus || op.State == models.OpFailedTerminal {
			continue
		}
		var p models.StatusPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return "", nil, fmt.Errorf("operation %s payload: %w", op.ID, err)
		}
		switch {
		case p.Status == models.LoanStatusPaid:
			paid = append(paid, op)
		case ledger.CanTransition(status, p.Status):
			status = p.Status
		case reached(status, p.Status) && status != models.LoanStatusPending:
			// Already applied remotely.
			if err := q.Discard(op.ID); err != nil {
				return "", nil, err
			}
		case p.Status == models.LoanStatusPending && status == models.LoanStatusPending:
		default:
			if err := q.FailTerminal(op, errSuperseded); err != nil {
				return "", nil, err
			}
		}
	}
	return status, paid, nil
}

var rank = map[models.LoanStatus]int{
	models.LoanStatusPending:  1,
	models.LoanStatusVerified: 2,
	models.LoanStatusApproved: 3,
	models.LoanStatusActive:   4,
	models.LoanStatusPaid:     5,
}

// reached reports whether a loan in status has already passed through target.
func reached(status, target models.LoanStatus) bool {
	if status == models.LoanStatusRejected || target == models.LoanStatusRejected {
		return status == target
	}
	return rank[status] >= rank[target]
}

func payable(status models.LoanStatus) bool {
	return status == models.LoanStatusActive || status == models.LoanStatusApproved
}

// findLocal returns the local loan snap describes, keyed either by the local
// id the backend echoed or by the remote id recorded on create. snap is
// rekeyed onto the local loan.
func findLocal(tx store.Storage, snap *models.Loan) (*models.Loan, error) {
	local, err := tx.GetLoan(snap.ID)
	if errors.Is(err, loanerr.ErrNotFound) {
		local, err = tx.GetLoanByRemoteID(snap.RemoteID)
	}
	if err != nil {
		return nil, err
	}
	snap.ID = local.ID
	for _, p := range snap.Payments {
		p.LoanID = local.ID
	}
	return local, nil
}

// insertSnapshot stores a loan first seen remotely.
func insertSnapshot(tx store.Storage, snap *models.Loan) error {
	snap.Synced = true
	if err := tx.CreateLoan(snap); err != nil {
		return err
	}
	at := snap.UpdatedAt
	if snap.StatusCommentAt != nil {
		at = *snap.StatusCommentAt
	}
	entry := models.AuditEntry{Status: snap.Status, Comment: snap.StatusComment, Role: models.RoleSystem, At: at}
	if err := tx.AppendAudit(snap.ID, entry); err != nil {
		return err
	}
	for _, p := range snap.Payments {
		p.LoanID = snap.ID
		if err := tx.CreatePayment(p); err != nil {
			return err
		}
	}
	return nil
}
