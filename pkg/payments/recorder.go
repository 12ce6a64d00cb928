package payments

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/growwyouwithus-tech/new-loan-management/pkg/ledger"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/loanerr"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/models"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/penalty"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/queue"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/store"
)

// Request is one installment collection.
type Request struct {
	LoanID           uuid.UUID
	Amount           decimal.Decimal
	Method           models.PaymentMethod
	Date             time.Time // payment date, also the as-of date for penalties
	TransactionID    string
	CollectedBy      string
	AllowOverpayment bool
}

// Recorder validates payments against the schedule and commits them locally
// before the remote has seen them.
type Recorder struct {
	storage   store.Storage
	queue     *queue.Queue
	penalty   *penalty.Engine
	now       func() time.Time
	collector string
	log       *zap.Logger
}

// NewRecorder returns a Recorder. collector is used when a request does not
// name who collected the money.
func NewRecorder(s store.Storage, q *queue.Queue, engine *penalty.Engine, now func() time.Time, collector string, log *zap.Logger) *Recorder {
	return &Recorder{storage: s, queue: q, penalty: engine, now: now, collector: collector, log: log}
}

func payable(status models.LoanStatus) bool {
	return status == models.LoanStatusActive || status == models.LoanStatusApproved
}

// RecordPayment validates req and, on success, appends the payment to the
// loan and queues it for the remote. A rejected request leaves no trace.
func (r *Recorder) RecordPayment(req Request) (*models.Payment, error) {
	switch {
	case req.Date.IsZero():
		return nil, loanerr.Invalid(loanerr.ErrInvalidInput, "payment date is required")
	case !req.Amount.IsPositive():
		return nil, loanerr.Invalid(loanerr.ErrInvalidInput, "amount must be positive")
	case !req.Method.Valid():
		return nil, loanerr.Invalid(loanerr.ErrInvalidInput, "unknown payment method %q", req.Method)
	}
	if req.CollectedBy == "" {
		req.CollectedBy = r.collector
	}

	var payment *models.Payment
	err := r.storage.Atomic(func(tx store.Storage) error {
		loan, err := tx.GetLoan(req.LoanID)
		if err != nil {
			return err
		}
		if !payable(loan.Status) {
			return loanerr.Invalid(loanerr.ErrInvalidLoanState, "loan %s is %s", loan.ID, loan.Status)
		}

		acct := ledger.NewAccount(loan, r.penalty)
		due, ok, err := acct.NextInstallment(req.Date)
		if err != nil {
			return err
		}
		if !ok {
			return loanerr.Invalid(loanerr.ErrInvalidLoanState, "loan %s has no installment outstanding", loan.ID)
		}
		if req.Amount.LessThan(due.Total) {
			return loanerr.Insufficient(due.Total, req.Amount)
		}

		outstanding, err := acct.Outstanding(req.Date)
		if err != nil {
			return err
		}
		over := req.Amount.GreaterThan(outstanding)
		if over && !req.AllowOverpayment {
			return loanerr.Invalid(loanerr.ErrOverpayment, "amount %s exceeds outstanding %s",
				req.Amount.StringFixed(2), outstanding.StringFixed(2))
		}

		payment = &models.Payment{
			ID:            uuid.New(),
			LoanID:        loan.ID,
			Amount:        req.Amount,
			Method:        req.Method,
			PaidAt:        req.Date,
			Sequence:      due.Sequence,
			Penalty:       due.Penalty,
			Overpayment:   over,
			CollectedBy:   req.CollectedBy,
			SyncState:     models.SyncPending,
			TransactionID: req.TransactionID,
		}
		if err := tx.CreatePayment(payment); err != nil {
			return err
		}
		loan.Payments = append(loan.Payments, payment)

		q := r.queue.Within(tx)
		if _, _, err := q.Enqueue(models.OpCreatePayment, loan.ID, payment.IdempotencyKey(), PayloadFor(payment)); err != nil {
			return err
		}
		return r.advance(tx, q, loan)
	})
	if err != nil {
		if loanerr.IsValidation(err) {
			r.log.Info("payment rejected", zap.String("loan_id", req.LoanID.String()), zap.Error(err))
		}
		return nil, err
	}

	r.queue.Kick()
	r.log.Info("payment recorded",
		zap.String("loan_id", payment.LoanID.String()),
		zap.Int("emi_number", payment.Sequence),
		zap.String("amount", payment.Amount.StringFixed(2)),
		zap.String("penalty", payment.Penalty.StringFixed(2)),
		zap.Bool("overpayment", payment.Overpayment))
	return payment, nil
}

// advance moves an approved loan to Active on its first payment and an active
// loan to Paid on its last.
func (r *Recorder) advance(tx store.Storage, q *queue.Queue, loan *models.Loan) error {
	at := r.now()
	if loan.Status == models.LoanStatusApproved {
		if err := ledger.ApplyStatus(tx, q, loan, models.LoanStatusActive, models.RoleSystem, "activated by first payment", at); err != nil {
			return fmt.Errorf("activate loan %s: %w", loan.ID, err)
		}
	}
	if len(loan.Payments) >= loan.Tenure {
		if err := ledger.ApplyStatus(tx, q, loan, models.LoanStatusPaid, models.RoleSystem, "all installments paid", at); err != nil {
			return fmt.Errorf("close loan %s: %w", loan.ID, err)
		}
	}
	return nil
}

// PayloadFor builds the create-payment body for p.
func PayloadFor(p *models.Payment) models.PaymentPayload {
	return models.PaymentPayload{
		PaymentID:     p.ID,
		Amount:        p.Amount,
		PaymentMode:   p.Method,
		PaymentDate:   p.PaidAt,
		EMINumber:     p.Sequence,
		Penalty:       p.Penalty,
		CollectedBy:   p.CollectedBy,
		TransactionID: p.TransactionID,
	}
}
