package ledger

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/growwyouwithus-tech/new-loan-management/pkg/loanerr"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/models"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/penalty"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/queue"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/store"
)

// forward lists the stored transitions allowed by the lifecycle. Paid is
// reached only through the payment recorder.
var forward = map[models.LoanStatus][]models.LoanStatus{
	models.LoanStatusPending:  {models.LoanStatusVerified, models.LoanStatusRejected},
	models.LoanStatusVerified: {models.LoanStatusApproved, models.LoanStatusRejected},
	models.LoanStatusApproved: {models.LoanStatusActive},
	models.LoanStatusActive:   {models.LoanStatusPaid},
}

// CanTransition reports whether the lifecycle allows from → to.
func CanTransition(from, to models.LoanStatus) bool {
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NewLoan is the origination request for a loan.
type NewLoan struct {
	CustomerID   string
	CustomerName string
	Principal    decimal.Decimal
	EMIAmount    decimal.Decimal
	Tenure       int
	OriginatedAt time.Time
	Channel      models.Channel
	Role         models.Role
}

// Ledger handles the lifecycle of loans and exposes their read models.
type Ledger struct {
	storage store.Storage
	queue   *queue.Queue
	penalty *penalty.Engine
	now     func() time.Time
	log     *zap.Logger
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, q *queue.Queue, engine *penalty.Engine, now func() time.Time, log *zap.Logger) *Ledger {
	return &Ledger{storage: s, queue: q, penalty: engine, now: now, log: log}
}

// Penalty exposes the engine accounts are built with.
func (l *Ledger) Penalty() *penalty.Engine { return l.penalty }

// CreateLoan originates a loan in Pending and queues it for the remote.
func (l *Ledger) CreateLoan(req NewLoan) (*models.Loan, error) {
	switch {
	case req.OriginatedAt.IsZero():
		return nil, loanerr.Invalid(loanerr.ErrInvalidInput, "origination date is required")
	case req.Tenure < 1:
		return nil, loanerr.Invalid(loanerr.ErrInvalidInput, "tenure must be positive")
	case !req.EMIAmount.IsPositive():
		return nil, loanerr.Invalid(loanerr.ErrInvalidInput, "emi amount must be positive")
	case !req.Principal.IsPositive():
		return nil, loanerr.Invalid(loanerr.ErrInvalidInput, "principal must be positive")
	case req.Channel != models.ChannelSelf && req.Channel != models.ChannelAgency:
		return nil, loanerr.Invalid(loanerr.ErrInvalidInput, "unknown channel %q", req.Channel)
	}
	if req.Role == "" {
		req.Role = models.RoleShopkeeper
	}

	now := l.now()
	loan := &models.Loan{
		ID:              uuid.New(),
		CustomerID:      req.CustomerID,
		CustomerName:    req.CustomerName,
		Principal:       req.Principal,
		EMIAmount:       req.EMIAmount,
		Tenure:          req.Tenure,
		OriginatedAt:    req.OriginatedAt,
		Channel:         req.Channel,
		Status:          models.LoanStatusPending,
		StatusComment:   "application submitted",
		StatusCommentAt: &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	entry := models.AuditEntry{Status: loan.Status, Comment: loan.StatusComment, Role: req.Role, At: now}

	err := l.storage.Atomic(func(tx store.Storage) error {
		if err := tx.CreateLoan(loan); err != nil {
			return fmt.Errorf("failed to store loan: %w", err)
		}
		if err := tx.AppendAudit(loan.ID, entry); err != nil {
			return err
		}
		_, _, err := l.queue.Within(tx).Enqueue(models.OpCreateLoan, loan.ID, CreateKey(loan.ID), loan)
		return err
	})
	if err != nil {
		return nil, err
	}
	loan.Audit = []models.AuditEntry{entry}
	l.queue.Kick()
	l.log.Info("loan created", zap.String("loan_id", loan.ID.String()), zap.Int("tenure", loan.Tenure))
	return loan, nil
}

// CreateKey is the idempotency key of a loan's create operation.
func CreateKey(loanID uuid.UUID) string {
	return loanID.String() + ":create"
}

// StatusKey is the idempotency key of the status update recorded as the
// n-th audit entry of a loan.
func StatusKey(loanID uuid.UUID, n int) string {
	return loanID.String() + ":status:" + strconv.Itoa(n)
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(id)
}

// GetAllLoans retrieves all loans.
func (l *Ledger) GetAllLoans() ([]*models.Loan, error) {
	return l.storage.GetAllLoans()
}

// Account returns the read model of one loan.
func (l *Ledger) Account(id uuid.UUID) (*Account, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		return nil, err
	}
	return NewAccount(loan, l.penalty), nil
}

// Accounts returns the read models of every loan.
func (l *Ledger) Accounts() ([]*Account, error) {
	loans, err := l.storage.GetAllLoans()
	if err != nil {
		return nil, err
	}
	out := make([]*Account, len(loans))
	for i, loan := range loans {
		out[i] = NewAccount(loan, l.penalty)
	}
	return out, nil
}

// AmountDue is AmountDueForNextInstallment as of now.
func (l *Ledger) AmountDue(id uuid.UUID) (decimal.Decimal, error) {
	acct, err := l.Account(id)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.AmountDueForNextInstallment(l.now())
}

// DeleteLoan deletes a loan with its payments and queued writes.
func (l *Ledger) DeleteLoan(id uuid.UUID) error {
	if err := l.storage.DeleteLoan(id); err != nil {
		return err
	}
	l.log.Info("loan deleted", zap.String("loan_id", id.String()))
	return nil
}

// Verify records KYC verification and moves Pending → Verified.
func (l *Ledger) Verify(id uuid.UUID, role models.Role, comment string) (*models.Loan, error) {
	return l.transition(id, models.LoanStatusVerified, role, comment)
}

// Approve moves Verified → Approved.
func (l *Ledger) Approve(id uuid.UUID, role models.Role, comment string) (*models.Loan, error) {
	return l.transition(id, models.LoanStatusApproved, role, comment)
}

// Activate moves Approved → Active once the loan is disbursed.
func (l *Ledger) Activate(id uuid.UUID, role models.Role, comment string) (*models.Loan, error) {
	return l.transition(id, models.LoanStatusActive, role, comment)
}

// Reject moves Pending or Verified → Rejected.
func (l *Ledger) Reject(id uuid.UUID, role models.Role, comment string) (*models.Loan, error) {
	return l.transition(id, models.LoanStatusRejected, role, comment)
}

// MarkPending annotates a loan that stays Pending, for example while KYC
// documents are awaited. The lifecycle never moves backwards, so only a
// Pending loan accepts it.
func (l *Ledger) MarkPending(id uuid.UUID, role models.Role, comment string) (*models.Loan, error) {
	return l.transition(id, models.LoanStatusPending, role, comment)
}

// Transition applies a named status change.
func (l *Ledger) Transition(id uuid.UUID, to models.LoanStatus, role models.Role, comment string) (*models.Loan, error) {
	return l.transition(id, to, role, comment)
}

func (l *Ledger) transition(id uuid.UUID, to models.LoanStatus, role models.Role, comment string) (*models.Loan, error) {
	if role == "" {
		return nil, loanerr.Invalid(loanerr.ErrInvalidInput, "acting role is required")
	}
	if to == models.LoanStatusPaid {
		return nil, loanerr.Invalid(loanerr.ErrInvalidTransition, "a loan becomes Paid only through its final payment")
	}

	var loan *models.Loan
	err := l.storage.Atomic(func(tx store.Storage) error {
		var err error
		loan, err = tx.GetLoan(id)
		if err != nil {
			return err
		}
		hold := to == models.LoanStatusPending && loan.Status == models.LoanStatusPending
		if !hold && !CanTransition(loan.Status, to) {
			return loanerr.Invalid(loanerr.ErrInvalidTransition, "%s → %s", loan.Status, to)
		}
		if to == models.LoanStatusVerified {
			loan.KYCVerified = true
		}
		return ApplyStatus(tx, l.queue.Within(tx), loan, to, role, comment, l.now())
	})
	if err != nil {
		return nil, err
	}
	l.queue.Kick()
	l.log.Info("loan status changed",
		zap.String("loan_id", id.String()),
		zap.String("status", string(to)),
		zap.String("role", string(role)))
	return loan, nil
}

// ApplyStatus sets loan's status, appends the audit comment and queues the
// remote update. The caller has validated the transition and owns tx.
func ApplyStatus(tx store.Storage, q *queue.Queue, loan *models.Loan, to models.LoanStatus, role models.Role, comment string, at time.Time) error {
	if comment == "" {
		comment = "status changed to " + string(to)
	}
	loan.Status = to
	loan.StatusComment = comment
	loan.StatusCommentAt = &at
	loan.UpdatedAt = at
	loan.Synced = false
	if err := tx.UpdateLoan(loan); err != nil {
		return err
	}
	entry := models.AuditEntry{Status: to, Comment: comment, Role: role, At: at}
	if err := tx.AppendAudit(loan.ID, entry); err != nil {
		return err
	}
	loan.Audit = append(loan.Audit, entry)
	_, _, err := q.Enqueue(models.OpUpdateLoanStatus, loan.ID, StatusKey(loan.ID, len(loan.Audit)),
		models.StatusPayload{Status: to, Comment: comment})
	return err
}
