package store

import (
	"github.com/google/uuid"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/models"
)

// LoanStore persists loans and their audit trail.
type LoanStore interface {
	CreateLoan(loan *models.Loan) error
	GetLoan(id uuid.UUID) (*models.Loan, error) // includes payments and audit
	GetLoanByRemoteID(remoteID string) (*models.Loan, error)
	UpdateLoan(loan *models.Loan) error
	DeleteLoan(id uuid.UUID) error // cascades to payments, audit and queued operations
	GetAllLoans() ([]*models.Loan, error)
	GetLoansByStatus(statuses ...models.LoanStatus) ([]*models.Loan, error)
	GetUnsyncedLoans() ([]*models.Loan, error)
	AppendAudit(loanID uuid.UUID, entry models.AuditEntry) error
}

// PaymentStore persists payments. Sequence numbers are unique per loan.
type PaymentStore interface {
	CreatePayment(payment *models.Payment) error
	UpdatePayment(payment *models.Payment) error
	DeletePayment(id uuid.UUID) error
	GetPaymentsForLoan(loanID uuid.UUID) ([]*models.Payment, error)
	GetUnsyncedPayments() ([]*models.Payment, error)
}

// QueueStore persists the offline queue.
type QueueStore interface {
	// InsertOperation adds op unless an operation with the same idempotency
	// key already exists, in which case it reports false.
	InsertOperation(op *models.QueuedOperation) (bool, error)
	GetOperation(id uuid.UUID) (*models.QueuedOperation, error)
	GetOperationByKey(key string) (*models.QueuedOperation, error)
	UpdateOperation(op *models.QueuedOperation) error
	DeleteOperation(id uuid.UUID) error
	ListOperations(states ...models.OperationState) ([]*models.QueuedOperation, error) // oldest first
}

// Storage is the local durable store of a single client.
type Storage interface {
	LoanStore
	PaymentStore
	QueueStore

	// Atomic runs fn against a Storage whose writes commit together or not at
	// all.
	Atomic(fn func(Storage) error) error
	Close() error
}
