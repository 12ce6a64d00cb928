package models

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanStatus is the stored lifecycle state of a loan. Overdue is never stored;
// it is derived from the schedule at query time.
type LoanStatus string

const (
	LoanStatusPending  LoanStatus = "Pending"
	LoanStatusVerified LoanStatus = "Verified"
	LoanStatusApproved LoanStatus = "Approved"
	LoanStatusActive   LoanStatus = "Active"
	LoanStatusOverdue  LoanStatus = "Overdue" // derived only
	LoanStatusPaid     LoanStatus = "Paid"
	LoanStatusRejected LoanStatus = "Rejected"
)

// Stored reports whether s may be persisted on a loan row.
func (s LoanStatus) Stored() bool {
	switch s {
	case LoanStatusPending, LoanStatusVerified, LoanStatusApproved, LoanStatusActive, LoanStatusPaid, LoanStatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s LoanStatus) Terminal() bool {
	return s == LoanStatusPaid || s == LoanStatusRejected
}

type Channel string

const (
	ChannelSelf   Channel = "self"
	ChannelAgency Channel = "agency"
)

type PaymentMethod string

const (
	PaymentMethodCash     PaymentMethod = "cash"
	PaymentMethodTransfer PaymentMethod = "transfer"
	PaymentMethodCard     PaymentMethod = "card"
	PaymentMethodWallet   PaymentMethod = "wallet"
)

// Valid reports whether m is one of the known payment methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodTransfer, PaymentMethodCard, PaymentMethodWallet:
		return true
	}
	return false
}

type SyncState string

const (
	SyncPending   SyncState = "pending"
	SyncConfirmed SyncState = "confirmed"
)

// Role identifies who acted on a loan in an audit entry.
type Role string

const (
	RoleShopkeeper Role = "shopkeeper"
	RoleVerifier   Role = "verifier"
	RoleAdmin      Role = "admin"
	RoleSystem     Role = "system"
)

// AuditEntry is one status comment in a loan's history.
type AuditEntry struct {
	Status  LoanStatus `json:"status"`
	Comment string     `json:"comment"`
	Role    Role       `json:"role"`
	At      time.Time  `json:"at"`
}

// Loan is keyed locally by ID. RemoteID is the backend's own identifier and
// stays empty until the backend has acknowledged the loan.
type Loan struct {
	ID              uuid.UUID       `json:"id"`
	RemoteID        string          `json:"remote_id,omitempty"`
	CustomerID      string          `json:"customer_id"`
	CustomerName    string          `json:"customer_name,omitempty"`
	Principal       decimal.Decimal `json:"principal"`
	EMIAmount       decimal.Decimal `json:"emi_amount"`
	Tenure          int             `json:"tenure"` // number of installments
	OriginatedAt    time.Time       `json:"originated_at"`
	Channel         Channel         `json:"channel"`
	Status          LoanStatus      `json:"status"`
	KYCVerified     bool            `json:"kyc_verified"`
	StatusComment   string          `json:"status_comment,omitempty"`
	StatusCommentAt *time.Time      `json:"status_comment_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Synced          bool            `json:"synced"`
	Audit           []AuditEntry    `json:"audit,omitempty"`
	Payments        []*Payment      `json:"payments,omitempty"` // chronological
}

// RemoteRef is the identifier the backend addresses the loan by.
func (l *Loan) RemoteRef() string {
	if l.RemoteID != "" {
		return l.RemoteID
	}
	return l.ID.String()
}

type Payment struct {
	ID            uuid.UUID       `json:"id"`
	LoanID        uuid.UUID       `json:"loan_id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        PaymentMethod   `json:"method"`
	PaidAt        time.Time       `json:"paid_at"`
	Sequence      int             `json:"sequence"` // installment number, 1-based
	Penalty       decimal.Decimal `json:"penalty"`
	Overpayment   bool            `json:"overpayment,omitempty"`
	CollectedBy   string          `json:"collected_by,omitempty"`
	SyncState     SyncState       `json:"sync_state"`
	TransactionID string          `json:"transaction_id,omitempty"` // remote reference
}

// IdempotencyKey is the deterministic key the remote service deduplicates on.
func (p *Payment) IdempotencyKey() string {
	return PaymentKey(p.LoanID, p.Sequence)
}

// PaymentKey builds the idempotency key for installment seq of a loan.
func PaymentKey(loanID uuid.UUID, seq int) string {
	return loanID.String() + ":" + strconv.Itoa(seq)
}

// ScheduleEntry is derived from a loan and its payments; never persisted.
type ScheduleEntry struct {
	Sequence    int             `json:"sequence"`
	DueDate     time.Time       `json:"due_date"`
	Amount      decimal.Decimal `json:"amount"`
	Paid        bool            `json:"paid"`
	OverdueDays int             `json:"overdue_days,omitempty"`
	Penalty     decimal.Decimal `json:"penalty"`
}

type OperationKind string

const (
	OpCreateLoan       OperationKind = "create-loan"
	OpCreatePayment    OperationKind = "create-payment"
	OpUpdateLoanStatus OperationKind = "update-loan-status"
)

type OperationState string

const (
	OpQueued         OperationState = "queued"
	OpInFlight       OperationState = "in-flight"
	OpFailed         OperationState = "failed"
	OpFailedTerminal OperationState = "failed-terminal"
)

// QueuedOperation is a local write not yet acknowledged by the remote service.
type QueuedOperation struct {
	ID             uuid.UUID       `json:"id"`
	Kind           OperationKind   `json:"kind"`
	LoanID         uuid.UUID       `json:"loan_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	State          OperationState  `json:"state"`
	CreatedAt      time.Time       `json:"created_at"`
	RetryCount     int             `json:"retry_count"`
	LastError      string          `json:"last_error,omitempty"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
}

// PaymentPayload is the body of a create-payment operation, shaped like the
// remote POST /loans/{id}/payment request.
type PaymentPayload struct {
	PaymentID     uuid.UUID       `json:"paymentId"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMode   PaymentMethod   `json:"paymentMode"`
	PaymentDate   time.Time       `json:"paymentDate"`
	EMINumber     int             `json:"emiNumber"`
	Penalty       decimal.Decimal `json:"penalty"`
	CollectedBy   string          `json:"collectedBy,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
}

// StatusPayload is the body of an update-loan-status operation.
type StatusPayload struct {
	Status  LoanStatus `json:"status"`
	Comment string     `json:"comment"`
}

type AlertType string

const (
	AlertPaymentOverdue AlertType = "payment_overdue"
	AlertKYCRequired    AlertType = "kyc_required"
)

type Alert struct {
	Type        AlertType       `json:"type"`
	LoanID      uuid.UUID       `json:"loan_id"`
	Message     string          `json:"message"`
	DaysOverdue int             `json:"days_overdue,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

// Key is the dedupe key of an alert.
func (a Alert) Key() string {
	return string(a.Type) + "|" + a.LoanID.String() + "|" + a.Message
}
