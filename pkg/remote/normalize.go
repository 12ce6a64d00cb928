package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/growwyouwithus-tech/new-loan-management/pkg/models"
)

// flexTime accepts RFC 3339 timestamps and bare dates.
type flexTime struct{ time.Time }

func (t *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly, "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognised time %q", s)
}

func firstTime(ts ...*flexTime) time.Time {
	for _, t := range ts {
		if t != nil && !t.IsZero() {
			return t.Time
		}
	}
	return time.Time{}
}

func firstString(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

func firstDecimal(ds ...decimal.NullDecimal) decimal.Decimal {
	for _, d := range ds {
		if d.Valid {
			return d.Decimal
		}
	}
	return decimal.Zero
}

// wireLoan is every shape of loan the backend has been seen to return.
type wireLoan struct {
	ID              string              `json:"id"`
	MongoID         string              `json:"_id"`
	LoanID          string              `json:"loanId"`
	CustomerID      string              `json:"customerId"`
	CustomerName    string              `json:"customerName"`
	ClientName      string              `json:"clientName"`
	Amount          decimal.NullDecimal `json:"amount"`
	LoanAmount      decimal.NullDecimal `json:"loanAmount"`
	Principal       decimal.NullDecimal `json:"principal"`
	EMIAmount       decimal.NullDecimal `json:"emiAmount"`
	EMI             decimal.NullDecimal `json:"emi"`
	Tenure          int                 `json:"tenure"`
	LoanDate        *flexTime           `json:"loanDate"`
	OriginatedAt    *flexTime           `json:"originatedAt"`
	CreatedAt       *flexTime           `json:"createdAt"`
	UpdatedAt       *flexTime           `json:"updatedAt"`
	ApplicationMode string              `json:"applicationMode"`
	Channel         string              `json:"channel"`
	Status          string              `json:"status"`
	KYCVerified     bool                `json:"kycVerified"`
	StatusComment   string              `json:"statusComment"`
	Comment         string              `json:"comment"`
	CommentAt       *flexTime           `json:"statusCommentAt"`
	Payments        []wirePayment       `json:"payments"`
	EMIHistory      []wirePayment       `json:"emiHistory"`
}

type wirePayment struct {
	ID            string              `json:"id"`
	MongoID       string              `json:"_id"`
	PaymentID     string              `json:"paymentId"`
	Amount        decimal.NullDecimal `json:"amount"`
	PaymentMode   string              `json:"paymentMode"`
	Method        string              `json:"method"`
	PaymentDate   *flexTime           `json:"paymentDate"`
	PaidAt        *flexTime           `json:"paidAt"`
	EMINumber     int                 `json:"emiNumber"`
	Penalty       decimal.NullDecimal `json:"penalty"`
	CollectedBy   string              `json:"collectedBy"`
	TransactionID string              `json:"transactionId"`
}

var statusAliases = map[string]models.LoanStatus{
	"pending":  models.LoanStatusPending,
	"verified": models.LoanStatusVerified,
	"approved": models.LoanStatusApproved,
	"active":   models.LoanStatusActive,
	"overdue":  models.LoanStatusActive, // derived locally, never stored
	"paid":     models.LoanStatusPaid,
	"closed":   models.LoanStatusPaid,
	"rejected": models.LoanStatusRejected,
}

var methodAliases = map[string]models.PaymentMethod{
	"cash":     models.PaymentMethodCash,
	"transfer": models.PaymentMethodTransfer,
	"bank":     models.PaymentMethodTransfer,
	"neft":     models.PaymentMethodTransfer,
	"card":     models.PaymentMethodCard,
	"wallet":   models.PaymentMethodWallet,
	"upi":      models.PaymentMethodWallet,
	"online":   models.PaymentMethodWallet,
}

// NormalizeLoan decodes one backend loan into the single internal shape.
// Inconsistent field names are resolved here so nothing downstream branches
// on them.
func NormalizeLoan(raw []byte) (*models.Loan, error) {
	var w wireLoan
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode loan: %w", err)
	}
	return w.normalize()
}

// NormalizeLoans decodes a loan list, accepting a bare array or an object
// with a "loans" or "data" field. Entries that cannot be normalized are
// skipped; the error then joins their causes alongside the loans that could.
func NormalizeLoans(raw []byte) ([]*models.Loan, error) {
	raw = bytes.TrimSpace(raw)
	var items []json.RawMessage
	if len(raw) > 0 && raw[0] == '{' {
		var env struct {
			Loans []json.RawMessage `json:"loans"`
			Data  []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("decode loan list: %w", err)
		}
		items = env.Loans
		if items == nil {
			items = env.Data
		}
	} else if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode loan list: %w", err)
	}

	loans := make([]*models.Loan, 0, len(items))
	var skipped []error
	for i, item := range items {
		loan, err := NormalizeLoan(item)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		loans = append(loans, loan)
	}
	return loans, errors.Join(skipped...)
}

// LocalID is the local key for a loan the backend knows as remoteID. A UUID
// is taken as is; any other identifier maps to a stable derived UUID.
func LocalID(remoteID string) uuid.UUID {
	if id, err := uuid.Parse(remoteID); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(remoteID))
}

func (w *wireLoan) normalize() (*models.Loan, error) {
	remoteID := firstString(w.MongoID, w.ID, w.LoanID)
	if remoteID == "" {
		return nil, errors.New("loan without an id")
	}
	// loanId echoes the key sent on create, when the backend keeps it.
	id, err := uuid.Parse(w.LoanID)
	if err != nil {
		id = LocalID(remoteID)
	}
	status, ok := statusAliases[strings.ToLower(w.Status)]
	if !ok {
		return nil, fmt.Errorf("loan %s: unknown status %q", remoteID, w.Status)
	}
	origin := firstTime(w.LoanDate, w.OriginatedAt, w.CreatedAt)
	if origin.IsZero() {
		return nil, fmt.Errorf("loan %s: missing origination date", remoteID)
	}
	channel := models.Channel(strings.ToLower(firstString(w.Channel, w.ApplicationMode)))
	if channel != models.ChannelAgency {
		channel = models.ChannelSelf
	}

	loan := &models.Loan{
		ID:            id,
		RemoteID:      remoteID,
		CustomerID:    w.CustomerID,
		CustomerName:  firstString(w.CustomerName, w.ClientName),
		Principal:     firstDecimal(w.Principal, w.LoanAmount, w.Amount),
		EMIAmount:     firstDecimal(w.EMIAmount, w.EMI),
		Tenure:        w.Tenure,
		OriginatedAt:  origin,
		Channel:       channel,
		Status:        status,
		KYCVerified:   w.KYCVerified || (status != models.LoanStatusPending && status != models.LoanStatusRejected),
		StatusComment: firstString(w.StatusComment, w.Comment),
		CreatedAt:     firstTime(w.CreatedAt, w.LoanDate),
		UpdatedAt:     firstTime(w.UpdatedAt, w.CreatedAt, w.LoanDate),
		Synced:        true,
	}
	if t := firstTime(w.CommentAt); !t.IsZero() {
		loan.StatusCommentAt = &t
	}

	history := w.Payments
	if len(history) == 0 {
		history = w.EMIHistory
	}
	// Unnumbered payments are numbered after the highest explicit EMI number.
	next := 1
	for _, wp := range history {
		next = max(next, wp.EMINumber+1)
	}
	taken := make(map[int]bool, len(history))
	for _, wp := range history {
		seq := wp.EMINumber
		if seq <= 0 {
			seq = next
			next++
		}
		if taken[seq] {
			return nil, fmt.Errorf("loan %s: installment %d paid more than once", remoteID, seq)
		}
		taken[seq] = true
		loan.Payments = append(loan.Payments, wp.normalize(id, seq))
	}
	return loan, nil
}

// normalize converts a confirmed remote payment for installment seq.
func (w *wirePayment) normalize(loanID uuid.UUID, seq int) *models.Payment {
	method, ok := methodAliases[strings.ToLower(firstString(w.PaymentMode, w.Method))]
	if !ok {
		method = models.PaymentMethodCash
	}
	id, err := uuid.Parse(firstString(w.PaymentID, w.ID, w.MongoID))
	if err != nil {
		// Remote-only payments may carry backend ids; derive a stable one.
		id = uuid.NewSHA1(loanID, []byte(models.PaymentKey(loanID, seq)))
	}
	return &models.Payment{
		ID:            id,
		LoanID:        loanID,
		Amount:        firstDecimal(w.Amount),
		Method:        method,
		PaidAt:        firstTime(w.PaymentDate, w.PaidAt),
		Sequence:      seq,
		Penalty:       firstDecimal(w.Penalty),
		CollectedBy:   w.CollectedBy,
		SyncState:     models.SyncConfirmed,
		TransactionID: w.TransactionID,
	}
}
