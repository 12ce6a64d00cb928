package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/loanerr"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/models"
)

const paymentColumns = `id, loan_id, amount, method, paid_at, sequence, penalty, overpayment, collected_by, sync_state, transaction_id`

// CreatePayment inserts a new payment. A second payment with the same
// sequence number for the loan is refused by the schema.
func (s *SQLiteStore) CreatePayment(payment *models.Payment) error {
	_, err := s.q.Exec(
		`INSERT INTO payments (`+paymentColumns+`, synced) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID.String(), payment.LoanID.String(), payment.Amount, payment.Method, payment.PaidAt, payment.Sequence,
		payment.Penalty, boolInt(payment.Overpayment), payment.CollectedBy, payment.SyncState, payment.TransactionID,
		boolInt(payment.SyncState == models.SyncConfirmed),
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// UpdatePayment rewrites a payment row.
func (s *SQLiteStore) UpdatePayment(payment *models.Payment) error {
	result, err := s.q.Exec(
		`UPDATE payments SET amount = ?, method = ?, paid_at = ?, sequence = ?, penalty = ?, overpayment = ?, collected_by = ?, sync_state = ?, transaction_id = ?, synced = ? WHERE id = ?`,
		payment.Amount, payment.Method, payment.PaidAt, payment.Sequence, payment.Penalty, boolInt(payment.Overpayment),
		payment.CollectedBy, payment.SyncState, payment.TransactionID, boolInt(payment.SyncState == models.SyncConfirmed),
		payment.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("payment %s: %w", payment.ID, loanerr.ErrNotFound)
	}
	return nil
}

// DeletePayment removes a payment row.
func (s *SQLiteStore) DeletePayment(id uuid.UUID) error {
	if _, err := s.q.Exec(`DELETE FROM payments WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete payment: %w", err)
	}
	return nil
}

// GetPaymentsForLoan retrieves all payments for a loan in installment order.
func (s *SQLiteStore) GetPaymentsForLoan(loanID uuid.UUID) ([]*models.Payment, error) {
	rows, err := s.q.Query(`SELECT `+paymentColumns+` FROM payments WHERE loan_id = ? ORDER BY sequence ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get payments for loan %s: %w", loanID, err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

// GetUnsyncedPayments retrieves every payment not yet confirmed remotely.
func (s *SQLiteStore) GetUnsyncedPayments() ([]*models.Payment, error) {
	rows, err := s.q.Query(`SELECT ` + paymentColumns + ` FROM payments WHERE synced = 0 ORDER BY loan_id, sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get unsynced payments: %w", err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

func scanPayments(rows *sql.Rows) ([]*models.Payment, error) {
	var payments []*models.Payment
	for rows.Next() {
		var p models.Payment
		var idStr, loanIDStr string
		if err := rows.Scan(&idStr, &loanIDStr, &p.Amount, &p.Method, &p.PaidAt, &p.Sequence, &p.Penalty,
			&p.Overpayment, &p.CollectedBy, &p.SyncState, &p.TransactionID); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		var err error
		if p.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("corrupt payment id %q: %w", idStr, err)
		}
		if p.LoanID, err = uuid.Parse(loanIDStr); err != nil {
			return nil, fmt.Errorf("corrupt loan id %q: %w", loanIDStr, err)
		}
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for payments: %w", err)
	}
	return payments, nil
}
