package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/loanerr"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/models"
)

const loanColumns = `id, customer_id, customer_name, principal, emi_amount, tenure, originated_at, channel, status, kyc_verified, status_comment, status_comment_at, created_at, updated_at, synced, remote_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var loanIDStr string
	var commentAt sql.NullTime
	err := row.Scan(&loanIDStr, &loan.CustomerID, &loan.CustomerName, &loan.Principal, &loan.EMIAmount, &loan.Tenure,
		&loan.OriginatedAt, &loan.Channel, &loan.Status, &loan.KYCVerified, &loan.StatusComment, &commentAt,
		&loan.CreatedAt, &loan.UpdatedAt, &loan.Synced, &loan.RemoteID)
	if err != nil {
		return nil, err
	}
	loan.ID, err = uuid.Parse(loanIDStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt loan id %q: %w", loanIDStr, err)
	}
	if commentAt.Valid {
		loan.StatusCommentAt = &commentAt.Time
	}
	return &loan, nil
}

// CreateLoan inserts a new loan into the database.
func (s *SQLiteStore) CreateLoan(loan *models.Loan) error {
	if !loan.Status.Stored() {
		return fmt.Errorf("status %q cannot be stored", loan.Status)
	}
	_, err := s.q.Exec(
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.CustomerID, loan.CustomerName, loan.Principal, loan.EMIAmount, loan.Tenure,
		loan.OriginatedAt, loan.Channel, loan.Status, boolInt(loan.KYCVerified), loan.StatusComment, loan.StatusCommentAt,
		loan.CreatedAt, loan.UpdatedAt, boolInt(loan.Synced), loan.RemoteID,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID together with its payments and audit trail.
func (s *SQLiteStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	row := s.q.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loan %s: %w", id, loanerr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	if err := s.hydrate(loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// GetLoanByRemoteID retrieves the loan the backend knows as remoteID.
func (s *SQLiteStore) GetLoanByRemoteID(remoteID string) (*models.Loan, error) {
	if remoteID == "" {
		return nil, fmt.Errorf("empty remote id: %w", loanerr.ErrNotFound)
	}
	row := s.q.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE remote_id = ?`, remoteID)
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("remote loan %s: %w", remoteID, loanerr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	if err := s.hydrate(loan); err != nil {
		return nil, err
	}
	return loan, nil
}

func (s *SQLiteStore) hydrate(loan *models.Loan) error {
	payments, err := s.GetPaymentsForLoan(loan.ID)
	if err != nil {
		return err
	}
	loan.Payments = payments

	rows, err := s.q.Query(`SELECT status, comment, role, at FROM loan_audit WHERE loan_id = ? ORDER BY rowid ASC`, loan.ID.String())
	if err != nil {
		return fmt.Errorf("failed to get audit for loan %s: %w", loan.ID, err)
	}
	defer rows.Close()
	loan.Audit = nil
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.Status, &e.Comment, &e.Role, &e.At); err != nil {
			return fmt.Errorf("failed to scan audit row: %w", err)
		}
		loan.Audit = append(loan.Audit, e)
	}
	return rows.Err()
}

// UpdateLoan updates the loan row. Payments and audit entries are written
// through their own methods.
func (s *SQLiteStore) UpdateLoan(loan *models.Loan) error {
	if !loan.Status.Stored() {
		return fmt.Errorf("status %q cannot be stored", loan.Status)
	}
	result, err := s.q.Exec(
		`UPDATE loans SET customer_id = ?, customer_name = ?, principal = ?, emi_amount = ?, tenure = ?, originated_at = ?, channel = ?, status = ?, kyc_verified = ?, status_comment = ?, status_comment_at = ?, updated_at = ?, synced = ?, remote_id = ? WHERE id = ?`,
		loan.CustomerID, loan.CustomerName, loan.Principal, loan.EMIAmount, loan.Tenure, loan.OriginatedAt, loan.Channel,
		loan.Status, boolInt(loan.KYCVerified), loan.StatusComment, loan.StatusCommentAt, loan.UpdatedAt, boolInt(loan.Synced), loan.RemoteID, loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("loan %s: %w", loan.ID, loanerr.ErrNotFound)
	}
	return nil
}

// DeleteLoan removes a loan and everything hanging off it.
func (s *SQLiteStore) DeleteLoan(id uuid.UUID) error {
	return s.Atomic(func(st Storage) error {
		tx := st.(*SQLiteStore)
		for _, table := range []string{"payments", "loan_audit", "queue"} {
			if _, err := tx.q.Exec(`DELETE FROM `+table+` WHERE loan_id = ?`, id.String()); err != nil {
				return fmt.Errorf("failed to delete associated %s: %w", table, err)
			}
		}

		result, err := tx.q.Exec(`DELETE FROM loans WHERE id = ?`, id.String())
		if err != nil {
			return fmt.Errorf("failed to delete loan: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("loan %s: %w", id, loanerr.ErrNotFound)
		}
		return nil
	})
}

// GetAllLoans retrieves all loans.
func (s *SQLiteStore) GetAllLoans() ([]*models.Loan, error) {
	return s.queryLoans(`SELECT ` + loanColumns + ` FROM loans ORDER BY created_at ASC`)
}

// GetLoansByStatus retrieves loans whose stored status is one of statuses.
func (s *SQLiteStore) GetLoansByStatus(statuses ...models.LoanStatus) ([]*models.Loan, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	return s.queryLoans(`SELECT `+loanColumns+` FROM loans WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY created_at ASC`, args...)
}

// GetUnsyncedLoans retrieves loans with local changes the remote has not confirmed.
func (s *SQLiteStore) GetUnsyncedLoans() ([]*models.Loan, error) {
	return s.queryLoans(`SELECT ` + loanColumns + ` FROM loans WHERE synced = 0 ORDER BY created_at ASC`)
}

func (s *SQLiteStore) queryLoans(query string, args ...any) ([]*models.Loan, error) {
	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	loans, err := s.scanLoans(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	// Hydrate after closing the cursor; the store runs on a single connection.
	for _, loan := range loans {
		if err := s.hydrate(loan); err != nil {
			return nil, err
		}
	}
	return loans, nil
}

func (s *SQLiteStore) scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// AppendAudit records a status comment for a loan.
func (s *SQLiteStore) AppendAudit(loanID uuid.UUID, entry models.AuditEntry) error {
	_, err := s.q.Exec(`INSERT INTO loan_audit (loan_id, status, comment, role, at) VALUES (?, ?, ?, ?, ?)`,
		loanID.String(), entry.Status, entry.Comment, entry.Role, entry.At)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}
