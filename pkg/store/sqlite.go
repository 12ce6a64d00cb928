package store

import (
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db   *sql.DB
	q    querier
	inTx bool
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string, log *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// A single connection keeps PRAGMAs and transactions on the same handle.
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	_, err = db.Exec("PRAGMA journal_mode = WAL;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, q: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.Info("database connection established and schema initialized", zap.String("dsn", dataSourceName))
	return s, nil
}

// initSchema creates the tables if they don't already exist and adds new
// columns if necessary. Decimal fields are TEXT so no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		customer_name TEXT NOT NULL DEFAULT '',
		principal TEXT NOT NULL,
		emi_amount TEXT NOT NULL,
		tenure INTEGER NOT NULL,
		originated_at DATETIME NOT NULL,
		channel TEXT NOT NULL,
		status TEXT NOT NULL,
		kyc_verified INTEGER NOT NULL DEFAULT 0,
		status_comment TEXT NOT NULL DEFAULT '',
		status_comment_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		remote_id TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS loan_audit (
		loan_id TEXT NOT NULL,
		status TEXT NOT NULL,
		comment TEXT NOT NULL,
		role TEXT NOT NULL,
		at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		paid_at DATETIME NOT NULL,
		sequence INTEGER NOT NULL,
		penalty TEXT NOT NULL DEFAULT '0',
		overpayment INTEGER NOT NULL DEFAULT 0,
		collected_by TEXT NOT NULL DEFAULT '',
		sync_state TEXT NOT NULL,
		transaction_id TEXT NOT NULL DEFAULT '',
		synced INTEGER NOT NULL DEFAULT 0,
		UNIQUE(loan_id, sequence),
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS queue (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		loan_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		payload TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_attempt_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_payments_synced ON payments(synced);
	CREATE INDEX IF NOT EXISTS idx_queue_state ON queue(state);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Columns added after the first release; older databases get them here.
	columns := []struct{ table, def string }{
		{"loans", "customer_name TEXT NOT NULL DEFAULT ''"},
		{"payments", "collected_by TEXT NOT NULL DEFAULT ''"},
		{"loans", "remote_id TEXT NOT NULL DEFAULT ''"},
	}
	for _, col := range columns {
		_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", col.table, col.def))
		if err != nil && !isDuplicateColumnError(err) {
			return fmt.Errorf("failed to add column %s.%s: %w", col.table, col.def, err)
		}
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_loans_remote_id ON loans(remote_id)`)
	return err
}

// isDuplicateColumnError checks if the error indicates a duplicate column.
func isDuplicateColumnError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "duplicate column name")
}

// Atomic runs fn inside a transaction. Nested calls join the outer one.
func (s *SQLiteStore) Atomic(fn func(Storage) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&SQLiteStore{db: s.db, q: tx, inTx: true}); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
