package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/growwyouwithus-tech/new-loan-management/pkg/ledger"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/loanerr"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/models"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/payments"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/penalty"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/queue"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/remote"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/store"
)

// fakeRemote is an in-memory backend that dedupes writes on their
// idempotency key and refuses a second payment for the same installment.
type fakeRemote struct {
	mu       sync.Mutex
	loans    map[uuid.UUID]*models.Loan
	seen     map[string]bool
	attempts []string
	failures []error // returned by the next calls, in order
	lostAck  bool    // apply the next write but report a timeout
	created  int
	skipped  error // reported by FetchLoans next to the loans it returns
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{loans: make(map[uuid.UUID]*models.Loan), seen: make(map[string]bool)}
}

func (f *fakeRemote) seed(loan *models.Loan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loans[loan.ID] = copyLoan(loan)
}

func (f *fakeRemote) fail(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

func (f *fakeRemote) snapshot(id uuid.UUID) *models.Loan {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.loans[id]; ok {
		return copyLoan(l)
	}
	return nil
}

func (f *fakeRemote) attempted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attempts...)
}

// begin records an attempt and pops a scripted failure.
func (f *fakeRemote) begin(key string) error {
	f.attempts = append(f.attempts, key)
	if len(f.failures) == 0 {
		return nil
	}
	err := f.failures[0]
	f.failures = f.failures[1:]
	return err
}

func (f *fakeRemote) ack() error {
	if f.lostAck {
		f.lostAck = false
		return &loanerr.RemoteError{Err: loanerr.ErrTransient, Message: "context deadline exceeded"}
	}
	return nil
}

// find returns the loan the backend addresses as ref.
func (f *fakeRemote) find(ref string) (*models.Loan, bool) {
	for _, l := range f.loans {
		if l.RemoteRef() == ref {
			return l, true
		}
	}
	return nil, false
}

func copyLoan(l *models.Loan) *models.Loan {
	cp := *l
	cp.Audit = nil
	cp.Payments = nil
	for _, p := range l.Payments {
		pc := *p
		cp.Payments = append(cp.Payments, &pc)
	}
	return &cp
}

func (f *fakeRemote) FetchLoans(ctx context.Context) ([]*models.Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Loan
	for _, l := range f.loans {
		out = append(out, copyLoan(l))
	}
	return out, f.skipped
}

func (f *fakeRemote) FetchLoan(ctx context.Context, ref string) (*models.Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.find(ref)
	if !ok {
		return nil, &loanerr.RemoteError{Err: loanerr.ErrNotFound, StatusCode: 404, Message: "loan not found"}
	}
	return copyLoan(l), nil
}

func (f *fakeRemote) CreateLoan(ctx context.Context, key string, loan *models.Loan) (*remote.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(key); err != nil {
		return nil, err
	}
	if !f.seen[key] {
		f.seen[key] = true
		f.created++
		cp := copyLoan(loan)
		cp.RemoteID = fmt.Sprintf("%024x", f.created)
		cp.Status = models.LoanStatusPending
		cp.Synced = true
		f.loans[loan.ID] = cp
	}
	conf := &remote.Confirmation{RemoteID: f.loans[loan.ID].RemoteID}
	return conf, f.ack()
}

func (f *fakeRemote) SubmitPayment(ctx context.Context, ref, key string, p models.PaymentPayload) (*remote.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(key); err != nil {
		return nil, err
	}
	conf := &remote.Confirmation{TransactionID: "txn-" + key, EMINumber: p.EMINumber}
	if f.seen[key] {
		return conf, f.ack()
	}
	loan, ok := f.find(ref)
	if !ok {
		return nil, &loanerr.RemoteError{Err: loanerr.ErrNotFound, StatusCode: 404, Message: "loan not found"}
	}
	for _, existing := range loan.Payments {
		if existing.Sequence == p.EMINumber {
			return nil, &loanerr.RemoteError{Err: loanerr.ErrStateConflict, StatusCode: 409, Message: "emi already paid"}
		}
	}
	f.seen[key] = true
	loan.Payments = append(loan.Payments, &models.Payment{
		ID:            p.PaymentID,
		LoanID:        loan.ID,
		Amount:        p.Amount,
		Method:        p.PaymentMode,
		PaidAt:        p.PaymentDate,
		Sequence:      p.EMINumber,
		Penalty:       p.Penalty,
		SyncState:     models.SyncConfirmed,
		TransactionID: conf.TransactionID,
	})
	return conf, f.ack()
}

func (f *fakeRemote) UpdateStatus(ctx context.Context, ref, key string, p models.StatusPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(key); err != nil {
		return err
	}
	loan, ok := f.find(ref)
	if !ok {
		return &loanerr.RemoteError{Err: loanerr.ErrNotFound, StatusCode: 404, Message: "loan not found"}
	}
	if !f.seen[key] {
		f.seen[key] = true
		loan.Status = p.Status
		loan.StatusComment = p.Comment
	}
	return f.ack()
}

type harness struct {
	t        *testing.T
	store    *store.SQLiteStore
	queue    *queue.Queue
	ledger   *ledger.Ledger
	recorder *payments.Recorder
	manager  *Manager
	remote   *fakeRemote
	registry *prometheus.Registry

	mu     sync.Mutex
	now    time.Time
	events []Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zap.NewNop()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sync.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{t: t, store: s, remote: newFakeRemote(), registry: prometheus.NewRegistry(),
		now: time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)}
	engine := penalty.NewEngine(penalty.DefaultDailyRate)
	h.queue = queue.New(s, h.clock, log)
	h.ledger = ledger.NewLedger(s, h.queue, engine, h.clock, log)
	h.recorder = payments.NewRecorder(s, h.queue, engine, h.clock, "agent-7", log)
	opts := Options{
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		Concurrency:     2,
	}
	h.manager = NewManager(s, h.queue, h.remote, opts, NewMetrics(h.registry), h.clock, log)
	h.manager.OnEvent(func(e Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e)
	})
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func (h *harness) eventKinds() []EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []EventKind
	for _, e := range h.events {
		out = append(out, e.Kind)
	}
	return out
}

// remoteActiveLoan seeds an active loan on the remote and pulls it locally.
func (h *harness) remoteActiveLoan(tenure int, paid ...decimal.Decimal) *models.Loan {
	h.t.Helper()
	id := uuid.New()
	origin := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	loan := &models.Loan{
		ID:           id,
		RemoteID:     strings.ReplaceAll(id.String(), "-", "")[:24],
		CustomerID:   "cust_1",
		Principal:    decimal.NewFromInt(50000),
		EMIAmount:    decimal.NewFromInt(5000),
		Tenure:       tenure,
		OriginatedAt: origin,
		Channel:      models.ChannelAgency,
		Status:       models.LoanStatusActive,
		KYCVerified:  true,
		CreatedAt:    origin,
		UpdatedAt:    origin,
		Synced:       true,
	}
	for i, amount := range paid {
		loan.Payments = append(loan.Payments, &models.Payment{
			ID:        uuid.New(),
			LoanID:    id,
			Amount:    amount,
			Method:    models.PaymentMethodCash,
			PaidAt:    origin.AddDate(0, i+1, 0),
			Sequence:  i + 1,
			Penalty:   decimal.Zero,
			SyncState: models.SyncConfirmed,
		})
	}
	h.remote.seed(loan)
	_, err := h.manager.RefreshAll(context.Background())
	require.NoError(h.t, err)
	return loan
}

func (h *harness) pay(loanID uuid.UUID, amount int64, on time.Time) *models.Payment {
	h.t.Helper()
	p, err := h.recorder.RecordPayment(payments.Request{
		LoanID: loanID,
		Amount: decimal.NewFromInt(amount),
		Method: models.PaymentMethodCash,
		Date:   on,
	})
	require.NoError(h.t, err)
	return p
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}
