package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/growwyouwithus-tech/new-loan-management/pkg/config"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/loanerr"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/models"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/remote"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/store"
)

const backendID = "65a1b2c3d4e5f60718293a4b"

// stubRemote accepts every write and files new loans under backendID.
type stubRemote struct {
	mu   sync.Mutex
	keys []string
	refs []string
}

func (r *stubRemote) record(ref, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	if ref != "" {
		r.refs = append(r.refs, ref)
	}
}

func (r *stubRemote) FetchLoans(ctx context.Context) ([]*models.Loan, error) { return nil, nil }

func (r *stubRemote) FetchLoan(ctx context.Context, ref string) (*models.Loan, error) {
	return nil, &loanerr.RemoteError{Err: loanerr.ErrTransient, Message: "offline"}
}

func (r *stubRemote) CreateLoan(ctx context.Context, key string, loan *models.Loan) (*remote.Confirmation, error) {
	r.record("", key)
	return &remote.Confirmation{RemoteID: backendID}, nil
}

func (r *stubRemote) SubmitPayment(ctx context.Context, ref, key string, payload models.PaymentPayload) (*remote.Confirmation, error) {
	r.record(ref, key)
	return &remote.Confirmation{TransactionID: "TXN-" + key, EMINumber: payload.EMINumber}, nil
}

func (r *stubRemote) UpdateStatus(ctx context.Context, ref, key string, payload models.StatusPayload) error {
	r.record(ref, key)
	return nil
}

func setupTestServer(t *testing.T) (*mux.Router, *stubRemote) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg, err := config.LoadFrom(map[string]string{"LOAN_COLLECTOR": "agent-7"})
	require.NoError(t, err)

	now := func() time.Time { return time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC) }
	reg := prometheus.NewRegistry()
	r := &stubRemote{}
	server := NewServer(s, r, cfg, reg, reg, now, zap.NewNop())
	return server.Routes(), r
}

func do(t *testing.T, router *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func createLoan(t *testing.T, router *mux.Router) models.Loan {
	t.Helper()
	rr := do(t, router, "POST", "/loans", map[string]any{
		"customer_id":   "cust_1",
		"customer_name": "Asha",
		"principal":     "50000",
		"emi_amount":    "5000",
		"tenure":        12,
		"originated_at": "2024-01-10",
		"channel":       "agency",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var loan models.Loan
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &loan))
	return loan
}

func setStatus(t *testing.T, router *mux.Router, id uuid.UUID, status models.LoanStatus, role models.Role) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, "PUT", "/loans/"+id.String()+"/status", map[string]any{
		"status": status, "role": role, "comment": "ok",
	})
}

func TestAPI_CreateAndGetLoan(t *testing.T) {
	router, _ := setupTestServer(t)
	created := createLoan(t, router)
	assert.Equal(t, models.LoanStatusPending, created.Status)
	assert.Len(t, created.Audit, 1)

	rr := do(t, router, "GET", "/loans/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var view struct {
		ID              uuid.UUID         `json:"id"`
		EffectiveStatus models.LoanStatus `json:"effective_status"`
		EMIsRemaining   int               `json:"emis_remaining"`
		AmountDue       decimal.Decimal   `json:"amount_due"`
		OverdueDays     int               `json:"overdue_days"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, created.ID, view.ID)
	assert.Equal(t, models.LoanStatusPending, view.EffectiveStatus)
	assert.Equal(t, 12, view.EMIsRemaining)
	assert.Equal(t, 32, view.OverdueDays)
	assert.True(t, view.AmountDue.Equal(decimal.NewFromInt(5640)), "got %s", view.AmountDue)
}

func TestAPI_CreateLoanValidation(t *testing.T) {
	router, _ := setupTestServer(t)
	rr := do(t, router, "POST", "/loans", map[string]any{
		"customer_id": "cust_1", "principal": "50000", "emi_amount": "5000", "tenure": 12,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "origination date is required")
}

func TestAPI_PaymentLifecycleAndSync(t *testing.T) {
	router, backend := setupTestServer(t)
	loan := createLoan(t, router)
	id := loan.ID.String()

	require.Equal(t, http.StatusOK, setStatus(t, router, loan.ID, models.LoanStatusVerified, models.RoleVerifier).Code)
	require.Equal(t, http.StatusOK, setStatus(t, router, loan.ID, models.LoanStatusApproved, models.RoleAdmin).Code)

	// Short by the penalty.
	rr := do(t, router, "POST", "/loans/"+id+"/payments", map[string]any{
		"amount": "5000", "method": "cash", "date": "2024-03-05",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	var refusal struct {
		Shortfall decimal.Decimal `json:"shortfall"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &refusal))
	assert.True(t, refusal.Shortfall.Equal(decimal.NewFromInt(640)), "got %s", refusal.Shortfall)

	rr = do(t, router, "POST", "/loans/"+id+"/payments", map[string]any{
		"amount": "5640", "method": "cash", "date": "2024-03-05",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var p models.Payment
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	assert.Equal(t, 1, p.Sequence)
	assert.True(t, p.Penalty.Equal(decimal.NewFromInt(640)))
	assert.Equal(t, "agent-7", p.CollectedBy)
	assert.Equal(t, models.SyncPending, p.SyncState)

	rr = do(t, router, "GET", "/loans/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var view struct {
		Status          models.LoanStatus `json:"status"`
		EffectiveStatus models.LoanStatus `json:"effective_status"`
		EMIsPaid        int               `json:"emis_paid"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, models.LoanStatusActive, view.Status)
	assert.Equal(t, models.LoanStatusOverdue, view.EffectiveStatus, "installment 2 fell due on 2024-03-02")
	assert.Equal(t, 1, view.EMIsPaid)

	rr = do(t, router, "POST", "/sync", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var rep struct {
		Confirmed int `json:"confirmed"`
		Rejected  int `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rep))
	assert.Equal(t, 5, rep.Confirmed)
	assert.Zero(t, rep.Rejected)
	assert.Equal(t, []string{id + ":create", id + ":status:2", id + ":status:3", id + ":1", id + ":status:4"}, backend.keys)

	rr = do(t, router, "GET", "/loans/"+id, nil)
	var synced models.Loan
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &synced))
	assert.True(t, synced.Synced)
	assert.Equal(t, backendID, synced.RemoteID)
	assert.Equal(t, []string{backendID, backendID, backendID, backendID}, backend.refs, "writes after create address the backend id")
	require.Len(t, synced.Payments, 1)
	assert.Equal(t, models.SyncConfirmed, synced.Payments[0].SyncState)
	assert.Equal(t, "TXN-"+id+":1", synced.Payments[0].TransactionID)

	rr = do(t, router, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `loan_sync_operations_total{kind="create-payment",outcome="confirmed"} 1`)
}

func TestAPI_InvalidTransition(t *testing.T) {
	router, _ := setupTestServer(t)
	loan := createLoan(t, router)

	rr := setStatus(t, router, loan.ID, models.LoanStatusApproved, models.RoleAdmin)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = setStatus(t, router, loan.ID, models.LoanStatusOverdue, models.RoleAdmin)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = setStatus(t, router, loan.ID, models.LoanStatusVerified, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_PaymentOnPendingLoan(t *testing.T) {
	router, _ := setupTestServer(t)
	loan := createLoan(t, router)

	rr := do(t, router, "POST", "/loans/"+loan.ID.String()+"/payments", map[string]any{
		"amount": "5640", "method": "cash", "date": "2024-03-05",
	})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestAPI_ScheduleAndListFilter(t *testing.T) {
	router, _ := setupTestServer(t)
	loan := createLoan(t, router)

	rr := do(t, router, "GET", "/loans/"+loan.ID.String()+"/schedule?as_of=2024-02-01", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var entries []models.ScheduleEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entries))
	require.Len(t, entries, 12)
	assert.Equal(t, time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC), entries[0].DueDate.UTC())
	assert.Zero(t, entries[0].OverdueDays)

	rr = do(t, router, "GET", "/loans?status=Pending", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var pending []models.Loan
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pending))
	assert.Len(t, pending, 1)

	rr = do(t, router, "GET", "/loans?status=Active", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())

	rr = do(t, router, "GET", "/loans?as_of=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_DeleteLoan(t *testing.T) {
	router, _ := setupTestServer(t)
	loan := createLoan(t, router)

	rr := do(t, router, "DELETE", "/loans/"+loan.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, router, "GET", "/loans/"+loan.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, router, "GET", "/loans/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_Alerts(t *testing.T) {
	router, _ := setupTestServer(t)
	loan := createLoan(t, router)

	rr := do(t, router, "GET", "/alerts", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Alerts  []models.Alert `json:"alerts"`
		Emitted []models.Alert `json:"emitted"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Alerts, 1)
	assert.Equal(t, models.AlertKYCRequired, body.Alerts[0].Type)
	assert.Equal(t, loan.ID, body.Alerts[0].LoanID)
	assert.Len(t, body.Emitted, 1)

	rr = do(t, router, "GET", "/alerts", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Len(t, body.Alerts, 1)
	assert.Empty(t, body.Emitted)
}

func TestAPI_FailedOperations(t *testing.T) {
	router, _ := setupTestServer(t)

	rr := do(t, router, "GET", "/sync/failed", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())

	rr = do(t, router, "DELETE", "/sync/operations/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_RefreshWhileOffline(t *testing.T) {
	router, _ := setupTestServer(t)
	loan := createLoan(t, router)

	rr := do(t, router, "POST", "/loans/"+loan.ID.String()+"/refresh", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
