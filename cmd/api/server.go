package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/growwyouwithus-tech/new-loan-management/pkg/config"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/ledger"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/loanerr"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/models"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/notify"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/payments"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/penalty"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/queue"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/store"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/syncer"
)

// Server holds the engine components behind the local API.
type Server struct {
	ledger   *ledger.Ledger
	recorder *payments.Recorder
	queue    *queue.Queue
	sync     *syncer.Manager
	alerts   *notify.Generator
	gatherer prometheus.Gatherer
	now      func() time.Time
	log      *zap.Logger
}

// NewServer wires the engine over s and the remote backend r.
func NewServer(s store.Storage, r syncer.Remote, cfg config.Config, reg prometheus.Registerer, gatherer prometheus.Gatherer, now func() time.Time, log *zap.Logger) *Server {
	engine := penalty.NewEngine(cfg.PenaltyPerDay)
	q := queue.New(s, now, log.Named("queue"))
	opts := syncer.Options{
		InitialInterval: cfg.BackoffInitial,
		MaxInterval:     cfg.BackoffMax,
		Multiplier:      cfg.BackoffMultiplier,
		Jitter:          cfg.BackoffJitter,
		Interval:        cfg.SyncInterval,
		Concurrency:     cfg.SyncConcurrency,
	}
	manager := syncer.NewManager(s, q, r, opts, syncer.NewMetrics(reg), now, log.Named("sync"))
	manager.OnEvent(func(e syncer.Event) {
		if e.Kind == syncer.EventRejected || e.Kind == syncer.EventRefreshRequired {
			log.Warn("sync needs attention",
				zap.String("event", string(e.Kind)),
				zap.String("loan_id", e.LoanID.String()),
				zap.Error(e.Err))
		}
	})
	return &Server{
		ledger:   ledger.NewLedger(s, q, engine, now, log.Named("ledger")),
		recorder: payments.NewRecorder(s, q, engine, now, cfg.Collector, log.Named("payments")),
		queue:    q,
		sync:     manager,
		alerts:   notify.NewGenerator(engine, log.Named("notify")),
		gatherer: gatherer,
		now:      now,
		log:      log,
	}
}

// Routes registers every endpoint on a new router.
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/schedule", s.scheduleHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/status", s.updateStatusHandler).Methods("PUT")
	router.HandleFunc("/loans/{id}/refresh", s.refreshHandler).Methods("POST")
	router.HandleFunc("/sync", s.syncHandler).Methods("POST")
	router.HandleFunc("/sync/reconnect", s.reconnectHandler).Methods("POST")
	router.HandleFunc("/sync/failed", s.failedHandler).Methods("GET")
	router.HandleFunc("/sync/operations/{id}", s.discardHandler).Methods("DELETE")
	router.HandleFunc("/alerts", s.alertsHandler).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	return router
}

// loanView is a loan with its derived figures as of a date.
type loanView struct {
	*models.Loan
	EffectiveStatus models.LoanStatus `json:"effective_status"`
	EMIsPaid        int               `json:"emis_paid"`
	EMIsRemaining   int               `json:"emis_remaining"`
	AmountDue       decimal.Decimal   `json:"amount_due"`
	NextDueDate     *time.Time        `json:"next_due_date,omitempty"`
	OverdueDays     int               `json:"overdue_days,omitempty"`
}

func (s *Server) view(loan *models.Loan, asOf time.Time) (loanView, error) {
	acct := ledger.NewAccount(loan, s.ledger.Penalty())
	status, err := acct.EffectiveStatus(asOf)
	if err != nil {
		return loanView{}, err
	}
	v := loanView{
		Loan:            loan,
		EffectiveStatus: status,
		EMIsPaid:        acct.EMIsPaid(),
		EMIsRemaining:   acct.EMIsRemaining(),
		AmountDue:       decimal.Zero,
	}
	due, ok, err := acct.NextInstallment(asOf)
	if err != nil {
		return loanView{}, err
	}
	if ok {
		v.AmountDue = due.Total
		v.NextDueDate = &due.DueDate
		v.OverdueDays = due.OverdueDays
	}
	return v, nil
}

// asOf reads the optional as_of query parameter, defaulting to now.
func (s *Server) asOf(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("as_of")
	if raw == "" {
		return s.now(), nil
	}
	return parseDate(raw)
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, loanerr.Invalid(loanerr.ErrInvalidInput, "unrecognised date %q", raw)
}

func loanID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, loanerr.Invalid(loanerr.ErrInvalidInput, "invalid id %q", mux.Vars(r)["id"])
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error     string           `json:"error"`
	Shortfall *decimal.Decimal `json:"shortfall,omitempty"`
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	var status int
	var v *loanerr.ValidationError
	switch {
	case errors.As(err, &v):
		switch {
		case errors.Is(err, loanerr.ErrInvalidInput):
			status = http.StatusBadRequest
		case errors.Is(err, loanerr.ErrInvalidLoanState), errors.Is(err, loanerr.ErrInvalidTransition):
			status = http.StatusConflict
		default:
			status = http.StatusUnprocessableEntity
		}
		if errors.Is(err, loanerr.ErrInsufficientPayment) {
			body.Shortfall = &v.Shortfall
		}
	case errors.Is(err, loanerr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, loanerr.ErrStateConflict):
		status = http.StatusConflict
	case loanerr.Retryable(err):
		status = http.StatusServiceUnavailable
	case errors.Is(err, loanerr.ErrRemoteRejected):
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
		s.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, body)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	asOf, err := s.asOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	loans, err := s.ledger.GetAllLoans()
	if err != nil {
		s.writeError(w, err)
		return
	}
	filter := models.LoanStatus(r.URL.Query().Get("status"))
	views := make([]loanView, 0, len(loans))
	for _, loan := range loans {
		v, err := s.view(loan, asOf)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if filter != "" && v.EffectiveStatus != filter {
			continue
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID   string          `json:"customer_id"`
		CustomerName string          `json:"customer_name"`
		Principal    decimal.Decimal `json:"principal"`
		EMIAmount    decimal.Decimal `json:"emi_amount"`
		Tenure       int             `json:"tenure"`
		OriginatedAt string          `json:"originated_at"`
		Channel      models.Channel  `json:"channel"`
		Role         models.Role     `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, loanerr.Invalid(loanerr.ErrInvalidInput, "%v", err))
		return
	}
	var origin time.Time
	if req.OriginatedAt != "" {
		var err error
		if origin, err = parseDate(req.OriginatedAt); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if req.Channel == "" {
		req.Channel = models.ChannelSelf
	}

	loan, err := s.ledger.CreateLoan(ledger.NewLoan{
		CustomerID:   req.CustomerID,
		CustomerName: req.CustomerName,
		Principal:    req.Principal,
		EMIAmount:    req.EMIAmount,
		Tenure:       req.Tenure,
		OriginatedAt: origin,
		Channel:      req.Channel,
		Role:         req.Role,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := loanID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	asOf, err := s.asOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	loan, err := s.ledger.GetLoan(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	v, err := s.view(loan, asOf)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := loanID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.ledger.DeleteLoan(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := loanID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	asOf, err := s.asOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	acct, err := s.ledger.Account(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := acct.Schedule(asOf)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := loanID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Amount           decimal.Decimal      `json:"amount"`
		Method           models.PaymentMethod `json:"method"`
		Date             string               `json:"date"`
		TransactionID    string               `json:"transaction_id"`
		CollectedBy      string               `json:"collected_by"`
		AllowOverpayment bool                 `json:"allow_overpayment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, loanerr.Invalid(loanerr.ErrInvalidInput, "%v", err))
		return
	}
	var date time.Time
	if req.Date != "" {
		if date, err = parseDate(req.Date); err != nil {
			s.writeError(w, err)
			return
		}
	}

	p, err := s.recorder.RecordPayment(payments.Request{
		LoanID:           id,
		Amount:           req.Amount,
		Method:           req.Method,
		Date:             date,
		TransactionID:    req.TransactionID,
		CollectedBy:      req.CollectedBy,
		AllowOverpayment: req.AllowOverpayment,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) updateStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, err := loanID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Status  models.LoanStatus `json:"status"`
		Comment string            `json:"comment"`
		Role    models.Role       `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, loanerr.Invalid(loanerr.ErrInvalidInput, "%v", err))
		return
	}
	if !req.Status.Stored() {
		s.writeError(w, loanerr.Invalid(loanerr.ErrInvalidTransition, "status %q cannot be set", req.Status))
		return
	}
	loan, err := s.ledger.Transition(id, req.Status, req.Role, req.Comment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) refreshHandler(w http.ResponseWriter, r *http.Request) {
	id, err := loanID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sync.Refresh(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	loan, err := s.ledger.GetLoan(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	rep, err := s.sync.Drain(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) reconnectHandler(w http.ResponseWriter, r *http.Request) {
	rep, err := s.sync.Reconnect(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) failedHandler(w http.ResponseWriter, r *http.Request) {
	ops, err := s.queue.Failed()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ops == nil {
		ops = []*models.QueuedOperation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) discardHandler(w http.ResponseWriter, r *http.Request) {
	id, err := loanID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.queue.Discard(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) alertsHandler(w http.ResponseWriter, r *http.Request) {
	asOf, err := s.asOf(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	loans, err := s.ledger.GetAllLoans()
	if err != nil {
		s.writeError(w, err)
		return
	}
	var active []uuid.UUID
	for _, loan := range loans {
		if loan.Status == models.LoanStatusActive {
			active = append(active, loan.ID)
		}
	}
	if active == nil {
		active = []uuid.UUID{}
	}
	diff, err := s.alerts.Generate(loans, active, asOf)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Alerts []models.Alert `json:"alerts"`
		notify.Diff
	}{Alerts: s.alerts.Current(), Diff: diff})
}
