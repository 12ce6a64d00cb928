// Package remote talks to the loan backend, the single system of record.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/growwyouwithus-tech/new-loan-management/pkg/loanerr"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/models"
)

// IdempotencyHeader carries the client-generated key the backend dedupes on.
const IdempotencyHeader = "Idempotency-Key"

// Confirmation is the backend's acknowledgement of a write.
type Confirmation struct {
	TransactionID string
	EMINumber     int
	RemoteID      string // loan identifier assigned on create
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// NewClient returns a Client for the backend at baseURL.
func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// FetchLoans returns every loan with its payment history. Loans that cannot
// be normalized are reported in the error next to the rest.
func (c *Client) FetchLoans(ctx context.Context) ([]*models.Loan, error) {
	body, err := c.do(ctx, http.MethodGet, "/loans", "", nil)
	if err != nil {
		return nil, err
	}
	return NormalizeLoans(body)
}

// FetchLoan returns one loan, addressed by its remote reference.
func (c *Client) FetchLoan(ctx context.Context, ref string) (*models.Loan, error) {
	body, err := c.do(ctx, http.MethodGet, loanPath(ref), "", nil)
	if err != nil {
		return nil, err
	}
	return NormalizeLoan(unwrap(body, "loan"))
}

type createLoanRequest struct {
	ID              uuid.UUID         `json:"loanId"`
	CustomerID      string            `json:"customerId"`
	CustomerName    string            `json:"customerName,omitempty"`
	Amount          decimal.Decimal   `json:"amount"`
	EMIAmount       decimal.Decimal   `json:"emiAmount"`
	Tenure          int               `json:"tenure"`
	LoanDate        time.Time         `json:"loanDate"`
	ApplicationMode models.Channel    `json:"applicationMode"`
	Status          models.LoanStatus `json:"status"`
}

// CreateLoan submits a locally originated loan and returns the identifier
// the backend filed it under.
func (c *Client) CreateLoan(ctx context.Context, key string, loan *models.Loan) (*Confirmation, error) {
	req := createLoanRequest{
		ID:              loan.ID,
		CustomerID:      loan.CustomerID,
		CustomerName:    loan.CustomerName,
		Amount:          loan.Principal,
		EMIAmount:       loan.EMIAmount,
		Tenure:          loan.Tenure,
		LoanDate:        loan.OriginatedAt,
		ApplicationMode: loan.Channel,
		Status:          models.LoanStatusPending,
	}
	body, err := c.do(ctx, http.MethodPost, "/loans", key, req)
	if err != nil {
		return nil, err
	}
	var resp struct {
		ID      string `json:"id"`
		MongoID string `json:"_id"`
	}
	if raw := bytes.TrimSpace(unwrap(body, "loan")); len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("decode loan confirmation: %w", err)
		}
	}
	return &Confirmation{RemoteID: firstString(resp.MongoID, resp.ID)}, nil
}

// SubmitPayment posts one installment payment.
func (c *Client) SubmitPayment(ctx context.Context, ref, key string, payload models.PaymentPayload) (*Confirmation, error) {
	body, err := c.do(ctx, http.MethodPost, loanPath(ref)+"/payment", key, payload)
	if err != nil {
		return nil, err
	}
	var resp struct {
		TransactionID string `json:"transactionId"`
		EMINumber     int    `json:"emiNumber"`
		Payment       *struct {
			TransactionID string `json:"transactionId"`
			EMINumber     int    `json:"emiNumber"`
		} `json:"payment"`
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode payment confirmation: %w", err)
		}
	}
	conf := &Confirmation{TransactionID: resp.TransactionID, EMINumber: resp.EMINumber}
	if resp.Payment != nil {
		conf.TransactionID = firstString(conf.TransactionID, resp.Payment.TransactionID)
		if conf.EMINumber == 0 {
			conf.EMINumber = resp.Payment.EMINumber
		}
	}
	if conf.EMINumber == 0 {
		conf.EMINumber = payload.EMINumber
	}
	if conf.TransactionID == "" {
		conf.TransactionID = payload.TransactionID
	}
	return conf, nil
}

// UpdateStatus drives a lifecycle transition on the backend.
func (c *Client) UpdateStatus(ctx context.Context, ref, key string, payload models.StatusPayload) error {
	_, err := c.do(ctx, http.MethodPut, loanPath(ref)+"/status", key, payload)
	return err
}

func loanPath(ref string) string {
	return "/loans/" + url.PathEscape(ref)
}

func (c *Client) do(ctx context.Context, method, path, key string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures, timeouts and cancellations are all worth a retry.
		return nil, &loanerr.RemoteError{Err: loanerr.ErrTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &loanerr.RemoteError{Err: loanerr.ErrTransient, StatusCode: resp.StatusCode, Message: err.Error()}
	}
	c.log.Debug("remote call", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, classify(resp.StatusCode, data)
}

// classify maps a non-2xx response onto the error taxonomy.
func classify(status int, body []byte) error {
	msg := errorMessage(body)
	var kind error
	switch {
	case status == http.StatusNotFound:
		kind = loanerr.ErrNotFound
	case status == http.StatusConflict:
		kind = loanerr.ErrStateConflict
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		kind = loanerr.ErrTransient
	default:
		kind = loanerr.ErrRemoteRejected
	}
	return &loanerr.RemoteError{Err: kind, StatusCode: status, Message: msg}
}

func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		if m := firstString(e.Message, e.Error); m != "" {
			return m
		}
	}
	return strings.TrimSpace(string(body))
}

// unwrap returns body[field] when body is an object holding it, else body.
func unwrap(body []byte, field string) []byte {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	if inner, ok := env[field]; ok && len(inner) > 0 && inner[0] == '{' {
		return inner
	}
	return body
}
