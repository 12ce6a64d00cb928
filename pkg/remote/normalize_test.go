package remote

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growwyouwithus-tech/new-loan-management/pkg/models"
)

const loanID = "6f1c2a8e-3b7d-4c1e-9a55-0d2f8e4b7a10"

func TestNormalizeLoan_FieldVariants(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "canonical names",
			body: `{"id":"` + loanID + `","customerId":"c1","customerName":"Asha","amount":"50000","emiAmount":"5000",
				"tenure":12,"loanDate":"2024-01-10T00:00:00Z","applicationMode":"agency","status":"active",
				"payments":[{"paymentId":"a0d4b3a3-6e5f-4a1a-9c38-2d6b1f0e9c11","amount":5000,"paymentMode":"cash","paymentDate":"2024-02-01","emiNumber":1,"penalty":0}]}`,
		},
		{
			name: "legacy names",
			body: `{"_id":"` + loanID + `","customerId":"c1","clientName":"Asha","loanAmount":50000,"emi":5000,
				"tenure":12,"createdAt":"2024-01-10","channel":"AGENCY","status":"Overdue",
				"emiHistory":[{"_id":"64f0c0ffee","amount":"5000.00","method":"upi","paidAt":"2024-02-01T10:30:00Z"}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loan, err := NormalizeLoan([]byte(tt.body))
			require.NoError(t, err)

			assert.Equal(t, uuid.MustParse(loanID), loan.ID)
			assert.Equal(t, loanID, loan.RemoteID)
			assert.Equal(t, "Asha", loan.CustomerName)
			assert.True(t, loan.Principal.Equal(decimal.NewFromInt(50000)))
			assert.True(t, loan.EMIAmount.Equal(decimal.NewFromInt(5000)))
			assert.Equal(t, 12, loan.Tenure)
			assert.Equal(t, models.ChannelAgency, loan.Channel)
			assert.Equal(t, models.LoanStatusActive, loan.Status, "overdue is derived, never stored")
			assert.Equal(t, 2024, loan.OriginatedAt.Year())
			assert.Equal(t, time.January, loan.OriginatedAt.Month())
			assert.Equal(t, 10, loan.OriginatedAt.Day())
			assert.True(t, loan.Synced)

			require.Len(t, loan.Payments, 1)
			p := loan.Payments[0]
			assert.Equal(t, 1, p.Sequence)
			assert.True(t, p.Amount.Equal(decimal.NewFromInt(5000)))
			assert.Equal(t, models.SyncConfirmed, p.SyncState)
			assert.Equal(t, loan.ID, p.LoanID)
			assert.NotEqual(t, uuid.Nil, p.ID)
		})
	}
}

func TestNormalizeLoan_ObjectID(t *testing.T) {
	const objectID = "65a1b2c3d4e5f60718293a4b"
	body := []byte(`{"_id":"` + objectID + `","customerId":"c1","tenure":12,"loanDate":"2024-01-10","status":"Active"}`)

	loan, err := NormalizeLoan(body)
	require.NoError(t, err)
	assert.Equal(t, objectID, loan.RemoteID)
	assert.Equal(t, objectID, loan.RemoteRef())
	assert.Equal(t, LocalID(objectID), loan.ID)
	assert.NotEqual(t, uuid.Nil, loan.ID)

	again, err := NormalizeLoan(body)
	require.NoError(t, err)
	assert.Equal(t, loan.ID, again.ID, "the derived local key is stable across pulls")
}

func TestNormalizeLoan_EchoedLoanIDIsLocalKey(t *testing.T) {
	const objectID = "65a1b2c3d4e5f60718293a4b"
	loan, err := NormalizeLoan([]byte(`{"_id":"` + objectID + `","loanId":"` + loanID + `","tenure":12,"loanDate":"2024-01-10","status":"pending"}`))
	require.NoError(t, err)
	assert.Equal(t, uuid.MustParse(loanID), loan.ID)
	assert.Equal(t, objectID, loan.RemoteID)
}

func TestNormalizeLoan_UnnumberedPaymentsFollowHighestEMI(t *testing.T) {
	loan, err := NormalizeLoan([]byte(`{"id":"` + loanID + `","tenure":6,"loanDate":"2024-01-10","status":"active",
		"payments":[{"amount":100},{"amount":100,"emiNumber":1},{"amount":100,"emiNumber":2},{"amount":100}]}`))
	require.NoError(t, err)

	var seqs []int
	for _, p := range loan.Payments {
		seqs = append(seqs, p.Sequence)
	}
	assert.Equal(t, []int{3, 1, 2, 4}, seqs)
}

func TestNormalizeLoan_DuplicateEMINumber(t *testing.T) {
	_, err := NormalizeLoan([]byte(`{"id":"` + loanID + `","tenure":6,"loanDate":"2024-01-10","status":"active",
		"payments":[{"amount":100,"emiNumber":1},{"amount":100,"emiNumber":1}]}`))
	assert.ErrorContains(t, err, "installment 1 paid more than once")
}

func TestNormalizeLoan_DerivedPaymentIDIsStable(t *testing.T) {
	body := []byte(`{"id":"` + loanID + `","tenure":3,"loanDate":"2024-01-10","status":"active",
		"payments":[{"_id":"backend-1","amount":100,"emiNumber":1}]}`)
	first, err := NormalizeLoan(body)
	require.NoError(t, err)
	second, err := NormalizeLoan(body)
	require.NoError(t, err)
	assert.Equal(t, first.Payments[0].ID, second.Payments[0].ID)
	assert.Equal(t, models.PaymentMethodCash, first.Payments[0].Method)
}

func TestNormalizeLoan_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing id", `{"loanDate":"2024-01-10","status":"active"}`},
		{"unknown status", `{"id":"` + loanID + `","loanDate":"2024-01-10","status":"archived"}`},
		{"missing origination date", `{"id":"` + loanID + `","status":"active"}`},
		{"bad date", `{"id":"` + loanID + `","loanDate":"10/01/2024","status":"active"}`},
		{"not json", `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeLoan([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestNormalizeLoans_Envelopes(t *testing.T) {
	item := `{"id":"` + loanID + `","tenure":3,"loanDate":"2024-01-10","status":"pending"}`
	for _, body := range []string{
		`[` + item + `]`,
		`{"loans":[` + item + `]}`,
		`{"data":[` + item + `]}`,
	} {
		loans, err := NormalizeLoans([]byte(body))
		require.NoError(t, err, body)
		require.Len(t, loans, 1, body)
		assert.Equal(t, models.LoanStatusPending, loans[0].Status)
		assert.False(t, loans[0].KYCVerified)
	}
}

func TestNormalizeLoans_SkipsMalformedEntries(t *testing.T) {
	body := `[{"_id":"65a1b2c3d4e5f60718293a4b","tenure":12,"loanDate":"2024-01-10","status":"Active"},
		{"_id":"65a1b2c3d4e5f60718293a4c","tenure":12,"loanDate":"2024-01-10","status":"archived"}]`

	loans, err := NormalizeLoans([]byte(body))
	assert.ErrorContains(t, err, "entry 1")
	require.Len(t, loans, 1)
	assert.Equal(t, "65a1b2c3d4e5f60718293a4b", loans[0].RemoteID)
}
