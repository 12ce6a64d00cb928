// Package notify derives user-facing alerts from ledger state.
package notify

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/growwyouwithus-tech/new-loan-management/pkg/ledger"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/models"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/penalty"
)

// Diff is what changed since the previous run.
type Diff struct {
	Emitted   []models.Alert `json:"emitted"`
	Retracted []models.Alert `json:"retracted"`
}

// Generator holds the alerts currently shown and recomputes them on demand.
type Generator struct {
	penalty *penalty.Engine
	log     *zap.Logger

	mu      sync.Mutex
	current map[string]models.Alert
}

func NewGenerator(engine *penalty.Engine, log *zap.Logger) *Generator {
	return &Generator{penalty: engine, log: log, current: make(map[string]models.Alert)}
}

// Generate derives alerts from all loans. Overdue alerts are raised only
// for loans in active; a nil active means every loan is considered. Alerts
// already emitted are not repeated and alerts whose condition no longer
// holds are retracted.
func (g *Generator) Generate(all []*models.Loan, active []uuid.UUID, asOf time.Time) (Diff, error) {
	var consider map[uuid.UUID]bool
	if active != nil {
		consider = make(map[uuid.UUID]bool, len(active))
		for _, id := range active {
			consider[id] = true
		}
	}

	next := make(map[string]models.Alert)
	for _, loan := range all {
		if loan.Status == models.LoanStatusPending && !loan.KYCVerified {
			a := models.Alert{
				Type:    models.AlertKYCRequired,
				LoanID:  loan.ID,
				Message: fmt.Sprintf("KYC verification pending for %s", customer(loan)),
			}
			next[a.Key()] = a
		}
		if consider != nil && !consider[loan.ID] {
			continue
		}
		acct := ledger.NewAccount(loan, g.penalty)
		overdue, err := acct.IsOverdue(asOf)
		if err != nil {
			return Diff{}, err
		}
		if !overdue {
			continue
		}
		due, _, err := acct.NextInstallment(asOf)
		if err != nil {
			return Diff{}, err
		}
		// The message names the installment only; the day count and amount
		// grow daily and are refreshed without counting as a new alert.
		a := models.Alert{
			Type:        models.AlertPaymentOverdue,
			LoanID:      loan.ID,
			DaysOverdue: due.OverdueDays,
			Amount:      due.Total,
			Message:     fmt.Sprintf("EMI %d of %s overdue", due.Sequence, customer(loan)),
		}
		next[a.Key()] = a
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	var diff Diff
	for key, a := range next {
		if _, ok := g.current[key]; !ok {
			diff.Emitted = append(diff.Emitted, a)
		}
	}
	for key, a := range g.current {
		if _, ok := next[key]; !ok {
			diff.Retracted = append(diff.Retracted, a)
		}
	}
	g.current = next
	sortAlerts(diff.Emitted)
	sortAlerts(diff.Retracted)

	if len(diff.Emitted) > 0 || len(diff.Retracted) > 0 {
		g.log.Info("alerts updated",
			zap.Int("emitted", len(diff.Emitted)),
			zap.Int("retracted", len(diff.Retracted)),
			zap.Int("active", len(next)))
	}
	return diff, nil
}

// Current returns the alerts as of the last Generate.
func (g *Generator) Current() []models.Alert {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.Alert, 0, len(g.current))
	for _, a := range g.current {
		out = append(out, a)
	}
	sortAlerts(out)
	return out
}

func customer(loan *models.Loan) string {
	if loan.CustomerName != "" {
		return loan.CustomerName
	}
	return "loan " + loan.ID.String()
}

func sortAlerts(alerts []models.Alert) {
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Key() < alerts[j].Key() })
}
