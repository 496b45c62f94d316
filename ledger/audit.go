package ledger

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Replay sums the amounts of the balance-affecting transactions in txs.
func Replay(txs []Transaction) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range txs {
		if t.AffectsBalance {
			sum = sum.Add(t.Amount)
		}
	}
	return sum
}

// AuditFarmer replays the farmer's full history and compares it with the
// materialized Outstanding. It never repairs anything.
func (e *Engine) AuditFarmer(ctx context.Context, id FarmerID) (AuditReport, error) {
	f, err := e.store.GetFarmer(ctx, id)
	if err != nil {
		return AuditReport{}, err
	}
	txs, err := e.store.Transactions(ctx, TransactionFilter{UserID: string(id)})
	if err != nil {
		return AuditReport{}, err
	}
	replayed := Replay(txs)
	report := AuditReport{
		FarmerID:     id,
		Materialized: f.Outstanding,
		Replayed:     replayed,
		Drift:        f.Outstanding.Sub(replayed),
		Transactions: len(txs),
	}
	if !report.Consistent() {
		e.log.WithFields(logrus.Fields{
			"farmer_id":    id,
			"materialized": report.Materialized.String(),
			"replayed":     report.Replayed.String(),
		}).Warn("farmer balance drift detected")
	}
	return report, nil
}
