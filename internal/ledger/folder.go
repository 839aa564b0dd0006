package ledger

import (
	"sort"

	"github.com/tradewatch/ledger-engine/internal/model"
)

// Recompute rebuilds a position from scratch by replaying every event for
// one (user, item) pair in occurred-at order, ties broken by insertion
// sequence. Events that would raise an anomaly are skipped — never
// force-applied — exactly as the incremental path would have left the
// position untouched at that point in history. The skipped anomalies are
// returned alongside the final position for audit reporting.
//
// Stateless and pure; used for audits and for drift detection against the
// incrementally maintained position row.
func Recompute(events []model.TradeEvent) (model.Position, []Anomaly) {
	ordered := make([]model.TradeEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].OccurredAt.Equal(ordered[j].OccurredAt) {
			return ordered[i].Seq < ordered[j].Seq
		}
		return ordered[i].OccurredAt.Before(ordered[j].OccurredAt)
	})

	var pos *model.Position
	var anomalies []Anomaly
	for _, ev := range ordered {
		res := Apply(pos, ev)
		if res.Anomaly != nil {
			anomalies = append(anomalies, *res.Anomaly)
			continue
		}
		pos = res.Applied
	}

	if pos == nil {
		return model.Position{}, anomalies
	}
	return *pos, anomalies
}

// Converged reports whether a maintained position row agrees with a folded
// one on the accounting fields. LastPrice and UpdatedAt are informational
// and deliberately excluded from the comparison.
func Converged(maintained, folded model.Position) bool {
	return maintained.Quantity.Equal(folded.Quantity) &&
		maintained.AvgBuyPrice.Equal(folded.AvgBuyPrice) &&
		maintained.RealizedProfit.Equal(folded.RealizedProfit)
}
