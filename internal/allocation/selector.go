package allocation

import (
	"sort"
	"time"

	"github.com/meridian-dms/meridian-dms/internal/lots"
)

// PlanLine is one allocation intent: draw Quantity units from the lot.
type PlanLine struct {
	Lot      lots.LotBatch
	Quantity int64
}

// Plan is the selector's output: the ordered intents plus any unmet remainder.
type Plan struct {
	Lines     []PlanLine
	Shortfall int64
}

// PlanAllocation picks lots to cover the requested quantity using
// first-expired-first-out ordering: soonest expiry wins, lots without an
// expiry date sort last, ties break on manufacturing date then lot number so
// the walk is deterministic. The input is a snapshot; read consistency is
// the caller's transaction.
func PlanAllocation(candidates []lots.LotBatch, requested int64, asOf time.Time) Plan {
	eligible := make([]lots.LotBatch, 0, len(candidates))
	for _, lot := range candidates {
		if lot.IsEligibleForAllocation(asOf) {
			eligible = append(eligible, lot)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return fefoLess(eligible[i], eligible[j])
	})

	plan := Plan{}
	remaining := requested
	for _, lot := range eligible {
		if remaining == 0 {
			break
		}
		take := lot.AvailableQuantity()
		if take > remaining {
			take = remaining
		}
		plan.Lines = append(plan.Lines, PlanLine{Lot: lot, Quantity: take})
		remaining -= take
	}
	plan.Shortfall = remaining
	return plan
}

func fefoLess(a, b lots.LotBatch) bool {
	switch {
	case a.ExpiryDate == nil && b.ExpiryDate != nil:
		return false
	case a.ExpiryDate != nil && b.ExpiryDate == nil:
		return true
	case a.ExpiryDate != nil && b.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate):
		return a.ExpiryDate.Before(*b.ExpiryDate)
	}
	if !a.ManufacturingDate.Equal(b.ManufacturingDate) {
		return a.ManufacturingDate.Before(b.ManufacturingDate)
	}
	return a.LotNumber < b.LotNumber
}
