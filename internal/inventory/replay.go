package inventory

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// stockEpsilon is the smallest quantity NUMERIC(18,4) can hold. Inputs below it are treated
// as zero.
const stockEpsilon = 0.0001

// quantityPlaces matches the scale of the quantity columns.
const quantityPlaces = 4

// signedQuantity converts a movement's effect to a decimal rounded to the column scale, so
// totals add up exactly.
func signedQuantity(m Movement) decimal.Decimal {
	return decimal.NewFromFloat(m.Signed()).Round(quantityPlaces)
}

// StockAccumulator folds movements into per-material totals without retaining them.
type StockAccumulator struct {
	totals map[int64]decimal.Decimal
	seen   int
}

// NewStockAccumulator returns an empty accumulator.
func NewStockAccumulator() *StockAccumulator {
	return &StockAccumulator{totals: make(map[int64]decimal.Decimal)}
}

// Add applies one movement. It never fails; the error result lets it serve directly as a
// ScanMovements callback.
func (a *StockAccumulator) Add(m Movement) error {
	a.totals[m.MaterialID] = a.totals[m.MaterialID].Add(signedQuantity(m))
	a.seen++
	return nil
}

// Seen is the number of movements applied.
func (a *StockAccumulator) Seen() int { return a.seen }

// Quantity returns the raw total of a material, which may be zero or negative.
func (a *StockAccumulator) Quantity(materialID int64) float64 {
	return a.totals[materialID].InexactFloat64()
}

// Snapshot returns materials with positive stock ordered by material id.
func (a *StockAccumulator) Snapshot() []StockLevel {
	out := make([]StockLevel, 0, len(a.totals))
	for id, qty := range a.totals {
		if qty.IsPositive() {
			out = append(out, StockLevel{MaterialID: id, Quantity: qty.InexactFloat64()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MaterialID < out[j].MaterialID })
	return out
}

// stockGuard follows one material through a date-ordered movement stream with a pending
// movement inserted after every movement dated at or before it. Lowest is the lowest running
// stock from the pending movement onward.
type stockGuard struct {
	pending Movement
	delta   decimal.Decimal
	running decimal.Decimal
	lowest  decimal.Decimal
	applied bool
}

func newStockGuard(pending Movement) *stockGuard {
	return &stockGuard{pending: pending, delta: signedQuantity(pending)}
}

func (g *stockGuard) apply() {
	g.running = g.running.Add(g.delta)
	g.lowest = g.running
	g.applied = true
}

// Add consumes the next movement of the warehouse.
func (g *stockGuard) Add(m Movement) error {
	if m.MaterialID != g.pending.MaterialID {
		return nil
	}
	if !g.applied && m.MovementDate.After(g.pending.MovementDate) {
		g.apply()
	}
	g.running = g.running.Add(signedQuantity(m))
	if g.applied && g.running.LessThan(g.lowest) {
		g.lowest = g.running
	}
	return nil
}

// Lowest returns the lowest stock level reached once the pending movement is applied.
func (g *stockGuard) Lowest() decimal.Decimal {
	if !g.applied {
		g.apply()
	}
	return g.lowest
}

// guardHorizon is how far the negative stock check replays: today, or the movement date when
// it lies in the future.
func guardHorizon(at, now time.Time) time.Time {
	if now.After(at) {
		return now
	}
	return at
}

// shouldPreserve reports whether the user touched an auto-generated item. A zero count only
// survives when it was completed with a non-zero difference.
func shouldPreserve(item StockCountItem) bool {
	if item.IsManuallyAdded {
		return false
	}
	if item.CountedStock > 0 {
		return true
	}
	return item.CountedStock == 0 && item.IsCompleted && item.Difference != 0
}

// regenerationPlan lists the writes of one stock count recalculation.
type regenerationPlan struct {
	Created   []StockCountItem
	Manual    []StockCountItem
	Preserved int
}

// planRegeneration merges a fresh snapshot with the existing items. Auto items are rebuilt
// from the snapshot, restoring preserved user entries; manual items only get system stock and
// difference refreshed. A material already covered by a manual item gets no auto item.
// Preserved entries whose material left the snapshot are kept with zero system stock.
func planRegeneration(countID int64, snapshot []StockLevel, existing []StockCountItem) regenerationPlan {
	levels := make(map[int64]float64, len(snapshot))
	for _, lvl := range snapshot {
		levels[lvl.MaterialID] = lvl.Quantity
	}
	manual := make(map[int64]struct{})
	preserved := make(map[int64]StockCountItem)
	var plan regenerationPlan
	for _, item := range existing {
		if item.IsManuallyAdded {
			manual[item.MaterialID] = struct{}{}
			item.SystemStock = levels[item.MaterialID]
			item.Difference = item.CountedStock - item.SystemStock
			plan.Manual = append(plan.Manual, item)
			continue
		}
		if shouldPreserve(item) {
			preserved[item.MaterialID] = item
		}
	}

	build := func(materialID int64, system float64) StockCountItem {
		item := StockCountItem{StockCountID: countID, MaterialID: materialID, SystemStock: system}
		if prev, ok := preserved[materialID]; ok {
			item.CountedStock = prev.CountedStock
			item.Reason = prev.Reason
			item.IsCompleted = prev.IsCompleted
			item.Difference = prev.CountedStock - system
			plan.Preserved++
			delete(preserved, materialID)
		}
		return item
	}
	for _, lvl := range snapshot {
		if _, ok := manual[lvl.MaterialID]; ok {
			continue
		}
		plan.Created = append(plan.Created, build(lvl.MaterialID, lvl.Quantity))
	}
	orphans := make([]int64, 0, len(preserved))
	for id := range preserved {
		if _, ok := manual[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })
	for _, id := range orphans {
		plan.Created = append(plan.Created, build(id, 0))
	}
	return plan
}
