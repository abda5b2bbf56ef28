package execution

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyd/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LEG GROUPS - Two-leg arbitrage discipline
// ═══════════════════════════════════════════════════════════════════════════════
//
// Complementary Place intents approved together form a leg group: both legs
// submit in parallel, and if one leg fully fills while the other does not
// inside the fill window, the unfilled leg is cancelled and the filled leg
// is flattened through a synthetic emergency-unwind intent. A leg group is
// one attribution unit; partial execution marks the ledger with partial_leg.
//
// ═══════════════════════════════════════════════════════════════════════════════

// legState tracks one leg of a group.
type legState struct {
	clientOrderID string
	side          types.Side
	filled        decimal.Decimal
	size          decimal.Decimal
	done          bool            // reached a terminal status
}

func (l *legState) fullyFilled() bool {
	return l.filled.GreaterThanOrEqual(l.size)
}

// legGroup is the execution manager's record of a two-leg unit.
type legGroup struct {
	id        int64
	marketID  string
	strategy  string
	openedAt  time.Time
	deadline  time.Time
	legs      map[string]*legState // by client order id
	unwound   bool
	completed bool
}

func newLegGroup(id int64, marketID, strategy string, now time.Time, window time.Duration) *legGroup {
	return &legGroup{
		id:       id,
		marketID: marketID,
		strategy: strategy,
		openedAt: now,
		deadline: now.Add(window),
		legs:     make(map[string]*legState),
	}
}

func (g *legGroup) addLeg(clientOrderID string, side types.Side, size decimal.Decimal) {
	g.legs[clientOrderID] = &legState{clientOrderID: clientOrderID, side: side, size: size}
}

// recordFill folds a fill into the group's leg state.
func (g *legGroup) recordFill(clientOrderID string, qty decimal.Decimal) {
	if leg, ok := g.legs[clientOrderID]; ok {
		leg.filled = leg.filled.Add(qty)
	}
}

// recordTerminal marks a leg as finished (filled, cancelled or failed).
func (g *legGroup) recordTerminal(clientOrderID string) {
	if leg, ok := g.legs[clientOrderID]; ok {
		leg.done = true
	}
}

// allFilled reports whether every leg fully filled.
func (g *legGroup) allFilled() bool {
	for _, leg := range g.legs {
		if !leg.fullyFilled() {
			return false
		}
	}
	return len(g.legs) > 0
}

// needsUnwind reports whether the fill window has elapsed with an uneven
// outcome: at least one leg fully filled while another has not. The unwind
// fires at the deadline, never before.
func (g *legGroup) needsUnwind(now time.Time) bool {
	if g.unwound || g.completed || now.Before(g.deadline) {
		return false
	}
	anyFilled, anyUnfilled := false, false
	for _, leg := range g.legs {
		if leg.fullyFilled() {
			anyFilled = true
		} else {
			anyUnfilled = true
		}
	}
	return anyFilled && anyUnfilled
}

// expiredEmpty reports a group whose window elapsed with nothing filled;
// the legs are simply cancelled without a flatten.
func (g *legGroup) expiredEmpty(now time.Time) bool {
	if g.unwound || g.completed || now.Before(g.deadline) {
		return false
	}
	for _, leg := range g.legs {
		if leg.fullyFilled() {
			return false
		}
	}
	return true
}

// unfilledLegs returns legs that have not fully filled.
func (g *legGroup) unfilledLegs() []*legState {
	var out []*legState
	for _, leg := range g.legs {
		if !leg.fullyFilled() {
			out = append(out, leg)
		}
	}
	return out
}
