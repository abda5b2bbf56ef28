package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyd/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MAKER - Top-of-book quoting with inventory skew
// ═══════════════════════════════════════════════════════════════════════════════
//
// Quotes inside the YES spread when it is wide enough, skewing the bid down
// as inventory accumulates. Pulls quotes (CancelAll) when toxicity spikes:
// soft shaping belongs here, not in the governor.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Maker is the passive quoting strategy.
type Maker struct {
	mu sync.Mutex

	name          string
	minSpread     decimal.Decimal // only quote when spread is at least this
	quoteSize     decimal.Decimal
	maxInventory  decimal.Decimal
	toxicityLimit float64
	seq           *types.Sequence

	inventory map[string]decimal.Decimal // marketID -> net YES shares
}

// NewMaker creates the strategy.
func NewMaker(seq *types.Sequence, minSpread, quoteSize, maxInventory decimal.Decimal) *Maker {
	return &Maker{
		name:          "maker",
		minSpread:     minSpread,
		quoteSize:     quoteSize,
		maxInventory:  maxInventory,
		toxicityLimit: 0.6,
		seq:           seq,
		inventory:     make(map[string]decimal.Decimal),
	}
}

func (m *Maker) Name() string     { return m.name }
func (m *Maker) Tier() types.Tier { return types.TierMM }

// OnSnapshot quotes the YES bid one tick inside the spread.
func (m *Maker) OnSnapshot(snap *types.Snapshot) []*types.Intent {
	if !snap.CanTrade {
		return nil
	}

	// Toxic flow: pull quotes instead of quoting into it.
	if snap.Toxicity > m.toxicityLimit {
		pull := NewIntent(m.seq, snap, m.name, types.TierMM).
			Kind(types.IntentCancelAll).
			Rationale("toxicity spike").
			Build()
		return []*types.Intent{pull}
	}

	bid, ask := snap.Yes.BidPrice, snap.Yes.AskPrice
	if bid.IsZero() || ask.IsZero() {
		return nil
	}

	spread := ask.Sub(bid)
	if spread.LessThan(m.minSpread) {
		return nil
	}

	m.mu.Lock()
	inv := m.inventory[snap.MarketID]
	m.mu.Unlock()

	if inv.GreaterThanOrEqual(m.maxInventory) {
		return nil
	}

	// One tick inside the spread, skewed down as inventory grows.
	tick := decimal.NewFromFloat(0.01)
	skewTicks := inv.Div(m.maxInventory).Mul(decimal.NewFromInt(2)).Floor()
	quote := bid.Add(tick).Sub(skewTicks.Mul(tick))
	if quote.GreaterThanOrEqual(ask) || !quote.IsPositive() {
		return nil
	}

	ev := spread.Div(decimal.NewFromInt(2)).Mul(m.quoteSize)

	in := NewIntent(m.seq, snap, m.name, types.TierMM).
		Buy(types.SideYes, quote, m.quoteSize).
		Urgency(types.UrgencyMaker).
		TTL(time.Second).
		EV(ev).
		Confidence(decimal.NewFromFloat(0.4)).
		RiskCost(inv.Mul(decimal.NewFromFloat(0.01))).
		Tag("quote").
		Build()

	return []*types.Intent{in}
}

// OnFill tracks inventory from own fills.
func (m *Maker) OnFill(fill types.Fill) {
	if fill.Side != types.SideYes {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inventory[fill.MarketID] = m.inventory[fill.MarketID].Add(fill.SignedQty())
}

func (m *Maker) OnConfigChange(key, value string) {
	if key == "maker_min_spread" {
		if d, err := decimal.NewFromString(value); err == nil {
			m.mu.Lock()
			m.minSpread = d
			m.mu.Unlock()
		}
	}
}
