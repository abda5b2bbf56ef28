package strategy

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyd/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COMPLEMENT ARB - Box arbitrage on YES/NO ask sum
// ═══════════════════════════════════════════════════════════════════════════════
//
// When yesAsk + noAsk < 1 − buffer, buying both sides locks in the gap at
// settlement. Both legs go out as one taker leg group; the execution
// manager's leg discipline handles the one-sided-fill case.
//
// ═══════════════════════════════════════════════════════════════════════════════

var one = decimal.NewFromInt(1)

// ComplementArb is the box-arb strategy.
type ComplementArb struct {
	name    string
	buffer  decimal.Decimal // required edge below 1
	maxSize decimal.Decimal // per-leg share cap
	ttl     time.Duration
	seq     *types.Sequence
}

// NewComplementArb creates the strategy.
func NewComplementArb(seq *types.Sequence, buffer, maxSize decimal.Decimal) *ComplementArb {
	return &ComplementArb{
		name:    "complement_arb",
		buffer:  buffer,
		maxSize: maxSize,
		ttl:     300 * time.Millisecond,
		seq:     seq,
	}
}

func (c *ComplementArb) Name() string     { return c.name }
func (c *ComplementArb) Tier() types.Tier { return types.TierArb }

// OnSnapshot emits a two-leg taker group when the complement sum is below
// 1 − buffer.
func (c *ComplementArb) OnSnapshot(snap *types.Snapshot) []*types.Intent {
	if !snap.CanTrade {
		return nil
	}

	yesAsk := snap.Yes.AskPrice
	noAsk := snap.No.AskPrice
	if yesAsk.IsZero() || noAsk.IsZero() {
		return nil
	}

	sum := yesAsk.Add(noAsk)
	threshold := one.Sub(c.buffer)
	if sum.GreaterThanOrEqual(threshold) {
		return nil
	}

	size := decimal.Min(snap.Yes.AskSize, snap.No.AskSize, c.maxSize)
	if !size.IsPositive() {
		return nil
	}

	// Locked-in edge at settlement: (1 − sum) per share pair.
	edge := one.Sub(sum)
	ev := edge.Mul(size)
	group := c.seq.Next()

	log.Info().
		Str("market", snap.MarketID).
		Str("sum", sum.StringFixed(4)).
		Str("size", size.StringFixed(2)).
		Str("ev", ev.StringFixed(2)).
		Msg("complement arb triggered")

	yes := NewIntent(c.seq, snap, c.name, types.TierArb).
		Buy(types.SideYes, yesAsk, size).
		Urgency(types.UrgencyTaker).
		TTL(c.ttl).
		EV(ev).
		Confidence(decimal.NewFromFloat(0.95)).
		LegGroup(group).
		Tag("box_arb").
		Rationale("yes+no asks sum " + sum.StringFixed(4)).
		Build()

	no := NewIntent(c.seq, snap, c.name, types.TierArb).
		Buy(types.SideNo, noAsk, size).
		Urgency(types.UrgencyTaker).
		TTL(c.ttl).
		EV(ev).
		Confidence(decimal.NewFromFloat(0.95)).
		LegGroup(group).
		Tag("box_arb").
		Rationale("yes+no asks sum " + sum.StringFixed(4)).
		Build()

	return []*types.Intent{yes, no}
}

func (c *ComplementArb) OnFill(fill types.Fill) {}

func (c *ComplementArb) OnConfigChange(key, value string) {
	if key == "arb_buffer" {
		if d, err := decimal.NewFromString(value); err == nil {
			c.buffer = d
			log.Info().Str("buffer", value).Msg("complement arb buffer updated")
		}
	}
}
