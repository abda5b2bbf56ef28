package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyd/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY INTERFACE - Plug-in pattern for strategies
// ═══════════════════════════════════════════════════════════════════════════════
//
// A strategy is anything that turns the snapshot stream into an intent
// stream. The arbiter knows nothing about individual strategies; new ones
// plug in without touching it.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Strategy is the capability set every strategy implements.
type Strategy interface {
	// Name returns the strategy identifier used for attribution and leases.
	Name() string

	// Tier returns the arbiter priority tier.
	Tier() types.Tier

	// OnSnapshot consumes one market snapshot and returns zero or more
	// intents.
	OnSnapshot(snap *types.Snapshot) []*types.Intent

	// OnFill notifies the strategy of one of its fills.
	OnFill(fill types.Fill)

	// OnConfigChange notifies the strategy of a runtime config update.
	OnConfigChange(key, value string)
}

// ═══════════════════════════════════════════════════════════════════════════════
// INTENT BUILDER - Helper for creating intents
// ═══════════════════════════════════════════════════════════════════════════════

// IntentBuilder constructs intents with the common fields pre-filled.
type IntentBuilder struct {
	intent *types.Intent
}

// NewIntent starts an intent against a snapshot.
func NewIntent(seq *types.Sequence, snap *types.Snapshot, name string, tier types.Tier) *IntentBuilder {
	return &IntentBuilder{
		intent: &types.Intent{
			ID:         seq.Next(),
			SnapshotID: snap.ID,
			Strategy:   name,
			Tier:       tier,
			MarketID:   snap.MarketID,
			Kind:       types.IntentPlaceOrder,
			Urgency:    types.UrgencyNeutral,
			Confidence: decimal.NewFromFloat(0.5),
			Created:    snap.Timestamp,
		},
	}
}

// Kind sets the intent kind.
func (b *IntentBuilder) Kind(k types.IntentKind) *IntentBuilder {
	b.intent.Kind = k
	return b
}

// Buy sets a buy of side at price/size.
func (b *IntentBuilder) Buy(side types.Side, price, size decimal.Decimal) *IntentBuilder {
	b.intent.Side = side
	b.intent.Action = types.ActionBuy
	b.intent.Price = price
	b.intent.Size = size
	return b
}

// Sell sets a sell of side at price/size.
func (b *IntentBuilder) Sell(side types.Side, price, size decimal.Decimal) *IntentBuilder {
	b.intent.Side = side
	b.intent.Action = types.ActionSell
	b.intent.Price = price
	b.intent.Size = size
	return b
}

// Urgency sets execution urgency.
func (b *IntentBuilder) Urgency(u types.Urgency) *IntentBuilder {
	b.intent.Urgency = u
	return b
}

// TTL bounds how long the intent stays actionable.
func (b *IntentBuilder) TTL(d time.Duration) *IntentBuilder {
	b.intent.TTL = d
	return b
}

// EV sets expected value in USD.
func (b *IntentBuilder) EV(ev decimal.Decimal) *IntentBuilder {
	b.intent.EV = ev
	return b
}

// Confidence sets the 0-1 confidence score.
func (b *IntentBuilder) Confidence(c decimal.Decimal) *IntentBuilder {
	b.intent.Confidence = c
	return b
}

// RiskCost sets the tie-break risk penalty.
func (b *IntentBuilder) RiskCost(rc decimal.Decimal) *IntentBuilder {
	b.intent.RiskCost = rc
	return b
}

// LegGroup links this intent into a leg group.
func (b *IntentBuilder) LegGroup(id int64) *IntentBuilder {
	b.intent.LegGroup = id
	return b
}

// Tag appends an attribution tag.
func (b *IntentBuilder) Tag(tag string) *IntentBuilder {
	b.intent.Tags = append(b.intent.Tags, tag)
	return b
}

// Rationale sets the human-readable reason.
func (b *IntentBuilder) Rationale(r string) *IntentBuilder {
	b.intent.Rationale = r
	return b
}

// Build returns the completed intent.
func (b *IntentBuilder) Build() *types.Intent {
	return b.intent
}
