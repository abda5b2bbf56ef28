package types

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED KERNEL TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════
//
// Everything that flows between kernel stages lives here:
//   event → snapshot → intent → approval → order → fill → ledger
//
// Cross-stage references are monotonic integer ids, never pointers.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Sequence hands out process-unique monotonic ids. One instance backs the
// intent id space so strategy intents and kernel-synthesized intents never
// collide.
type Sequence struct {
	n atomic.Int64
}

// Next returns the next id.
func (s *Sequence) Next() int64 {
	return s.n.Add(1)
}

// Side of a binary market token.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Action on a token.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Market is the unit of ownership leasing and exposure accounting.
type Market struct {
	ID       string
	YesToken string
	NoToken  string
	Class    string // selects the staleness threshold
}

// Token returns the token id for a side.
func (m Market) Token(side Side) string {
	if side == SideYes {
		return m.YesToken
	}
	return m.NoToken
}

// BookTop is the top of book for one token of a market.
type BookTop struct {
	BidPrice decimal.Decimal
	BidSize  decimal.Decimal
	AskPrice decimal.Decimal
	AskSize  decimal.Decimal
}

// Mid returns the midpoint of the top of book, zero when one side is empty.
func (b BookTop) Mid() decimal.Decimal {
	if b.BidPrice.IsZero() || b.AskPrice.IsZero() {
		return decimal.Zero
	}
	return b.BidPrice.Add(b.AskPrice).Div(decimal.NewFromInt(2))
}

// Position is the per-market holding view. Mutated only by the execution
// manager; everyone else reads published copies.
type Position struct {
	MarketID     string
	YesQty       decimal.Decimal
	NoQty        decimal.Decimal
	NetExposure  decimal.Decimal // cost basis of held lots, USD; not marked to market
	OpenExposure decimal.Decimal // committed but unfilled USD
}

// Qty returns the holding for a side.
func (p Position) Qty(side Side) decimal.Decimal {
	if side == SideYes {
		return p.YesQty
	}
	return p.NoQty
}

// FeatureSchemaVersion is bumped whenever any feature definition or the
// ordering in FeatureNames changes.
const FeatureSchemaVersion = 3

// FeatureNames is the fixed feature ordering for the current schema version.
var FeatureNames = []string{
	"spread",
	"micro_price",
	"imbalance",
	"volatility",
	"crowding",
	"toxicity",
	"spread_compression",
}

// Snapshot is the immutable consistent market view consumed by strategies.
type Snapshot struct {
	ID            int64
	RunID         string
	Timestamp     time.Time
	MarketID      string
	Yes           BookTop
	No            BookTop
	Position      Position
	Stale         bool
	DrawdownHalt  bool
	CanTrade      bool
	Crowding      float64
	Toxicity      float64
	SpreadComp    float64
	Features      []float64
	SchemaVersion int
}

// IntentKind enumerates strategy proposals.
type IntentKind string

const (
	IntentPlaceOrder IntentKind = "PLACE_ORDER"
	IntentCancel     IntentKind = "CANCEL"
	IntentCancelAll  IntentKind = "CANCEL_ALL"
	IntentFlatten    IntentKind = "FLATTEN"
	IntentNoOp       IntentKind = "NOOP"
)

// Urgency of an intent.
type Urgency string

const (
	UrgencyMaker   Urgency = "MAKER"
	UrgencyNeutral Urgency = "NEUTRAL"
	UrgencyTaker   Urgency = "TAKER"
)

// Tier is the arbiter priority ladder. Lower value wins.
type Tier int

const (
	TierArb Tier = iota
	TierEventArb
	TierMM
	TierDirectional
)

func (t Tier) String() string {
	switch t {
	case TierArb:
		return "arb"
	case TierEventArb:
		return "event_arb"
	case TierMM:
		return "mm"
	case TierDirectional:
		return "directional"
	}
	return "unknown"
}

// Intent is a strategy's proposal. Not an order until approved.
type Intent struct {
	ID         int64
	SnapshotID int64
	Strategy   string
	Tier       Tier
	MarketID   string
	Kind       IntentKind
	Side       Side
	Action     Action
	Price      decimal.Decimal
	Size       decimal.Decimal
	Urgency    Urgency
	TTL        time.Duration
	EV         decimal.Decimal
	Confidence decimal.Decimal
	RiskCost   decimal.Decimal
	Tags       []string
	Rationale  string
	Created    time.Time

	// TargetOrderID carries the client order id a Cancel intent targets.
	TargetOrderID string

	// LegGroup links complementary Place intents that must execute together.
	LegGroup int64

	// EmergencyUnwind marks synthetic Flattens from leg-group unwinding.
	// Bypasses ownership, never risk caps beyond the unwind variant.
	EmergencyUnwind bool

	// Synthetic marks intents minted by the kernel itself (preemption
	// cancels, flatten expansion) rather than by a strategy.
	Synthetic bool
}

// Expired reports whether the intent's TTL has elapsed at now.
func (i *Intent) Expired(now time.Time) bool {
	return i.TTL > 0 && now.Sub(i.Created) > i.TTL
}

// Score is the arbiter tie-break: EV*confidence − risk_cost.
func (i *Intent) Score() decimal.Decimal {
	return i.EV.Mul(i.Confidence).Sub(i.RiskCost)
}

// Approval reason codes.
const (
	ReasonApproved       = "approved"
	ReasonNoOp           = "noop"
	ReasonInvalid        = "invalid"
	ReasonExpired        = "expired"
	ReasonDuplicate      = "duplicate"
	ReasonLowerPriority  = "lower_priority"
	ReasonLeaseHeld      = "lease_held"
	ReasonStaleState     = "stale_state"
	ReasonDrawdownHalt   = "drawdown_halt"
	ReasonKillSwitch     = "kill_switch"
	ReasonCapsBreach     = "caps_breach"
	ReasonVenueUnhealthy = "venue_unhealthy"
	ReasonPaused         = "paused"
)

// Approval is the arbiter's verdict on an intent, with the risk governor's
// stamp attached before it becomes an execution request.
type Approval struct {
	ID          int64
	IntentID    int64
	Approved    bool
	Reason      string
	MarketOwner string
	RiskOK      bool
	Timestamp   time.Time
}

// OrderStatus progression:
//
//	Submitted → Acked → Open → PartiallyFilled* → Filled
//	                        ├→ Canceled
//	                        └→ Rejected
//	Submitted → Failed (terminal submission error)
type OrderStatus string

const (
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderAcked           OrderStatus = "ACKED"
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderFailed          OrderStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderFailed:
		return true
	}
	return false
}

// validNext enumerates the only legal status transitions.
var validNext = map[OrderStatus][]OrderStatus{
	OrderSubmitted:       {OrderAcked, OrderFailed},
	OrderAcked:           {OrderOpen, OrderPartiallyFilled, OrderFilled, OrderCanceled, OrderRejected},
	OrderOpen:            {OrderPartiallyFilled, OrderFilled, OrderCanceled, OrderRejected},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCanceled},
}

// CanTransition reports whether from → to is a legal status move.
func CanTransition(from, to OrderStatus) bool {
	for _, n := range validNext[from] {
		if n == to {
			return true
		}
	}
	return false
}

// Order is a venue-facing submission.
type Order struct {
	ClientOrderID string          // our idempotency key, unique per run
	VenueOrderID  string          // assigned on ack
	IntentID      int64
	ApprovalID    int64
	Strategy      string
	MarketID      string
	TokenID       string
	Side          Side
	Action        Action
	Price         decimal.Decimal
	Size          decimal.Decimal
	FilledSize    decimal.Decimal
	Status        OrderStatus
	SubmittedAt   time.Time
	AckedAt       *time.Time
	FinalAt       *time.Time
	SubmitLatency time.Duration
	LegGroup      int64
	ErrorMsg      string
}

// Live reports whether the order may still rest in the venue book.
func (o *Order) Live() bool {
	switch o.Status {
	case OrderAcked, OrderOpen, OrderPartiallyFilled:
		return true
	}
	return false
}

// Fill is a single execution event.
type Fill struct {
	FillID        string
	VenueOrderID  string
	ClientOrderID string
	MarketID      string
	Side          Side
	Action        Action
	Price         decimal.Decimal
	Qty           decimal.Decimal
	Fee           decimal.Decimal
	Maker         bool
	Timestamp     time.Time
}

// SignedQty returns the position delta of the fill: buys add, sells remove.
func (f Fill) SignedQty() decimal.Decimal {
	if f.Action == ActionSell {
		return f.Qty.Neg()
	}
	return f.Qty
}

// LedgerKind enumerates PnL ledger entry kinds.
type LedgerKind string

const (
	LedgerRealized   LedgerKind = "realized"
	LedgerMTM        LedgerKind = "mtm"
	LedgerFee        LedgerKind = "fee"
	LedgerAdjustment LedgerKind = "adjustment"
)

// LedgerEntry is an append-only PnL record.
type LedgerEntry struct {
	Kind       LedgerKind
	Reference  string          // fill_id / snapshot_id / settlement
	AmountUSD  decimal.Decimal
	Strategy   string
	MarketID   string
	PartialLeg bool
	Timestamp  time.Time
}

// IncidentLevel for operational incidents.
type IncidentLevel string

const (
	IncidentInfo     IncidentLevel = "INFO"
	IncidentWarn     IncidentLevel = "WARN"
	IncidentCritical IncidentLevel = "CRITICAL"
)

// Incident records an operational anomaly or operator action.
type Incident struct {
	Level     IncidentLevel
	Kind      string
	MarketID  string
	Detail    string
	Timestamp time.Time
}
