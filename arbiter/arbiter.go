package arbiter

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polyd/risk"
	"github.com/web3guy0/polyd/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ARBITER - Tier priority selection + per-market ownership leases
// ═══════════════════════════════════════════════════════════════════════════════
//
// Consumes intents from every strategy, produces approvals. Tier ladder:
// Arb > EventArb > MM > Directional; ties break on EV*confidence − risk_cost,
// then earlier snapshot id.
//
// While a lease is active only the owner may have a PlaceOrder approved on
// that market. A higher-tier challenger preempts immediately, but the
// preempted owner's open orders are cancelled first: cancels go out this
// cycle, the challenger's Place is approved on a following cycle once the
// book is clear. Same-tier challengers wait for lease expiry.
//
// The governor is consulted inline: an approval becomes an execution request
// only with risk_ok attached.
//
// ═══════════════════════════════════════════════════════════════════════════════

// snapMeta is what the arbiter retains about recent snapshots: enough to
// age-check intents and re-derive can_trade and inventory at decision time.
type snapMeta struct {
	ts       time.Time
	canTrade bool
	yesQty   int64     // whole-share inventory for sell validation
	noQty    int64
}

// OpenOrderView reports a strategy's live orders per market, owned by the
// execution manager.
type OpenOrderView interface {
	OpenOrders(marketID, strategy string) []string // client order ids
}

// lease is one market's ownership record.
type lease struct {
	owner   string
	tier    types.Tier
	expires time.Time
}

// Decision pairs an intent with its approval for downstream consumers.
type Decision struct {
	Intent   *types.Intent
	Approval types.Approval
}

// Config tunes selection.
type Config struct {
	LeaseDuration  time.Duration
	MaxSnapshotAge time.Duration
	DedupWindow    time.Duration
	DedupPriceBand float64
}

// Arbiter owns the lease table. All mutation happens on the arbitration
// cycle; concurrent callers only enqueue.
type Arbiter struct {
	mu sync.Mutex

	cfg      Config
	governor *risk.Governor
	orders   OpenOrderView
	seq      *types.Sequence

	pending   []*types.Intent
	leases    map[string]*lease
	snapshots map[int64]snapMeta
	paused    map[string]bool

	approvalSeq atomic.Int64
}

// New creates an arbiter.
func New(cfg Config, governor *risk.Governor, orders OpenOrderView, seq *types.Sequence) *Arbiter {
	return &Arbiter{
		cfg:       cfg,
		governor:  governor,
		orders:    orders,
		seq:       seq,
		leases:    make(map[string]*lease),
		snapshots: make(map[int64]snapMeta),
		paused:    make(map[string]bool),
	}
}

// ObserveSnapshot registers snapshot metadata for age and inventory checks.
func (a *Arbiter) ObserveSnapshot(s *types.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.snapshots[s.ID] = snapMeta{
		ts:       s.Timestamp,
		canTrade: s.CanTrade,
		yesQty:   s.Position.YesQty.IntPart(),
		noQty:    s.Position.NoQty.IntPart(),
	}

	// Bound the registry: drop snapshots too old to back any live intent.
	cutoff := s.Timestamp.Add(-4 * a.cfg.MaxSnapshotAge)
	for id, meta := range a.snapshots {
		if meta.ts.Before(cutoff) {
			delete(a.snapshots, id)
		}
	}
}

// Enqueue adds a strategy intent to the next arbitration cycle.
func (a *Arbiter) Enqueue(i *types.Intent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, i)
}

// Pause suspends Place approvals for a strategy; cancels still flow.
func (a *Arbiter) Pause(strategy string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused[strategy] = true
	log.Info().Str("strategy", strategy).Msg("strategy paused")
}

// Resume re-enables a strategy.
func (a *Arbiter) Resume(strategy string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.paused, strategy)
	log.Info().Str("strategy", strategy).Msg("strategy resumed")
}

// Owner returns the current lease holder of a market, empty when none.
func (a *Arbiter) Owner(marketID string, now time.Time) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.leases[marketID]; ok && now.Before(l.expires) {
		return l.owner
	}
	return ""
}

// Cycle runs one arbitration pass. Decisions come back in emission order:
// preemption cancels first, then the cycle's verdicts. The caller persists
// every approval before handing the approved ones to execution.
func (a *Arbiter) Cycle(now time.Time) []Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	intents := a.pending
	a.pending = nil

	var out []Decision
	var live []*types.Intent

	// Step 1: drop expired intents and stale-snapshot intents up front.
	for _, in := range intents {
		if in.Kind == types.IntentNoOp {
			out = append(out, a.deny(in, types.ReasonNoOp, "", now))
			continue
		}
		if in.Expired(now) {
			out = append(out, a.deny(in, types.ReasonExpired, "", now))
			continue
		}
		meta, ok := a.snapshots[in.SnapshotID]
		if !ok || now.Sub(meta.ts) > a.cfg.MaxSnapshotAge {
			out = append(out, a.deny(in, types.ReasonExpired, "", now))
			continue
		}
		live = append(live, in)
	}

	// Step 2: collapse duplicates (same strategy/market/side, close price,
	// inside the dedup window) to the most recent.
	live, dups := a.dedup(live, now)
	for _, d := range dups {
		out = append(out, a.deny(d, types.ReasonDuplicate, "", now))
	}

	// Step 3: partition by market and select.
	byMarket := make(map[string][]*types.Intent)
	for _, in := range live {
		byMarket[in.MarketID] = append(byMarket[in.MarketID], in)
	}

	for marketID, group := range byMarket {
		out = append(out, a.selectMarket(marketID, group, now)...)
	}

	return out
}

// selectMarket applies lease rules and tie-breaks within one market.
func (a *Arbiter) selectMarket(marketID string, group []*types.Intent, now time.Time) []Decision {
	var out []Decision
	var places []*types.Intent

	// Cancels, CancelAlls and Flattens are always eligible regardless of
	// the lease; they still pass the governor.
	for _, in := range group {
		switch in.Kind {
		case types.IntentCancel, types.IntentCancelAll, types.IntentFlatten:
			out = append(out, a.approve(in, now))
		case types.IntentPlaceOrder:
			places = append(places, in)
		}
	}

	if len(places) == 0 {
		return out
	}

	// Sell without inventory is invalid.
	valid := places[:0]
	for _, in := range places {
		if in.Action == types.ActionSell && !a.hasInventory(in) {
			out = append(out, a.deny(in, types.ReasonInvalid, a.ownerName(marketID, now), now))
			continue
		}
		if a.paused[in.Strategy] {
			out = append(out, a.deny(in, types.ReasonPaused, a.ownerName(marketID, now), now))
			continue
		}
		valid = append(valid, in)
	}
	places = valid
	if len(places) == 0 {
		return out
	}

	// Tier ladder, then score, then earlier snapshot.
	sort.SliceStable(places, func(i, j int) bool {
		if places[i].Tier != places[j].Tier {
			return places[i].Tier < places[j].Tier
		}
		si, sj := places[i].Score(), places[j].Score()
		if !si.Equal(sj) {
			return si.GreaterThan(sj)
		}
		return places[i].SnapshotID < places[j].SnapshotID
	})

	winner := places[0]
	l := a.leases[marketID]
	leaseActive := l != nil && now.Before(l.expires)

	switch {
	case !leaseActive:
		// Free market: winner takes the lease only when the placement
		// actually clears the governor.
		d := a.approve(winner, now)
		if d.Approval.Approved {
			a.grantLease(marketID, winner, now)
			d.Approval.MarketOwner = winner.Strategy
		}
		out = append(out, d)

	case l.owner == winner.Strategy:
		// Owner renews on successful placement; a vetoed Place must not
		// re-extend the lease and starve same-tier peers.
		d := a.approve(winner, now)
		if d.Approval.Approved {
			a.grantLease(marketID, winner, now)
		}
		out = append(out, d)

	case winner.Tier < l.tier:
		// Higher tier preempts: the owner's open orders must be cancelled
		// before the challenger places. Queue the cancels now, approve the
		// Place on a later cycle once the book is clear.
		open := a.openOrders(marketID, l.owner)
		if len(open) > 0 {
			for _, clientID := range open {
				cancel := &types.Intent{
					ID:            a.seq.Next(),
					SnapshotID:    winner.SnapshotID,
					Strategy:      l.owner,
					Tier:          l.tier,
					MarketID:      marketID,
					Kind:          types.IntentCancel,
					TargetOrderID: clientID,
					Created:       now,
					Rationale:     "preempted by " + winner.Strategy,
					Synthetic:     true,
				}
				out = append(out, a.approve(cancel, now))
			}
			// Keep the challenger pending; approve once cancels land.
			a.pending = append(a.pending, winner)
			log.Debug().
				Str("market", marketID).
				Str("from", l.owner).
				Str("to", winner.Strategy).
				Int("cancels", len(open)).
				Msg("lease preemption: cancelling incumbent orders")
		} else {
			d := a.approve(winner, now)
			if d.Approval.Approved {
				a.grantLease(marketID, winner, now)
				d.Approval.MarketOwner = winner.Strategy
			}
			out = append(out, d)
		}

	default:
		// Same tier waits for expiry; lower tier is outranked.
		reason := types.ReasonLeaseHeld
		if winner.Tier > l.tier {
			reason = types.ReasonLowerPriority
		}
		out = append(out, a.deny(winner, reason, l.owner, now))
	}

	// Remaining Places lost the cycle.
	for _, in := range places[1:] {
		reason := types.ReasonLowerPriority
		if in.Tier == winner.Tier {
			reason = types.ReasonLeaseHeld
		}
		out = append(out, a.deny(in, reason, a.ownerName(marketID, now), now))
	}

	return out
}

// dedup collapses near-identical intents to the most recent one.
func (a *Arbiter) dedup(intents []*types.Intent, now time.Time) (keep, drop []*types.Intent) {
	type key struct {
		strategy string
		market   string
		side     types.Side
		kind     types.IntentKind
	}

	latest := make(map[key]*types.Intent)
	for _, in := range intents {
		k := key{in.Strategy, in.MarketID, in.Side, in.Kind}
		prev, ok := latest[k]
		if !ok {
			latest[k] = in
			continue
		}
		priceDelta := in.Price.Sub(prev.Price).Abs().InexactFloat64()
		within := now.Sub(prev.Created) <= a.cfg.DedupWindow && priceDelta <= a.cfg.DedupPriceBand
		if !within {
			// Distinct enough to stand alone; keep both.
			keep = append(keep, prev)
			latest[k] = in
			continue
		}
		if in.Created.After(prev.Created) {
			drop = append(drop, prev)
			latest[k] = in
		} else {
			drop = append(drop, in)
		}
	}
	for _, in := range latest {
		keep = append(keep, in)
	}
	// Deterministic downstream order.
	sort.Slice(keep, func(i, j int) bool { return keep[i].ID < keep[j].ID })
	return keep, drop
}

func (a *Arbiter) grantLease(marketID string, winner *types.Intent, now time.Time) {
	a.leases[marketID] = &lease{
		owner:   winner.Strategy,
		tier:    winner.Tier,
		expires: now.Add(a.cfg.LeaseDuration),
	}
}

func (a *Arbiter) ownerName(marketID string, now time.Time) string {
	if l, ok := a.leases[marketID]; ok && now.Before(l.expires) {
		return l.owner
	}
	return ""
}

func (a *Arbiter) openOrders(marketID, strategy string) []string {
	if a.orders == nil {
		return nil
	}
	return a.orders.OpenOrders(marketID, strategy)
}

func (a *Arbiter) hasInventory(in *types.Intent) bool {
	meta, ok := a.snapshots[in.SnapshotID]
	if !ok {
		return false
	}
	qty := meta.yesQty
	if in.Side == types.SideNo {
		qty = meta.noQty
	}
	return qty >= in.Size.IntPart() && qty > 0
}

// approve stamps an approval with the governor's verdict attached.
func (a *Arbiter) approve(in *types.Intent, now time.Time) Decision {
	canTrade := false
	if meta, ok := a.snapshots[in.SnapshotID]; ok {
		canTrade = meta.canTrade
	}

	riskOK, reason := true, types.ReasonApproved
	if a.governor != nil {
		riskOK, reason = a.governor.Check(in, canTrade)
	}

	approved := riskOK
	if !riskOK {
		log.Debug().
			Int64("intent", in.ID).
			Str("reason", reason).
			Msg("approval vetoed by governor")
	}

	return Decision{
		Intent: in,
		Approval: types.Approval{
			ID:          a.approvalSeq.Add(1),
			IntentID:    in.ID,
			Approved:    approved,
			Reason:      reason,
			MarketOwner: a.ownerName(in.MarketID, now),
			RiskOK:      riskOK,
			Timestamp:   now,
		},
	}
}

func (a *Arbiter) deny(in *types.Intent, reason, owner string, now time.Time) Decision {
	return Decision{
		Intent: in,
		Approval: types.Approval{
			ID:          a.approvalSeq.Add(1),
			IntentID:    in.ID,
			Approved:    false,
			Reason:      reason,
			MarketOwner: owner,
			Timestamp:   now,
		},
	}
}
