package arbiter

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyd/risk"
	"github.com/web3guy0/polyd/types"
)

type stubOrders struct {
	open map[string][]string // strategy -> client ids
}

func (s *stubOrders) OpenOrders(marketID, strategy string) []string {
	if s == nil || s.open == nil {
		return nil
	}
	return s.open[strategy]
}

type nilExposures struct{}

func (nilExposures) MarketExposure(string) decimal.Decimal { return decimal.Zero }
func (nilExposures) PortfolioExposure() decimal.Decimal    { return decimal.Zero }

func testArbiter(orders OpenOrderView) *Arbiter {
	gov := risk.NewGovernor(risk.Config{
		DrawdownHaltUSD:      decimal.NewFromInt(1000),
		MaxMarketExposure:    decimal.NewFromInt(10000),
		MaxPortfolioExposure: decimal.NewFromInt(100000),
	}, nilExposures{}, risk.NewCircuitBreaker(10))
	return New(Config{
		LeaseDuration:  800 * time.Millisecond,
		MaxSnapshotAge: time.Second,
		DedupWindow:    200 * time.Millisecond,
		DedupPriceBand: 0.01,
	}, gov, orders, &types.Sequence{})
}

var intentSeq atomic.Int64

func place(strategy string, tier types.Tier, snapID int64, created time.Time) *types.Intent {
	return &types.Intent{
		ID:         intentSeq.Add(1),
		SnapshotID: snapID,
		Strategy:   strategy,
		Tier:       tier,
		MarketID:   "m1",
		Kind:       types.IntentPlaceOrder,
		Side:       types.SideYes,
		Action:     types.ActionBuy,
		Price:      decimal.NewFromFloat(0.45),
		Size:       decimal.NewFromInt(100),
		Urgency:    types.UrgencyTaker,
		EV:         decimal.NewFromFloat(1),
		Confidence: decimal.NewFromFloat(0.5),
		Created:    created,
	}
}

func observe(a *Arbiter, id int64, ts time.Time, canTrade bool) {
	a.ObserveSnapshot(&types.Snapshot{ID: id, Timestamp: ts, CanTrade: canTrade})
}

func find(t *testing.T, ds []Decision, intentID int64) Decision {
	t.Helper()
	for _, d := range ds {
		if d.Intent.ID == intentID {
			return d
		}
	}
	t.Fatalf("no decision for intent %d", intentID)
	return Decision{}
}

func TestFreeMarketApproval(t *testing.T) {
	t.Parallel()
	a := testArbiter(nil)
	now := time.Now()
	observe(a, 1, now, true)

	in := place("mm", types.TierMM, 1, now)
	a.Enqueue(in)

	ds := a.Cycle(now)
	d := find(t, ds, in.ID)
	if !d.Approval.Approved || !d.Approval.RiskOK {
		t.Fatalf("approval = %+v, want approved with risk_ok", d.Approval)
	}
	if a.Owner("m1", now) != "mm" {
		t.Errorf("owner = %q, want mm", a.Owner("m1", now))
	}
}

func TestStaleSnapshotVeto(t *testing.T) {
	t.Parallel()
	a := testArbiter(nil)
	now := time.Now()
	observe(a, 1, now, false) // can_trade = false

	in := place("mm", types.TierMM, 1, now)
	a.Enqueue(in)

	d := find(t, a.Cycle(now), in.ID)
	if d.Approval.Approved {
		t.Fatal("Place from a non-tradeable snapshot must be denied")
	}
	if d.Approval.Reason != types.ReasonStaleState {
		t.Errorf("reason = %s, want %s", d.Approval.Reason, types.ReasonStaleState)
	}
	if owner := a.Owner("m1", now); owner != "" {
		t.Errorf("owner = %q, a vetoed Place must not claim the lease", owner)
	}
}

func TestVetoedRenewalDoesNotExtendLease(t *testing.T) {
	t.Parallel()
	a := testArbiter(nil)
	now := time.Now()
	observe(a, 1, now, true)

	seed := place("mm", types.TierMM, 1, now)
	a.Enqueue(seed)
	if d := find(t, a.Cycle(now), seed.ID); !d.Approval.Approved {
		t.Fatalf("seed approval = %+v, want approved", d.Approval)
	}

	// Mid-lease the owner tries to renew from a non-tradeable snapshot:
	// denied, and the lease clock must not restart.
	mid := now.Add(400 * time.Millisecond)
	observe(a, 2, mid, false)
	renew := place("mm", types.TierMM, 2, mid)
	a.Enqueue(renew)
	d := find(t, a.Cycle(mid), renew.ID)
	if d.Approval.Approved || d.Approval.Reason != types.ReasonStaleState {
		t.Fatalf("vetoed renewal = %+v, want stale_state denial", d.Approval)
	}

	// At the original expiry a same-tier peer takes the market; an
	// extended lease would have denied it lease_held.
	expiry := now.Add(800 * time.Millisecond)
	observe(a, 3, expiry, true)
	peer := place("mm2", types.TierMM, 3, expiry)
	a.Enqueue(peer)
	d = find(t, a.Cycle(expiry), peer.ID)
	if !d.Approval.Approved {
		t.Fatalf("peer at expiry = %+v, want approved", d.Approval)
	}
	if owner := a.Owner("m1", expiry); owner != "mm2" {
		t.Errorf("owner = %q, want mm2", owner)
	}
}

func TestNoOpRecorded(t *testing.T) {
	t.Parallel()
	a := testArbiter(nil)
	now := time.Now()

	in := &types.Intent{ID: intentSeq.Add(1), Kind: types.IntentNoOp, Strategy: "mm", MarketID: "m1", Created: now}
	a.Enqueue(in)

	d := find(t, a.Cycle(now), in.ID)
	if d.Approval.Approved || d.Approval.Reason != types.ReasonNoOp {
		t.Errorf("NoOp approval = %+v, want denied with noop", d.Approval)
	}
}

func TestSellWithoutInventoryInvalid(t *testing.T) {
	t.Parallel()
	a := testArbiter(nil)
	now := time.Now()
	observe(a, 1, now, true) // zero inventory

	in := place("mm", types.TierMM, 1, now)
	in.Action = types.ActionSell
	a.Enqueue(in)

	d := find(t, a.Cycle(now), in.ID)
	if d.Approval.Approved || d.Approval.Reason != types.ReasonInvalid {
		t.Errorf("sell w/o inventory = %+v, want invalid", d.Approval)
	}
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()
	a := testArbiter(nil)
	now := time.Now()
	observe(a, 1, now, true)

	in := place("mm", types.TierMM, 1, now.Add(-time.Second))
	in.TTL = 100 * time.Millisecond
	a.Enqueue(in)

	d := find(t, a.Cycle(now), in.ID)
	if d.Approval.Approved || d.Approval.Reason != types.ReasonExpired {
		t.Errorf("expired intent = %+v, want expired", d.Approval)
	}
}

func TestDuplicateCollapse(t *testing.T) {
	t.Parallel()
	a := testArbiter(nil)
	now := time.Now()
	observe(a, 1, now, true)

	older := place("mm", types.TierMM, 1, now.Add(-50*time.Millisecond))
	newer := place("mm", types.TierMM, 1, now)
	a.Enqueue(older)
	a.Enqueue(newer)

	ds := a.Cycle(now)
	if d := find(t, ds, older.ID); d.Approval.Reason != types.ReasonDuplicate {
		t.Errorf("older duplicate reason = %s, want duplicate", d.Approval.Reason)
	}
	if d := find(t, ds, newer.ID); !d.Approval.Approved {
		t.Errorf("most recent duplicate should win, got %+v", d.Approval)
	}
}

func TestTierPreemptionWithOpenOrders(t *testing.T) {
	t.Parallel()
	orders := &stubOrders{open: map[string][]string{"mm": {"ord-1", "ord-2"}}}
	a := testArbiter(orders)
	now := time.Now()
	observe(a, 1, now, true)

	// MM takes the lease.
	mmIn := place("mm", types.TierMM, 1, now)
	a.Enqueue(mmIn)
	if d := find(t, a.Cycle(now), mmIn.ID); !d.Approval.Approved {
		t.Fatalf("mm seed approval failed: %+v", d.Approval)
	}

	// Arb challenges inside the lease window.
	later := now.Add(200 * time.Millisecond)
	observe(a, 2, later, true)
	arbIn := place("arb", types.TierArb, 2, later)
	mmIn2 := place("mm", types.TierMM, 2, later)
	a.Enqueue(arbIn)
	a.Enqueue(mmIn2)

	ds := a.Cycle(later)

	// Cycle 1: cancels for the incumbent's open orders, approved immediately.
	cancels := 0
	for _, d := range ds {
		if d.Intent.Kind == types.IntentCancel && d.Approval.Approved {
			cancels++
			if d.Intent.Strategy != "mm" {
				t.Errorf("cancel attributed to %q, want mm", d.Intent.Strategy)
			}
		}
	}
	if cancels != 2 {
		t.Errorf("approved cancels = %d, want 2", cancels)
	}

	// The incumbent's fresh Place is denied lower_priority.
	if d := find(t, ds, mmIn2.ID); d.Approval.Reason != types.ReasonLowerPriority {
		t.Errorf("incumbent place reason = %s, want lower_priority", d.Approval.Reason)
	}

	// The challenger is deferred, not decided this cycle.
	for _, d := range ds {
		if d.Intent.ID == arbIn.ID {
			t.Fatal("challenger should be deferred while cancels land")
		}
	}

	// Cycle 2: book now clear, challenger approved and owns the lease.
	orders.open = nil
	next := later.Add(50 * time.Millisecond)
	ds2 := a.Cycle(next)
	d := find(t, ds2, arbIn.ID)
	if !d.Approval.Approved {
		t.Fatalf("challenger approval = %+v, want approved", d.Approval)
	}
	if a.Owner("m1", next) != "arb" {
		t.Errorf("owner = %q, want arb", a.Owner("m1", next))
	}
}

func TestSameTierWaitsForExpiry(t *testing.T) {
	t.Parallel()
	a := testArbiter(nil)
	now := time.Now()
	observe(a, 1, now, true)

	first := place("mm", types.TierMM, 1, now)
	a.Enqueue(first)
	a.Cycle(now)

	// Same-tier challenger inside the lease: denied lease_held.
	observe(a, 2, now.Add(100*time.Millisecond), true)
	second := place("mm2", types.TierMM, 2, now.Add(100*time.Millisecond))
	a.Enqueue(second)
	d := find(t, a.Cycle(now.Add(100*time.Millisecond)), second.ID)
	if d.Approval.Approved || d.Approval.Reason != types.ReasonLeaseHeld {
		t.Errorf("same-tier challenge = %+v, want lease_held", d.Approval)
	}

	// At exactly lease expiry, same-tier preemption is permitted.
	expiry := now.Add(800 * time.Millisecond)
	observe(a, 3, expiry, true)
	third := place("mm2", types.TierMM, 3, expiry)
	a.Enqueue(third)
	d = find(t, a.Cycle(expiry), third.ID)
	if !d.Approval.Approved {
		t.Errorf("preemption at expiry = %+v, want approved", d.Approval)
	}
	if a.Owner("m1", expiry) != "mm2" {
		t.Errorf("owner = %q, want mm2", a.Owner("m1", expiry))
	}
}

func TestCancelFlowsUnderForeignLease(t *testing.T) {
	t.Parallel()
	a := testArbiter(nil)
	now := time.Now()
	observe(a, 1, now, true)

	seed := place("mm", types.TierMM, 1, now)
	a.Enqueue(seed)
	a.Cycle(now)

	cancel := &types.Intent{
		ID: intentSeq.Add(1), SnapshotID: 1, Strategy: "arb", MarketID: "m1",
		Kind: types.IntentCancel, TargetOrderID: "x", Created: now,
	}
	a.Enqueue(cancel)
	d := find(t, a.Cycle(now.Add(10*time.Millisecond)), cancel.ID)
	if !d.Approval.Approved {
		t.Errorf("foreign Cancel under lease = %+v, want approved", d.Approval)
	}
}

func TestTieBreakScoreThenSnapshot(t *testing.T) {
	t.Parallel()
	a := testArbiter(nil)
	now := time.Now()
	observe(a, 1, now, true)
	observe(a, 2, now, true)

	low := place("s1", types.TierArb, 2, now)
	low.EV = decimal.NewFromFloat(0.5)
	high := place("s2", types.TierArb, 2, now)
	high.EV = decimal.NewFromFloat(2.0)
	a.Enqueue(low)
	a.Enqueue(high)

	ds := a.Cycle(now)
	if d := find(t, ds, high.ID); !d.Approval.Approved {
		t.Errorf("higher score should win, got %+v", d.Approval)
	}
	if d := find(t, ds, low.ID); d.Approval.Approved {
		t.Error("lower score should lose the cycle")
	}

	// Equal scores: earlier snapshot id wins.
	b := testArbiter(nil)
	observe(b, 1, now, true)
	observe(b, 2, now, true)
	early := place("s1", types.TierArb, 1, now)
	late := place("s2", types.TierArb, 2, now)
	b.Enqueue(late)
	b.Enqueue(early)
	ds = b.Cycle(now)
	if d := find(t, ds, early.ID); !d.Approval.Approved {
		t.Errorf("earlier snapshot should win the tie, got %+v", d.Approval)
	}
}

func TestPauseBlocksPlaces(t *testing.T) {
	t.Parallel()
	a := testArbiter(nil)
	now := time.Now()
	observe(a, 1, now, true)

	a.Pause("mm")
	in := place("mm", types.TierMM, 1, now)
	a.Enqueue(in)
	d := find(t, a.Cycle(now), in.ID)
	if d.Approval.Approved || d.Approval.Reason != types.ReasonPaused {
		t.Errorf("paused strategy place = %+v, want paused", d.Approval)
	}

	a.Resume("mm")
	in2 := place("mm", types.TierMM, 1, now)
	a.Enqueue(in2)
	if d := find(t, a.Cycle(now), in2.ID); !d.Approval.Approved {
		t.Errorf("resumed strategy place = %+v, want approved", d.Approval)
	}
}
