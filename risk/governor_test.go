package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyd/types"
)

type stubExposures struct {
	market    decimal.Decimal
	portfolio decimal.Decimal
}

func (s stubExposures) MarketExposure(string) decimal.Decimal { return s.market }
func (s stubExposures) PortfolioExposure() decimal.Decimal    { return s.portfolio }

func testGovernor(exp ExposureView) *Governor {
	return NewGovernor(Config{
		DrawdownHaltUSD:      decimal.NewFromInt(100),
		MaxMarketExposure:    decimal.NewFromInt(250),
		MaxPortfolioExposure: decimal.NewFromInt(1000),
	}, exp, NewCircuitBreaker(3))
}

func placeIntent() *types.Intent {
	return &types.Intent{
		Kind:     types.IntentPlaceOrder,
		MarketID: "m1",
		Strategy: "mm",
		Price:    decimal.NewFromFloat(0.50),
		Size:     decimal.NewFromInt(100),
	}
}

func TestStaleStateVeto(t *testing.T) {
	t.Parallel()
	g := testGovernor(stubExposures{})

	ok, reason := g.Check(placeIntent(), false)
	if ok {
		t.Fatal("Place against a non-tradeable snapshot must be denied")
	}
	if reason != types.ReasonStaleState {
		t.Errorf("reason = %s, want %s", reason, types.ReasonStaleState)
	}

	// Cancel against the same snapshot flows.
	cancel := &types.Intent{Kind: types.IntentCancel, MarketID: "m1"}
	if ok, _ := g.Check(cancel, false); !ok {
		t.Error("Cancel must flow even under stale state")
	}
}

func TestDrawdownHaltLatch(t *testing.T) {
	t.Parallel()
	g := testGovernor(stubExposures{})

	// Below threshold: no halt.
	g.RecordLedger(decimal.NewFromInt(-50))
	if g.DrawdownHalted() {
		t.Fatal("halt latched before threshold")
	}

	// First write crossing the threshold latches.
	g.RecordLedger(decimal.NewFromInt(-60))
	if !g.DrawdownHalted() {
		t.Fatal("halt not latched at threshold crossing")
	}

	// Subsequent gains do not clear the latch.
	g.RecordLedger(decimal.NewFromInt(500))
	if !g.DrawdownHalted() {
		t.Error("halt must stay latched until operator action")
	}

	// Every Place is now denied regardless of strategy.
	ok, reason := g.Check(placeIntent(), true)
	if ok || reason != types.ReasonDrawdownHalt {
		t.Errorf("Check = (%v, %s), want denied with drawdown_halt", ok, reason)
	}

	// Flatten continues to flow.
	flatten := &types.Intent{Kind: types.IntentFlatten, MarketID: "m1"}
	if ok, _ := g.Check(flatten, true); !ok {
		t.Error("Flatten must flow under drawdown halt")
	}

	// Operator clears.
	g.ClearDrawdownHalt()
	if g.DrawdownHalted() {
		t.Error("halt should clear on operator action")
	}
	if ok, _ := g.Check(placeIntent(), true); !ok {
		t.Error("Place should flow after halt cleared")
	}
}

func TestKillSwitch(t *testing.T) {
	t.Parallel()
	g := testGovernor(stubExposures{})

	g.EngageKillSwitch()
	ok, reason := g.Check(placeIntent(), true)
	if ok || reason != types.ReasonKillSwitch {
		t.Errorf("Check = (%v, %s), want kill_switch denial", ok, reason)
	}

	cancel := &types.Intent{Kind: types.IntentCancelAll, MarketID: "m1"}
	if ok, _ := g.Check(cancel, true); !ok {
		t.Error("CancelAll must flow under kill switch")
	}
}

func TestCapsBreach(t *testing.T) {
	t.Parallel()

	// Market already at 230, cap 250, order notional 50 → breach.
	g := testGovernor(stubExposures{
		market:    decimal.NewFromInt(230),
		portfolio: decimal.NewFromInt(230),
	})

	ok, reason := g.Check(placeIntent(), true)
	if ok || reason != types.ReasonCapsBreach {
		t.Errorf("Check = (%v, %s), want caps_breach", ok, reason)
	}

	// Within caps flows.
	g2 := testGovernor(stubExposures{
		market:    decimal.NewFromInt(100),
		portfolio: decimal.NewFromInt(100),
	})
	if ok, _ := g2.Check(placeIntent(), true); !ok {
		t.Error("Place within caps should be approved")
	}

	// Flatten ignores caps entirely.
	flatten := &types.Intent{Kind: types.IntentFlatten, MarketID: "m1"}
	if ok, _ := g.Check(flatten, true); !ok {
		t.Error("Flatten is exempt from caps_breach")
	}
}

func TestEmergencyUnwindBypassesCaps(t *testing.T) {
	t.Parallel()
	g := testGovernor(stubExposures{
		market:    decimal.NewFromInt(240),
		portfolio: decimal.NewFromInt(990),
	})

	unwind := placeIntent()
	unwind.EmergencyUnwind = true
	if ok, _ := g.Check(unwind, true); !ok {
		t.Error("emergency unwind Place must bypass the configured caps")
	}

	// But never the kill switch.
	g.EngageKillSwitch()
	if ok, _ := g.Check(unwind, true); ok {
		t.Error("emergency unwind must not bypass the kill switch")
	}
}

func TestVenueUnhealthy(t *testing.T) {
	t.Parallel()
	breaker := NewCircuitBreaker(2)
	g := NewGovernor(Config{
		DrawdownHaltUSD:      decimal.NewFromInt(100),
		MaxMarketExposure:    decimal.NewFromInt(250),
		MaxPortfolioExposure: decimal.NewFromInt(1000),
	}, stubExposures{}, breaker)

	breaker.RecordFailure()
	if ok, _ := g.Check(placeIntent(), true); !ok {
		t.Fatal("breaker below threshold should not veto")
	}

	breaker.RecordFailure()
	ok, reason := g.Check(placeIntent(), true)
	if ok || reason != types.ReasonVenueUnhealthy {
		t.Errorf("Check = (%v, %s), want venue_unhealthy", ok, reason)
	}

	// Success after opening does not close the breaker.
	breaker.RecordSuccess()
	if !breaker.IsOpen() {
		t.Error("open breaker clears only on operator reset")
	}

	breaker.Reset()
	if ok, _ := g.Check(placeIntent(), true); !ok {
		t.Error("Place should flow after operator reset")
	}
}

func TestSetCap(t *testing.T) {
	t.Parallel()
	g := testGovernor(stubExposures{market: decimal.NewFromInt(100)})

	if !g.SetCap("market_exposure", decimal.NewFromInt(120)) {
		t.Fatal("SetCap rejected a known cap")
	}
	if g.SetCap("bogus", decimal.NewFromInt(1)) {
		t.Error("SetCap accepted an unknown cap")
	}

	// 100 + 50 notional > 120 now.
	ok, reason := g.Check(placeIntent(), true)
	if ok || reason != types.ReasonCapsBreach {
		t.Errorf("Check after cap tightened = (%v, %s), want caps_breach", ok, reason)
	}
}
