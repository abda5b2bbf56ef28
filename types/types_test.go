package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := [][2]OrderStatus{
		{OrderSubmitted, OrderAcked},
		{OrderSubmitted, OrderFailed},
		{OrderAcked, OrderOpen},
		{OrderOpen, OrderPartiallyFilled},
		{OrderPartiallyFilled, OrderPartiallyFilled},
		{OrderPartiallyFilled, OrderFilled},
		{OrderOpen, OrderCanceled},
		{OrderOpen, OrderRejected},
	}
	for _, tr := range allowed {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tr[0], tr[1])
		}
	}

	denied := [][2]OrderStatus{
		{OrderSubmitted, OrderOpen},
		{OrderFilled, OrderCanceled},
		{OrderFailed, OrderAcked},
		{OrderCanceled, OrderOpen},
		{OrderAcked, OrderFailed},
		{OrderPartiallyFilled, OrderRejected},
	}
	for _, tr := range denied {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tr[0], tr[1])
		}
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []OrderStatus{OrderFilled, OrderCanceled, OrderRejected, OrderFailed} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []OrderStatus{OrderSubmitted, OrderAcked, OrderOpen, OrderPartiallyFilled} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestIntentExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	i := &Intent{Created: now, TTL: 100 * time.Millisecond}

	if i.Expired(now.Add(50 * time.Millisecond)) {
		t.Error("intent expired before TTL elapsed")
	}
	if !i.Expired(now.Add(150 * time.Millisecond)) {
		t.Error("intent not expired after TTL elapsed")
	}

	// Zero TTL never expires.
	j := &Intent{Created: now}
	if j.Expired(now.Add(time.Hour)) {
		t.Error("zero-TTL intent should never expire")
	}
}

func TestIntentScore(t *testing.T) {
	t.Parallel()

	i := &Intent{
		EV:         decimal.NewFromFloat(2.0),
		Confidence: decimal.NewFromFloat(0.5),
		RiskCost:   decimal.NewFromFloat(0.25),
	}
	want := decimal.NewFromFloat(0.75)
	if !i.Score().Equal(want) {
		t.Errorf("Score() = %s, want %s", i.Score(), want)
	}
}

func TestFillSignedQty(t *testing.T) {
	t.Parallel()

	buy := Fill{Action: ActionBuy, Qty: decimal.NewFromInt(10)}
	if !buy.SignedQty().Equal(decimal.NewFromInt(10)) {
		t.Errorf("buy SignedQty = %s, want 10", buy.SignedQty())
	}

	sell := Fill{Action: ActionSell, Qty: decimal.NewFromInt(10)}
	if !sell.SignedQty().Equal(decimal.NewFromInt(-10)) {
		t.Errorf("sell SignedQty = %s, want -10", sell.SignedQty())
	}
}

func TestBookTopMid(t *testing.T) {
	t.Parallel()

	b := BookTop{BidPrice: decimal.NewFromFloat(0.40), AskPrice: decimal.NewFromFloat(0.50)}
	if !b.Mid().Equal(decimal.NewFromFloat(0.45)) {
		t.Errorf("Mid = %s, want 0.45", b.Mid())
	}

	empty := BookTop{AskPrice: decimal.NewFromFloat(0.50)}
	if !empty.Mid().IsZero() {
		t.Errorf("one-sided Mid = %s, want 0", empty.Mid())
	}
}

func TestMarketToken(t *testing.T) {
	t.Parallel()

	m := Market{ID: "m1", YesToken: "tok-yes", NoToken: "tok-no"}
	if m.Token(SideYes) != "tok-yes" {
		t.Errorf("Token(YES) = %s", m.Token(SideYes))
	}
	if m.Token(SideNo) != "tok-no" {
		t.Errorf("Token(NO) = %s", m.Token(SideNo))
	}
}
