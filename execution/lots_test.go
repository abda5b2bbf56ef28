package execution

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyd/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestLotFIFOOrdering(t *testing.T) {
	t.Parallel()
	b := newLotBook()

	b.open("m1", types.SideYes, d(0.40), d(100))
	b.open("m1", types.SideYes, d(0.50), d(100))

	// Closing 150 consumes the 0.40 lot fully and half the 0.50 lot.
	realized, matched, unmatched := b.close("m1", types.SideYes, d(0.60), d(150))

	// (0.60-0.40)*100 + (0.60-0.50)*50 = 20 + 5 = 25
	if !realized.Equal(d(25)) {
		t.Errorf("realized = %s, want 25", realized)
	}
	if !matched.Equal(d(150)) {
		t.Errorf("matched = %s, want 150", matched)
	}
	if !unmatched.IsZero() {
		t.Errorf("unmatched = %s, want 0", unmatched)
	}
	if !b.held("m1", types.SideYes).Equal(d(50)) {
		t.Errorf("held = %s, want 50", b.held("m1", types.SideYes))
	}
}

func TestLotCloseLoss(t *testing.T) {
	t.Parallel()
	b := newLotBook()

	b.open("m1", types.SideYes, d(0.50), d(100))
	realized, _, _ := b.close("m1", types.SideYes, d(0.30), d(100))

	if !realized.Equal(d(-20)) {
		t.Errorf("realized = %s, want -20", realized)
	}
	if !b.held("m1", types.SideYes).IsZero() {
		t.Error("lots should be fully consumed")
	}
}

func TestLotCloseBeyondHeld(t *testing.T) {
	t.Parallel()
	b := newLotBook()

	b.open("m1", types.SideYes, d(0.50), d(100))
	_, matched, unmatched := b.close("m1", types.SideYes, d(0.60), d(150))

	if !matched.Equal(d(100)) {
		t.Errorf("matched = %s, want 100", matched)
	}
	if !unmatched.Equal(d(50)) {
		t.Errorf("unmatched = %s, want 50", unmatched)
	}
}

func TestLotSidesIndependent(t *testing.T) {
	t.Parallel()
	b := newLotBook()

	b.open("m1", types.SideYes, d(0.45), d(100))
	b.open("m1", types.SideNo, d(0.52), d(100))

	if !b.held("m1", types.SideYes).Equal(d(100)) || !b.held("m1", types.SideNo).Equal(d(100)) {
		t.Error("sides must track independently")
	}

	// gross cost basis: 0.45*100 + 0.52*100 = 97
	total := b.costBasis("m1", types.SideYes).Add(b.costBasis("m1", types.SideNo))
	if !total.Equal(d(97)) {
		t.Errorf("cost basis = %s, want 97", total)
	}
}
