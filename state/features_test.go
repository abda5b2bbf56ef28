package state

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func obsMarket(bid, ask, bidSz, askSz float64) *marketState {
	ms := &marketState{market: testMarket}
	ms.yes.BidPrice = decimal.NewFromFloat(bid)
	ms.yes.AskPrice = decimal.NewFromFloat(ask)
	ms.yes.BidSize = decimal.NewFromFloat(bidSz)
	ms.yes.AskSize = decimal.NewFromFloat(askSz)
	return ms
}

func TestSpreadAndMicroPrice(t *testing.T) {
	t.Parallel()

	ms := obsMarket(0.40, 0.50, 300, 100)
	f := computeFeatures(ms, time.Now())

	if math.Abs(f[featSpread]-0.10) > 1e-9 {
		t.Errorf("spread = %v, want 0.10", f[featSpread])
	}
	// micro = (bid*askSz + ask*bidSz)/(bidSz+askSz) = (0.40*100 + 0.50*300)/400
	want := (0.40*100 + 0.50*300) / 400
	if math.Abs(f[featMicroPrice]-want) > 1e-9 {
		t.Errorf("micro price = %v, want %v", f[featMicroPrice], want)
	}
	// imbalance = (300-100)/400 = 0.5
	if math.Abs(f[featImbalance]-0.5) > 1e-9 {
		t.Errorf("imbalance = %v, want 0.5", f[featImbalance])
	}
}

func TestEmptyBookFeaturesZero(t *testing.T) {
	t.Parallel()

	ms := &marketState{market: testMarket}
	f := computeFeatures(ms, time.Now())
	for i, v := range f {
		if v != 0 {
			t.Errorf("feature %d = %v on empty book, want 0", i, v)
		}
	}
}

func TestMidVolatility(t *testing.T) {
	t.Parallel()

	base := time.Now()
	mids := []midObs{
		{ts: base, mid: 0.45},
		{ts: base.Add(time.Second), mid: 0.47},
		{ts: base.Add(2 * time.Second), mid: 0.43},
	}
	v := midVolatility(mids)
	if v <= 0 {
		t.Errorf("volatility = %v, want > 0 for a moving mid", v)
	}

	flat := []midObs{{mid: 0.45}, {mid: 0.45}, {mid: 0.45}}
	if midVolatility(flat) != 0 {
		t.Errorf("volatility of flat path = %v, want 0", midVolatility(flat))
	}

	if midVolatility(nil) != 0 {
		t.Error("volatility of empty path should be 0")
	}
}

func TestCrowdingScore(t *testing.T) {
	t.Parallel()

	now := time.Now()

	// Quiet market: no updates.
	if s := crowdingScore(nil, nil, now); s != 0 {
		t.Errorf("quiet crowding = %v, want 0", s)
	}

	// Cancel/replace storm: 30 updates in the last second saturates.
	var storm []time.Time
	for i := 0; i < 30; i++ {
		storm = append(storm, now.Add(-time.Duration(i)*20*time.Millisecond))
	}
	if s := crowdingScore(storm, nil, now); s != 1 {
		t.Errorf("storm crowding = %v, want clamped to 1", s)
	}

	// Old updates fall outside the one-second burst window.
	old := []time.Time{now.Add(-5 * time.Second)}
	if s := crowdingScore(old, nil, now); s != 0 {
		t.Errorf("stale-update crowding = %v, want 0", s)
	}
}

func TestToxicityScore(t *testing.T) {
	t.Parallel()

	base := time.Now()

	// Fill at 0.45, mid moves to 0.48 shortly after: adverse.
	fills := []fillObs{{ts: base, px: decimal.NewFromFloat(0.45)}}
	mids := []midObs{{ts: base.Add(time.Second), mid: 0.48}}
	if s := toxicityScore(fills, mids); s != 1 {
		t.Errorf("toxicity = %v, want 1 for adverse move", s)
	}

	// Mid stays put: benign.
	calm := []midObs{{ts: base.Add(time.Second), mid: 0.452}}
	if s := toxicityScore(fills, calm); s != 0 {
		t.Errorf("toxicity = %v, want 0 for benign flow", s)
	}

	// No observable mid after the fill: not scored.
	if s := toxicityScore(fills, nil); s != 0 {
		t.Errorf("toxicity = %v, want 0 with no post-fill mids", s)
	}
}

func TestSpreadCompression(t *testing.T) {
	t.Parallel()

	base := time.Now()
	// Spread collapses from 0.10 average to 0.02.
	mids := []midObs{
		{ts: base, spread: 0.10},
		{ts: base.Add(time.Second), spread: 0.10},
		{ts: base.Add(2 * time.Second), spread: 0.02},
	}
	s := spreadCompression(mids)
	if math.Abs(s-0.8) > 1e-9 {
		t.Errorf("compression = %v, want 0.8", s)
	}

	// Widening spread clamps to 0.
	widening := []midObs{
		{ts: base, spread: 0.02},
		{ts: base.Add(time.Second), spread: 0.10},
	}
	if spreadCompression(widening) != 0 {
		t.Errorf("widening compression = %v, want 0", spreadCompression(widening))
	}
}
