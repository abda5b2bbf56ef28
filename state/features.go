package state

import (
	"math"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FEATURE EXTRACTION
// ═══════════════════════════════════════════════════════════════════════════════
//
// Deterministic scalar derivations over the book and the recent observation
// window. Strategies own the interpretation; this file owns reproducibility:
// replaying the same event stream yields identical feature vectors for the
// same schema version.
//
// Ordering matches types.FeatureNames. Bump types.FeatureSchemaVersion when
// anything here changes.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	featSpread = iota
	featMicroPrice
	featImbalance
	featVolatility
	featCrowding
	featToxicity
	featSpreadComp
	featCount
)

// adverseMoveWindow is how long after a fill a mid move counts as adverse.
const adverseMoveWindow = 2 * time.Second

// adverseMoveTicks is the mid move (in price units) considered adverse.
const adverseMoveTicks = 0.01

func computeFeatures(ms *marketState, now time.Time) []float64 {
	f := make([]float64, featCount)

	bid := ms.yes.BidPrice.InexactFloat64()
	ask := ms.yes.AskPrice.InexactFloat64()
	bidSz := ms.yes.BidSize.InexactFloat64()
	askSz := ms.yes.AskSize.InexactFloat64()

	if bid > 0 && ask > 0 {
		f[featSpread] = ask - bid
		if bidSz+askSz > 0 {
			// Micro-price weights each price by the opposite side's size,
			// so it leans toward the price of the thinner side.
			f[featMicroPrice] = (bid*askSz + ask*bidSz) / (bidSz + askSz)
			f[featImbalance] = (bidSz - askSz) / (bidSz + askSz)
		} else {
			f[featMicroPrice] = (bid + ask) / 2
		}
	}

	f[featVolatility] = midVolatility(ms.mids)
	f[featCrowding] = crowdingScore(ms.updates, ms.fills, now)
	f[featToxicity] = toxicityScore(ms.fills, ms.mids)
	f[featSpreadComp] = spreadCompression(ms.mids)

	return f
}

// midVolatility is the sample standard deviation of the mid path in the
// observation window.
func midVolatility(mids []midObs) float64 {
	if len(mids) < 2 {
		return 0
	}
	var sum float64
	for _, m := range mids {
		sum += m.mid
	}
	mean := sum / float64(len(mids))

	var varSum float64
	for _, m := range mids {
		d := m.mid - mean
		varSum += d * d
	}
	return math.Sqrt(varSum / float64(len(mids)-1))
}

// crowdingScore rises with cancel/replace storms (bursts of book updates)
// and partial-fill spikes. Clamped to [0, 1].
func crowdingScore(updates []time.Time, fills []fillObs, now time.Time) float64 {
	// Updates inside the last second vs a 10/s baseline.
	recent := 0
	for _, ts := range updates {
		if now.Sub(ts) <= time.Second {
			recent++
		}
	}
	updateScore := float64(recent) / 10.0

	partials := 0
	for _, fo := range fills {
		if fo.partial {
			partials++
		}
	}
	partialScore := float64(partials) / 5.0

	return clamp01(0.7*updateScore + 0.3*partialScore)
}

// toxicityScore is the fraction of own fills followed by an adverse mid move
// within adverseMoveWindow. A fill is adverse when the mid moves away by at
// least adverseMoveTicks after the fill printed.
func toxicityScore(fills []fillObs, mids []midObs) float64 {
	if len(fills) == 0 {
		return 0
	}

	adverse := 0
	scored := 0
	for _, fo := range fills {
		after := midAfter(mids, fo.ts, adverseMoveWindow)
		if after == 0 {
			continue
		}
		scored++
		if math.Abs(after-fo.px.InexactFloat64()) >= adverseMoveTicks {
			adverse++
		}
	}
	if scored == 0 {
		return 0
	}
	return float64(adverse) / float64(scored)
}

// midAfter returns the last mid observed within window after ts, 0 if none.
func midAfter(mids []midObs, ts time.Time, window time.Duration) float64 {
	var out float64
	for _, m := range mids {
		if m.ts.After(ts) && m.ts.Sub(ts) <= window {
			out = m.mid
		}
	}
	return out
}

// spreadCompression compares the current spread to the window average:
// 1 means the spread fully collapsed versus its recent norm, 0 means at or
// above the norm.
func spreadCompression(mids []midObs) float64 {
	if len(mids) < 2 {
		return 0
	}

	var sum float64
	for _, m := range mids[:len(mids)-1] {
		sum += m.spread
	}
	avg := sum / float64(len(mids)-1)
	if avg <= 0 {
		return 0
	}

	current := mids[len(mids)-1].spread
	return clamp01(1 - current/avg)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
