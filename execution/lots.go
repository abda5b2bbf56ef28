package execution

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyd/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FIFO LOT ACCOUNTING
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per (market, token side) the book keeps a queue of opening lots. Closing
// fills consume lots front-to-back; realized PnL is
//
//   Σ over matched lots: (close_px − open_px) * matched_qty
//
// Fees are ledgered separately by the caller.
//
// ═══════════════════════════════════════════════════════════════════════════════

type lot struct {
	openPx decimal.Decimal
	qty    decimal.Decimal
}

type lotKey struct {
	marketID string
	side     types.Side
}

// lotBook holds the per-key FIFO queues.
type lotBook struct {
	lots map[lotKey][]lot
}

func newLotBook() *lotBook {
	return &lotBook{lots: make(map[lotKey][]lot)}
}

// open enqueues an opening lot.
func (b *lotBook) open(marketID string, side types.Side, px, qty decimal.Decimal) {
	k := lotKey{marketID, side}
	b.lots[k] = append(b.lots[k], lot{openPx: px, qty: qty})
}

// close dequeues lots FIFO against a closing fill and returns the realized
// PnL over the matched quantity. Quantity in excess of held lots is ignored
// and returned as unmatched.
func (b *lotBook) close(marketID string, side types.Side, closePx, qty decimal.Decimal) (realized, matched, unmatched decimal.Decimal) {
	k := lotKey{marketID, side}
	queue := b.lots[k]
	remaining := qty
	realized = decimal.Zero
	matched = decimal.Zero

	for len(queue) > 0 && remaining.IsPositive() {
		head := &queue[0]
		take := decimal.Min(head.qty, remaining)

		realized = realized.Add(closePx.Sub(head.openPx).Mul(take))
		matched = matched.Add(take)
		remaining = remaining.Sub(take)

		head.qty = head.qty.Sub(take)
		if head.qty.IsZero() {
			queue = queue[1:]
		}
	}

	if len(queue) == 0 {
		delete(b.lots, k)
	} else {
		b.lots[k] = queue
	}
	return realized, matched, remaining
}

// held returns the total open quantity for a key.
func (b *lotBook) held(marketID string, side types.Side) decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.lots[lotKey{marketID, side}] {
		total = total.Add(l.qty)
	}
	return total
}

// costBasis returns the open notional for a key (Σ open_px * qty).
func (b *lotBook) costBasis(marketID string, side types.Side) decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.lots[lotKey{marketID, side}] {
		total = total.Add(l.openPx.Mul(l.qty))
	}
	return total
}
