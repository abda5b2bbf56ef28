package audit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyd/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// AUDIT WRITER - Bounded queue, serialized persistence
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every kernel event funnels through one bounded queue into a single writer
// goroutine, so records of a causal chain persist in enqueue order.
//
// Backpressure: raw_event records are rejected once the queue crosses the
// headroom watermark, keeping room for intent/approval/order/fill records,
// which are never dropped. Drops surface as WARN incidents.
//
// ═══════════════════════════════════════════════════════════════════════════════

// RecordKind tags queue entries.
type RecordKind int

const (
	RecordSnapshot RecordKind = iota
	RecordIntent
	RecordApproval
	RecordOrder
	RecordFill
	RecordLedger
	RecordIncident
	RecordPortfolio
	RecordSignal
	RecordRawEvent
)

// RawEvent is a low-priority venue payload record.
type RawEvent struct {
	MarketID  string
	Kind      string
	Payload   string
	Timestamp time.Time
}

// Portfolio is a periodic exposure snapshot.
type Portfolio struct {
	GrossExposureUSD decimal.Decimal
	OpenExposureUSD  decimal.Decimal
	CumulativePnL    decimal.Decimal
	OpenOrders       int
	Timestamp        time.Time
}

// Signal is a strategy-tagged payload persisted to plugin_signals.
type Signal struct {
	Strategy  string
	MarketID  string
	IntentID  int64
	Signal    string
	Timestamp time.Time
}

// Record is one queue entry; exactly one payload field is set per Kind.
type Record struct {
	Kind      RecordKind
	Snapshot  *types.Snapshot
	Intent    *types.Intent
	Approval  *types.Approval
	Order     *types.Order
	Fill      *types.Fill
	Ledger    *types.LedgerEntry
	Incident  *types.Incident
	Portfolio *Portfolio
	Signal    *Signal
	Raw       *RawEvent
}

// Sink is where the serialized writer lands records; *Store in production.
type Sink interface {
	WriteRecord(rec Record) error
}

// Writer is the audit pipeline.
type Writer struct {
	sink Sink

	queue    chan Record
	headroom int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	rawDrops   atomic.Int64
	writeFails atomic.Int64
}

// NewWriter creates a writer with the given queue size and raw-event
// headroom watermark.
func NewWriter(sink Sink, queueSize, headroom int) *Writer {
	if headroom >= queueSize {
		headroom = queueSize / 4
	}
	return &Writer{
		sink:     sink,
		queue:    make(chan Record, queueSize),
		headroom: headroom,
	}
}

// Start launches the serialized writer goroutine.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for rec := range w.queue {
			if err := w.sink.WriteRecord(rec); err != nil {
				w.writeFails.Add(1)
				log.Error().Err(err).Int("kind", int(rec.Kind)).Msg("audit write failed")
			}
		}
	}()
}

// Close drains the queue and stops the writer. Late enqueues from
// straggling submission goroutines are dropped, not panicked on.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
}

// enqueue adds a causal-chain record. These are never dropped while the
// writer runs: the send blocks until the writer frees space.
func (w *Writer) enqueue(rec Record) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		log.Warn().Int("kind", int(rec.Kind)).Msg("audit record after close dropped")
		return
	}
	w.queue <- rec
}

// EnqueueRaw adds a raw_event record, rejected first under saturation.
func (w *Writer) EnqueueRaw(r RawEvent) {
	w.mu.RLock()
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return
	}
	if len(w.queue) >= cap(w.queue)-w.headroom {
		n := w.rawDrops.Add(1)
		if n%1000 == 1 {
			log.Warn().Int64("dropped", n).Msg("audit queue saturated, raw events dropped")
			w.enqueue(Record{Kind: RecordIncident, Incident: &types.Incident{
				Level:     types.IncidentWarn,
				Kind:      "backpressure_drop",
				Detail:    "raw_event records dropped under audit backpressure",
				Timestamp: time.Now(),
			}})
		}
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- Record{Kind: RecordRawEvent, Raw: &r}:
	default:
		w.rawDrops.Add(1)
	}
}

// RecordSnapshot persists a snapshot.
func (w *Writer) RecordSnapshot(s *types.Snapshot) {
	w.enqueue(Record{Kind: RecordSnapshot, Snapshot: s})
}

// RecordIntent persists an intent.
func (w *Writer) RecordIntent(i *types.Intent) {
	w.enqueue(Record{Kind: RecordIntent, Intent: i})
}

// RecordApproval persists an approval.
func (w *Writer) RecordApproval(a types.Approval) {
	w.enqueue(Record{Kind: RecordApproval, Approval: &a})
}

// RecordOrder persists an order state.
func (w *Writer) RecordOrder(o types.Order) {
	w.enqueue(Record{Kind: RecordOrder, Order: &o})
}

// RecordFill persists a fill.
func (w *Writer) RecordFill(f types.Fill) {
	w.enqueue(Record{Kind: RecordFill, Fill: &f})
}

// RecordLedger persists a ledger entry.
func (w *Writer) RecordLedger(e types.LedgerEntry) {
	w.enqueue(Record{Kind: RecordLedger, Ledger: &e})
}

// RecordIncident persists an incident.
func (w *Writer) RecordIncident(i types.Incident) {
	w.enqueue(Record{Kind: RecordIncident, Incident: &i})
}

// RecordPortfolio persists a portfolio snapshot.
func (w *Writer) RecordPortfolio(p Portfolio) {
	w.enqueue(Record{Kind: RecordPortfolio, Portfolio: &p})
}

// RecordSignal persists a strategy signal.
func (w *Writer) RecordSignal(s Signal) {
	w.enqueue(Record{Kind: RecordSignal, Signal: &s})
}

// QueueDepth reports the current queue length for metrics.
func (w *Writer) QueueDepth() int {
	return len(w.queue)
}

// RawDrops reports dropped raw events.
func (w *Writer) RawDrops() int64 {
	return w.rawDrops.Load()
}
