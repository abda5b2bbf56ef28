package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyd/feeds"
	"github.com/web3guy0/polyd/risk"
	"github.com/web3guy0/polyd/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION MANAGER - Order lifecycle
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns every order from approval to terminal status:
//
//   1. Mint client_order_id deterministically from (run_id, intent_id):
//      idempotent retries can never duplicate an order.
//   2. Write-ahead: the Submitted row is persisted before the venue call,
//      so a crash leaves a recoverable record.
//   3. Submit with bounded exponential backoff + jitter on transient errors;
//      exhausted retries feed the circuit breaker.
//   4. Venue user-stream events drive status transitions and fills; fills
//      update positions and FIFO lots synchronously and append ledger rows.
//
// Positions are mutated here and nowhere else; other components read the
// published views (PositionView / ExposureView / OpenOrderView).
//
// ═══════════════════════════════════════════════════════════════════════════════

// Auditor receives kernel records for append-only persistence.
type Auditor interface {
	RecordIntent(i *types.Intent)
	RecordOrder(o types.Order)
	RecordFill(f types.Fill)
	RecordLedger(e types.LedgerEntry)
	RecordIncident(i types.Incident)
}

// QuoteView supplies book tops for flatten pricing, owned by the state
// manager.
type QuoteView interface {
	Top(marketID string, side types.Side) types.BookTop
}

// Config tunes retries and the leg-group window.
type Config struct {
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	LegFillWindow time.Duration
}

// Manager is the execution engine.
type Manager struct {
	mu sync.Mutex

	cfg       Config
	runID     string
	runPrefix string

	submitter feeds.Submitter
	breaker   *risk.CircuitBreaker
	governor  *risk.Governor
	auditor   Auditor
	quotes    QuoteView
	seq       *types.Sequence

	markets map[string]types.Market

	orders    map[string]*types.Order // by client order id
	byVenueID map[string]string       // venue id -> client id

	book      *lotBook
	legGroups map[int64]*legGroup

	// Markets halted for new placements after an invariant violation.
	haltedMarkets map[string]bool

	onAck func(latency time.Duration)
}

// NewManager creates the execution manager.
func NewManager(cfg Config, runID string, markets []types.Market, submitter feeds.Submitter,
	breaker *risk.CircuitBreaker, governor *risk.Governor, auditor Auditor, quotes QuoteView, seq *types.Sequence) *Manager {

	prefix := runID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}

	byID := make(map[string]types.Market, len(markets))
	for _, mk := range markets {
		byID[mk.ID] = mk
	}

	return &Manager{
		cfg:           cfg,
		runID:         runID,
		runPrefix:     prefix,
		submitter:     submitter,
		breaker:       breaker,
		governor:      governor,
		auditor:       auditor,
		quotes:        quotes,
		seq:           seq,
		markets:       byID,
		orders:        make(map[string]*types.Order),
		byVenueID:     make(map[string]string),
		book:          newLotBook(),
		legGroups:     make(map[int64]*legGroup),
		haltedMarkets: make(map[string]bool),
	}
}

// SetAckHook registers a callback invoked with each submit-to-ack latency.
func (m *Manager) SetAckHook(fn func(latency time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAck = fn
}

// ClientOrderID derives the idempotency key for an intent.
func (m *Manager) ClientOrderID(intentID int64) string {
	return fmt.Sprintf("%s-%d", m.runPrefix, intentID)
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION ENTRY POINTS
// ═══════════════════════════════════════════════════════════════════════════════

// Execute dispatches one approved, risk-stamped intent.
func (m *Manager) Execute(ctx context.Context, intent *types.Intent, approval types.Approval) {
	switch intent.Kind {
	case types.IntentPlaceOrder:
		m.executePlace(ctx, intent, approval)
	case types.IntentCancel:
		m.executeCancel(ctx, intent)
	case types.IntentCancelAll:
		m.executeCancelAll(ctx, intent.MarketID, intent.Strategy)
	case types.IntentFlatten:
		m.executeFlatten(ctx, intent)
	}
}

func (m *Manager) executePlace(ctx context.Context, intent *types.Intent, approval types.Approval) {
	m.mu.Lock()

	// A halted market refuses strategy placements; kernel-synthesized
	// flatten sells still go through to close the book out.
	if m.haltedMarkets[intent.MarketID] && !intent.Synthetic {
		m.mu.Unlock()
		log.Warn().
			Str("market", intent.MarketID).
			Int64("intent", intent.ID).
			Msg("market halted after invariant violation, place refused")
		return
	}

	clientID := m.ClientOrderID(intent.ID)
	if existing, ok := m.orders[clientID]; ok {
		// Idempotent retry of an already-processed intent.
		m.mu.Unlock()
		log.Debug().
			Str("client_order_id", clientID).
			Str("status", string(existing.Status)).
			Msg("duplicate intent, order already exists")
		return
	}

	mk, ok := m.markets[intent.MarketID]
	if !ok {
		m.mu.Unlock()
		log.Error().Str("market", intent.MarketID).Msg("place for unknown market dropped")
		return
	}

	order := &types.Order{
		ClientOrderID: clientID,
		IntentID:      intent.ID,
		ApprovalID:    approval.ID,
		Strategy:      intent.Strategy,
		MarketID:      intent.MarketID,
		TokenID:       mk.Token(intent.Side),
		Side:          intent.Side,
		Action:        intent.Action,
		Price:         intent.Price,
		Size:          intent.Size,
		FilledSize:    decimal.Zero,
		Status:        types.OrderSubmitted,
		SubmittedAt:   time.Now(),
		LegGroup:      intent.LegGroup,
	}
	m.orders[clientID] = order

	if intent.LegGroup != 0 {
		g, ok := m.legGroups[intent.LegGroup]
		if !ok {
			g = newLegGroup(intent.LegGroup, intent.MarketID, intent.Strategy, order.SubmittedAt, m.cfg.LegFillWindow)
			m.legGroups[intent.LegGroup] = g
		}
		// Unwind sells reference the group for attribution but are not legs.
		if !g.unwound {
			g.addLeg(clientID, intent.Side, intent.Size)
		}
	}

	// Write-ahead: the Submitted row lands before the venue sees the order.
	m.auditor.RecordOrder(*order)
	m.mu.Unlock()

	// Venue submission runs off the arbiter's goroutine so leg-group
	// siblings go out in parallel.
	go m.submitWithRetry(ctx, clientID)
}

// submitWithRetry drives one order through submission with bounded backoff.
func (m *Manager) submitWithRetry(ctx context.Context, clientID string) {
	m.mu.Lock()
	order, ok := m.orders[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	snapshot := *order
	m.mu.Unlock()

	start := time.Now()
	var ack feeds.SubmitAck
	var err error

	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		ack, err = m.submitter.Submit(ctx, &snapshot)
		if err == nil {
			break
		}

		if _, permanent := err.(*feeds.PermanentVenueError); permanent {
			break
		}

		if attempt < m.cfg.MaxRetries {
			backoff := m.cfg.BackoffBase << uint(attempt)
			if backoff > m.cfg.BackoffMax {
				backoff = m.cfg.BackoffMax
			}
			jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Str("client_order_id", clientID).
				Dur("backoff", backoff+jitter).
				Msg("submission failed, retrying")

			select {
			case <-ctx.Done():
				err = ctx.Err()
				attempt = m.cfg.MaxRetries
			case <-time.After(backoff + jitter):
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok = m.orders[clientID]
	if !ok {
		return
	}

	if err != nil {
		if _, permanent := err.(*feeds.PermanentVenueError); permanent {
			m.transitionLocked(order, types.OrderFailed)
		} else {
			m.transitionLocked(order, types.OrderFailed)
			m.breaker.RecordFailure()
		}
		order.ErrorMsg = err.Error()
		m.auditor.RecordOrder(*order)
		if order.LegGroup != 0 {
			if g, ok := m.legGroups[order.LegGroup]; ok {
				g.recordTerminal(clientID)
			}
		}
		log.Error().
			Err(err).
			Str("client_order_id", clientID).
			Msg("order failed")
		return
	}

	m.breaker.RecordSuccess()

	now := time.Now()
	order.VenueOrderID = ack.VenueOrderID
	order.SubmitLatency = now.Sub(start)
	order.AckedAt = &now
	m.transitionLocked(order, types.OrderAcked)
	m.byVenueID[ack.VenueOrderID] = clientID
	m.auditor.RecordOrder(*order)
	if m.onAck != nil {
		m.onAck(order.SubmitLatency)
	}

	log.Info().
		Str("client_order_id", clientID).
		Str("venue_order_id", ack.VenueOrderID).
		Dur("submit_latency", order.SubmitLatency).
		Msg("order acked")
}

func (m *Manager) executeCancel(ctx context.Context, intent *types.Intent) {
	m.mu.Lock()
	var targets []*types.Order
	if intent.TargetOrderID != "" {
		if o, ok := m.orders[intent.TargetOrderID]; ok && o.Live() {
			targets = append(targets, o)
		}
	} else {
		for _, o := range m.orders {
			if o.MarketID == intent.MarketID && o.Strategy == intent.Strategy && o.Live() {
				targets = append(targets, o)
			}
		}
	}
	m.mu.Unlock()

	for _, o := range targets {
		if err := m.submitter.Cancel(ctx, o.VenueOrderID, o.ClientOrderID); err != nil {
			log.Warn().
				Err(err).
				Str("client_order_id", o.ClientOrderID).
				Msg("cancel failed")
		}
	}
}

func (m *Manager) executeCancelAll(ctx context.Context, marketID, strategy string) {
	m.mu.Lock()
	var targets []*types.Order
	for _, o := range m.orders {
		if o.Live() && (marketID == "" || o.MarketID == marketID) &&
			(strategy == "" || o.Strategy == strategy) {
			targets = append(targets, o)
		}
	}
	m.mu.Unlock()

	for _, o := range targets {
		if err := m.submitter.Cancel(ctx, o.VenueOrderID, o.ClientOrderID); err != nil {
			log.Warn().Err(err).Str("client_order_id", o.ClientOrderID).Msg("cancel failed")
		}
	}
}

// executeFlatten expands a Flatten into cancels of open orders plus
// market-crossing sells sized to close the held position.
func (m *Manager) executeFlatten(ctx context.Context, intent *types.Intent) {
	m.executeCancelAll(ctx, intent.MarketID, "")

	for _, side := range []types.Side{types.SideYes, types.SideNo} {
		m.mu.Lock()
		held := m.book.held(intent.MarketID, side)
		m.mu.Unlock()
		if !held.IsPositive() {
			continue
		}

		top := m.quotes.Top(intent.MarketID, side)
		px := top.BidPrice
		if px.IsZero() {
			// No bid to cross; fall back to a deep taker price.
			px = decimal.NewFromFloat(0.01)
		}

		sell := &types.Intent{
			ID:              m.seq.Next(),
			SnapshotID:      intent.SnapshotID,
			Strategy:        intent.Strategy,
			Tier:            intent.Tier,
			MarketID:        intent.MarketID,
			Kind:            types.IntentPlaceOrder,
			Side:            side,
			Action:          types.ActionSell,
			Price:           px,
			Size:            held,
			Urgency:         types.UrgencyTaker,
			Created:         time.Now(),
			LegGroup:        intent.LegGroup,
			EmergencyUnwind: intent.EmergencyUnwind,
			Synthetic:       true,
			Rationale:       "flatten " + intent.MarketID,
		}
		m.auditor.RecordIntent(sell)

		// Flatten placements skip the arbiter's Place path but never the
		// governor.
		if ok, reason := m.governor.Check(sell, true); !ok {
			log.Warn().
				Str("market", intent.MarketID).
				Str("reason", reason).
				Msg("flatten leg vetoed")
			continue
		}

		m.executePlace(ctx, sell, types.Approval{IntentID: sell.ID, Approved: true, RiskOK: true, Reason: types.ReasonApproved, Timestamp: time.Now()})
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// USER STREAM RECONCILIATION
// ═══════════════════════════════════════════════════════════════════════════════

// OnUserEvent folds a venue user-stream event into order state.
func (m *Manager) OnUserEvent(ctx context.Context, ev feeds.UserEvent) {
	switch ev.Kind {
	case feeds.UserOrderUpdate:
		m.onOrderUpdate(ev)
	case feeds.UserFill:
		if ev.Fill != nil {
			m.OnFill(ctx, *ev.Fill)
		}
	}
}

func (m *Manager) onOrderUpdate(ev feeds.UserEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order := m.lookupLocked(ev.VenueOrderID, ev.ClientOrderID)
	if order == nil {
		log.Debug().
			Str("venue_order_id", ev.VenueOrderID).
			Msg("order update for unknown order ignored")
		return
	}

	var next types.OrderStatus
	switch ev.Status {
	case "live", "open":
		next = types.OrderOpen
	case "cancelled", "canceled":
		next = types.OrderCanceled
	case "rejected":
		next = types.OrderRejected
	case "matched":
		// Fills carry the quantity; the status lands with them.
		return
	default:
		return
	}

	if m.transitionLocked(order, next) {
		m.auditor.RecordOrder(*order)
		if next.Terminal() && order.LegGroup != 0 {
			if g, ok := m.legGroups[order.LegGroup]; ok {
				g.recordTerminal(order.ClientOrderID)
			}
		}
	}
}

// OnFill applies one fill: order state, positions, FIFO lots, ledger.
func (m *Manager) OnFill(ctx context.Context, f types.Fill) {
	m.mu.Lock()

	order := m.lookupLocked(f.VenueOrderID, f.ClientOrderID)
	if order == nil {
		// A fill without a known order is corruption: halt new placements
		// for the market and flatten it.
		m.haltedMarkets[f.MarketID] = true
		incident := types.Incident{
			Level:     types.IncidentCritical,
			Kind:      "invariant_violation",
			MarketID:  f.MarketID,
			Detail:    fmt.Sprintf("fill %s references unknown order (venue=%s client=%s)", f.FillID, f.VenueOrderID, f.ClientOrderID),
			Timestamp: time.Now(),
		}
		m.auditor.RecordIncident(incident)
		m.mu.Unlock()

		log.Error().
			Str("fill_id", f.FillID).
			Str("market", f.MarketID).
			Msg("CRITICAL: fill without known order, halting market")

		flatten := &types.Intent{
			ID:        m.seq.Next(),
			Strategy:  "kernel",
			MarketID:  f.MarketID,
			Kind:      types.IntentFlatten,
			Created:   time.Now(),
			Synthetic: true,
			Rationale: "invariant violation",
		}
		m.auditor.RecordIntent(flatten)
		m.executeFlatten(ctx, flatten)
		return
	}

	// Complete the linkage and normalize sides off the order row.
	f.ClientOrderID = order.ClientOrderID
	f.MarketID = order.MarketID
	f.Side = order.Side
	f.Action = order.Action

	order.FilledSize = order.FilledSize.Add(f.Qty)
	if order.FilledSize.GreaterThanOrEqual(order.Size) {
		m.transitionLocked(order, types.OrderFilled)
	} else {
		m.transitionLocked(order, types.OrderPartiallyFilled)
	}
	m.auditor.RecordOrder(*order)
	m.auditor.RecordFill(f)

	// Leg-group accounting.
	partialLeg := false
	if order.LegGroup != 0 {
		if g, ok := m.legGroups[order.LegGroup]; ok {
			g.recordFill(order.ClientOrderID, f.Qty)
			if order.Status.Terminal() {
				g.recordTerminal(order.ClientOrderID)
			}
			if g.allFilled() {
				g.completed = true
			}
			partialLeg = g.unwound
		}
	}

	// Lots and realized PnL.
	if f.Action == types.ActionBuy {
		m.book.open(f.MarketID, f.Side, f.Price, f.Qty)
	} else {
		realized, matched, unmatched := m.book.close(f.MarketID, f.Side, f.Price, f.Qty)
		if matched.IsPositive() {
			entry := types.LedgerEntry{
				Kind:       types.LedgerRealized,
				Reference:  f.FillID,
				AmountUSD:  realized,
				Strategy:   order.Strategy,
				MarketID:   f.MarketID,
				PartialLeg: partialLeg,
				Timestamp:  f.Timestamp,
			}
			m.auditor.RecordLedger(entry)
			m.governor.RecordLedger(realized)
		}
		if unmatched.IsPositive() {
			log.Warn().
				Str("market", f.MarketID).
				Str("unmatched", unmatched.String()).
				Msg("closing fill exceeded held lots")
		}
	}

	if f.Fee.IsPositive() {
		fee := types.LedgerEntry{
			Kind:       types.LedgerFee,
			Reference:  f.FillID,
			AmountUSD:  f.Fee.Neg(),
			Strategy:   order.Strategy,
			MarketID:   f.MarketID,
			PartialLeg: partialLeg,
			Timestamp:  f.Timestamp,
		}
		m.auditor.RecordLedger(fee)
		m.governor.RecordLedger(f.Fee.Neg())
	}

	m.mu.Unlock()

	log.Info().
		Str("client_order_id", order.ClientOrderID).
		Str("market", f.MarketID).
		Str("side", string(f.Side)).
		Str("price", f.Price.StringFixed(4)).
		Str("qty", f.Qty.StringFixed(2)).
		Msg("fill applied")
}

// CheckLegGroups enforces the fill-window discipline. Called on a timer.
func (m *Manager) CheckLegGroups(ctx context.Context, now time.Time) {
	m.mu.Lock()
	var unwinds []*legGroup
	var expiries []*legGroup
	for _, g := range m.legGroups {
		if g.needsUnwind(now) {
			g.unwound = true
			unwinds = append(unwinds, g)
		} else if g.expiredEmpty(now) {
			g.completed = true
			expiries = append(expiries, g)
		}
	}
	m.mu.Unlock()

	for _, g := range expiries {
		for _, leg := range g.unfilledLegs() {
			m.cancelByClientID(ctx, leg.clientOrderID)
		}
	}

	for _, g := range unwinds {
		log.Warn().
			Int64("leg_group", g.id).
			Str("market", g.marketID).
			Msg("leg group unwind: cancelling unfilled leg, flattening filled leg")

		for _, leg := range g.unfilledLegs() {
			m.cancelByClientID(ctx, leg.clientOrderID)
		}

		flatten := &types.Intent{
			ID:              m.seq.Next(),
			Strategy:        g.strategy,
			MarketID:        g.marketID,
			Kind:            types.IntentFlatten,
			Created:         now,
			LegGroup:        g.id,
			EmergencyUnwind: true,
			Synthetic:       true,
			Rationale:       fmt.Sprintf("leg group %d partial fill", g.id),
		}
		m.auditor.RecordIntent(flatten)
		if ok, reason := m.governor.Check(flatten, true); !ok {
			log.Error().Str("reason", reason).Msg("unwind flatten vetoed")
			continue
		}
		m.executeFlatten(ctx, flatten)
	}
}

func (m *Manager) cancelByClientID(ctx context.Context, clientID string) {
	m.mu.Lock()
	o, ok := m.orders[clientID]
	var venueID string
	if ok {
		venueID = o.VenueOrderID
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.submitter.Cancel(ctx, venueID, clientID); err != nil {
		log.Warn().Err(err).Str("client_order_id", clientID).Msg("leg cancel failed")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// PUBLISHED VIEWS
// ═══════════════════════════════════════════════════════════════════════════════

// Position implements the state manager's PositionView.
func (m *Manager) Position(marketID string) types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionLocked(marketID)
}

func (m *Manager) positionLocked(marketID string) types.Position {
	pos := types.Position{
		MarketID:    marketID,
		YesQty:      m.book.held(marketID, types.SideYes),
		NoQty:       m.book.held(marketID, types.SideNo),
		NetExposure: m.book.costBasis(marketID, types.SideYes).Add(m.book.costBasis(marketID, types.SideNo)),
	}

	open := decimal.Zero
	for _, o := range m.orders {
		if o.MarketID == marketID && o.Live() && o.Action == types.ActionBuy {
			open = open.Add(o.Price.Mul(o.Size.Sub(o.FilledSize)))
		}
	}
	pos.OpenExposure = open
	return pos
}

// MarketExposure implements risk.ExposureView.
func (m *Manager) MarketExposure(marketID string) decimal.Decimal {
	p := m.Position(marketID)
	return p.NetExposure.Add(p.OpenExposure)
}

// PortfolioExposure implements risk.ExposureView.
func (m *Manager) PortfolioExposure() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.Zero
	for id := range m.markets {
		p := m.positionLocked(id)
		total = total.Add(p.NetExposure).Add(p.OpenExposure)
	}
	return total
}

// OpenOrders implements the arbiter's OpenOrderView.
func (m *Manager) OpenOrders(marketID, strategy string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, o := range m.orders {
		if o.MarketID == marketID && o.Strategy == strategy && o.Live() {
			out = append(out, o.ClientOrderID)
		}
	}
	return out
}

// OpenOrderCount reports live orders for metrics.
func (m *Manager) OpenOrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, o := range m.orders {
		if o.Live() {
			n++
		}
	}
	return n
}

// Order returns a copy of one order, nil when unknown.
func (m *Manager) Order(clientID string) *types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[clientID]; ok {
		cp := *o
		return &cp
	}
	return nil
}

// MarketHalted reports whether placements are halted for a market.
func (m *Manager) MarketHalted(marketID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.haltedMarkets[marketID]
}

// RecoverLots replays persisted fills into the lot book at startup so
// positions survive a crash. No ledger entries are re-emitted: the rows
// already exist in the audit store.
func (m *Manager) RecoverLots(fills []types.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range fills {
		if _, known := m.markets[f.MarketID]; !known {
			continue
		}
		if f.Action == types.ActionBuy {
			m.book.open(f.MarketID, f.Side, f.Price, f.Qty)
		} else {
			m.book.close(f.MarketID, f.Side, f.Price, f.Qty)
		}
	}

	for id := range m.markets {
		yes := m.book.held(id, types.SideYes)
		no := m.book.held(id, types.SideNo)
		if yes.IsPositive() || no.IsPositive() {
			log.Warn().
				Str("market", id).
				Str("yes", yes.StringFixed(2)).
				Str("no", no.StringFixed(2)).
				Msg("recovered open position from audit store")
		}
	}
}

// CancelAllOpen cancels every live order (shutdown / kill switch).
func (m *Manager) CancelAllOpen(ctx context.Context) {
	if err := m.submitter.CancelAll(ctx); err != nil {
		log.Error().Err(err).Msg("cancel-all failed")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// INTERNALS
// ═══════════════════════════════════════════════════════════════════════════════

func (m *Manager) lookupLocked(venueID, clientID string) *types.Order {
	if venueID != "" {
		if cid, ok := m.byVenueID[venueID]; ok {
			return m.orders[cid]
		}
	}
	if clientID != "" {
		if o, ok := m.orders[clientID]; ok {
			return o
		}
	}
	return nil
}

// transitionLocked applies a status move, enforcing the state machine and
// stamping transition timestamps.
func (m *Manager) transitionLocked(o *types.Order, next types.OrderStatus) bool {
	if o.Status == next {
		return next == types.OrderPartiallyFilled
	}
	if !types.CanTransition(o.Status, next) {
		log.Warn().
			Str("client_order_id", o.ClientOrderID).
			Str("from", string(o.Status)).
			Str("to", string(next)).
			Msg("illegal status transition dropped")
		return false
	}
	o.Status = next
	if next.Terminal() {
		now := time.Now()
		o.FinalAt = &now
	}
	return true
}
