package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyd/feeds"
	"github.com/web3guy0/polyd/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATE MANAGER - Book tops, staleness, features, snapshot emission
// ═══════════════════════════════════════════════════════════════════════════════
//
// One instance serves all markets of a venue connection. Events for a single
// market apply in arrival order; snapshots observe the causal result. No
// ordering is promised across markets.
//
// Positions are never mutated here: the execution manager owns them and
// publishes a read-only view this package queries at snapshot time.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PositionView supplies published read-only positions.
type PositionView interface {
	Position(marketID string) types.Position
}

// HaltView reports whether the run-level drawdown halt is latched.
type HaltView interface {
	DrawdownHalted() bool
}

// Config for the state manager.
type Config struct {
	StaleAfter       time.Duration            // default staleness threshold
	StaleByClass     map[string]time.Duration // per market class overrides
	SnapshotEvery    time.Duration
	SnapshotOnChange bool
	HistoryWindow    time.Duration            // feature observation window
}

// tradeObs is one trade observation in the feature window.
type tradeObs struct {
	ts  time.Time
	px  decimal.Decimal
	qty decimal.Decimal
}

// fillObs is one own-fill observation in the feature window.
type fillObs struct {
	ts      time.Time
	px      decimal.Decimal
	partial bool
}

// midObs tracks the mid and spread path for volatility and compression.
type midObs struct {
	ts     time.Time
	mid    float64
	spread float64
}

// marketState is the per-market mutable state. Only the manager goroutine
// touches it.
type marketState struct {
	market     types.Market
	yes        types.BookTop
	no         types.BookTop
	lastUpdate time.Time
	stale      bool
	staleAfter time.Duration

	trades  []tradeObs
	fills   []fillObs
	mids    []midObs
	updates []time.Time // l2 update arrivals, for crowding

	changed bool // meaningful book change since last snapshot
}

// Manager maintains per-market state and emits snapshots.
type Manager struct {
	mu sync.RWMutex

	cfg   Config
	runID string

	markets  map[string]*marketState
	connDown bool

	positions PositionView
	halts     HaltView

	snapshotSeq atomic.Int64
	snapshotCh  chan *types.Snapshot

	malformed atomic.Int64
}

// NewManager creates a state manager over the given markets.
func NewManager(cfg Config, runID string, markets []types.Market, positions PositionView, halts HaltView) *Manager {
	m := &Manager{
		cfg:        cfg,
		runID:      runID,
		markets:    make(map[string]*marketState, len(markets)),
		positions:  positions,
		halts:      halts,
		snapshotCh: make(chan *types.Snapshot, 1024),
	}
	for _, mk := range markets {
		staleAfter := cfg.StaleAfter
		if d, ok := cfg.StaleByClass[mk.Class]; ok {
			staleAfter = d
		}
		m.markets[mk.ID] = &marketState{
			market:     mk,
			stale:      true, // stale until the first book arrives
			staleAfter: staleAfter,
		}
	}
	return m
}

// Snapshots is the published snapshot bus.
func (m *Manager) Snapshots() <-chan *types.Snapshot {
	return m.snapshotCh
}

// ApplyEvent updates book state from one market event.
func (m *Manager) ApplyEvent(ev feeds.MarketEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Kind == feeds.MarketHeartbeat {
		// Heartbeats refresh liveness for every market on the connection.
		for _, ms := range m.markets {
			ms.lastUpdate = ev.Timestamp
		}
		return
	}

	ms, ok := m.markets[ev.MarketID]
	if !ok {
		m.malformed.Add(1)
		return
	}

	switch ev.Kind {
	case feeds.MarketL2Update:
		top := types.BookTop{
			BidPrice: ev.BidPrice,
			BidSize:  ev.BidSize,
			AskPrice: ev.AskPrice,
			AskSize:  ev.AskSize,
		}
		if ev.TokenID == ms.market.YesToken {
			if !topsEqual(ms.yes, top) {
				ms.changed = true
			}
			ms.yes = top
		} else if ev.TokenID == ms.market.NoToken {
			if !topsEqual(ms.no, top) {
				ms.changed = true
			}
			ms.no = top
		} else {
			m.malformed.Add(1)
			return
		}
		ms.updates = append(ms.updates, ev.Timestamp)
		ms.observeMid(ev.Timestamp)

	case feeds.MarketTrade:
		ms.trades = append(ms.trades, tradeObs{ts: ev.Timestamp, px: ev.TradePx, qty: ev.TradeQty})

	default:
		m.malformed.Add(1)
		return
	}

	ms.lastUpdate = ev.Timestamp
	if ms.stale && !m.connDown {
		ms.stale = false
		log.Debug().Str("market", ms.market.ID).Msg("market live")
	}
	ms.trim(ev.Timestamp.Add(-m.cfg.HistoryWindow))
}

// ApplyFill records an own fill for crowding/toxicity features. Position
// bookkeeping stays with the execution manager.
func (m *Manager) ApplyFill(f types.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.markets[f.MarketID]
	if !ok {
		return
	}
	partial := false // partial-fill spikes arrive as repeated small fills
	if f.Qty.LessThan(decimal.NewFromInt(1)) {
		partial = true
	}
	ms.fills = append(ms.fills, fillObs{ts: f.Timestamp, px: f.Price, partial: partial})
	ms.trim(f.Timestamp.Add(-m.cfg.HistoryWindow))
}

// ApplyConnEvent reacts to venue connection transitions. Disconnect flips
// every market stale until resynchronization completes.
func (m *Manager) ApplyConnEvent(ev feeds.ConnEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.State {
	case feeds.ConnDisconnected:
		m.connDown = true
		for _, ms := range m.markets {
			ms.stale = true
		}
		log.Warn().Str("reason", ev.Reason).Msg("venue disconnected, all markets stale")
	case feeds.ConnResynced:
		m.connDown = false
		// Markets stay stale until fresh book data arrives for each.
		log.Info().Msg("venue resynced")
	}
}

// Tick re-evaluates staleness for every market.
func (m *Manager) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ms := range m.markets {
		if m.connDown {
			ms.stale = true
			continue
		}
		if ms.lastUpdate.IsZero() || now.Sub(ms.lastUpdate) > ms.staleAfter {
			if !ms.stale {
				log.Warn().Str("market", ms.market.ID).Msg("market stale")
			}
			ms.stale = true
		}
	}
}

// Snapshot builds and publishes an immutable snapshot for one market.
func (m *Manager) Snapshot(marketID string, now time.Time) *types.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.markets[marketID]
	if !ok {
		return nil
	}
	return m.snapshotLocked(ms, now)
}

// SnapshotAll publishes snapshots for every market that either changed or
// is due on cadence.
func (m *Manager) SnapshotAll(now time.Time, force bool) []*types.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.Snapshot
	for _, ms := range m.markets {
		if !force && m.cfg.SnapshotOnChange && !ms.changed {
			continue
		}
		out = append(out, m.snapshotLocked(ms, now))
	}
	return out
}

func (m *Manager) snapshotLocked(ms *marketState, now time.Time) *types.Snapshot {
	halted := m.halts != nil && m.halts.DrawdownHalted()

	var pos types.Position
	if m.positions != nil {
		pos = m.positions.Position(ms.market.ID)
	}

	feats := computeFeatures(ms, now)

	snap := &types.Snapshot{
		ID:            m.snapshotSeq.Add(1),
		RunID:         m.runID,
		Timestamp:     now,
		MarketID:      ms.market.ID,
		Yes:           ms.yes,
		No:            ms.no,
		Position:      pos,
		Stale:         ms.stale,
		DrawdownHalt:  halted,
		CanTrade:      !ms.stale && !halted,
		Crowding:      feats[featCrowding],
		Toxicity:      feats[featToxicity],
		SpreadComp:    feats[featSpreadComp],
		Features:      feats,
		SchemaVersion: types.FeatureSchemaVersion,
	}

	ms.changed = false

	select {
	case m.snapshotCh <- snap:
	default:
		log.Warn().Str("market", ms.market.ID).Msg("snapshot bus full, dropping")
	}
	return snap
}

// MalformedCount returns the number of dropped unusable events.
func (m *Manager) MalformedCount() int64 {
	return m.malformed.Load()
}

// Top returns the current top of book for one token side; the execution
// manager prices flattens off this view.
func (m *Manager) Top(marketID string, side types.Side) types.BookTop {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ms, ok := m.markets[marketID]; ok {
		if side == types.SideNo {
			return ms.no
		}
		return ms.yes
	}
	return types.BookTop{}
}

// Stale reports whether a market is currently stale.
func (m *Manager) Stale(marketID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ms, ok := m.markets[marketID]; ok {
		return ms.stale
	}
	return true
}

// observeMid appends a mid/spread observation from the YES book.
func (ms *marketState) observeMid(ts time.Time) {
	mid := ms.yes.Mid()
	if mid.IsZero() {
		return
	}
	spread := ms.yes.AskPrice.Sub(ms.yes.BidPrice)
	ms.mids = append(ms.mids, midObs{
		ts:     ts,
		mid:    mid.InexactFloat64(),
		spread: spread.InexactFloat64(),
	})
}

// trim drops observations older than cutoff from every window.
func (ms *marketState) trim(cutoff time.Time) {
	ms.trades = trimTrades(ms.trades, cutoff)
	ms.fills = trimFills(ms.fills, cutoff)
	ms.mids = trimMids(ms.mids, cutoff)
	ms.updates = trimTimes(ms.updates, cutoff)
}

func trimTrades(s []tradeObs, cutoff time.Time) []tradeObs {
	i := 0
	for i < len(s) && s[i].ts.Before(cutoff) {
		i++
	}
	return s[i:]
}

func trimFills(s []fillObs, cutoff time.Time) []fillObs {
	i := 0
	for i < len(s) && s[i].ts.Before(cutoff) {
		i++
	}
	return s[i:]
}

func trimMids(s []midObs, cutoff time.Time) []midObs {
	i := 0
	for i < len(s) && s[i].ts.Before(cutoff) {
		i++
	}
	return s[i:]
}

func trimTimes(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

func topsEqual(a, b types.BookTop) bool {
	return a.BidPrice.Equal(b.BidPrice) && a.AskPrice.Equal(b.AskPrice) &&
		a.BidSize.Equal(b.BidSize) && a.AskSize.Equal(b.AskSize)
}
