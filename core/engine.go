package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyd/arbiter"
	"github.com/web3guy0/polyd/audit"
	"github.com/web3guy0/polyd/config"
	"github.com/web3guy0/polyd/execution"
	"github.com/web3guy0/polyd/feeds"
	"github.com/web3guy0/polyd/metrics"
	"github.com/web3guy0/polyd/risk"
	"github.com/web3guy0/polyd/state"
	"github.com/web3guy0/polyd/strategy"
	"github.com/web3guy0/polyd/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Kernel orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   venue feed → state → snapshot bus → strategies → arbiter (+governor)
//                                                       → execution → audit
//
// One long-lived goroutine per stage, bounded channels between stages, no
// shared mutable state across stages except published read-only views.
// A panic in any stage is caught at the stage boundary, logged as a
// CRITICAL incident and engages the kill switch.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Exit codes per the process contract.
const (
	ExitClean        = 0
	ExitConfigError  = 1
	ExitStorageError = 2
	ExitVenueFatal   = 3
	ExitOperatorKill = 4
)

// Engine wires the kernel stages together.
type Engine struct {
	cfg   *config.Config
	runID string

	feed       feeds.Feed
	stateMgr   *state.Manager
	arb        *arbiter.Arbiter
	governor   *risk.Governor
	breaker    *risk.CircuitBreaker
	execMgr    *execution.Manager
	auditor    *audit.Writer
	kernelMet  *metrics.Kernel
	strategies []strategy.Strategy
	seq        *types.Sequence

	notifier Notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running   atomic.Bool
	accepting atomic.Bool
	killed    atomic.Bool
	exitCode  atomic.Int32
	done      chan struct{}
}

// Notifier receives operator-facing event notifications.
type Notifier interface {
	NotifyFill(market string, side string, price, qty decimal.Decimal)
	NotifyIncident(level, detail string)
}

// NewEngine assembles the kernel.
func NewEngine(cfg *config.Config, runID string, feed feeds.Feed, stateMgr *state.Manager,
	arb *arbiter.Arbiter, governor *risk.Governor, breaker *risk.CircuitBreaker,
	execMgr *execution.Manager, auditor *audit.Writer, kernelMet *metrics.Kernel,
	strategies []strategy.Strategy, seq *types.Sequence) *Engine {

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		runID:      runID,
		feed:       feed,
		stateMgr:   stateMgr,
		arb:        arb,
		governor:   governor,
		breaker:    breaker,
		execMgr:    execMgr,
		auditor:    auditor,
		kernelMet:  kernelMet,
		strategies: strategies,
		seq:        seq,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// SetNotifier attaches the optional operator notifier.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// wireMetrics hooks execution latencies into the histograms.
func (e *Engine) wireMetrics() {
	if e.kernelMet == nil {
		return
	}
	e.execMgr.SetAckHook(func(latency time.Duration) {
		e.kernelMet.SubmitLatency.Observe(latency.Seconds())
	})
}

// Start launches every stage.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	e.accepting.Store(true)

	e.wireMetrics()

	if err := e.feed.Start(); err != nil {
		return fmt.Errorf("start venue feed: %w", err)
	}

	e.spawn("market-ingest", e.marketLoop)
	e.spawn("conn-ingest", e.connLoop)
	e.spawn("user-ingest", e.userLoop)
	e.spawn("snapshot-cadence", e.cadenceLoop)
	e.spawn("snapshot-fanout", e.snapshotLoop)
	e.spawn("arbiter", e.arbiterLoop)
	e.spawn("leg-groups", e.legGroupLoop)
	e.spawn("portfolio", e.portfolioLoop)

	log.Info().Str("run_id", e.runID).Msg("engine started")
	return nil
}

// spawn runs one stage with panic containment.
func (e *Engine) spawn(name string, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				detail := fmt.Sprintf("task %s panicked: %v", name, r)
				log.Error().Str("task", name).Interface("panic", r).Msg("task panic, engaging kill switch")
				e.auditor.RecordIncident(types.Incident{
					Level:     types.IncidentCritical,
					Kind:      "task_panic",
					Detail:    detail,
					Timestamp: time.Now(),
				})
				if e.notifier != nil {
					e.notifier.NotifyIncident("CRITICAL", detail)
				}
				e.Kill()
			}
		}()
		fn()
	}()
}

// ═══════════════════════════════════════════════════════════════════════════════
// STAGE LOOPS
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) marketLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.feed.MarketEvents():
			e.stateMgr.ApplyEvent(ev)
			e.auditor.EnqueueRaw(audit.RawEvent{
				MarketID:  ev.MarketID,
				Kind:      string(ev.Kind),
				Timestamp: ev.Timestamp,
			})
			if e.cfg.State.SnapshotOnChange && ev.Kind == feeds.MarketL2Update {
				e.stateMgr.Snapshot(ev.MarketID, time.Now())
			}
		}
	}
}

func (e *Engine) connLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.feed.ConnEvents():
			e.stateMgr.ApplyConnEvent(ev)
			if e.kernelMet != nil {
				if ev.State == feeds.ConnDisconnected {
					e.kernelMet.WSConnected.Set(0)
				} else {
					e.kernelMet.WSConnected.Set(1)
				}
			}
		}
	}
}

func (e *Engine) userLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.feed.UserEvents():
			e.execMgr.OnUserEvent(e.ctx, ev)
			if ev.Kind == feeds.UserFill && ev.Fill != nil {
				e.stateMgr.ApplyFill(*ev.Fill)
				for _, s := range e.strategies {
					s.OnFill(*ev.Fill)
				}
				if e.kernelMet != nil {
					e.kernelMet.FillsTotal.Inc()
					if o := e.execMgr.Order(ev.Fill.ClientOrderID); o != nil && o.AckedAt != nil {
						e.kernelMet.AckToFillLatency.Observe(ev.Fill.Timestamp.Sub(*o.AckedAt).Seconds())
					}
				}
				if e.notifier != nil {
					e.notifier.NotifyFill(ev.Fill.MarketID, string(ev.Fill.Side), ev.Fill.Price, ev.Fill.Qty)
				}
			}
		}
	}
}

// cadenceLoop drives staleness checks and forced snapshot cadence.
func (e *Engine) cadenceLoop() {
	tick := time.NewTicker(e.cfg.State.TickInterval)
	snap := time.NewTicker(e.cfg.State.SnapshotEveryMs)
	defer tick.Stop()
	defer snap.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-tick.C:
			e.stateMgr.Tick(time.Now())
		case <-snap.C:
			e.stateMgr.SnapshotAll(time.Now(), true)
		}
	}
}

// snapshotLoop fans snapshots out to the audit trail, the arbiter's
// registry, and every strategy. Running all strategies on one goroutine
// keeps per-market causal ordering.
func (e *Engine) snapshotLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case snap := <-e.stateMgr.Snapshots():
			e.auditor.RecordSnapshot(snap)
			e.arb.ObserveSnapshot(snap)
			if e.kernelMet != nil {
				e.kernelMet.SnapshotsTotal.Inc()
			}

			if !e.accepting.Load() {
				continue
			}

			for _, s := range e.strategies {
				for _, in := range s.OnSnapshot(snap) {
					e.auditor.RecordIntent(in)
					e.arb.Enqueue(in)
					e.recordSignalTags(in)
					if e.kernelMet != nil {
						e.kernelMet.IntentsTotal.WithLabelValues(in.Strategy).Inc()
					}
				}
			}
		}
	}
}

// recordSignalTags persists tag payloads to plugin_signals.
func (e *Engine) recordSignalTags(in *types.Intent) {
	for _, tag := range in.Tags {
		e.auditor.RecordSignal(audit.Signal{
			Strategy:  in.Strategy,
			MarketID:  in.MarketID,
			IntentID:  in.ID,
			Signal:    tag,
			Timestamp: in.Created,
		})
	}
}

func (e *Engine) arbiterLoop() {
	ticker := time.NewTicker(e.cfg.Arbiter.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.runCycle(time.Now())
		}
	}
}

// runCycle executes one arbitration pass. Approvals persist before the
// corresponding submission is attempted: the audit enqueue happens before
// Execute, and the serialized writer preserves that order.
func (e *Engine) runCycle(now time.Time) {
	for _, d := range e.arb.Cycle(now) {
		if d.Intent.Synthetic {
			e.auditor.RecordIntent(d.Intent)
		}
		e.auditor.RecordApproval(d.Approval)
		if e.kernelMet != nil {
			e.kernelMet.ApprovalsTotal.WithLabelValues(d.Approval.Reason).Inc()
			switch d.Approval.Reason {
			case types.ReasonStaleState, types.ReasonDrawdownHalt, types.ReasonKillSwitch,
				types.ReasonCapsBreach, types.ReasonVenueUnhealthy:
				e.kernelMet.RiskVetoesTotal.WithLabelValues(d.Approval.Reason).Inc()
			}
		}

		if d.Approval.Approved && d.Approval.RiskOK {
			e.execMgr.Execute(e.ctx, d.Intent, d.Approval)
		}
	}

	if e.kernelMet != nil {
		e.kernelMet.OpenOrders.Set(float64(e.execMgr.OpenOrderCount()))
		e.kernelMet.AuditQueueDepth.Set(float64(e.auditor.QueueDepth()))
		e.kernelMet.RawEventDrops.Set(float64(e.auditor.RawDrops()))
		setBool(e.kernelMet.BreakerOpen, e.breaker.IsOpen())
		setBool(e.kernelMet.KillSwitch, e.governor.KillSwitchEngaged())
		setBool(e.kernelMet.DrawdownHalt, e.governor.DrawdownHalted())
	}
}

func (e *Engine) legGroupLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.execMgr.CheckLegGroups(e.ctx, time.Now())
		}
	}
}

func (e *Engine) portfolioLoop() {
	ticker := time.NewTicker(e.cfg.Audit.PortfolioSnapshotEvery)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			gross := e.execMgr.PortfolioExposure()
			e.auditor.RecordPortfolio(audit.Portfolio{
				GrossExposureUSD: gross,
				CumulativePnL:    e.governor.CumulativePnL(),
				OpenOrders:       e.execMgr.OpenOrderCount(),
				Timestamp:        time.Now(),
			})
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ADMIN CONTROLLER SURFACE
// ═══════════════════════════════════════════════════════════════════════════════

// Status reports kernel health for the admin channel.
func (e *Engine) Status() map[string]interface{} {
	failures, open, reason := e.breaker.Stats()
	return map[string]interface{}{
		"run_id":          e.runID,
		"running":         e.running.Load(),
		"open_orders":     e.execMgr.OpenOrderCount(),
		"cumulative_pnl":  e.governor.CumulativePnL().StringFixed(2),
		"drawdown_halt":   e.governor.DrawdownHalted(),
		"kill_switch":     e.governor.KillSwitchEngaged(),
		"breaker_open":    open,
		"breaker_failures": failures,
		"breaker_reason":  reason,
		"audit_queue":     e.auditor.QueueDepth(),
		"veto_counts":     e.governor.VetoCounts(),
	}
}

// Pause suspends a strategy's placements.
func (e *Engine) Pause(strategyName string) {
	e.arb.Pause(strategyName)
	e.auditor.RecordIncident(types.Incident{
		Level: types.IncidentInfo, Kind: "operator_action",
		Detail: "pause " + strategyName, Timestamp: time.Now(),
	})
}

// Resume re-enables a strategy.
func (e *Engine) Resume(strategyName string) {
	e.arb.Resume(strategyName)
	e.auditor.RecordIncident(types.Incident{
		Level: types.IncidentInfo, Kind: "operator_action",
		Detail: "resume " + strategyName, Timestamp: time.Now(),
	})
}

// Flatten closes a market's position on operator request.
func (e *Engine) Flatten(marketID string) error {
	in := &types.Intent{
		ID:        e.seq.Next(),
		Strategy:  "operator",
		MarketID:  marketID,
		Kind:      types.IntentFlatten,
		Created:   time.Now(),
		Rationale: "operator flatten",
	}
	e.auditor.RecordIntent(in)
	e.execMgr.Execute(e.ctx, in, types.Approval{
		IntentID: in.ID, Approved: true, RiskOK: true,
		Reason: types.ReasonApproved, Timestamp: time.Now(),
	})
	return nil
}

// SetCap forwards a cap update to the governor and strategies.
func (e *Engine) SetCap(name string, value decimal.Decimal) bool {
	ok := e.governor.SetCap(name, value)
	if ok {
		for _, s := range e.strategies {
			s.OnConfigChange(name, value.String())
		}
	}
	return ok
}

// Kill engages the kill switch: no new intents, immediate cancel of every
// open order, then shutdown with the operator-kill exit code.
func (e *Engine) Kill() {
	if !e.killed.CompareAndSwap(false, true) {
		return
	}
	e.exitCode.Store(ExitOperatorKill)
	e.governor.EngageKillSwitch()
	e.accepting.Store(false)

	e.auditor.RecordIncident(types.Incident{
		Level: types.IncidentCritical, Kind: "operator_action",
		Detail: "kill switch engaged", Timestamp: time.Now(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.execMgr.CancelAllOpen(ctx)

	go e.shutdown(false)
}

// ClearDrawdownHalt is the operator reinstatement path.
func (e *Engine) ClearDrawdownHalt() {
	e.governor.ClearDrawdownHalt()
	e.auditor.RecordIncident(types.Incident{
		Level: types.IncidentInfo, Kind: "operator_action",
		Detail: "drawdown halt cleared", Timestamp: time.Now(),
	})
}

// ResetBreaker is the operator reinstatement path for the circuit breaker.
func (e *Engine) ResetBreaker() {
	e.breaker.Reset()
	e.auditor.RecordIncident(types.Incident{
		Level: types.IncidentInfo, Kind: "operator_action",
		Detail: "circuit breaker reset", Timestamp: time.Now(),
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// SHUTDOWN
// ═══════════════════════════════════════════════════════════════════════════════

// Stop runs the graceful shutdown sequence.
func (e *Engine) Stop() {
	e.shutdown(true)
}

// shutdown: (a) stop accepting intents, (b) drain the arbiter, (c) bounded
// grace for in-flight submissions, (d) flush the audit writer, (e) close
// venue connections. The kill variant skips the grace period.
func (e *Engine) shutdown(graceful bool) {
	if !e.running.CompareAndSwap(true, false) {
		return
	}

	log.Info().Bool("graceful", graceful).Msg("engine shutting down")
	e.accepting.Store(false)

	// Drain whatever the arbiter still holds; approvals persist as usual.
	e.runCycle(time.Now())

	if graceful {
		time.Sleep(e.cfg.Exec.ShutdownGrace)
	}

	e.cancel()
	e.wg.Wait()

	e.auditor.Close()
	e.feed.Stop()

	close(e.done)
	log.Info().Msg("engine stopped")
}

// Wait blocks until shutdown completes and returns the process exit code.
func (e *Engine) Wait() int {
	<-e.done
	return int(e.exitCode.Load())
}

func setBool(g interface{ Set(float64) }, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}
