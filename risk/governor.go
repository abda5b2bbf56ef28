package risk

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyd/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GOVERNOR - Hard veto authority
// ═══════════════════════════════════════════════════════════════════════════════
//
// Sits between arbiter and execution. The governor only denies or permits;
// size shaping belongs to the strategies. Checks run in cheapest-first order:
//
//   kill_switch → drawdown_halt → venue_unhealthy → stale_state → caps_breach
//
// drawdown_halt and venue_unhealthy are latched; only the admin channel
// clears them. Cancel/CancelAll/Flatten are always exempt from caps_breach:
// reducing exposure is always allowed.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ExposureView supplies current exposure figures, owned by execution.
type ExposureView interface {
	MarketExposure(marketID string) decimal.Decimal
	PortfolioExposure() decimal.Decimal
}

// Config for the governor.
type Config struct {
	DrawdownHaltUSD      decimal.Decimal
	MaxMarketExposure    decimal.Decimal
	MaxPortfolioExposure decimal.Decimal
}

// Governor enforces the absolute vetoes.
type Governor struct {
	mu sync.RWMutex

	cfg       Config
	exposures ExposureView
	breaker   *CircuitBreaker

	cumulativePnL decimal.Decimal
	drawdownHalt  bool
	killSwitch    bool

	vetoCounts map[string]int64
}

// NewGovernor creates the risk governor.
func NewGovernor(cfg Config, exposures ExposureView, breaker *CircuitBreaker) *Governor {
	return &Governor{
		cfg:        cfg,
		exposures:  exposures,
		breaker:    breaker,
		vetoCounts: make(map[string]int64),
	}
}

// Check stamps an arbiter-approved intent. Returns risk_ok and, when denied,
// the veto reason. snapCanTrade is the can_trade flag of the originating
// snapshot.
func (g *Governor) Check(intent *types.Intent, snapCanTrade bool) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	reducing := intent.Kind == types.IntentCancel ||
		intent.Kind == types.IntentCancelAll ||
		intent.Kind == types.IntentFlatten

	if g.killSwitch && !reducing {
		return g.veto(intent, types.ReasonKillSwitch)
	}

	if g.drawdownHalt && !reducing {
		return g.veto(intent, types.ReasonDrawdownHalt)
	}

	if g.breaker != nil && g.breaker.IsOpen() && !reducing {
		return g.veto(intent, types.ReasonVenueUnhealthy)
	}

	if intent.Kind == types.IntentPlaceOrder && !snapCanTrade {
		return g.veto(intent, types.ReasonStaleState)
	}

	// Cancels and flattens always reduce; they skip the cap checks.
	if reducing {
		return true, types.ReasonApproved
	}

	if intent.Kind == types.IntentPlaceOrder && g.exposures != nil {
		notional := intent.Price.Mul(intent.Size)

		// The unwind variant skips the configured market/portfolio caps;
		// no other cap is applied to it.
		if intent.EmergencyUnwind {
			return true, types.ReasonApproved
		}

		market := g.exposures.MarketExposure(intent.MarketID).Add(notional)
		if market.GreaterThan(g.cfg.MaxMarketExposure) {
			return g.veto(intent, types.ReasonCapsBreach)
		}

		portfolio := g.exposures.PortfolioExposure().Add(notional)
		if portfolio.GreaterThan(g.cfg.MaxPortfolioExposure) {
			return g.veto(intent, types.ReasonCapsBreach)
		}
	}

	return true, types.ReasonApproved
}

func (g *Governor) veto(intent *types.Intent, reason string) (bool, string) {
	g.vetoCounts[reason]++
	log.Debug().
		Str("strategy", intent.Strategy).
		Str("market", intent.MarketID).
		Str("kind", string(intent.Kind)).
		Str("reason", reason).
		Msg("risk veto")
	return false, reason
}

// RecordLedger folds a ledger amount into cumulative run PnL and latches
// the drawdown halt when the loss threshold is crossed.
func (g *Governor) RecordLedger(amount decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cumulativePnL = g.cumulativePnL.Add(amount)
	if !g.drawdownHalt && g.cumulativePnL.LessThanOrEqual(g.cfg.DrawdownHaltUSD.Neg()) {
		g.drawdownHalt = true
		log.Error().
			Str("cumulative_pnl", g.cumulativePnL.StringFixed(2)).
			Str("threshold", g.cfg.DrawdownHaltUSD.StringFixed(2)).
			Msg("DRAWDOWN HALT LATCHED")
	}
}

// DrawdownHalted implements the state manager's HaltView.
func (g *Governor) DrawdownHalted() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.drawdownHalt
}

// ClearDrawdownHalt is operator-only reinstatement.
func (g *Governor) ClearDrawdownHalt() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drawdownHalt = false
	log.Info().Msg("drawdown halt cleared by operator")
}

// EngageKillSwitch halts all new placements immediately.
func (g *Governor) EngageKillSwitch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.killSwitch = true
	log.Error().Msg("KILL SWITCH ENGAGED")
}

// KillSwitchEngaged reports the kill-switch state.
func (g *Governor) KillSwitchEngaged() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.killSwitch
}

// SetCap updates a cap at runtime (admin set-cap).
func (g *Governor) SetCap(name string, value decimal.Decimal) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch name {
	case "market_exposure":
		g.cfg.MaxMarketExposure = value
	case "portfolio_exposure":
		g.cfg.MaxPortfolioExposure = value
	case "drawdown_halt":
		g.cfg.DrawdownHaltUSD = value
	default:
		return false
	}
	log.Info().Str("cap", name).Str("value", value.String()).Msg("cap updated")
	return true
}

// CumulativePnL returns run PnL for status reporting.
func (g *Governor) CumulativePnL() decimal.Decimal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cumulativePnL
}

// VetoCounts returns a copy of the per-reason veto counters.
func (g *Governor) VetoCounts() map[string]int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]int64, len(g.vetoCounts))
	for k, v := range g.vetoCounts {
		out[k] = v
	}
	return out
}
