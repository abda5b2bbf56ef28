// polyd - multi-strategy trading daemon for the Polymarket CLOB.
//
// The kernel converts venue event streams into committed order actions:
//
//	feed → state → snapshots → strategies → arbiter → risk → execution → audit
//
// Strategies compete through priority tiers and per-market ownership leases;
// the risk governor holds hard veto authority; every decision lands in the
// append-only audit store.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyd/admin"
	"github.com/web3guy0/polyd/arbiter"
	"github.com/web3guy0/polyd/audit"
	"github.com/web3guy0/polyd/bot"
	"github.com/web3guy0/polyd/config"
	"github.com/web3guy0/polyd/core"
	"github.com/web3guy0/polyd/exec"
	"github.com/web3guy0/polyd/execution"
	"github.com/web3guy0/polyd/feeds"
	"github.com/web3guy0/polyd/metrics"
	"github.com/web3guy0/polyd/risk"
	"github.com/web3guy0/polyd/state"
	"github.com/web3guy0/polyd/strategy"
	"github.com/web3guy0/polyd/types"
)

const version = "1.2.0"

// managerRef breaks the construction cycle between components that publish
// views (execution) and components that consume them (state, risk).
type managerRef struct {
	m **execution.Manager
}

func (r managerRef) Position(marketID string) types.Position {
	if *r.m == nil {
		return types.Position{MarketID: marketID}
	}
	return (*r.m).Position(marketID)
}

func (r managerRef) MarketExposure(marketID string) decimal.Decimal {
	if *r.m == nil {
		return decimal.Zero
	}
	return (*r.m).MarketExposure(marketID)
}

func (r managerRef) PortfolioExposure() decimal.Decimal {
	if *r.m == nil {
		return decimal.Zero
	}
	return (*r.m).PortfolioExposure()
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("configuration error")
		os.Exit(core.ExitConfigError)
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if len(cfg.Markets) == 0 {
		log.Error().Msg("no markets configured (set MARKETS)")
		os.Exit(core.ExitConfigError)
	}

	runID := uuid.NewString()
	log.Info().
		Str("version", version).
		Str("run_id", runID).
		Int("markets", len(cfg.Markets)).
		Bool("dry_run", cfg.DryRun).
		Msg("polyd starting")

	// Audit store first: nothing trades without the trail.
	store, err := audit.Open(cfg.Audit.DatabaseURL, cfg.Audit.DatabasePath)
	if err != nil {
		log.Error().Err(err).Msg("audit store unavailable")
		os.Exit(core.ExitStorageError)
	}
	if err := store.StartRun(runID, version, configHash(cfg)); err != nil {
		log.Error().Err(err).Msg("run registration failed")
		os.Exit(core.ExitStorageError)
	}
	writer := audit.NewWriter(store, cfg.Audit.QueueSize, cfg.Audit.RawHeadroom)
	writer.Start()

	// Venue client owns the signing keys.
	client, err := exec.NewClient(cfg.CLOBBaseURL, cfg.DryRun)
	if err != nil {
		log.Error().Err(err).Msg("venue client failed")
		os.Exit(core.ExitVenueFatal)
	}

	markets := make([]types.Market, len(cfg.Markets))
	for i, mc := range cfg.Markets {
		markets[i] = types.Market{ID: mc.ID, YesToken: mc.YesToken, NoToken: mc.NoToken, Class: mc.Class}
	}

	feed := feeds.NewVenueFeed(cfg.WSMarketURL, cfg.WSUserURL)
	for _, mk := range markets {
		feed.Watch(mk)
	}

	var execMgr *execution.Manager
	ref := managerRef{m: &execMgr}

	breaker := risk.NewCircuitBreaker(cfg.Risk.BreakerThreshold)
	governor := risk.NewGovernor(risk.Config{
		DrawdownHaltUSD:      cfg.Risk.DrawdownHaltUSD,
		MaxMarketExposure:    cfg.Risk.MaxMarketExposure,
		MaxPortfolioExposure: cfg.Risk.MaxPortfolioExposure,
	}, ref, breaker)

	stateMgr := state.NewManager(state.Config{
		StaleAfter:       cfg.State.StaleMs,
		StaleByClass:     cfg.State.StaleByClass,
		SnapshotEvery:    cfg.State.SnapshotEveryMs,
		SnapshotOnChange: cfg.State.SnapshotOnChange,
		HistoryWindow:    cfg.State.HistoryWindow,
	}, runID, markets, ref, governor)

	seq := &types.Sequence{}
	execMgr = execution.NewManager(execution.Config{
		MaxRetries:    cfg.Exec.MaxRetries,
		BackoffBase:   cfg.Exec.BackoffBase,
		BackoffMax:    cfg.Exec.BackoffMax,
		LegFillWindow: cfg.Exec.LegFillWindow,
	}, runID, markets, client, breaker, governor, writer, stateMgr, seq)

	// Replay persisted fills so open positions survive restarts.
	if fills, err := store.LoadFills(); err != nil {
		log.Warn().Err(err).Msg("fill recovery failed, starting flat")
	} else if len(fills) > 0 {
		execMgr.RecoverLots(fills)
	}

	arb := arbiter.New(arbiter.Config{
		LeaseDuration:  cfg.Arbiter.LeaseDuration,
		MaxSnapshotAge: cfg.Arbiter.MaxSnapshotAge,
		DedupWindow:    cfg.Arbiter.DedupWindow,
		DedupPriceBand: cfg.Arbiter.DedupPriceBand.InexactFloat64(),
	}, governor, execMgr, seq)

	strategies := []strategy.Strategy{
		strategy.NewComplementArb(seq, cfg.ArbBuffer, decimal.NewFromInt(100)),
		strategy.NewMaker(seq, decimal.NewFromFloat(0.03), decimal.NewFromInt(50), decimal.NewFromInt(500)),
	}

	var kernelMet *metrics.Kernel
	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		kernelMet = metrics.NewKernel()
		metricsSrv = metrics.NewServer(cfg.Metrics.Addr, kernelMet)
		metricsSrv.Start()
	}

	engine := core.NewEngine(cfg, runID, feed, stateMgr, arb, governor, breaker,
		execMgr, writer, kernelMet, strategies, seq)

	// Optional operator notifier.
	tg, err := bot.New(cfg.Telegram.Token, cfg.Telegram.ChatID, engine)
	if err != nil {
		log.Warn().Err(err).Msg("telegram disabled")
	}
	if tg != nil {
		engine.SetNotifier(tg)
		tg.Start()
	}

	adminSrv := admin.NewServer(cfg.Admin.SocketPath, engine, nil)
	if err := adminSrv.Start(); err != nil {
		log.Error().Err(err).Msg("admin channel failed")
		os.Exit(core.ExitConfigError)
	}

	if err := engine.Start(); err != nil {
		log.Error().Err(err).Msg("engine start failed")
		os.Exit(core.ExitVenueFatal)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("shutdown signal received")
		engine.Stop()
	}()

	code := engine.Wait()

	adminSrv.Close()
	if metricsSrv != nil {
		metricsSrv.Close()
	}
	if tg != nil {
		tg.Stop()
	}
	if err := store.EndRun(); err != nil {
		log.Warn().Err(err).Msg("run close failed")
	}
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("store close failed")
	}

	log.Info().Int("exit_code", code).Msg("polyd stopped")
	os.Exit(code)
}

// configHash fingerprints the effective configuration for the run row.
func configHash(cfg *config.Config) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%+v", cfg)))
	return hex.EncodeToString(sum[:8])
}
