package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RiskConfig defines the governor's hard limits.
type RiskConfig struct {
	DrawdownHaltUSD      decimal.Decimal // run-level cumulative loss that latches the halt
	MaxMarketExposure    decimal.Decimal // per-market USD cap
	MaxPortfolioExposure decimal.Decimal // total USD cap
	BreakerThreshold     int             // consecutive submission failures that open the breaker
}

// ArbiterConfig tunes intent selection.
type ArbiterConfig struct {
	LeaseDuration  time.Duration   // clamped to [250ms, 1500ms]
	MaxSnapshotAge time.Duration   // originating snapshot must be younger than this
	DedupWindow    time.Duration   // duplicate-intent collapse window
	DedupPriceBand decimal.Decimal // price proximity counted as duplicate
	CycleInterval  time.Duration
}

// StateConfig tunes the state manager.
type StateConfig struct {
	StaleMs          time.Duration            // default staleness threshold
	StaleByClass     map[string]time.Duration // per market class overrides
	SnapshotEveryMs  time.Duration            // evaluation cadence per market
	SnapshotOnChange bool                     // also snapshot on meaningful book change
	HistoryWindow    time.Duration            // trade/fill feature window
	TickInterval     time.Duration
}

// ExecConfig tunes the execution manager.
type ExecConfig struct {
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	LegFillWindow time.Duration // bounded wait before a leg-group unwind
	ShutdownGrace time.Duration // in-flight submission grace on shutdown
}

// AuditConfig tunes the audit writer.
type AuditConfig struct {
	QueueSize              int
	RawHeadroom            int           // slots reserved for causal-chain records
	DatabaseURL            string
	DatabasePath           string        // sqlite fallback when DatabaseURL is empty
	PortfolioSnapshotEvery time.Duration
}

// AdminConfig for the local control socket.
type AdminConfig struct {
	SocketPath string
}

// MetricsConfig for the loopback prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

// TelegramConfig for the optional operator notifier.
type TelegramConfig struct {
	Token  string
	ChatID int64
}

// MarketConfig declares one tradeable market.
type MarketConfig struct {
	ID       string
	YesToken string
	NoToken  string
	Class    string
}

type Config struct {
	Debug  bool
	DryRun bool

	// Venue endpoints
	CLOBBaseURL string
	WSMarketURL string
	WSUserURL   string

	// Wallet (consumed only by the venue client)
	WalletPrivateKey string
	FunderAddress    string

	Risk     RiskConfig
	Arbiter  ArbiterConfig
	State    StateConfig
	Exec     ExecConfig
	Audit    AuditConfig
	Admin    AdminConfig
	Metrics  MetricsConfig
	Telegram TelegramConfig

	Markets []MarketConfig

	// ArbBuffer is the complement-arb trigger margin: trade when
	// yesAsk + noAsk < 1 - buffer.
	ArbBuffer decimal.Decimal
}

// Load reads configuration from the environment with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Debug:  getEnvBool("DEBUG", false),
		DryRun: getEnvBool("DRY_RUN", true),

		CLOBBaseURL: getEnv("POLYMARKET_CLOB_URL", "https://clob.polymarket.com"),
		WSMarketURL: getEnv("POLYMARKET_WS_MARKET_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),
		WSUserURL:   getEnv("POLYMARKET_WS_USER_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/user"),

		WalletPrivateKey: os.Getenv("WALLET_PRIVATE_KEY"),
		FunderAddress:    os.Getenv("FUNDER_ADDRESS"),

		Risk: RiskConfig{
			DrawdownHaltUSD:      getEnvDecimal("RISK_DRAWDOWN_HALT_USD", decimal.NewFromFloat(200)),
			MaxMarketExposure:    getEnvDecimal("RISK_MAX_MARKET_EXPOSURE", decimal.NewFromFloat(250)),
			MaxPortfolioExposure: getEnvDecimal("RISK_MAX_PORTFOLIO_EXPOSURE", decimal.NewFromFloat(1000)),
			BreakerThreshold:     getEnvInt("RISK_BREAKER_THRESHOLD", 5),
		},
		Arbiter: ArbiterConfig{
			LeaseDuration:  getEnvDuration("ARBITER_LEASE_MS", 750*time.Millisecond),
			MaxSnapshotAge: getEnvDuration("ARBITER_MAX_SNAPSHOT_AGE", 500*time.Millisecond),
			DedupWindow:    getEnvDuration("ARBITER_DEDUP_WINDOW", 200*time.Millisecond),
			DedupPriceBand: getEnvDecimal("ARBITER_DEDUP_PRICE_BAND", decimal.NewFromFloat(0.01)),
			CycleInterval:  getEnvDuration("ARBITER_CYCLE_INTERVAL", 50*time.Millisecond),
		},
		State: StateConfig{
			StaleMs:          getEnvDuration("STATE_STALE_MS", 2000*time.Millisecond),
			StaleByClass:     parseClassDurations(os.Getenv("STATE_STALE_BY_CLASS")),
			SnapshotEveryMs:  getEnvDuration("STATE_SNAPSHOT_EVERY_MS", 250*time.Millisecond),
			SnapshotOnChange: getEnvBool("STATE_SNAPSHOT_ON_CHANGE", true),
			HistoryWindow:    getEnvDuration("STATE_HISTORY_WINDOW", 30*time.Second),
			TickInterval:     getEnvDuration("STATE_TICK_INTERVAL", 100*time.Millisecond),
		},
		Exec: ExecConfig{
			MaxRetries:    getEnvInt("EXEC_MAX_RETRIES", 3),
			BackoffBase:   getEnvDuration("EXEC_BACKOFF_BASE", 100*time.Millisecond),
			BackoffMax:    getEnvDuration("EXEC_BACKOFF_MAX", 2*time.Second),
			LegFillWindow: getEnvDuration("EXEC_LEG_FILL_WINDOW", 3*time.Second),
			ShutdownGrace: getEnvDuration("EXEC_SHUTDOWN_GRACE", 5*time.Second),
		},
		Audit: AuditConfig{
			QueueSize:              getEnvInt("AUDIT_QUEUE_SIZE", 8192),
			RawHeadroom:            getEnvInt("AUDIT_RAW_HEADROOM", 1024),
			DatabaseURL:            os.Getenv("DATABASE_URL"),
			DatabasePath:           getEnv("DATABASE_PATH", "data/polyd.db"),
			PortfolioSnapshotEvery: getEnvDuration("AUDIT_PORTFOLIO_EVERY", 10*time.Second),
		},
		Admin: AdminConfig{
			SocketPath: getEnv("ADMIN_SOCKET", "/tmp/polyd.sock"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Addr:    getEnv("METRICS_ADDR", "127.0.0.1:9109"),
		},
		Telegram: TelegramConfig{
			Token: os.Getenv("TELEGRAM_BOT_TOKEN"),
		},

		ArbBuffer: getEnvDecimal("ARB_BUFFER", decimal.NewFromFloat(0.01)),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Telegram.ChatID = id
	}

	// Lease duration is bounded by contract.
	if cfg.Arbiter.LeaseDuration < 250*time.Millisecond {
		cfg.Arbiter.LeaseDuration = 250 * time.Millisecond
	}
	if cfg.Arbiter.LeaseDuration > 1500*time.Millisecond {
		cfg.Arbiter.LeaseDuration = 1500 * time.Millisecond
	}

	markets, err := parseMarkets(os.Getenv("MARKETS"))
	if err != nil {
		return nil, err
	}
	cfg.Markets = markets

	return cfg, nil
}

// StaleFor returns the staleness threshold for a market class.
func (c *Config) StaleFor(class string) time.Duration {
	if d, ok := c.State.StaleByClass[class]; ok {
		return d
	}
	return c.State.StaleMs
}

// parseMarkets parses "id:yesToken:noToken[:class]" entries separated by commas.
func parseMarkets(s string) ([]MarketConfig, error) {
	if s == "" {
		return nil, nil
	}
	var out []MarketConfig
	for _, entry := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 3 {
			return nil, fmt.Errorf("invalid MARKETS entry %q (want id:yesToken:noToken[:class])", entry)
		}
		m := MarketConfig{ID: parts[0], YesToken: parts[1], NoToken: parts[2]}
		if len(parts) > 3 {
			m.Class = parts[3]
		}
		out = append(out, m)
	}
	return out, nil
}

// parseClassDurations parses "class=duration" pairs separated by commas.
func parseClassDurations(s string) map[string]time.Duration {
	out := make(map[string]time.Duration)
	if s == "" {
		return out
	}
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			continue
		}
		if d, err := time.ParseDuration(kv[1]); err == nil {
			out[kv[0]] = d
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
