package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.DryRun {
		t.Error("DryRun should default to true")
	}
	if cfg.Arbiter.LeaseDuration < 250*time.Millisecond || cfg.Arbiter.LeaseDuration > 1500*time.Millisecond {
		t.Errorf("lease duration %v outside [250ms, 1500ms]", cfg.Arbiter.LeaseDuration)
	}
	if cfg.Risk.BreakerThreshold <= 0 {
		t.Error("breaker threshold must be positive")
	}
}

func TestLeaseClamp(t *testing.T) {
	t.Setenv("ARBITER_LEASE_MS", "50ms")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Arbiter.LeaseDuration != 250*time.Millisecond {
		t.Errorf("lease = %v, want clamped to 250ms", cfg.Arbiter.LeaseDuration)
	}

	t.Setenv("ARBITER_LEASE_MS", "10s")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Arbiter.LeaseDuration != 1500*time.Millisecond {
		t.Errorf("lease = %v, want clamped to 1500ms", cfg.Arbiter.LeaseDuration)
	}
}

func TestParseMarkets(t *testing.T) {
	t.Setenv("MARKETS", "m1:tokY:tokN:crypto, m2:y2:n2")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Markets) != 2 {
		t.Fatalf("markets = %d, want 2", len(cfg.Markets))
	}
	if cfg.Markets[0].Class != "crypto" {
		t.Errorf("class = %q, want crypto", cfg.Markets[0].Class)
	}
	if cfg.Markets[1].YesToken != "y2" {
		t.Errorf("yes token = %q, want y2", cfg.Markets[1].YesToken)
	}
}

func TestParseMarketsInvalid(t *testing.T) {
	t.Setenv("MARKETS", "broken-entry")
	if _, err := Load(); err == nil {
		t.Error("Load should fail on malformed MARKETS entry")
	}
}

func TestStaleFor(t *testing.T) {
	t.Setenv("STATE_STALE_BY_CLASS", "crypto=500ms,sports=5s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StaleFor("crypto") != 500*time.Millisecond {
		t.Errorf("crypto stale = %v, want 500ms", cfg.StaleFor("crypto"))
	}
	if cfg.StaleFor("unknown") != cfg.State.StaleMs {
		t.Errorf("unknown class should fall back to default")
	}
}
