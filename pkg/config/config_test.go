package config

import (
	"testing"

	"github.com/spf13/viper"
)

func resetViper() {
	viper.Reset()
}

func TestLoadAppliesDefaultsWithNoConfigFile(t *testing.T) {
	resetViper()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Monitor.PollMS != 5000 {
		t.Fatalf("expected default poll_ms=5000, got %d", cfg.Monitor.PollMS)
	}
	if cfg.Crypto.SignAlgo != "ed25519" {
		t.Fatalf("expected default sign_algo=ed25519, got %q", cfg.Crypto.SignAlgo)
	}
}

func TestLoadBindsAtomicEnvironmentVariables(t *testing.T) {
	resetViper()

	t.Setenv("ATOMIC_LEDGER_DIR", "/var/atomic/ledger")
	t.Setenv("ATOMIC_POLL_MS", "2500")
	t.Setenv("ATOMIC_CARBON_PRICE_CAD_PER_KG", "65")
	t.Setenv("ATOMIC_NODE_ROSTER", "node-1,node-2,node-3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ledger.Dir != "/var/atomic/ledger" {
		t.Fatalf("expected ledger dir from env, got %q", cfg.Ledger.Dir)
	}
	if cfg.Monitor.PollMS != 2500 {
		t.Fatalf("expected poll_ms=2500 from env, got %d", cfg.Monitor.PollMS)
	}
	if cfg.Pricing.CarbonPricePerKg != 65 {
		t.Fatalf("expected carbon price 65 from env, got %v", cfg.Pricing.CarbonPricePerKg)
	}
	if len(cfg.Nodes.Roster) != 3 {
		t.Fatalf("expected 3-node roster from env, got %v", cfg.Nodes.Roster)
	}
}
