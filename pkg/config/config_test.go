package config

import "testing"

func TestApplyEnvOverridesLeavesDefaultsWhenUnset(t *testing.T) {
	t.Setenv("SHARDBFT_MAX_PEERS", "")
	t.Setenv("SHARDBFT_MAX_FEE_WEIGHT", "")
	cfg := Config{}
	cfg.Network.MaxPeers = 50
	cfg.Consensus.MaxFeeWeight = 1000000

	applyEnvOverrides(&cfg)

	if cfg.Network.MaxPeers != 50 {
		t.Fatalf("expected MaxPeers unchanged at 50, got %d", cfg.Network.MaxPeers)
	}
	if cfg.Consensus.MaxFeeWeight != 1000000 {
		t.Fatalf("expected MaxFeeWeight unchanged at 1000000, got %d", cfg.Consensus.MaxFeeWeight)
	}
}

func TestApplyEnvOverridesAppliesSetValues(t *testing.T) {
	t.Setenv("SHARDBFT_MAX_PEERS", "200")
	t.Setenv("SHARDBFT_MAX_FEE_WEIGHT", "9999999")
	cfg := Config{}
	cfg.Network.MaxPeers = 50
	cfg.Consensus.MaxFeeWeight = 1000000

	applyEnvOverrides(&cfg)

	if cfg.Network.MaxPeers != 200 {
		t.Fatalf("expected MaxPeers overridden to 200, got %d", cfg.Network.MaxPeers)
	}
	if cfg.Consensus.MaxFeeWeight != 9999999 {
		t.Fatalf("expected MaxFeeWeight overridden to 9999999, got %d", cfg.Consensus.MaxFeeWeight)
	}
}
