package config

import "testing"

func TestForkSchedule_IsActive_ZeroNotScheduled(t *testing.T) {
	fs := ForkSchedule{}
	if fs.IsActive(0, 100) {
		t.Error("fork at height 0 (not scheduled) should not be active")
	}
}

func TestForkSchedule_IsActive_HeightReached(t *testing.T) {
	fs := ForkSchedule{}
	if !fs.IsActive(50, 50) {
		t.Error("fork at height 50 should be active at height 50")
	}
	if !fs.IsActive(50, 100) {
		t.Error("fork at height 50 should be active at height 100")
	}
}

func TestForkSchedule_IsActive_HeightNotReached(t *testing.T) {
	fs := ForkSchedule{}
	if fs.IsActive(50, 49) {
		t.Error("fork at height 50 should not be active at height 49")
	}
}

func TestMainnetGenesis_HasForks(t *testing.T) {
	g := MainnetGenesis()
	_ = g.Protocol.Forks
}

func TestTestnetGenesis_HasForks(t *testing.T) {
	g := TestnetGenesis()
	_ = g.Protocol.Forks
}

func TestGenesis_Validate_MainnetValid(t *testing.T) {
	g := MainnetGenesis()
	if err := g.Validate(); err != nil {
		t.Errorf("mainnet genesis should be valid: %v", err)
	}
}

func TestGenesis_Validate_TestnetValid(t *testing.T) {
	g := TestnetGenesis()
	if err := g.Validate(); err != nil {
		t.Errorf("testnet genesis should be valid: %v", err)
	}
}

func TestGenesisFor(t *testing.T) {
	if GenesisFor(Testnet).ChainID != TestnetGenesis().ChainID {
		t.Error("GenesisFor(Testnet) should return the testnet genesis")
	}
	if GenesisFor(Mainnet).ChainID != MainnetGenesis().ChainID {
		t.Error("GenesisFor(Mainnet) should return the mainnet genesis")
	}
	if GenesisFor(NetworkType("bogus")).ChainID != MainnetGenesis().ChainID {
		t.Error("GenesisFor should default to mainnet for an unknown network")
	}
}

func TestGenesis_Validate_MissingChainID(t *testing.T) {
	g := TestnetGenesis()
	g.ChainID = ""
	if err := g.Validate(); err == nil {
		t.Error("expected an error for a missing chain_id")
	}
}

func TestGenesis_Validate_ZeroTargetBlockTime(t *testing.T) {
	g := TestnetGenesis()
	g.Protocol.Consensus.TargetBlockTime = 0
	if err := g.Validate(); err == nil {
		t.Error("expected an error for a non-positive target_block_time")
	}
}

func TestGenesis_Validate_ZeroRetargetInterval(t *testing.T) {
	g := TestnetGenesis()
	g.Protocol.Consensus.RetargetInterval = 0
	if err := g.Validate(); err == nil {
		t.Error("expected an error for a non-positive retarget_interval")
	}
}

func TestGenesis_Validate_ZeroInitialBits(t *testing.T) {
	g := TestnetGenesis()
	g.Protocol.Consensus.InitialBits = 0
	if err := g.Validate(); err == nil {
		t.Error("expected an error for a zero initial_bits")
	}
}

func TestGenesis_Validate_ZeroBlockReward(t *testing.T) {
	g := TestnetGenesis()
	g.Protocol.Consensus.BlockReward = 0
	if err := g.Validate(); err == nil {
		t.Error("expected an error for a zero block_reward")
	}
}

func TestGenesis_Validate_InvalidAllocAddress(t *testing.T) {
	g := TestnetGenesis()
	g.Alloc = map[string]uint64{"not-a-valid-address": 100}
	if err := g.Validate(); err == nil {
		t.Error("expected an error for an invalid alloc address")
	}
}

func TestGenesis_Validate_AllocExceedsMaxSupply(t *testing.T) {
	g := TestnetGenesis()
	g.Protocol.Consensus.MaxSupply = 1
	if err := g.Validate(); err == nil {
		t.Error("expected an error when total alloc exceeds max_supply")
	}
}

func TestGenesis_Validate_AllocUnboundedWhenMaxSupplyZero(t *testing.T) {
	g := TestnetGenesis()
	g.Protocol.Consensus.MaxSupply = 0
	g.Alloc = map[string]uint64{TestnetAddress: 1_000_000_000 * Coin}
	if err := g.Validate(); err != nil {
		t.Errorf("alloc should be unbounded when max_supply is 0: %v", err)
	}
}

func TestGenesis_Validate_ChecksIncreasingCheckpoints(t *testing.T) {
	g := TestnetGenesis()
	g.Protocol.Checkpoints = []Checkpoint{
		{Height: 10},
		{Height: 10},
	}
	if err := g.Validate(); err == nil {
		t.Error("expected an error for non-increasing checkpoint heights")
	}

	g.Protocol.Checkpoints = []Checkpoint{
		{Height: 10},
		{Height: 20},
	}
	if err := g.Validate(); err != nil {
		t.Errorf("strictly increasing checkpoints should validate: %v", err)
	}
}

func TestGenesis_Hash_Deterministic(t *testing.T) {
	g := TestnetGenesis()
	h1, err := g.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := g.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h1 != h2 {
		t.Error("Hash() should be deterministic for the same genesis")
	}

	other := MainnetGenesis()
	h3, err := other.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h1 == h3 {
		t.Error("different genesis configurations should hash differently")
	}
}

func TestGenesis_SaveAndLoad(t *testing.T) {
	g := TestnetGenesis()
	path := t.TempDir() + "/genesis.json"

	if err := g.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadGenesis(path)
	if err != nil {
		t.Fatalf("LoadGenesis: %v", err)
	}
	if loaded.ChainID != g.ChainID {
		t.Errorf("ChainID = %q, want %q", loaded.ChainID, g.ChainID)
	}
	if loaded.Protocol.Consensus.BlockReward != g.Protocol.Consensus.BlockReward {
		t.Error("round-tripped genesis should preserve consensus rules")
	}
}

func TestLoadGenesis_RejectsInvalid(t *testing.T) {
	g := TestnetGenesis()
	g.ChainID = ""
	path := t.TempDir() + "/genesis.json"
	if err := g.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := LoadGenesis(path); err == nil {
		t.Error("LoadGenesis should reject a genesis file that fails Validate")
	}
}

func TestLoadGenesis_MissingFile(t *testing.T) {
	if _, err := LoadGenesis(t.TempDir() + "/does-not-exist.json"); err == nil {
		t.Error("LoadGenesis should error for a missing file")
	}
}
