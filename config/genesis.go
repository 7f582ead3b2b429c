package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ferrite-chain/ferrite/pkg/crypto"
	"github.com/ferrite-chain/ferrite/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// CoinbaseMaturity is the number of blocks a coinbase output must wait
// before it can be spent. Prevents payout-then-reorg double-spends.
const CoinbaseMaturity uint64 = 100

// MedianTimePastWindow is the number of preceding block timestamps used to
// compute the median-time-past bound for a new block's timestamp.
const MedianTimePastWindow = 11

// MaxFutureDrift bounds how far ahead of the local clock a block's
// timestamp may be, in seconds.
const MaxFutureDrift = 2 * 60 * 60 // 2 hours

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize  = 2_000_000 // 2 MB max block size (header + all tx signing bytes)
	MaxBlockTxs   = 500       // Max transactions per block (including coinbase)
	MaxTxInputs   = 2500      // Max inputs per transaction
	MaxTxOutputs  = 2500      // Max outputs per transaction
	MaxScriptData = 65_536    // 64 KB max script data per output
)

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "FER")

	// Genesis block
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units)
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ForkSchedule defines block heights at which protocol upgrades activate.
// A zero value means the fork is not scheduled.
type ForkSchedule struct {
	// Future forks are added here as fields.
}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// ProtocolConfig holds consensus-critical rules. All nodes MUST agree on
// these values.
type ProtocolConfig struct {
	Consensus   ConsensusRules `json:"consensus"`
	Checkpoints []Checkpoint   `json:"checkpoints,omitempty"`
	Forks       ForkSchedule   `json:"forks,omitempty"`
}

// Checkpoint pins a known-good (height, block hash) pair. A reorg may
// never revert the chain below the highest checkpoint it has already
// passed.
type Checkpoint struct {
	Height uint64     `json:"height"`
	Hash   types.Hash `json:"hash"`
}

// ConsensusRules defines how PoW blocks are produced and validated.
type ConsensusRules struct {
	// Block timing
	TargetBlockTime  int `json:"target_block_time"`  // Target seconds between blocks
	RetargetInterval int `json:"retarget_interval"`  // Blocks between difficulty adjustments

	// Initial difficulty, expressed as a compact target ("bits").
	InitialBits uint32 `json:"initial_bits"`

	// Economics
	BlockReward     uint64 `json:"block_reward"`               // Base units per block before halving
	MaxSupply       uint64 `json:"max_supply"`                 // Total coin cap in base units (0 = unlimited)
	HalvingInterval uint64 `json:"halving_interval,omitempty"` // Blocks between reward halvings (0 = no halving)
	MinFeeRate      uint64 `json:"min_fee_rate"`                // Minimum fee rate (base units per byte of SigningBytes)
}

// =============================================================================
// Testnet Identity
//
// Derived from the well-known BIP-39 test mnemonic (DO NOT use on mainnet):
//
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon abandon
//	abandon abandon abandon abandon abandon abandon abandon art
//
// Derivation path: m/44'/8888'/0'/0/0 (no passphrase)
// =============================================================================

const (
	// TestnetMnemonic is the well-known seed phrase for the testnet miner.
	TestnetMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

	// TestnetMinerPubKey is the compressed public key (hex) derived from TestnetMnemonic.
	TestnetMinerPubKey = "030bef68f8657df88098a0546da1712c88b459788bea1a6bbe964004166a25144f"

	// TestnetMinerPrivKey is the private key (hex) derived from TestnetMnemonic.
	TestnetMinerPrivKey = "1f0717e6e34acc6721021f4dfed54558ec8452452b6195545d06dd348b220091"

	// TestnetAddress is the address (bech32, tfer) derived from TestnetMnemonic.
	// Address = SHA-256(pubkey)[:20]
	TestnetAddress = "tfer1qpn3u0fhkth69js0mxjguzzz3gyr0d9vttm2e7v"
)

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "ferrite-mainnet-1",
		ChainName: "Ferrite Mainnet",
		Symbol:    "FER",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Ferrite Genesis",
		Alloc:     map[string]uint64{},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				TargetBlockTime:  600, // 10 minute blocks
				RetargetInterval: 2016,
				InitialBits:      0x1e0ffff0, // easy initial target
				BlockReward:      50 * Coin,
				MaxSupply:        21_000_000 * Coin,
				HalvingInterval:  210_000,
				MinFeeRate:       1, // 1 base unit per byte
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "ferrite-testnet-1",
		ChainName: "Ferrite Testnet",
		Symbol:    "FER",
		Timestamp: 1770734103,
		ExtraData: "Ferrite Testnet Genesis",
		Alloc: map[string]uint64{
			TestnetAddress: 200_000 * Coin,
		},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				TargetBlockTime:  10, // fast blocks for testing
				RetargetInterval: 20,
				InitialBits:      0x207fffff, // regtest-style trivial target
				BlockReward:      50 * Coin,
				MaxSupply:        0, // unbounded on testnet
				HalvingInterval:  0,
				MinFeeRate:       1,
			},
		},
	}
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	if g.Protocol.Consensus.TargetBlockTime <= 0 {
		return fmt.Errorf("target_block_time must be positive")
	}
	if g.Protocol.Consensus.RetargetInterval <= 0 {
		return fmt.Errorf("retarget_interval must be positive")
	}
	if g.Protocol.Consensus.InitialBits == 0 {
		return fmt.Errorf("initial_bits must be set")
	}
	if g.Protocol.Consensus.BlockReward == 0 {
		return fmt.Errorf("block_reward must be positive")
	}

	// Validate alloc addresses and check total doesn't exceed max supply.
	var totalAlloc uint64
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		totalAlloc += v
	}
	if g.Protocol.Consensus.MaxSupply > 0 && totalAlloc > g.Protocol.Consensus.MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)",
			totalAlloc, g.Protocol.Consensus.MaxSupply)
	}

	// Checkpoints must be strictly increasing by height.
	for i := 1; i < len(g.Protocol.Checkpoints); i++ {
		if g.Protocol.Checkpoints[i].Height <= g.Protocol.Checkpoints[i-1].Height {
			return fmt.Errorf("checkpoints must be strictly increasing by height")
		}
	}

	return nil
}

// Hash returns a double-SHA-256 hash of the genesis configuration. Used to
// identify the chain and detect genesis mismatches between peers.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.DoubleHash(data), nil
}
