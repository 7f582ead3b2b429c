// Package chain implements the blockchain state machine.
package chain

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ferrite-chain/ferrite/config"
	"github.com/ferrite-chain/ferrite/internal/consensus"
	"github.com/ferrite-chain/ferrite/internal/storage"
	"github.com/ferrite-chain/ferrite/internal/utxo"
	"github.com/ferrite-chain/ferrite/pkg/block"
	"github.com/ferrite-chain/ferrite/pkg/tx"
	"github.com/ferrite-chain/ferrite/pkg/types"
)

// RevertedTxHandler is called after a reorg with transactions from reverted
// blocks that are not present in the new branch (for mempool re-insertion).
type RevertedTxHandler func(txs []*tx.Transaction)

// Chain represents a blockchain instance with state, storage, and consensus.
type Chain struct {
	mu        sync.Mutex // Protects all state mutations (ProcessBlock, Reorg).
	ID        types.ChainID
	state     *State
	blocks    *BlockStore
	utxos     utxo.Set
	engine    consensus.Engine
	validator *consensus.Validator

	checkpoints *consensus.CheckpointSet
	orphans     *OrphanPool

	maxSupply        uint64     // Max coin supply (0 = unlimited).
	blockReward      uint64     // Base block subsidy in base units.
	genesisHash      types.Hash // Hash of the genesis block (immutable).
	medianTimeWindow int        // Blocks of history consulted for median-time-past.
	maxFutureDrift   uint64     // Max seconds a block timestamp may lead the local clock.

	// invalidBlocks marks branch tips that failed reorg replay, so a later
	// fork attempt that walks back through one is rejected instead of
	// retrying a branch already known to be unreplayable.
	invalidBlocks map[types.Hash]struct{}

	revertedTxHandler RevertedTxHandler
}

// New creates a new chain with the given components.
func New(id types.ChainID, db storage.DB, utxoSet utxo.Set, engine consensus.Engine) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if utxoSet == nil {
		return nil, fmt.Errorf("utxo set is nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("consensus engine is nil")
	}

	blocks := NewBlockStore(db)

	// Recover state from the block store.
	tipHash, height, supply, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}

	cumWork := blocks.GetCumulativeWork()

	// Recover genesis hash for reorg protection.
	var genesisHash types.Hash
	genBlk, err := blocks.GetBlockByHeight(0)
	if err == nil {
		genesisHash = genBlk.Hash()
	}

	ch := &Chain{
		ID:               id,
		state:            &State{TipHash: tipHash, Height: height, Supply: supply, CumulativeWork: cumWork},
		blocks:           blocks,
		utxos:            utxoSet,
		engine:           engine,
		validator:        consensus.NewValidator(engine),
		checkpoints:      consensus.NewCheckpointSet(nil),
		orphans:          NewOrphanPool(),
		genesisHash:      genesisHash,
		medianTimeWindow: config.MedianTimePastWindow,
		maxFutureDrift:   config.MaxFutureDrift,
		invalidBlocks:    make(map[types.Hash]struct{}),
	}

	// Check for incomplete reorg — if the node crashed mid-reorg, the UTXO
	// set may be inconsistent. Rebuild from blocks.
	if _, found := blocks.GetReorgCheckpoint(); found {
		if err := ch.RebuildUTXOs(); err != nil {
			return nil, fmt.Errorf("recover from interrupted reorg: %w", err)
		}
	}

	return ch, nil
}

// InitFromGenesis initializes a fresh chain from genesis configuration.
// Returns an error if the chain already has blocks.
func (c *Chain) InitFromGenesis(gen *config.Genesis) error {
	if !c.state.IsGenesis() {
		return fmt.Errorf("chain already initialized at height %d", c.state.Height)
	}

	blk, err := CreateGenesisBlock(gen)
	if err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}

	// Genesis block bypasses consensus validation. Apply directly: store
	// block, apply UTXOs, set tip.
	if err := c.applyBlock(blk); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}

	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}

	// Compute initial supply from genesis allocations.
	var supply uint64
	for _, v := range gen.Alloc {
		supply += v
	}

	hash := blk.Hash()
	c.state.TipHash = hash
	c.state.Height = 0
	c.state.Supply = supply
	c.state.CumulativeWork = consensus.Work(blk.Header.Bits)
	c.genesisHash = hash

	c.SetConsensusRules(gen.Protocol.Consensus)
	c.checkpoints = consensus.NewCheckpointSet(gen.Protocol.Checkpoints)

	if err := c.blocks.SetTip(hash, 0, supply); err != nil {
		return fmt.Errorf("set genesis tip: %w", err)
	}
	if err := c.blocks.SetCumulativeWork(c.state.CumulativeWork); err != nil {
		return fmt.Errorf("set genesis cumulative work: %w", err)
	}

	return nil
}

// SetConsensusRules configures consensus economic limits for runtime validation.
// Call this on startup for both fresh and resumed chains.
func (c *Chain) SetConsensusRules(r config.ConsensusRules) {
	c.maxSupply = r.MaxSupply
	c.blockReward = r.BlockReward
}

// SetCheckpoints installs the checkpoint set used to bound reorgs. Call this
// on startup alongside SetConsensusRules.
func (c *Chain) SetCheckpoints(checkpoints []config.Checkpoint) {
	c.checkpoints = consensus.NewCheckpointSet(checkpoints)
}

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	return *c.state
}

// GetBlock retrieves a block by its hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// GetBlockByHeight retrieves a block by its height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	return c.blocks.GetBlockByHeight(height)
}

// Height returns the current chain height.
func (c *Chain) Height() uint64 {
	return c.state.Height
}

// TipHash returns the hash of the current chain tip.
func (c *Chain) TipHash() types.Hash {
	return c.state.TipHash
}

// Supply returns the total coins in circulation.
func (c *Chain) Supply() uint64 {
	return c.state.Supply
}

// UTXOs returns the chain's UTXO set, for read-only queries (balance/outpoint
// lookups) by callers outside the chain package.
func (c *Chain) UTXOs() utxo.Set {
	return c.utxos
}

// SetRevertedTxHandler sets the callback for transactions reverted during a reorg.
// These transactions should be re-added to the mempool if they are still valid.
func (c *Chain) SetRevertedTxHandler(fn RevertedTxHandler) {
	c.revertedTxHandler = fn
}

// getBlockTimestamp returns the timestamp of a block at the given height.
// Used for PoW difficulty verification.
func (c *Chain) getBlockTimestamp(height uint64) (uint64, error) {
	blk, err := c.blocks.GetBlockByHeight(height)
	if err != nil {
		return 0, err
	}
	return blk.Header.Timestamp, nil
}

// recentTimestamps collects up to medianTimeWindow timestamps of the blocks
// immediately preceding (but not including) height, oldest-first, for
// median-time-past validation.
func (c *Chain) recentTimestamps(height uint64) []uint64 {
	var out []uint64
	for i := c.medianTimeWindow; i >= 1; i-- {
		if uint64(i) > height {
			continue
		}
		blk, err := c.blocks.GetBlockByHeight(height - uint64(i))
		if err != nil {
			continue
		}
		out = append(out, blk.Header.Timestamp)
	}
	return out
}

// verifyDifficulty checks that a block's stated Bits matches the expected
// value computed from chain history.
func (c *Chain) verifyDifficulty(blk *block.Block) error {
	pow, ok := c.engine.(*consensus.PoW)
	if !ok {
		return nil // Unknown engine — no difficulty to verify.
	}

	var prevBits uint32
	if blk.Header.Height > 1 {
		prevBlk, err := c.blocks.GetBlockByHeight(blk.Header.Height - 1)
		if err != nil {
			return fmt.Errorf("get prev block for difficulty: %w", err)
		}
		prevBits = prevBlk.Header.Bits
	}

	return pow.VerifyDifficulty(blk.Header, prevBits, c.getBlockTimestamp)
}

// NextBits returns the compact difficulty target the next block (at
// Height()+1) is expected to satisfy, for block template construction.
func (c *Chain) NextBits() uint32 {
	pow, ok := c.engine.(*consensus.PoW)
	if !ok {
		return 0
	}
	var prevBits uint32
	if blk, err := c.blocks.GetBlockByHeight(c.state.Height); err == nil {
		prevBits = blk.Header.Bits
	}
	return pow.ExpectedBits(c.state.Height+1, prevBits, c.getBlockTimestamp)
}

// RebuildUTXOs clears the UTXO set and replays all blocks from genesis to the
// current tip, reconstructing the UTXO state. Used to recover from a crash
// during reorg where the UTXO set may be inconsistent.
func (c *Chain) RebuildUTXOs() error {
	store, ok := c.utxos.(*utxo.Store)
	if !ok {
		return fmt.Errorf("UTXO set does not support ClearAll (not *utxo.Store)")
	}

	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("clear utxo set: %w", err)
	}

	// Replay all blocks from genesis to current tip.
	var supply uint64
	cumWork := big.NewInt(0)
	for h := uint64(0); h <= c.state.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", h, err)
		}

		if err := c.applyBlock(blk); err != nil {
			return fmt.Errorf("replay block at height %d: %w", h, err)
		}

		supply += c.computeBlockReward(blk)
		cumWork.Add(cumWork, consensus.Work(blk.Header.Bits))
	}

	c.state.Supply = supply
	c.state.CumulativeWork = cumWork

	// Persist recovered state.
	if err := c.blocks.SetTip(c.state.TipHash, c.state.Height, supply); err != nil {
		return fmt.Errorf("set tip after rebuild: %w", err)
	}
	if err := c.blocks.SetCumulativeWork(cumWork); err != nil {
		return fmt.Errorf("set cumulative work after rebuild: %w", err)
	}

	// Clear the checkpoint — recovery complete.
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}

	return nil
}

// GetTransaction looks up a confirmed transaction by hash via the tx index.
func (c *Chain) GetTransaction(hash types.Hash) (*tx.Transaction, error) {
	_, blockHash, err := c.blocks.GetTxLocation(hash)
	if err != nil {
		return nil, err
	}
	blk, err := c.blocks.GetBlock(blockHash)
	if err != nil {
		return nil, fmt.Errorf("load block for tx: %w", err)
	}
	for _, t := range blk.Transactions {
		if t.Hash() == hash {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tx %s not found in block %s (index corrupt)", hash, blockHash)
}
