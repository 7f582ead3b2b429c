package consensus

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ferrite-chain/ferrite/config"
	"github.com/ferrite-chain/ferrite/pkg/types"
)

// ErrCheckpointMismatch is returned when a block at a checkpointed height
// does not match the pinned hash.
var ErrCheckpointMismatch = errors.New("block hash does not match checkpoint")

// ErrReorgCrossesCheckpoint is returned when a reorg would revert the
// chain below its highest passed checkpoint.
var ErrReorgCrossesCheckpoint = errors.New("reorg would cross a finalized checkpoint")

// CheckpointSet tracks a monotone, ordered sequence of (height, hash)
// checkpoints. Once the chain has passed a checkpoint, no reorg may
// revert below it — this gives the chain a notion of finality well short
// of full BFT consensus. Genesis (height 0) is always an implicit
// checkpoint.
type CheckpointSet struct {
	mu          sync.RWMutex
	checkpoints []config.Checkpoint // sorted ascending by height
}

// NewCheckpointSet builds a CheckpointSet from the genesis-configured
// checkpoint list, sorted ascending by height. Duplicate heights are not
// rejected here; config.Genesis.Validate checks that the configured list
// is strictly increasing.
func NewCheckpointSet(checkpoints []config.Checkpoint) *CheckpointSet {
	cps := make([]config.Checkpoint, len(checkpoints))
	copy(cps, checkpoints)
	sort.Slice(cps, func(i, j int) bool { return cps[i].Height < cps[j].Height })
	return &CheckpointSet{checkpoints: cps}
}

// Verify checks that hash is consistent with any checkpoint pinned at
// height. Returns nil if no checkpoint exists at that height.
func (c *CheckpointSet) Verify(height uint64, hash types.Hash) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cp := range c.checkpoints {
		if cp.Height == height {
			if cp.Hash != hash {
				return fmt.Errorf("%w: height %d expected %s, got %s", ErrCheckpointMismatch, height, cp.Hash, hash)
			}
			return nil
		}
	}
	return nil
}

// HighestPassed returns the highest checkpoint height at or below
// currentHeight, and whether one exists.
func (c *CheckpointSet) HighestPassed(currentHeight uint64) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	found := false
	var highest uint64
	for _, cp := range c.checkpoints {
		if cp.Height <= currentHeight {
			highest = cp.Height
			found = true
		}
	}
	return highest, found
}

// AllowReorg reports whether a reorg that replaces the chain below
// forkHeight (the height of the branch point, exclusive) is permitted
// given currentHeight is the tip being abandoned. A reorg is forbidden if
// it would revert the chain to or below a checkpoint height already
// passed by the current tip while the fork point itself is below it —
// i.e. the new branch must not rewrite history at or before the highest
// passed checkpoint.
func (c *CheckpointSet) AllowReorg(currentHeight, forkHeight uint64) error {
	highest, ok := c.HighestPassed(currentHeight)
	if !ok {
		return nil
	}
	if forkHeight < highest {
		return fmt.Errorf("%w: fork at height %d is below checkpoint at %d", ErrReorgCrossesCheckpoint, forkHeight, highest)
	}
	return nil
}

// Add appends a new checkpoint, maintaining sorted order. Used when a node
// operator pins a newly-trusted height at runtime (e.g. after manual
// review), not part of the original genesis configuration.
func (c *CheckpointSet) Add(height uint64, hash types.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints = append(c.checkpoints, config.Checkpoint{Height: height, Hash: hash})
	sort.Slice(c.checkpoints, func(i, j int) bool { return c.checkpoints[i].Height < c.checkpoints[j].Height })
}
