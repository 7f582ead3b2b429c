package miner

import (
	"context"
	"fmt"
	"time"

	"github.com/ferrite-chain/ferrite/internal/consensus"
	"github.com/ferrite-chain/ferrite/internal/coordinator"
	"github.com/ferrite-chain/ferrite/pkg/block"
	"github.com/ferrite-chain/ferrite/pkg/tx"
	"github.com/ferrite-chain/ferrite/pkg/types"
)

// Miner produces candidate blocks from a coordinator's block template and
// submits the sealed result back through it. It never touches the chain or
// mempool directly — SubmitBlock is the only mutation path, per the
// coordinator's single-writer discipline.
type Miner struct {
	coord        *coordinator.Coordinator
	engine       consensus.Engine
	coinbaseAddr types.Address
	blockReward  uint64
	maxSupply    uint64 // 0 = unlimited
	maxBlockTxs  int
}

// New creates a block producer targeting coinbaseAddr for the block reward.
func New(coord *coordinator.Coordinator, engine consensus.Engine, coinbaseAddr types.Address,
	blockReward, maxSupply uint64, maxBlockTxs int) *Miner {
	return &Miner{
		coord:        coord,
		engine:       engine,
		coinbaseAddr: coinbaseAddr,
		blockReward:  blockReward,
		maxSupply:    maxSupply,
		maxBlockTxs:  maxBlockTxs,
	}
}

// ProduceBlock builds, seals, and returns a new block. It is NOT submitted
// to the chain — the caller must call coord.SubmitBlock.
func (m *Miner) ProduceBlock() (*block.Block, error) {
	return m.produceBlock(context.Background())
}

// ProduceBlockCtx builds and seals a block with cancellation support. When
// ctx is cancelled, PoW sealing stops immediately and returns consensus's
// cancellation error.
func (m *Miner) ProduceBlockCtx(ctx context.Context) (*block.Block, error) {
	return m.produceBlock(ctx)
}

func (m *Miner) produceBlock(ctx context.Context) (*block.Block, error) {
	tmpl, err := m.coord.GetBlockTemplate(m.maxBlockTxs)
	if err != nil {
		return nil, fmt.Errorf("get block template: %w", err)
	}

	timestamp := uint64(time.Now().Unix())
	if tip := m.coord.GetTip(); timestamp <= tip.Timestamp {
		timestamp = tip.Timestamp + 1 // Monotonic timestamp, matching spec.md §4.6.
	}

	reward := m.cappedReward()
	coinbase := BuildCoinbase(m.coinbaseAddr, reward+tmpl.CoinbaseValue, tmpl.Header.Height)

	txs := make([]*tx.Transaction, 0, 1+len(tmpl.Transactions))
	txs = append(txs, coinbase)
	txs = append(txs, tmpl.Transactions...)

	txHashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		txHashes[i] = t.Hash()
	}

	// The coordinator's template already carries the expected difficulty
	// bits for this height, so engine.Prepare is not called here — it
	// would only be needed if we were building a header from scratch.
	header := tmpl.Header
	header.Version = block.CurrentVersion
	header.Timestamp = timestamp
	header.MerkleRoot = block.ComputeMerkleRoot(txHashes)

	blk := block.NewBlock(header, txs)

	if pow, ok := m.engine.(*consensus.PoW); ok {
		if err := pow.SealWithCancel(ctx, blk); err != nil {
			return nil, fmt.Errorf("seal block: %w", err)
		}
	} else if err := m.engine.Seal(blk); err != nil {
		return nil, fmt.Errorf("seal block: %w", err)
	}

	return blk, nil
}

// cappedReward returns the block subsidy, clamped so cumulative supply never
// exceeds maxSupply (0 means unlimited).
func (m *Miner) cappedReward() uint64 {
	if m.maxSupply == 0 {
		return m.blockReward
	}
	supply := m.coord.GetTip().Supply
	if supply >= m.maxSupply {
		return 0
	}
	if remaining := m.maxSupply - supply; remaining < m.blockReward {
		return remaining
	}
	return m.blockReward
}

// BuildCoinbase creates a coinbase transaction paying reward to addr. The
// block height is stashed in the input's signature field so that otherwise
// identical coinbase transactions at different heights still hash uniquely
// (the zero outpoint alone would collide).
func BuildCoinbase(addr types.Address, reward, height uint64) *tx.Transaction {
	heightBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		heightBytes[i] = byte(height >> (8 * i))
	}

	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{},
			Signature: heightBytes,
		}},
		Outputs: []tx.Output{{
			Value: reward,
			Script: types.Script{
				Type: types.ScriptTypeP2PKH,
				Data: addr[:],
			},
		}},
	}
}
