// Package coordinator is the single serialization point for consensus state
// changes: block and transaction submission, tip/header/balance queries, and
// event subscription. External collaborators (RPC, P2P sync, wallet) consume
// the chain only through this package.
package coordinator

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ferrite-chain/ferrite/internal/chain"
	"github.com/ferrite-chain/ferrite/internal/mempool"
	"github.com/ferrite-chain/ferrite/internal/utxo"
	"github.com/ferrite-chain/ferrite/pkg/block"
	"github.com/ferrite-chain/ferrite/pkg/tx"
	"github.com/ferrite-chain/ferrite/pkg/types"
	"github.com/rs/zerolog"
)

// System-level errors, retryable by the caller.
var (
	ErrBusy      = errors.New("coordinator is busy, retry with backoff")
	ErrCancelled = errors.New("operation cancelled")
)

// SubmitQueueMax bounds the number of submissions allowed to queue for the
// writer lock before new callers are rejected with ErrBusy.
const SubmitQueueMax = 256

// SubscriberBufferSize bounds each subscriber's event channel. A subscriber
// that falls this far behind is dropped: its channel receives a final Lagged
// event and is closed, rather than blocking the commit path.
const SubscriberBufferSize = 256

// Coordinator wraps a Chain and a mempool Pool behind a single writer lock,
// matching spec.md §4.11's serialization discipline: submit_block and
// submit_transaction are the only paths that mutate chain/UTXO/mempool
// state, and every mutation is followed by event emission in commit order.
type Coordinator struct {
	writeSem chan struct{} // Counts in-flight + queued writers; bounds SUBMIT_QUEUE_MAX.

	mu  sync.Mutex // Serializes submit_block/submit_transaction against each other.
	ch  *chain.Chain
	txp *mempool.Pool

	subMu sync.Mutex
	subs  map[int]chan Event
	nextS int

	log zerolog.Logger
}

// New creates a coordinator over an already-initialized chain and mempool.
func New(ch *chain.Chain, txp *mempool.Pool, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		writeSem: make(chan struct{}, SubmitQueueMax),
		ch:       ch,
		txp:      txp,
		subs:     make(map[int]chan Event),
		log:      log.With().Str("component", "coordinator").Logger(),
	}
	ch.SetRevertedTxHandler(c.onReverted)
	return c
}

// acquireWriter reserves a slot in the bounded submission queue, returning
// ErrBusy immediately if the queue is already full (spec.md §5's
// backpressure requirement), then blocks for the exclusive writer lock.
func (c *Coordinator) acquireWriter() (func(), error) {
	select {
	case c.writeSem <- struct{}{}:
	default:
		return nil, ErrBusy
	}
	c.mu.Lock()
	return func() {
		c.mu.Unlock()
		<-c.writeSem
	}, nil
}

// onReverted is installed as the chain's RevertedTxHandler: transactions
// knocked out of the active chain by a reorg are offered back to the
// mempool so they aren't simply lost.
func (c *Coordinator) onReverted(txs []*tx.Transaction) {
	for _, t := range txs {
		if _, _, err := c.txp.Add(t); err != nil {
			c.publish(TxEvicted{TxID: t.Hash(), Reason: err.Error()})
			continue
		}
		c.publish(TxAdmitted{TxID: t.Hash()})
	}
}

// SubmitTransaction validates and admits a transaction to the mempool.
func (c *Coordinator) SubmitTransaction(t *tx.Transaction) TxResult {
	release, err := c.acquireWriter()
	if err != nil {
		return Rejected{Reason: err.Error()}
	}
	defer release()

	fee, replaced, err := c.txp.Add(t)
	if err != nil {
		reason := classifyMempoolError(err)
		c.publish(TxEvicted{TxID: t.Hash(), Reason: reason})
		return Rejected{Reason: reason}
	}
	c.log.Debug().Str("tx", t.Hash().String()).Uint64("fee", fee).Msg("transaction admitted")

	if len(replaced) > 0 {
		for _, old := range replaced {
			c.publish(TxReplaced{OldTxID: old, NewTxID: t.Hash()})
		}
		return Replaced{OldTxIDs: replaced, NewTxID: t.Hash()}
	}
	c.publish(TxAdmitted{TxID: t.Hash()})
	return Admitted{TxID: t.Hash()}
}

// classifyMempoolError maps a mempool error to one of spec.md §7's typed
// policy error names for log/event clarity, without introducing a parallel
// error-type hierarchy (see DESIGN.md's C6 entry).
func classifyMempoolError(err error) string {
	switch {
	case errors.Is(err, mempool.ErrFeeTooLow):
		return "FeeBelowMinimum"
	case errors.Is(err, mempool.ErrPoolFull):
		return "MempoolFull"
	case errors.Is(err, mempool.ErrConflict):
		return "RBFRejected"
	case errors.Is(err, mempool.ErrCoinbaseNotMature):
		return "ImmatureCoinbase"
	default:
		return err.Error()
	}
}

// SubmitBlock validates a block and, if it extends or overtakes the active
// chain, applies it. Side branches are stored but not applied; blocks with
// an unknown parent are queued as orphans.
func (c *Coordinator) SubmitBlock(blk *block.Block) BlockResult {
	release, err := c.acquireWriter()
	if err != nil {
		return Rejected{Reason: err.Error()}
	}
	defer release()

	hash := blk.Hash()
	beforeHeight := c.ch.Height()
	beforeTip := c.ch.TipHash()

	if err := c.ch.ProcessBlock(blk); err != nil {
		if errors.Is(err, chain.ErrPrevNotFound) {
			c.publish(BlockRejected{Hash: hash, Reason: "UnknownParent"})
			return Orphan{Hash: hash}
		}
		reason := classifyChainError(err)
		c.publish(BlockRejected{Hash: hash, Reason: reason})
		return Rejected{Reason: reason}
	}

	afterHeight := c.ch.Height()
	afterTip := c.ch.TipHash()

	c.txp.RemoveConfirmed(blk.Transactions)
	for _, t := range blk.Transactions[1:] {
		c.publish(TxAdmitted{TxID: t.Hash()}) // Confirmed txs are reported as TxAdmitted; there is no separate confirmation event.
	}

	// Retry anything that was waiting on this block as a parent. Bounded by
	// OrphanPool's own size/age limits (spec.md §5's "bounded work budget").
	c.ch.AcceptOrphans(hash)

	if afterTip == hash {
		// A block that directly extended the previous tip never reorgs;
		// anything else that still became the new tip arrived via a side
		// branch that was just promoted by Chain.Reorg.
		reorgDepth := 0
		if blk.Header.PrevHash != beforeTip {
			reorgDepth = int(afterHeight - beforeHeight)
			if reorgDepth <= 0 {
				reorgDepth = 1
			}
		}
		if reorgDepth > 0 {
			c.publish(Reorg{OldTip: beforeTip, NewTip: afterTip, Depth: reorgDepth})
			c.log.Info().Str("old_tip", beforeTip.String()).Str("new_tip", afterTip.String()).
				Int("depth", reorgDepth).Msg("reorg applied")
		} else {
			c.publish(TipAdvanced{NewTip: afterTip, Height: afterHeight, ReorgDepth: 0})
		}
		c.publish(BlockAccepted{Hash: hash, Height: afterHeight, Fork: false})
		return Applied{Hash: hash, Height: afterHeight}
	}

	// Block stored but did not become the active tip: a side branch.
	c.publish(BlockAccepted{Hash: hash, Height: blk.Header.Height, Fork: true})
	return SideBranch{Hash: hash}
}

func classifyChainError(err error) string {
	switch {
	case errors.Is(err, chain.ErrBadHeight), errors.Is(err, chain.ErrBadPrevHash):
		return "MalformedBlock"
	case errors.Is(err, chain.ErrCoinbaseNotMature):
		return "ImmatureCoinbase"
	case errors.Is(err, chain.ErrBadCoinbaseTx), errors.Is(err, chain.ErrCoinbaseRewardExceeded):
		return "BadCoinbase"
	case errors.Is(err, chain.ErrReorgTooDeep):
		return "ReorgTooDeep"
	case errors.Is(err, chain.ErrGenesisReorg):
		return "CheckpointViolation"
	default:
		return err.Error()
	}
}

// TipInfo is the snapshot returned by GetTip.
type TipInfo struct {
	Hash           types.Hash
	Height         uint64
	CumulativeWork *big.Int
	Timestamp      uint64
	Supply         uint64
}

// GetTip returns a consistent snapshot of the active tip.
func (c *Coordinator) GetTip() TipInfo {
	s := c.ch.State()
	return TipInfo{Hash: s.TipHash, Height: s.Height, CumulativeWork: s.CumulativeWork, Timestamp: s.TipTimestamp, Supply: s.Supply}
}

// GetHeader returns the header of the block with the given hash.
func (c *Coordinator) GetHeader(hash types.Hash) (*block.Header, error) {
	blk, err := c.ch.GetBlock(hash)
	if err != nil {
		return nil, err
	}
	return blk.Header, nil
}

// GetBlock returns the full block with the given hash.
func (c *Coordinator) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.ch.GetBlock(hash)
}

// GetUTXO returns the unspent output at the given outpoint.
func (c *Coordinator) GetUTXO(outpoint types.Outpoint) (*utxo.UTXO, error) {
	return c.utxoSet().Get(outpoint)
}

func (c *Coordinator) utxoSet() utxo.Set {
	return c.ch.UTXOs()
}

// GetBalance sums the value of every unspent output controlled by addr.
// Requires the UTXO set to support GetByAddress (internal/utxo.Store does).
func (c *Coordinator) GetBalance(addr types.Address) (uint64, error) {
	store, ok := c.utxoSet().(*utxo.Store)
	if !ok {
		return 0, fmt.Errorf("balance index unavailable on this UTXO set implementation")
	}
	utxos, err := store.GetByAddress(addr)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, u := range utxos {
		total += u.Value
	}
	return total, nil
}

// TxSummary is a mempool entry shown via GetMempoolSnapshot.
type TxSummary struct {
	TxID types.Hash
	Fee  uint64
}

// GetMempoolSnapshot returns up to limit mempool transactions ordered by
// fee rate, descending.
func (c *Coordinator) GetMempoolSnapshot(limit int) []TxSummary {
	selected := c.txp.SelectForBlock(1 << 30) // Effectively unbounded by bytes; trim by count below.
	if limit > 0 && len(selected) > limit {
		selected = selected[:limit]
	}
	out := make([]TxSummary, 0, len(selected))
	for _, t := range selected {
		out = append(out, TxSummary{TxID: t.Hash(), Fee: c.txp.GetFee(t.Hash())})
	}
	return out
}

// BlockTemplate is the material a miner needs to assemble and seal a block.
type BlockTemplate struct {
	Header        *block.Header
	Transactions  []*tx.Transaction
	CoinbaseValue uint64
}

// GetBlockTemplate selects mempool transactions by fee-rate (respecting
// in-mempool dependencies) and sets the next block's expected difficulty
// bits. The caller still owes a coinbase transaction (miner-address
// specific) and must compute the merkle root over coinbase+txs before
// sealing (see internal/consensus.PoW.Seal).
func (c *Coordinator) GetBlockTemplate(maxBlockBytes int) (*BlockTemplate, error) {
	tip := c.GetTip()
	txs := c.txp.SelectForBlock(maxBlockBytes)

	var coinbaseValue uint64
	for _, t := range txs {
		coinbaseValue += c.txp.GetFee(t.Hash())
	}

	header := &block.Header{
		Version:   1,
		PrevHash:  tip.Hash,
		Height:    tip.Height + 1,
		Timestamp: uint64(time.Now().Unix()),
		Bits:      c.nextBits(),
	}
	return &BlockTemplate{Header: header, Transactions: txs, CoinbaseValue: coinbaseValue}, nil
}

func (c *Coordinator) nextBits() uint32 {
	return c.ch.NextBits()
}

// Subscribe returns a bounded event channel and a cancel function. If the
// subscriber falls behind, pending events are dropped, a Lagged event is
// enqueued in their place and the channel is closed, rather than blocking
// the commit path.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextS
	c.nextS++
	ch := make(chan Event, SubscriberBufferSize)
	c.subs[id] = ch

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if ch, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// publish fans an event out to all subscribers without blocking. A
// subscriber whose buffer is full is dropped: its pending events are
// discarded, Lagged is left as its last event, and its channel is closed.
func (c *Coordinator) publish(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		drain:
			for {
				select {
				case <-ch:
				default:
					break drain
				}
			}
			ch <- Lagged{}
			close(ch)
			delete(c.subs, id)
			c.log.Warn().Int("subscriber", id).Msg("dropping lagging subscriber")
		}
	}
}
