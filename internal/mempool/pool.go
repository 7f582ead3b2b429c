// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ferrite-chain/ferrite/internal/utxo"
	"github.com/ferrite-chain/ferrite/pkg/tx"
	"github.com/ferrite-chain/ferrite/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists     = errors.New("transaction already in mempool")
	ErrConflict          = errors.New("transaction conflicts with existing mempool entry")
	ErrPoolFull          = errors.New("mempool is full")
	ErrValidation        = errors.New("transaction failed validation")
	ErrFeeTooLow         = errors.New("transaction fee below minimum")
	ErrCoinbaseNotMature = errors.New("coinbase output not mature")
)

// entry wraps a transaction with its fee and metadata.
type entry struct {
	tx       *tx.Transaction
	txHash   types.Hash
	fee      uint64
	size     int     // signing bytes
	feeRate  float64 // fee per byte of SigningBytes
	arrived  time.Time
}

// Pool holds unconfirmed transactions. Capacity is bounded by total byte
// size rather than transaction count, since a pool of many tiny
// transactions and a pool of few large ones pose the same memory risk.
type Pool struct {
	mu         sync.RWMutex
	txs        map[types.Hash]*entry         // txHash -> entry
	spends     map[types.Outpoint]types.Hash // outpoint -> txHash (conflict index)
	totalBytes int
	maxBytes   int
	minFeeRate uint64 // Minimum fee rate in base units per byte (0 = no minimum).
	policy     *Policy
	utxos      tx.UTXOProvider

	// Coinbase maturity checking.
	utxoSet          utxo.Set      // For maturity checks (nil = disabled).
	heightFn         func() uint64 // Current chain height.
	coinbaseMaturity uint64        // Required confirmations (0 = disabled).
}

// DefaultMaxBytes is the default total mempool capacity in signing bytes.
const DefaultMaxBytes = 64 * 1024 * 1024 // 64 MiB

// DefaultExpiry is how long an unconfirmed transaction may sit in the pool
// before RemoveExpired considers it stale.
const DefaultExpiry = 14 * 24 * time.Hour

// New creates a new mempool with the given UTXO provider and byte capacity.
func New(utxos tx.UTXOProvider, maxBytes int) *Pool {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Pool{
		txs:      make(map[types.Hash]*entry),
		spends:   make(map[types.Outpoint]types.Hash),
		maxBytes: maxBytes,
		policy:   DefaultPolicy(),
		utxos:    utxos,
	}
}

// SetPolicy replaces the acceptance policy (size and structural limits).
func (p *Pool) SetPolicy(policy *Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if policy != nil {
		p.policy = policy
	}
}

// SetMinFeeRate sets the minimum fee rate (base units per byte) for transaction acceptance.
func (p *Pool) SetMinFeeRate(rate uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFeeRate = rate
}

// MinFeeRate returns the current minimum fee rate (base units per byte).
func (p *Pool) MinFeeRate() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minFeeRate
}

// SetCoinbaseMaturity enables coinbase maturity checking.
func (p *Pool) SetCoinbaseMaturity(maturity uint64, heightFn func() uint64, set utxo.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coinbaseMaturity = maturity
	p.heightFn = heightFn
	p.utxoSet = set
}

// Add validates and adds a transaction to the mempool. Returns the computed
// fee and, if the transaction replaced one or more conflicting mempool
// transactions via RBF, their hashes. Rejects duplicates; a transaction that
// double spends an input already held by the pool either replaces the
// conflicting transaction(s) (see canReplaceLocked) or is rejected.
func (p *Pool) Add(transaction *tx.Transaction) (uint64, []types.Hash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()

	if _, exists := p.txs[txHash]; exists {
		return 0, nil, ErrAlreadyExists
	}

	if err := p.policy.Check(transaction); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// Coinbase maturity check.
	if p.coinbaseMaturity > 0 && p.utxoSet != nil {
		currentHeight := p.heightFn()
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, uErr := p.utxoSet.Get(in.PrevOut)
			if uErr == nil && u.Coinbase && currentHeight-u.Height < p.coinbaseMaturity {
				return 0, nil, fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, p.coinbaseMaturity, currentHeight-u.Height)
			}
		}
	}

	// UTXO-aware validation.
	fee, err := transaction.ValidateWithUTXOs(p.utxos)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	size := len(transaction.SigningBytes())
	var feeRate float64
	if size > 0 {
		feeRate = float64(fee) / float64(size)
	}

	if p.minFeeRate > 0 {
		requiredFee := p.minFeeRate * uint64(size)
		if fee < requiredFee {
			return 0, nil, fmt.Errorf("%w: got %d, need %d (%d bytes × %d rate)", ErrFeeTooLow, fee, requiredFee, size, p.minFeeRate)
		}
	}

	// Resolve conflicts: replace-by-fee only if every RBF condition holds,
	// otherwise reject.
	conflicts := p.conflictingLocked(transaction)
	if len(conflicts) > 0 {
		if err := p.canReplaceLocked(transaction, conflicts, fee, size, feeRate); err != nil {
			return 0, nil, err
		}
		for _, c := range conflicts {
			p.removeLocked(c)
		}
	}

	// Check pool capacity — evict lowest fee-rate entries if the new
	// transaction pays enough to justify the room it needs.
	if p.totalBytes+size > p.maxBytes {
		if !p.makeRoomLocked(size, feeRate) {
			return 0, nil, ErrPoolFull
		}
	}

	e := &entry{
		tx:      transaction,
		txHash:  txHash,
		fee:     fee,
		size:    size,
		feeRate: feeRate,
		arrived: time.Now(),
	}

	p.txs[txHash] = e
	p.totalBytes += size
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			p.spends[in.PrevOut] = txHash
		}
	}

	return fee, conflicts, nil
}

// conflictingLocked returns the distinct mempool entries whose inputs
// overlap with transaction's inputs. Must be called with p.mu held.
func (p *Pool) conflictingLocked(transaction *tx.Transaction) []types.Hash {
	seen := make(map[types.Hash]bool)
	var conflicts []types.Hash
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if h, exists := p.spends[in.PrevOut]; exists && !seen[h] {
			seen[h] = true
			conflicts = append(conflicts, h)
		}
	}
	return conflicts
}

// canReplaceLocked implements the BIP-125-like replace-by-fee rule: (a)
// every conflicting transaction must be eligible for replacement — this
// pool runs full RBF (Policy.FullRBF), so any conflict qualifies; (b) the
// replacement's fee must exceed the combined fee of every transaction it
// replaces by at least the minimum relay fee rate applied to its own size;
// (c) its fee rate must strictly exceed every replaced transaction's fee
// rate; (d) it must not spend an output of a transaction still sitting
// unconfirmed in the pool, which would introduce a new, unconfirmed
// parent. Must be called with p.mu held.
func (p *Pool) canReplaceLocked(transaction *tx.Transaction, conflicts []types.Hash, newFee uint64, newSize int, newFeeRate float64) error {
	if !p.policy.FullRBF {
		return fmt.Errorf("%w: replacement not allowed, full RBF is disabled", ErrConflict)
	}

	replaced := make(map[types.Hash]bool, len(conflicts))
	var replacedFee uint64
	for _, h := range conflicts {
		existing, ok := p.txs[h]
		if !ok {
			continue
		}
		if newFeeRate <= existing.feeRate {
			return fmt.Errorf("%w: replacement fee rate %.6f does not exceed conflicting tx %s rate %.6f",
				ErrConflict, newFeeRate, h, existing.feeRate)
		}
		replaced[h] = true
		replacedFee += existing.fee
	}

	minIncrease := p.minFeeRate * uint64(newSize)
	if newFee <= replacedFee+minIncrease {
		return fmt.Errorf("%w: replacement fee %d does not exceed replaced total %d plus relay fee %d",
			ErrConflict, newFee, replacedFee, minIncrease)
	}

	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if parent, unconfirmed := p.txs[in.PrevOut.TxID]; unconfirmed && !replaced[parent.txHash] {
			return fmt.Errorf("%w: replacement spends unconfirmed mempool output %s, introducing a new parent",
				ErrConflict, in.PrevOut)
		}
	}

	return nil
}

// makeRoomLocked evicts the lowest fee-rate entries until there is room for
// `need` additional bytes, refusing if the incoming transaction's own fee
// rate isn't enough to justify evicting anything in its way. Must be called
// with p.mu held.
func (p *Pool) makeRoomLocked(need int, incomingFeeRate float64) bool {
	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].feeRate < entries[j].feeRate })

	freed := 0
	var toEvict []types.Hash
	for _, e := range entries {
		if p.totalBytes-freed+need <= p.maxBytes {
			break
		}
		if e.feeRate >= incomingFeeRate {
			return false // Nothing cheap enough left to evict for this tx.
		}
		toEvict = append(toEvict, e.txHash)
		freed += e.size
	}
	if p.totalBytes-freed+need > p.maxBytes {
		return false
	}
	for _, h := range toEvict {
		p.removeLocked(h)
	}
	return true
}

// Remove removes a transaction from the mempool by hash.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash)
}

func (p *Pool) removeLocked(txHash types.Hash) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	for _, in := range e.tx.Inputs {
		if !in.PrevOut.IsZero() {
			delete(p.spends, in.PrevOut)
		}
	}
	delete(p.txs, txHash)
	p.totalBytes -= e.size
}

// RemoveConfirmed removes all transactions that were included in a block.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		p.removeLocked(t.Hash())
	}
}

// RemoveExpired evicts transactions that have sat in the pool longer than
// maxAge. Call periodically; a transaction that's been unconfirmable this
// long is almost always stuck on a fee too low for current conditions.
func (p *Pool) RemoveExpired(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var stale []types.Hash
	for h, e := range p.txs {
		if e.arrived.Before(cutoff) {
			stale = append(stale, h)
		}
	}
	for _, h := range stale {
		p.removeLocked(h)
	}
	return len(stale)
}

// Has checks if a transaction exists in the mempool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a transaction from the mempool.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// GetFee returns the fee for a transaction in the mempool (0 if not found).
func (p *Pool) GetFee(txHash types.Hash) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return 0
	}
	return e.fee
}

// Count returns the number of transactions in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Size returns the total size in bytes of all transactions in the mempool.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalBytes
}

// Hashes returns the hashes of all transactions in the mempool.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}

// SelectForBlock returns transactions ordered by fee rate (highest first),
// up to the given byte budget, respecting in-mempool dependencies: a
// transaction that spends another pending transaction's output is never
// placed before the transaction it depends on.
func (p *Pool) SelectForBlock(maxBytes int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].feeRate != entries[j].feeRate {
			return entries[i].feeRate > entries[j].feeRate
		}
		return entries[i].arrived.Before(entries[j].arrived)
	})

	inPool := make(map[types.Hash]bool, len(entries))
	for _, e := range entries {
		inPool[e.txHash] = true
	}

	included := make(map[types.Hash]bool, len(entries))
	var result []*tx.Transaction
	usedBytes := 0

	var tryInclude func(e *entry, depth int) bool
	tryInclude = func(e *entry, depth int) bool {
		if included[e.txHash] || depth > len(entries) {
			return included[e.txHash]
		}
		for _, in := range e.tx.Inputs {
			if in.PrevOut.IsZero() || !inPool[in.PrevOut.TxID] {
				continue
			}
			if dep, ok := p.txs[in.PrevOut.TxID]; ok && !included[dep.txHash] {
				if !tryInclude(dep, depth+1) {
					return false
				}
			}
		}
		if usedBytes+e.size > maxBytes {
			return false
		}
		included[e.txHash] = true
		result = append(result, e.tx)
		usedBytes += e.size
		return true
	}

	for _, e := range entries {
		if usedBytes >= maxBytes {
			break
		}
		tryInclude(e, 0)
	}
	return result
}
