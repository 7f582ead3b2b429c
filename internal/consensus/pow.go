package consensus

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ferrite-chain/ferrite/pkg/block"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrZeroDifficulty    = errors.New("difficulty bits must be non-zero")
	ErrBadDifficulty     = errors.New("block difficulty bits do not match expected")
)

// maxUint256 is 2^256 - 1, the upper bound of the 256-bit hash space.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// one is the big.Int constant 1, used repeatedly in work computations.
var one = big.NewInt(1)

// PoW implements proof-of-work consensus with a Bitcoin-style compact
// target ("bits") encoding. Difficulty is stored in the block header
// (consensus-enforced, via Header.Bits) — the engine itself holds no
// mutable difficulty state, only retarget parameters.
type PoW struct {
	InitialBits      uint32 // Starting compact target (from genesis)
	RetargetInterval int    // Blocks between difficulty adjustments (0 = no adjustment)
	TargetBlockTime  int    // Target seconds between blocks

	// DifficultyFn is called by Prepare to compute the expected bits for a
	// new block. Set by the node operator (ferrited). If nil, Prepare uses
	// InitialBits.
	DifficultyFn func(height uint64) uint32

	// Threads controls the number of parallel mining goroutines.
	// 0 or 1 = single-threaded (default). Each goroutine searches a
	// strided partition of the nonce space.
	Threads int
}

// NewPoW creates a new PoW engine.
func NewPoW(initialBits uint32, retargetInterval, targetBlockTime int) (*PoW, error) {
	if initialBits == 0 {
		return nil, ErrZeroDifficulty
	}
	return &PoW{
		InitialBits:      initialBits,
		RetargetInterval: retargetInterval,
		TargetBlockTime:  targetBlockTime,
	}, nil
}

// ShouldAdjust returns true if difficulty should be recalculated at this height.
func (p *PoW) ShouldAdjust(height uint64) bool {
	return height > 0 && p.RetargetInterval > 0 && height%uint64(p.RetargetInterval) == 0
}

// Work returns the expected number of hashes required to produce a block
// at the given compact target, work(bits) = 2^256 / (target+1). This is
// the quantity summed to compare chains by cumulative work rather than by
// height or raw difficulty.
func Work(bits uint32) *big.Int {
	target := block.CompactToBig(bits)
	if target.Sign() <= 0 {
		return big.NewInt(0)
	}
	denom := new(big.Int).Add(target, one)
	return new(big.Int).Div(maxUint256, denom)
}

// VerifyHeader checks that the block header hash meets the target encoded
// in its Bits field.
func (p *PoW) VerifyHeader(header *block.Header) error {
	if header.Bits == 0 {
		return ErrZeroDifficulty
	}
	t := block.CompactToBig(header.Bits)
	if t.Sign() <= 0 {
		return ErrZeroDifficulty
	}
	hash := header.Hash()
	hashInt := new(big.Int).SetBytes(hash[:])
	if hashInt.Cmp(t) > 0 {
		return ErrInsufficientWork
	}
	return nil
}

// Prepare sets the block header's Bits for mining.
// If DifficultyFn is set, it computes the expected bits from chain state.
// Otherwise, uses InitialBits.
func (p *PoW) Prepare(header *block.Header) error {
	if p.DifficultyFn != nil {
		header.Bits = p.DifficultyFn(header.Height)
	} else {
		header.Bits = p.InitialBits
	}
	return nil
}

// Seal mines the block by iterating the nonce until the header hash meets
// the target. Uses the Bits already set in the block header.
func (p *PoW) Seal(blk *block.Block) error {
	return p.SealWithCancel(context.Background(), blk)
}

// SealWithCancel mines the block with cancellation support.
// When the context is cancelled, mining stops and ctx.Err() is returned.
// If Threads > 1, mining runs in parallel goroutines with strided nonce
// partitioning.
func (p *PoW) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	if blk.Header.Bits == 0 {
		return ErrZeroDifficulty
	}

	threads := p.Threads
	if threads <= 1 {
		return p.sealSingle(ctx, blk)
	}
	return p.sealParallel(ctx, blk, threads)
}

// signingPrefix returns the header's signing bytes WITHOUT the trailing
// nonce. This lets each mining goroutine pre-compute the prefix once and
// only append+hash the 8-byte nonce per iteration.
func signingPrefix(h *block.Header) []byte {
	buf := make([]byte, 0, 88)
	buf = binary.BigEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.BigEndian.AppendUint64(buf, h.Height)
	buf = binary.BigEndian.AppendUint32(buf, h.Bits)
	return buf
}

// doubleSHA256 mirrors crypto.DoubleHash but returns a plain [32]byte so the
// mining hot loop isn't coupled to pkg/crypto's types.Hash.
func doubleSHA256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// sealSingle mines with a single goroutine.
func (p *PoW) sealSingle(ctx context.Context, blk *block.Block) error {
	t := block.CompactToBig(blk.Header.Bits)
	prefix := signingPrefix(blk.Header)
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	hashInt := new(big.Int)

	for nonce := uint64(0); ; nonce++ {
		if nonce&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		binary.BigEndian.PutUint64(buf[len(prefix):], nonce)
		hash := doubleSHA256(buf)
		hashInt.SetBytes(hash[:])
		if hashInt.Cmp(t) <= 0 {
			blk.Header.Nonce = nonce
			return nil
		}
		if nonce == ^uint64(0) {
			return fmt.Errorf("nonce space exhausted")
		}
	}
}

// sealParallel mines with multiple goroutines, each searching a strided
// partition of the nonce space (goroutine i starts at nonce=i, step=threads).
func (p *PoW) sealParallel(ctx context.Context, blk *block.Block, threads int) error {
	t := block.CompactToBig(blk.Header.Bits)
	prefix := signingPrefix(blk.Header)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint64
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		startNonce := uint64(i)
		stride := uint64(threads)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(prefix)+8)
			copy(buf, prefix)
			hashInt := new(big.Int)

			for nonce := startNonce; ; nonce += stride {
				if (nonce/stride)&0xFFFF == 0 && nonce > 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				binary.BigEndian.PutUint64(buf[len(prefix):], nonce)
				hash := doubleSHA256(buf)
				hashInt.SetBytes(hash[:])
				if hashInt.Cmp(t) <= 0 {
					select {
					case found <- result{nonce: nonce}:
					default:
					}
					cancel()
					return
				}

				if nonce > ^uint64(0)-stride {
					select {
					case found <- result{err: fmt.Errorf("nonce space exhausted")}:
					default:
					}
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return fmt.Errorf("nonce space exhausted")
		}
		if r.err != nil {
			return r.err
		}
		blk.Header.Nonce = r.nonce
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExpectedBits computes the correct compact target for a block at the
// given height. prevBits is the Bits from the block at height-1 (0 for
// height <= 1). getTimestamp retrieves a block's timestamp by height.
func (p *PoW) ExpectedBits(height uint64, prevBits uint32, getTimestamp func(uint64) (uint64, error)) uint32 {
	if height <= 1 || prevBits == 0 {
		return p.InitialBits
	}
	if !p.ShouldAdjust(height) {
		return prevBits
	}

	interval := uint64(p.RetargetInterval)
	startTS, err := getTimestamp(height - interval)
	if err != nil {
		return prevBits
	}
	endTS, err := getTimestamp(height - 1)
	if err != nil {
		return prevBits
	}

	actual := int64(endTS - startTS)
	expected := int64(p.RetargetInterval) * int64(p.TargetBlockTime)
	return CalcNextBits(prevBits, actual, expected, p.InitialBits)
}

// VerifyDifficulty checks that a block header's stated Bits matches the
// expected value computed from chain history.
func (p *PoW) VerifyDifficulty(header *block.Header, prevBits uint32, getTimestamp func(uint64) (uint64, error)) error {
	expected := p.ExpectedBits(header.Height, prevBits, getTimestamp)
	if header.Bits != expected {
		return fmt.Errorf("%w: height %d has bits %#08x, want %#08x",
			ErrBadDifficulty, header.Height, header.Bits, expected)
	}
	return nil
}

// CalcNextBits computes the new compact target after a retarget period.
// actualTimeSpan is the elapsed seconds for the last interval.
// expectedTimeSpan is interval * targetBlockTime.
// genesisBits is the chain's starting difficulty (InitialBits); the result
// is never easier than this floor, per the minimum-difficulty rule.
// The implied target is otherwise clamped so it moves by at most 4x in
// either direction per period, and is never easier than the all-ones
// target.
func CalcNextBits(currentBits uint32, actualTimeSpan, expectedTimeSpan int64, genesisBits uint32) uint32 {
	if actualTimeSpan <= 0 {
		actualTimeSpan = 1
	}
	if expectedTimeSpan <= 0 {
		expectedTimeSpan = 1
	}

	minSpan := expectedTimeSpan / 4
	maxSpan := expectedTimeSpan * 4
	if minSpan == 0 {
		minSpan = 1
	}
	if actualTimeSpan < minSpan {
		actualTimeSpan = minSpan
	}
	if actualTimeSpan > maxSpan {
		actualTimeSpan = maxSpan
	}

	currentTarget := block.CompactToBig(currentBits)
	if currentTarget.Sign() <= 0 {
		currentTarget = big.NewInt(1)
	}

	// newTarget = currentTarget * actual / expected. A larger target means
	// lower difficulty: blocks arrived slower than expected ease the target.
	act := new(big.Int).SetInt64(actualTimeSpan)
	exp := new(big.Int).SetInt64(expectedTimeSpan)
	newTarget := new(big.Int).Mul(currentTarget, act)
	newTarget.Div(newTarget, exp)

	if newTarget.Cmp(maxUint256) > 0 {
		newTarget.Set(maxUint256)
	}
	if newTarget.Sign() <= 0 {
		newTarget = big.NewInt(1)
	}

	// Minimum difficulty floor: the target may never be eased past the
	// genesis difficulty's target, no matter how slowly blocks arrived.
	if genesisTarget := block.CompactToBig(genesisBits); genesisTarget.Sign() > 0 && newTarget.Cmp(genesisTarget) > 0 {
		newTarget.Set(genesisTarget)
	}

	return block.BigToCompact(newTarget)
}
