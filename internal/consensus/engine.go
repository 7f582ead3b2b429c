package consensus

import "github.com/ferrite-chain/ferrite/pkg/block"

// Engine is the consensus algorithm's interface onto a block header: it
// verifies that a sealed header satisfies the algorithm's proof, and
// assists building a new header (Prepare) and sealing it (Seal). Ferrite
// has exactly one implementation, PoW, but block/chain code is written
// against this interface rather than *PoW directly.
type Engine interface {
	// VerifyHeader checks that header satisfies the consensus proof.
	VerifyHeader(header *block.Header) error
	// Prepare fills in the consensus-specific fields of a new header
	// (e.g. the difficulty target) before mining begins.
	Prepare(header *block.Header) error
	// Seal finds a valid proof for blk's header, blocking until one is
	// found. Use SealWithCancel for a cancellable variant.
	Seal(blk *block.Block) error
}
