package coordinator

import "github.com/ferrite-chain/ferrite/pkg/types"

// TxResult is the sum type returned by SubmitTransaction (spec.md §6).
type TxResult interface{ isTxResult() }

// BlockResult is the sum type returned by SubmitBlock (spec.md §6).
type BlockResult interface{ isBlockResult() }

// Admitted means the transaction was accepted into the mempool as-is.
type Admitted struct {
	TxID types.Hash
}

// Replaced means the transaction bumped one or more conflicting mempool
// transactions via RBF.
type Replaced struct {
	OldTxIDs []types.Hash
	NewTxID  types.Hash
}

// Rejected is a terminal failure, carrying a spec.md §7 error-kind name.
type Rejected struct {
	Reason string
}

// Applied means the block extended (or, via reorg, became) the active tip.
type Applied struct {
	Hash   types.Hash
	Height uint64
}

// SideBranch means the block was stored but did not become the active tip.
type SideBranch struct {
	Hash types.Hash
}

// Orphan means the block's parent is unknown; it is held pending the
// parent's arrival and is not a hard rejection.
type Orphan struct {
	Hash types.Hash
}

func (Admitted) isTxResult()  {}
func (Replaced) isTxResult()  {}
func (Rejected) isTxResult()  {}
func (Rejected) isBlockResult()    {}
func (Applied) isBlockResult()     {}
func (SideBranch) isBlockResult()  {}
func (Orphan) isBlockResult()      {}
