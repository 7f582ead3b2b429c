package coordinator

import "github.com/ferrite-chain/ferrite/pkg/types"

// Event is the sum type emitted to subscribers, in commit order, per
// spec.md §4.11. Each concrete type below implements Event as a marker.
type Event interface{ isEvent() }

// TipAdvanced fires when the active tip moves forward without a reorg.
type TipAdvanced struct {
	NewTip     types.Hash
	Height     uint64
	ReorgDepth int
}

// BlockAccepted fires for every block stored successfully, whether it
// became the active tip (Fork=false) or a side branch (Fork=true).
type BlockAccepted struct {
	Hash   types.Hash
	Height uint64
	Fork   bool
}

// BlockRejected fires for a block that failed validation outright (not
// orphaned — see the Orphan result instead).
type BlockRejected struct {
	Hash   types.Hash
	Reason string
}

// Reorg fires when a side branch overtakes the active tip by cumulative work.
type Reorg struct {
	OldTip types.Hash
	NewTip types.Hash
	Depth  int
}

// TxAdmitted fires when a transaction is accepted into the mempool.
type TxAdmitted struct {
	TxID types.Hash
}

// TxEvicted fires when the mempool rejects a submitted transaction, or when
// a transaction reverted by a reorg cannot be re-admitted. Entries the pool
// drops on its own (capacity eviction, expiry) are not reported.
type TxEvicted struct {
	TxID   types.Hash
	Reason string
}

// TxReplaced fires when a transaction is bumped out by a higher fee-rate
// replacement (RBF).
type TxReplaced struct {
	OldTxID types.Hash
	NewTxID types.Hash
}

// Lagged is delivered to a subscriber in place of events it couldn't keep
// up with, so it knows its view has gaps.
type Lagged struct{}

// CorruptionDetected describes unrecoverable store corruption at Key. The
// coordinator never publishes it and keeps accepting blocks regardless.
type CorruptionDetected struct {
	Key string
}

func (TipAdvanced) isEvent()       {}
func (BlockAccepted) isEvent()     {}
func (BlockRejected) isEvent()     {}
func (Reorg) isEvent()             {}
func (TxAdmitted) isEvent()        {}
func (TxEvicted) isEvent()         {}
func (TxReplaced) isEvent()        {}
func (Lagged) isEvent()            {}
func (CorruptionDetected) isEvent() {}
