// Package storage provides database abstractions.
package storage

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix.
	// The callback receives a copy of the key; the value may share memory
	// with the store and must not be modified or retained after fn returns.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch accumulates a set of writes to be applied atomically. A block's
// effects (header, transactions, spent/created UTXOs, tip pointer) are
// written through a single Batch so a crash mid-write never leaves the
// chain state half-updated.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	// Commit applies all buffered writes atomically. A Batch must not be
	// reused after Commit is called.
	Commit() error
}

// Batcher is implemented by DBs that can produce an atomic Batch. BadgerDB,
// MemoryDB and PrefixDB all implement it; any DB backing chain state should.
type Batcher interface {
	NewBatch() Batch
}
