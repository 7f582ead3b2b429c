package tx

import (
	"fmt"

	"github.com/ferrite-chain/ferrite/pkg/crypto"
	"github.com/ferrite-chain/ferrite/pkg/types"
)

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
	// prevAmounts tracks the spent value of each non-coinbase input, by
	// input index, so Sign/SignMulti can compute the correct sighash.
	prevAmounts map[int]uint64
}

// NewBuilder creates a new transaction builder.
func NewBuilder() *Builder {
	return &Builder{
		tx:          &Transaction{Version: 1},
		prevAmounts: make(map[int]uint64),
	}
}

// AddInput adds an input referencing a previous output of the given value.
// The value must match what the UTXO set records for prevOut; it is
// bound into the signature via Sighash.
func (b *Builder) AddInput(prevOut types.Outpoint, prevAmount uint64) *Builder {
	idx := len(b.tx.Inputs)
	b.tx.Inputs = append(b.tx.Inputs, Input{PrevOut: prevOut})
	b.prevAmounts[idx] = prevAmount
	return b
}

// AddOutput adds an output with a value and script.
func (b *Builder) AddOutput(value uint64, script types.Script) *Builder {
	b.tx.Outputs = append(b.tx.Outputs, Output{Value: value, Script: script})
	return b
}

// SetLockTime sets the transaction lock time.
func (b *Builder) SetLockTime(lockTime uint64) *Builder {
	b.tx.LockTime = lockTime
	return b
}

// Sign signs every non-coinbase input with the provided private key, each
// with its own per-input sighash.
func (b *Builder) Sign(key *crypto.PrivateKey) error {
	pubKey := key.PublicKey()
	for i := range b.tx.Inputs {
		if b.tx.Inputs[i].PrevOut.IsZero() {
			continue // coinbase
		}
		sighash := Sighash(b.tx, i, b.prevAmounts[i])
		sig, err := key.Sign(sighash[:])
		if err != nil {
			return fmt.Errorf("sign input %d: %w", i, err)
		}
		b.tx.Inputs[i].Signature = sig
		b.tx.Inputs[i].PubKey = pubKey
	}
	return nil
}

// SignMulti signs each input with the key that owns its outpoint.
// outpointAddr maps each input's outpoint to the address that owns it.
// signers maps each address to the private key that can spend from it.
func (b *Builder) SignMulti(
	signers map[types.Address]*crypto.PrivateKey,
	outpointAddr map[types.Outpoint]types.Address,
) error {
	for i := range b.tx.Inputs {
		if b.tx.Inputs[i].PrevOut.IsZero() {
			continue // coinbase
		}

		addr, ok := outpointAddr[b.tx.Inputs[i].PrevOut]
		if !ok {
			return fmt.Errorf("no address mapping for input %d outpoint", i)
		}
		key, ok := signers[addr]
		if !ok {
			return fmt.Errorf("no signer for address %s (input %d)", addr, i)
		}

		sighash := Sighash(b.tx, i, b.prevAmounts[i])
		sig, err := key.Sign(sighash[:])
		if err != nil {
			return fmt.Errorf("sign input %d: %w", i, err)
		}
		b.tx.Inputs[i].Signature = sig
		b.tx.Inputs[i].PubKey = key.PublicKey()
	}
	return nil
}

// Build returns the constructed transaction.
// Does NOT validate — call tx.Validate() separately.
func (b *Builder) Build() *Transaction {
	return b.tx
}
