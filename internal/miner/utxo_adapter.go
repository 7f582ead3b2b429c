// Package miner builds and seals candidate blocks from mempool contents.
package miner

import (
	"github.com/ferrite-chain/ferrite/internal/utxo"
	"github.com/ferrite-chain/ferrite/pkg/types"
)

// UTXOAdapter bridges utxo.Set to tx.UTXOProvider, the narrow read-only
// view the mempool and block builder need of the UTXO set.
type UTXOAdapter struct {
	set utxo.Set
}

// NewUTXOAdapter creates a UTXOProvider from a utxo.Set.
func NewUTXOAdapter(set utxo.Set) *UTXOAdapter {
	return &UTXOAdapter{set: set}
}

// GetUTXO returns the value and script for a given outpoint.
func (a *UTXOAdapter) GetUTXO(outpoint types.Outpoint) (uint64, types.Script, error) {
	u, err := a.set.Get(outpoint)
	if err != nil {
		return 0, types.Script{}, err
	}
	return u.Value, u.Script, nil
}

// HasUTXO returns whether the outpoint exists in the UTXO set.
func (a *UTXOAdapter) HasUTXO(outpoint types.Outpoint) bool {
	has, err := a.set.Has(outpoint)
	return err == nil && has
}
