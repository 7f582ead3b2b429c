package tx

import (
	"encoding/binary"

	"github.com/ferrite-chain/ferrite/pkg/crypto"
	"github.com/ferrite-chain/ferrite/pkg/types"
)

// Sighash computes the message that input inputIndex must sign: the
// transaction's canonical bytes (with all signatures and public keys
// stripped), bound to the specific input being spent and the amount it is
// allowed to spend. Binding the index prevents a signature for one input
// from being replayed against another, and binding the previous output's
// amount prevents a signature from being reused if the spent value
// changes (e.g. across a reorg that alters which output the outpoint
// actually refers to).
func Sighash(transaction *Transaction, inputIndex int, prevAmount uint64) types.Hash {
	buf := transaction.SigningBytes()
	buf = binary.BigEndian.AppendUint32(buf, uint32(inputIndex))
	buf = binary.BigEndian.AppendUint64(buf, prevAmount)
	return crypto.Hash(buf)
}
