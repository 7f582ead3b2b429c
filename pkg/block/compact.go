package block

import "math/big"

// maxCompactExponent is the largest byte-length a compact target's mantissa
// may be shifted by. Targets wider than 32 bytes never occur for a 256-bit
// hash space and are rejected.
const maxCompactExponent = 32

// BigToCompact converts a target (as an arbitrary-precision integer) into
// the compact 32-bit "bits" representation: a 1-byte exponent followed by a
// 3-byte mantissa, the same encoding used for Bitcoin's nBits field. A zero
// or negative target encodes to zero.
func BigToCompact(target *big.Int) uint32 {
	if target.Sign() <= 0 {
		return 0
	}

	bytes := target.Bytes()
	exponent := uint32(len(bytes))

	var mantissa uint32
	switch {
	case exponent <= 3:
		for _, b := range bytes {
			mantissa = mantissa<<8 | uint32(b)
		}
		mantissa <<= 8 * (3 - exponent)
	default:
		mantissa = uint32(bytes[0])<<16 | uint32(bytes[1])<<8 | uint32(bytes[2])
	}

	// The mantissa is interpreted as a signed 24-bit quantity; if the
	// high bit is set, shift a byte into the exponent to keep it unsigned.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}

	return exponent<<24 | mantissa
}

// CompactToBig expands the compact "bits" representation back into a target
// as an arbitrary-precision integer. An out-of-range exponent or a negative
// encoding (high bit of the mantissa set) yields a zero target, which
// callers must treat as an invalid difficulty.
func CompactToBig(bits uint32) *big.Int {
	exponent := bits >> 24
	mantissa := bits & 0x007fffff
	isNegative := bits&0x00800000 != 0

	if isNegative || exponent > maxCompactExponent {
		return big.NewInt(0)
	}

	target := new(big.Int).SetUint64(uint64(mantissa))
	if exponent <= 3 {
		target.Rsh(target, uint(8*(3-exponent)))
	} else {
		target.Lsh(target, uint(8*(exponent-3)))
	}
	return target
}
