package consensus

import (
	"errors"
	"fmt"
	"sort"
)

// Timestamp validation errors.
var (
	ErrTimestampTooOld    = errors.New("block timestamp is not after median time past")
	ErrTimestampTooFuture = errors.New("block timestamp too far in the future")
)

// MedianTimePast returns the median of the given timestamps. Bitcoin-style
// median-time-past takes the median of up to the previous 11 block
// timestamps (config.MedianTimePastWindow); callers pass that window in.
// An even-length window's median is the lower of the two middle values,
// matching the conventional MTP definition.
func MedianTimePast(timestamps []uint64) uint64 {
	if len(timestamps) == 0 {
		return 0
	}
	sorted := make([]uint64, len(timestamps))
	copy(sorted, timestamps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[(len(sorted)-1)/2]
}

// CheckTimestamp validates a candidate block timestamp against the median
// of the preceding window (prevTimestamps, newest-last) and a bound on how
// far ahead of the local clock (now) it may be.
func CheckTimestamp(candidate uint64, prevTimestamps []uint64, now uint64, maxFutureDrift uint64) error {
	mtp := MedianTimePast(prevTimestamps)
	if len(prevTimestamps) > 0 && candidate <= mtp {
		return fmt.Errorf("%w: %d <= mtp %d", ErrTimestampTooOld, candidate, mtp)
	}
	if candidate > now+maxFutureDrift {
		return fmt.Errorf("%w: %d > now(%d)+drift(%d)", ErrTimestampTooFuture, candidate, now, maxFutureDrift)
	}
	return nil
}
