package mempool

import "sort"

// Evict removes the lowest fee-rate transactions until the pool is at or
// below its byte capacity. Add() already makes room for each incoming
// transaction as it arrives; Evict exists for cases like a lowered capacity
// at runtime, where the pool needs to shrink without a new arrival to
// trigger it.
func (p *Pool) Evict() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.totalBytes <= p.maxBytes {
		return 0
	}

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].feeRate < entries[j].feeRate
	})

	evicted := 0
	for _, e := range entries {
		if p.totalBytes <= p.maxBytes {
			break
		}
		p.removeLocked(e.txHash)
		evicted++
	}
	return evicted
}
