package chain

import (
	"sync"
	"time"

	"github.com/ferrite-chain/ferrite/pkg/block"
	"github.com/ferrite-chain/ferrite/pkg/types"
)

// MaxOrphans bounds the orphan pool so a flood of blocks with unknown
// parents can't exhaust memory. Oldest orphans are evicted first.
const MaxOrphans = 100

// OrphanExpiry is how long a block may sit in the orphan pool before it is
// pruned as stale.
const OrphanExpiry = 20 * time.Minute

type orphanEntry struct {
	blk   *block.Block
	added time.Time
}

// OrphanPool holds blocks whose parent hasn't been seen yet, indexed by the
// parent hash they're waiting on. When a block with a matching hash is
// accepted, its waiting children can be pulled out and retried.
type OrphanPool struct {
	mu       sync.Mutex
	byHash   map[types.Hash]*orphanEntry
	byParent map[types.Hash][]types.Hash
	order    []types.Hash // insertion order, for eviction
}

// NewOrphanPool creates an empty orphan pool.
func NewOrphanPool() *OrphanPool {
	return &OrphanPool{
		byHash:   make(map[types.Hash]*orphanEntry),
		byParent: make(map[types.Hash][]types.Hash),
	}
}

// Add stashes a block awaiting its parent. If the pool is full, the oldest
// orphan is evicted to make room.
func (p *OrphanPool) Add(blk *block.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := blk.Hash()
	if _, exists := p.byHash[hash]; exists {
		return
	}
	if len(p.order) >= MaxOrphans {
		p.evictOldestLocked()
	}

	p.byHash[hash] = &orphanEntry{blk: blk, added: time.Now()}
	parent := blk.Header.PrevHash
	p.byParent[parent] = append(p.byParent[parent], hash)
	p.order = append(p.order, hash)
}

func (p *OrphanPool) evictOldestLocked() {
	if len(p.order) == 0 {
		return
	}
	oldest := p.order[0]
	p.order = p.order[1:]
	entry, ok := p.byHash[oldest]
	if !ok {
		return
	}
	delete(p.byHash, oldest)
	parent := entry.blk.Header.PrevHash
	siblings := p.byParent[parent]
	for i, h := range siblings {
		if h == oldest {
			p.byParent[parent] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(p.byParent[parent]) == 0 {
		delete(p.byParent, parent)
	}
}

// Take removes and returns all orphans directly waiting on parentHash.
func (p *OrphanPool) Take(parentHash types.Hash) []*block.Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	hashes := p.byParent[parentHash]
	if len(hashes) == 0 {
		return nil
	}
	delete(p.byParent, parentHash)

	blocks := make([]*block.Block, 0, len(hashes))
	for _, h := range hashes {
		entry, ok := p.byHash[h]
		if !ok {
			continue
		}
		blocks = append(blocks, entry.blk)
		delete(p.byHash, h)
		for i, oh := range p.order {
			if oh == h {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	return blocks
}

// Prune discards orphans older than OrphanExpiry.
func (p *OrphanPool) Prune() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-OrphanExpiry)
	var kept []types.Hash
	for _, h := range p.order {
		entry, ok := p.byHash[h]
		if !ok {
			continue
		}
		if entry.added.Before(cutoff) {
			delete(p.byHash, h)
			parent := entry.blk.Header.PrevHash
			siblings := p.byParent[parent]
			for i, sh := range siblings {
				if sh == h {
					p.byParent[parent] = append(siblings[:i], siblings[i+1:]...)
					break
				}
			}
			if len(p.byParent[parent]) == 0 {
				delete(p.byParent, parent)
			}
			continue
		}
		kept = append(kept, h)
	}
	p.order = kept
}

// Len returns the number of orphans currently held.
func (p *OrphanPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHash)
}

// AcceptOrphans retries any orphans that were waiting on parentHash, and
// recursively any orphans that in turn were waiting on those. Call this
// after a block is successfully accepted onto the chain.
func (c *Chain) AcceptOrphans(parentHash types.Hash) {
	queue := []types.Hash{parentHash}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		children := c.orphans.Take(h)
		for _, child := range children {
			if err := c.ProcessBlock(child); err == nil {
				queue = append(queue, child.Hash())
			}
		}
	}
}
