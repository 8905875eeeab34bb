package httpreader

import "sort"

// cacheCell is one fetched, never-overlapping block of the resource, keyed
// by its starting offset in the owning cache.
type cacheCell struct {
	data     []byte
	consumed int // bytes of data already handed back by lookup
}

func (c *cacheCell) entirelyConsumed() bool {
	return c.consumed >= len(c.data)
}

// cache is the readahead cache: an ordered set of non-overlapping blocks
// keyed by offset, bounded by a byte budget with oldest-offset eviction.
//
// Go maps can't answer "the block at or before this offset" directly, so
// the cache keeps offsets sorted separately alongside the map and binary
// searches it — the same shape as a sorted, auto-merging range list used
// elsewhere in this codebase's lineage for byte-range bookkeeping.
type cache struct {
	offsets []int64 // ascending, kept in lockstep with blocks
	blocks  map[int64]*cacheCell
	size    int64 // sum of len(block.data) currently cached

	limit int64 // <=0 means unlimited
}

func newCache(limit int64) *cache {
	if limit > 0 && limit < MaxBlock {
		// A limit smaller than one block can never hold a single fetch;
		// silently raise it so inserts don't immediately evict themselves.
		limit = MaxBlock
	}
	return &cache{
		blocks: make(map[int64]*cacheCell),
		limit:  limit,
	}
}

// insert adds a freshly fetched block at offset, evicting the oldest
// (lowest-offset) blocks other than the one just inserted while over the
// size limit. stats.CacheShrinks is incremented once per eviction performed
// here.
func (c *cache) insert(offset int64, data []byte, stats *Statistics) {
	i := sort.Search(len(c.offsets), func(i int) bool { return c.offsets[i] >= offset })
	c.offsets = append(c.offsets, 0)
	copy(c.offsets[i+1:], c.offsets[i:])
	c.offsets[i] = offset

	c.blocks[offset] = &cacheCell{data: data}
	c.size += int64(len(data))

	for c.limit > 0 && c.size > c.limit && len(c.offsets) > 1 {
		victim := 0
		if c.offsets[0] == offset {
			// After a rewind the fresh block can be the lowest offset;
			// the lookup that follows this insert depends on it.
			victim = 1
		}
		oldest := c.offsets[victim]
		c.offsets = append(c.offsets[:victim], c.offsets[victim+1:]...)
		block := c.blocks[oldest]
		delete(c.blocks, oldest)
		c.size -= int64(len(block.data))
		stats.CacheShrinks++
	}
}

// lookup attempts to satisfy a read of len(buf) bytes starting at pos from
// a single cached block. It returns the number of bytes copied and whether
// the cache could serve any prefix of the request at all.
//
// A non-empty partial copy is still reported as a hit: the caller's next
// read will simply try again at the advanced position, the same way a
// short io.Reader.Read is legal.
//
// Under SequentialIsh, a block that becomes entirely consumed by this read
// is discarded immediately, ahead of the size-based eviction in insert.
func (c *cache) lookup(pos int64, buf []byte, pattern AccessPattern) (n int, hit bool) {
	if len(buf) == 0 {
		return 0, true
	}

	// Find the block whose offset is <= pos, if any: the last offset not
	// greater than pos.
	i := sort.Search(len(c.offsets), func(i int) bool { return c.offsets[i] > pos })
	if i == 0 {
		return 0, false
	}
	offset := c.offsets[i-1]
	block := c.blocks[offset]

	within := pos - offset
	if within < 0 || within >= int64(len(block.data)) {
		return 0, false
	}

	n = copy(buf, block.data[within:])
	block.consumed += n

	if pattern == SequentialIsh && block.entirelyConsumed() {
		c.offsets = append(c.offsets[:i-1], c.offsets[i:]...)
		delete(c.blocks, offset)
		c.size -= int64(len(block.data))
	}

	return n, true
}
