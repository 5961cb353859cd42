package bcache

import "sync"

// bucket is one independently-locked shard of the cache.
// Its mutex guards the bucket's membership list
// along with the metadata of every member (see [buffer]).
// It is only ever held for short, non-blocking sections.
type bucket struct {
	mu    sync.Mutex
	index int
}

// bucketFor hashes a block number to the bucket that must hold it.
func (c *Cache) bucketFor(block BlockNumber) *bucket {
	return &c.buckets[block%BlockNumber(len(c.buckets))]
}

// lookup returns the member of b bound to key, or nil.
// Caller must hold b.mu.
func (c *Cache) lookup(b *bucket, key Key) *buffer {
	for slot := range c.links.Iter(b.index) {
		buf := &c.bufs[slot]
		if buf.key != key {
			continue
		}
		// An unreferenced buffer has no exclusive holder,
		// so valid may only be read once refcount is known to be 0.
		if buf.refcount > 0 || buf.valid {
			return buf
		}
	}
	return nil
}

// lockPair locks both buckets in ascending index order
// and returns a function that unlocks them in reverse.
func lockPair(a, b *bucket) (unlock func()) {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	low, high := a, b
	if low.index > high.index {
		low, high = high, low
	}
	low.mu.Lock()
	high.mu.Lock()
	return func() {
		high.mu.Unlock()
		low.mu.Unlock()
	}
}
