package bcache

import (
	"iter"
	"sync/atomic"
)

type (
	counters struct {
		hits, misses,
		evictions, migrations, retries,
		reads, writes atomic.Uint64
	}
	// Stats is a snapshot of the cache's event counters.
	Stats struct {
		// Hits counts acquisitions that found the block already bound.
		Hits uint64
		// Misses counts acquisitions that repurposed a buffer.
		Misses uint64
		// Evictions counts buffers rebound to a new key.
		Evictions uint64
		// Migrations counts evictions that moved a buffer between buckets.
		Migrations uint64
		// Retries counts eviction scans that had to be repeated
		// because of concurrent activity.
		Retries uint64
		// Reads and Writes count successful device transfers.
		Reads, Writes uint64
	}
	// BucketStats describes the membership of one bucket.
	BucketStats struct {
		Index int
		// Buffers is the number of buffers linked into the bucket.
		Buffers int
		// Referenced is the number of those with a nonzero usage count.
		Referenced int
		// Cached is the number of unreferenced buffers holding valid content.
		Cached int
	}
)

// Stats returns a snapshot of the cache's counters.
// Counters are read individually and may be mutually inconsistent
// while other goroutines are using the cache.
func (c *Cache) Stats() Stats {
	s := &c.stats
	return Stats{
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		Evictions:  s.evictions.Load(),
		Migrations: s.migrations.Load(),
		Retries:    s.retries.Load(),
		Reads:      s.reads.Load(),
		Writes:     s.writes.Load(),
	}
}

// BucketStats returns per-bucket statistics.
// Each bucket is sampled under its own lock.
func (c *Cache) BucketStats() []BucketStats {
	stats := make([]BucketStats, len(c.buckets))
	for i := range c.buckets {
		b := &c.buckets[i]
		stat := BucketStats{Index: i}
		b.mu.Lock()
		for slot := range c.links.Iter(i) {
			buf := &c.bufs[slot]
			stat.Buffers++
			switch {
			case buf.refcount > 0:
				stat.Referenced++
			case buf.valid:
				stat.Cached++
			}
		}
		b.mu.Unlock()
		stats[i] = stat
	}
	return stats
}

// Len returns the number of buffers that are referenced or hold valid content.
func (c *Cache) Len() int {
	var n int
	for _, stat := range c.BucketStats() {
		n += stat.Referenced + stat.Cached
	}
	return n
}

// Resident returns an iterator over the (unordered) keys of buffers
// that are referenced or hold valid content.
// Each bucket is collected under its lock, which is
// released before its keys are yielded.
func (c *Cache) Resident() iter.Seq[Key] {
	return func(yield func(Key) bool) {
		var keys []Key
		for i := range c.buckets {
			keys = c.residentIn(&c.buckets[i], keys[:0])
			for _, key := range keys {
				if !yield(key) {
					return
				}
			}
		}
	}
}

func (c *Cache) residentIn(b *bucket, keys []Key) []Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	for slot := range c.links.Iter(b.index) {
		buf := &c.bufs[slot]
		if buf.refcount > 0 || buf.valid {
			keys = append(keys, buf.key)
		}
	}
	return keys
}
