package bcache

type (
	// candidate is an eviction victim as observed by a scan.
	candidate struct {
		slot, bucket int
		idle         uint64
	}
	// rebound is the outcome of a rebind transaction.
	rebound struct {
		buf *buffer
		// previous binding of buf, if it was repurposed.
		was      Key
		wasValid bool
		// hit is true if another caller bound the key first.
		hit bool
	}
)

// evict repurposes the globally least-recently-idle buffer for key,
// linking it into dst. The returned buffer is bound to key
// and carries the caller's reference.
func (c *Cache) evict(dst *bucket, key Key) (*buffer, error) {
	for {
		releases := c.releases.Load()
		victim, ok := c.scan()
		if !ok {
			if c.releases.Load() != releases {
				// Something was freed behind the scan; look again.
				c.stats.retries.Add(1)
				continue
			}
			return nil, exhaustedError(len(c.bufs))
		}
		result := c.rebind(victim, dst, key)
		switch {
		case result.buf == nil:
			c.stats.retries.Add(1)
			c.log.Debug("eviction victim claimed concurrently",
				"key", key,
				"slot", victim.slot,
				"bucket", victim.bucket,
			)
			continue
		case result.hit:
			c.stats.hits.Add(1)
		default:
			c.stats.misses.Add(1)
			c.stats.evictions.Add(1)
			if victim.bucket != dst.index {
				c.stats.migrations.Add(1)
			}
			c.log.Debug("evicted buffer",
				"key", key,
				"slot", victim.slot,
				"victim", result.was,
				"victim_valid", result.wasValid,
				"idle", victim.idle,
				"from", victim.bucket,
				"to", dst.index,
			)
		}
		return result.buf, nil
	}
}

// scan visits every bucket in index order, holding one bucket lock at a
// time, and returns the unreferenced buffer with the oldest idle stamp.
// Ties go to the first buffer encountered.
func (c *Cache) scan() (candidate, bool) {
	var (
		best  candidate
		found bool
	)
	for i := range c.buckets {
		b := &c.buckets[i]
		b.mu.Lock()
		for slot := range c.links.Iter(i) {
			buf := &c.bufs[slot]
			if buf.refcount != 0 {
				continue
			}
			if !found || buf.idle < best.idle {
				best = candidate{
					slot:   slot,
					bucket: i,
					idle:   buf.idle,
				}
				found = true
			}
		}
		b.mu.Unlock()
		if found && best.idle == 0 {
			break // Never released; nothing can be older.
		}
	}
	return best, found
}

// rebind moves victim into dst and binds it to key,
// holding the source and destination locks for the whole transaction.
// If the victim was referenced or relocated since the scan,
// the returned buf is nil and the caller should scan again.
func (c *Cache) rebind(victim candidate, dst *bucket, key Key) rebound {
	var (
		src    = &c.buckets[victim.bucket]
		unlock = lockPair(src, dst)
	)
	defer unlock()
	if buf := c.lookup(dst, key); buf != nil {
		buf.refcount++
		return rebound{buf: buf, hit: true}
	}
	if !c.links.Contains(src.index, victim.slot) {
		return rebound{}
	}
	buf := &c.bufs[victim.slot]
	if buf.refcount != 0 {
		return rebound{}
	}
	if debugging {
		assert(c.links.Linked(victim.slot), "victim unlinked from every bucket")
		assert(buf.pins == 0, "unreferenced buffer still pinned")
		assert(buf.bucket == src.index,
			"buffer linked into a bucket other than its own")
	}
	result := rebound{
		buf:      buf,
		was:      buf.key,
		wasValid: buf.valid,
	}
	if src != dst {
		c.links.Move(dst.index, victim.slot)
		buf.bucket = dst.index
	}
	buf.key = key
	buf.valid = false
	buf.refcount = 1
	return result
}
