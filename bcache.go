package bcache

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/djdv/go-bcache/internal/ring"
)

// Cache is a fixed set of block buffers shared by concurrent callers.
// At most one buffer is bound to any [Key], and callers take turns
// using it through the exclusive lock held by each [Handle].
// When a block is not resident, the unreferenced buffer that has been
// idle the longest (across all buckets) is repurposed for it.
// Constructed by [New]; safe for concurrent use.
type Cache struct {
	bufs      []buffer
	buckets   []bucket
	links     *ring.Arena
	dev       Device
	clock     Clock
	log       *slog.Logger
	abort     func(error)
	blockSize int

	gen      atomic.Uint64 // Last minted Handle generation.
	releases atomic.Uint64 // Count of refcount transitions to 0.
	stats    counters
}

// MinimumCapacity defines the lowest buffer count supported by [New].
const MinimumCapacity = 1

// New creates a [Cache] of buffers blocks backed by dev.
// Buffers are distributed round-robin across the buckets
// and are never allocated or freed afterwards.
func New(dev Device, buffers int, opts ...Option) (*Cache, error) {
	if buffers < MinimumCapacity {
		return nil, minCapacityError(buffers)
	}
	settings := defaultOptions()
	for _, apply := range opts {
		apply(&settings)
	}
	if err := settings.validate(dev); err != nil {
		return nil, err
	}
	var (
		blockSize = settings.blockSize
		payload   = make([]byte, buffers*blockSize)
		c         = &Cache{
			bufs:      make([]buffer, buffers),
			buckets:   make([]bucket, settings.buckets),
			links:     ring.New(buffers, settings.buckets),
			dev:       dev,
			clock:     settings.clock,
			log:       settings.logger,
			abort:     settings.abort,
			blockSize: blockSize,
		}
	)
	for i := range c.buckets {
		c.buckets[i].index = i
	}
	for i := range c.bufs {
		var (
			buf  = &c.bufs[i]
			low  = i * blockSize
			high = low + blockSize
			home = i % len(c.buckets)
		)
		buf.data = payload[low:high:high]
		buf.bucket = home
		c.links.PushFront(home, i)
	}
	if debugging {
		var linked int
		for i := range c.buckets {
			linked += c.links.Len(i)
		}
		assert(linked == buffers, "buffers left unlinked after distribution")
	}
	return c, nil
}

// Acquire returns a handle to the block's buffer, exclusively locked for
// the caller, with the block's content loaded from the device if it was
// not already cached. Acquire blocks while another handle to the same
// block is held.
//
// Errors are always fatal (see [IsFatal]): [ErrExhausted] if every buffer
// is referenced, or [ErrDevice] if the block could not be read.
func (c *Cache) Acquire(dev DeviceID, block BlockNumber) (*Handle, error) {
	key := Key{Device: dev, Block: block}
	buf, err := c.get(key)
	if err != nil {
		return nil, c.fatal(err)
	}
	h := c.lock(buf, key)
	if err := c.materialize(h); err != nil {
		h.released.Store(true)
		c.unlockAndUnref(h)
		return nil, c.fatal(err)
	}
	return h, nil
}

// Commit writes the handle's payload to the device
// and returns once the device has accepted it.
func (c *Cache) Commit(h *Handle) error {
	if err := c.held(h, "commit"); err != nil {
		return c.fatal(err)
	}
	if err := c.dev.WriteBlock(h.key.Device, h.key.Block, h.buf.data); err != nil {
		return c.fatal(deviceError("write", h.key, err))
	}
	c.stats.writes.Add(1)
	return nil
}

// Release relinquishes the handle's exclusive lock and its reference.
// The handle must not be used afterwards.
func (c *Cache) Release(h *Handle) error {
	if err := c.held(h, "release"); err != nil {
		return c.fatal(err)
	}
	if !h.released.CompareAndSwap(false, true) {
		return c.fatal(fmt.Errorf("%w: release %v", ErrReleased, h.key))
	}
	c.unlockAndUnref(h)
	return nil
}

// Pin adds a reference to the handle's buffer, keeping it resident
// after the handle is released, until a matching [Cache.Unpin].
// Other callers may still acquire the block in the meantime.
func (c *Cache) Pin(h *Handle) error {
	if err := c.held(h, "pin"); err != nil {
		return c.fatal(err)
	}
	b := c.bucketFor(h.key.Block)
	b.mu.Lock()
	h.buf.pins++
	h.buf.refcount++
	b.mu.Unlock()
	return nil
}

// Unpin drops a reference added by [Cache.Pin].
// The handle may be a later handle to the same block than the one pinned.
// References held by callers waiting in [Cache.Acquire] are not pins;
// unpinning a buffer with no pins left fails with [ErrUnbalancedPin].
func (c *Cache) Unpin(h *Handle) error {
	if err := c.held(h, "unpin"); err != nil {
		return c.fatal(err)
	}
	b := c.bucketFor(h.key.Block)
	b.mu.Lock()
	if h.buf.pins == 0 {
		b.mu.Unlock()
		return c.fatal(fmt.Errorf("%w: %v", ErrUnbalancedPin, h.key))
	}
	if debugging {
		assert(h.buf.refcount > h.buf.pins, "pins exceed references of a held buffer")
	}
	h.buf.pins--
	h.buf.refcount--
	b.mu.Unlock()
	return nil
}

// Invalidate discards the cached content of every unreferenced buffer
// bound to dev, so that the next [Cache.Acquire] reads from the device again.
// Referenced buffers are left as they are.
// Returns the number of buffers invalidated.
func (c *Cache) Invalidate(dev DeviceID) int {
	var invalidated int
	for i := range c.buckets {
		b := &c.buckets[i]
		b.mu.Lock()
		for slot := range c.links.Iter(i) {
			buf := &c.bufs[slot]
			if buf.refcount == 0 && buf.valid && buf.key.Device == dev {
				buf.valid = false
				invalidated++
			}
		}
		b.mu.Unlock()
	}
	c.log.Debug("invalidated device",
		"device", dev,
		"buffers", invalidated,
	)
	return invalidated
}

// Capacity returns the fixed number of buffers.
func (c *Cache) Capacity() int { return len(c.bufs) }

// Buckets returns the number of buckets.
func (c *Cache) Buckets() int { return len(c.buckets) }

// BlockSize returns the payload size of every buffer.
func (c *Cache) BlockSize() int { return c.blockSize }

func (c *Cache) get(key Key) (*buffer, error) {
	dst := c.bucketFor(key.Block)
	dst.mu.Lock()
	if buf := c.lookup(dst, key); buf != nil {
		buf.refcount++
		dst.mu.Unlock()
		c.stats.hits.Add(1)
		return buf, nil
	}
	dst.mu.Unlock()
	return c.evict(dst, key)
}

// lock blocks until buf's exclusive lock is acquired
// and mints a handle for the new holder.
func (c *Cache) lock(buf *buffer, key Key) *Handle {
	buf.mu.Lock()
	h := &Handle{
		cache: c,
		buf:   buf,
		key:   key,
		gen:   c.gen.Add(1),
	}
	buf.holder.Store(h.gen)
	return h
}

// materialize reads the block from the device unless the buffer
// already holds it. Caller must hold h.
func (c *Cache) materialize(h *Handle) error {
	buf := h.buf
	if buf.valid {
		return nil
	}
	if err := c.dev.ReadBlock(h.key.Device, h.key.Block, buf.data); err != nil {
		return deviceError("read", h.key, err)
	}
	c.stats.reads.Add(1)
	buf.valid = true
	return nil
}

func (c *Cache) held(h *Handle, op string) error {
	switch {
	case h == nil || h.buf == nil:
		return fmt.Errorf("%w: %s of nil handle", ErrNotHeld, op)
	case h.cache != c:
		return fmt.Errorf("%w: %s of handle from another cache", ErrNotHeld, op)
	case h.released.Load():
		return fmt.Errorf("%w: %s %v", ErrReleased, op, h.key)
	case h.buf.holder.Load() != h.gen:
		return fmt.Errorf("%w: %s %v", ErrNotHeld, op, h.key)
	}
	return nil
}

// unlockAndUnref releases the exclusive lock before taking the bucket lock,
// so waiters on the buffer can proceed as early as possible.
func (c *Cache) unlockAndUnref(h *Handle) {
	buf := h.buf
	buf.holder.Store(0)
	buf.mu.Unlock()
	b := c.bucketFor(h.key.Block)
	b.mu.Lock()
	if debugging {
		assert(buf.refcount > 0, "released an unreferenced buffer")
		assert(buf.bucket == b.index, "referenced buffer outside its hash bucket")
	}
	buf.refcount--
	if debugging {
		assert(buf.refcount >= buf.pins, "pinned buffer lost its pin references")
	}
	if buf.refcount == 0 {
		buf.idle = c.clock.Now()
		c.releases.Add(1)
	}
	b.mu.Unlock()
}

// fatal reports err to the logger and the abort hook, then returns it.
func (c *Cache) fatal(err error) error {
	c.log.Error("buffer cache failure", "error", err)
	if c.abort != nil {
		c.abort(err)
	}
	return err
}
