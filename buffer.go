package bcache

import (
	"sync"
	"sync/atomic"
)

type (
	// buffer is one cache slot.
	// key, bucket, refcount, pins, and idle are guarded by the lock of
	// the bucket the buffer is linked into. data and valid belong to
	// whoever holds mu; while refcount is 0 nobody does, and the
	// bucket lock covers them instead.
	buffer struct {
		mu     sync.Mutex    // Exclusive use of the payload.
		holder atomic.Uint64 // Generation of the Handle holding mu; 0 if none.

		key      Key
		valid    bool
		refcount uint32
		pins     uint32 // Share of refcount added by Pin.
		idle     uint64
		bucket   int

		data []byte
	}

	// Handle is a caller's exclusive claim on a cached block,
	// returned by [Cache.Acquire] and relinquished by [Cache.Release].
	// A Handle must not be used after it is released,
	// and must not be shared between goroutines
	// without external synchronization.
	Handle struct {
		cache    *Cache
		buf      *buffer
		key      Key
		gen      uint64
		released atomic.Bool
	}
)

// Data returns the block's payload.
// Writes are visible to the device only after [Cache.Commit].
// Returns nil once the handle has been released.
func (h *Handle) Data() []byte {
	if h.released.Load() {
		return nil
	}
	return h.buf.data
}

// Key returns the block this handle refers to.
func (h *Handle) Key() Key { return h.key }

// Device returns the device of the block this handle refers to.
func (h *Handle) Device() DeviceID { return h.key.Device }

// Block returns the number of the block this handle refers to.
func (h *Handle) Block() BlockNumber { return h.key.Block }
