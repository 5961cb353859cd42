package bcache_test

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/djdv/go-bcache"
	"github.com/djdv/go-bcache/blockdev"
)

const (
	testBlockSize = 64
	testBlocks    = 256
)

func TestCache(t *testing.T) {
	t.Run("invalid capacity", invalidCapacity)
	t.Run("invalid config", invalidConfig)
	t.Run("read through once", readThroughOnce)
	t.Run("no lost writes", noLostWrites)
	t.Run("eviction order", evictionOrder)
	t.Run("exhaustion", exhaustion)
	t.Run("contract", contract)
	t.Run("pin", pin)
	t.Run("unbalanced unpin", unbalancedUnpin)
	t.Run("invalidate", invalidate)
	t.Run("device failure", deviceFailure)
	t.Run("migration", migration)
	t.Run("resident keys", residentKeys)
}

func invalidCapacity(t *testing.T) {
	invalidSizes := []int{-1, 0}
	for _, capacity := range invalidSizes {
		t.Run(fmt.Sprintf("%d", capacity), func(t *testing.T) {
			t.Parallel()
			dev := blockdev.NewMemory(testBlockSize, testBlocks)
			cache, err := bcache.New(dev, capacity, bcache.WithBlockSize(testBlockSize))
			if cache != nil || !errors.Is(err, bcache.ErrInvalidCapacity) {
				t.Errorf(
					"New did not return an error when passed an invalid capacity: %d",
					capacity,
				)
			}
		})
	}
}

func invalidConfig(t *testing.T) {
	dev := blockdev.NewMemory(testBlockSize, testBlocks)
	for _, test := range []struct {
		name string
		dev  bcache.Device
		opts []bcache.Option
	}{
		{"no buckets", dev, []bcache.Option{bcache.WithBlockSize(testBlockSize), bcache.WithBuckets(0)}},
		{"no block size", dev, []bcache.Option{bcache.WithBlockSize(0)}},
		{"block size mismatch", dev, []bcache.Option{bcache.WithBlockSize(testBlockSize * 2)}},
		{"nil device", nil, []bcache.Option{bcache.WithBlockSize(testBlockSize)}},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			cache, err := bcache.New(test.dev, bcache.DefaultBuffers, test.opts...)
			if cache != nil || !errors.Is(err, bcache.ErrInvalidConfig) {
				t.Errorf("expected %v but got: %v", bcache.ErrInvalidConfig, err)
			}
			if bcache.IsFatal(err) {
				t.Errorf("construction errors must not be fatal: %v", err)
			}
		})
	}
}

// Acquire, write, commit, release, and acquire again:
// the second acquisition must be served from the cache.
func readThroughOnce(t *testing.T) {
	t.Parallel()
	const (
		device = 1
		block  = 100
		marker = "A"
	)
	dev := blockdev.NewMemory(bcache.DefaultBlockSize, testBlocks)
	cache, err := bcache.New(dev, bcache.DefaultBuffers)
	if err != nil {
		t.Fatal(err)
	}
	if got := cache.Buckets(); got != bcache.DefaultBuckets {
		t.Fatalf("expected default bucket count %d but got %d", bcache.DefaultBuckets, got)
	}
	t.Run("write", func(t *testing.T) {
		h := mustAcquire(t, cache, device, block)
		copy(h.Data(), marker)
		mustCommit(t, cache, h)
		mustRelease(t, cache, h)
	})
	t.Run("read", func(t *testing.T) {
		h := mustAcquire(t, cache, device, block)
		checkPayload(t, h, marker)
		mustRelease(t, cache, h)
	})
	checkDeviceIO(t, dev, 1, 1)
}

func noLostWrites(t *testing.T) {
	t.Parallel()
	const (
		capacity = 4
		marker   = "committed"
	)
	dev := blockdev.NewMemory(testBlockSize, testBlocks)
	cache := newCache(t, dev, capacity)
	h := mustAcquire(t, cache, 0, 7)
	copy(h.Data(), marker)
	mustCommit(t, cache, h)
	mustRelease(t, cache, h)
	t.Run("cached", func(t *testing.T) {
		reads := dev.Reads()
		h := mustAcquire(t, cache, 0, 7)
		checkPayload(t, h, marker)
		mustRelease(t, cache, h)
		if dev.Reads() != reads {
			t.Fatal("cached block was read from the device again")
		}
	})
	t.Run("after eviction", func(t *testing.T) {
		touchBlocks(t, cache, 0, 100, capacity)
		h := mustAcquire(t, cache, 0, 7)
		checkPayload(t, h, marker)
		mustRelease(t, cache, h)
	})
}

// Releasing M blocks, then bringing in N-M+1 new ones
// must evict the first of the M that was released.
func evictionOrder(t *testing.T) {
	t.Parallel()
	const (
		capacity = 6
		buckets  = 3
		released = 3
		newcomer = capacity - released + 1
	)
	cache := newCache(t, blockdev.NewMemory(testBlockSize, testBlocks), capacity,
		bcache.WithBuckets(buckets))
	t.Run("release originals", func(t *testing.T) {
		touchBlocks(t, cache, 0, 0, released)
	})
	t.Run("bring in newcomers", func(t *testing.T) {
		touchBlocks(t, cache, 0, 100, newcomer)
	})
	var (
		want = []bcache.Key{{Block: 1}, {Block: 2}}
		gone = bcache.Key{Block: 0}
	)
	for _, key := range want {
		if !slices.Contains(slices.Collect(cache.Resident()), key) {
			t.Errorf("expected %v to remain resident", key)
		}
	}
	if slices.Contains(slices.Collect(cache.Resident()), gone) {
		t.Errorf("expected %v (released first) to be evicted", gone)
	}
	checkStats(t, cache, bcache.Stats{
		Misses:     released + newcomer,
		Evictions:  released + newcomer,
		Migrations: cache.Stats().Migrations,
		Reads:      released + newcomer,
	})
}

func exhaustion(t *testing.T) {
	t.Parallel()
	const capacity = 4
	var aborted []error
	cache := newCache(t, blockdev.NewMemory(testBlockSize, testBlocks), capacity,
		bcache.WithAbort(func(err error) { aborted = append(aborted, err) }),
	)
	held := make([]*bcache.Handle, capacity)
	for i := range held {
		held[i] = mustAcquire(t, cache, 0, bcache.BlockNumber(i))
	}
	_, err := cache.Acquire(0, capacity)
	checkFatal(t, err, bcache.ErrExhausted)
	if len(aborted) != 1 || !errors.Is(aborted[0], bcache.ErrExhausted) {
		t.Fatalf("expected abort hook to see exhaustion once but got: %v", aborted)
	}
	t.Run("recovers after release", func(t *testing.T) {
		mustRelease(t, cache, held[0])
		h := mustAcquire(t, cache, 0, capacity)
		mustRelease(t, cache, h)
		for _, h := range held[1:] {
			mustRelease(t, cache, h)
		}
	})
}

func contract(t *testing.T) {
	t.Parallel()
	var (
		dev   = blockdev.NewMemory(testBlockSize, testBlocks)
		cache = newCache(t, dev, 2)
		other = newCache(t, dev, 2)
	)
	t.Run("double release", func(t *testing.T) {
		h := mustAcquire(t, cache, 0, 1)
		mustRelease(t, cache, h)
		checkFatal(t, cache.Release(h), bcache.ErrReleased)
		checkFatal(t, cache.Commit(h), bcache.ErrReleased)
		checkFatal(t, cache.Pin(h), bcache.ErrReleased)
		if h.Data() != nil {
			t.Fatal("released handle still exposes its payload")
		}
	})
	t.Run("nil handle", func(t *testing.T) {
		checkFatal(t, cache.Commit(nil), bcache.ErrNotHeld)
		checkFatal(t, cache.Release(nil), bcache.ErrNotHeld)
	})
	t.Run("zero handle", func(t *testing.T) {
		checkFatal(t, cache.Commit(new(bcache.Handle)), bcache.ErrNotHeld)
	})
	t.Run("foreign handle", func(t *testing.T) {
		h := mustAcquire(t, other, 0, 1)
		checkFatal(t, cache.Commit(h), bcache.ErrNotHeld)
		checkFatal(t, cache.Release(h), bcache.ErrNotHeld)
		mustRelease(t, other, h)
	})
	checkDeviceIO(t, dev, 2, 0)
}

// A pinned buffer must survive eviction pressure after its handle
// is released, and be unpinnable through a later handle.
func pin(t *testing.T) {
	t.Parallel()
	const capacity = 2
	var (
		dev   = blockdev.NewMemory(testBlockSize, testBlocks)
		cache = newCache(t, dev, capacity)
		a     = bcache.Key{Block: 10}
		b     = bcache.Key{Block: 11}
		c     = bcache.Key{Block: 12}
	)
	h := mustAcquire(t, cache, a.Device, a.Block)
	if err := cache.Pin(h); err != nil {
		t.Fatal(err)
	}
	mustRelease(t, cache, h)
	touchBlocks(t, cache, b.Device, b.Block, 1)
	touchBlocks(t, cache, c.Device, c.Block, 1)
	keysMatch(t, cache, []bcache.Key{a, c}, "pinned block was evicted")

	h = mustAcquire(t, cache, a.Device, a.Block)
	if err := cache.Unpin(h); err != nil {
		t.Fatal(err)
	}
	mustRelease(t, cache, h)
	checkDeviceIO(t, dev, 3, 0)

	t.Run("evictable after unpin", func(t *testing.T) {
		touchBlocks(t, cache, 0, 20, capacity)
		keysMatch(t, cache, []bcache.Key{{Block: 20}, {Block: 21}}, "unpinned block not evicted")
	})
}

func unbalancedUnpin(t *testing.T) {
	t.Parallel()
	cache := newCache(t, blockdev.NewMemory(testBlockSize, testBlocks), 2)
	h := mustAcquire(t, cache, 0, 3)
	checkFatal(t, cache.Unpin(h), bcache.ErrUnbalancedPin)
	mustRelease(t, cache, h)
}

func invalidate(t *testing.T) {
	t.Parallel()
	dev := blockdev.NewMemory(testBlockSize, testBlocks)
	cache := newCache(t, dev, 4)
	touchBlocks(t, cache, 1, 5, 1)
	held := mustAcquire(t, cache, 1, 6)
	if got := cache.Invalidate(2); got != 0 {
		t.Fatalf("invalidated %d buffers of an unused device", got)
	}
	if got := cache.Invalidate(1); got != 1 {
		t.Fatalf("expected to invalidate 1 unreferenced buffer but invalidated %d", got)
	}
	mustRelease(t, cache, held)
	reads := dev.Reads()
	touchBlocks(t, cache, 1, 5, 1)
	if dev.Reads() != reads+1 {
		t.Fatal("invalidated block was not read from the device again")
	}
	touchBlocks(t, cache, 1, 6, 1)
	if dev.Reads() != reads+1 {
		t.Fatal("referenced block should not have been invalidated")
	}
}

func deviceFailure(t *testing.T) {
	t.Parallel()
	const badBlock = 13
	var (
		dev   = &failingDevice{Memory: blockdev.NewMemory(testBlockSize, testBlocks), bad: badBlock}
		cache = newCache(t, dev, 1)
	)
	_, err := cache.Acquire(0, badBlock)
	checkFatal(t, err, bcache.ErrDevice)
	if !errors.Is(err, errBadBlock) {
		t.Fatalf("expected device error to be wrapped but got: %v", err)
	}
	// The only buffer must have been given back.
	touchBlocks(t, cache, 0, 0, 1)
}

// Taking a victim from another bucket must relink it into the
// destination bucket, keeping every referenced buffer in its hash bucket.
func migration(t *testing.T) {
	t.Parallel()
	const buckets = bcache.DefaultBuckets
	cache := newCache(t, blockdev.NewMemory(testBlockSize, testBlocks), buckets,
		bcache.WithBuckets(buckets))
	held := mustAcquire(t, cache, 0, 0)
	h := mustAcquire(t, cache, 0, buckets) // Same bucket as block 0.
	stats := cache.BucketStats()
	if stats[0].Buffers != 2 || stats[0].Referenced != 2 {
		t.Fatalf("expected both referenced buffers in bucket 0: %+v", stats[0])
	}
	if stats[1].Buffers != 0 {
		t.Fatalf("expected the victim to leave bucket 1: %+v", stats[1])
	}
	if got := cache.Stats().Migrations; got != 1 {
		t.Fatalf("expected 1 migration but counted %d", got)
	}
	mustRelease(t, cache, h)
	mustRelease(t, cache, held)
	var total int
	for _, stat := range cache.BucketStats() {
		total += stat.Buffers
	}
	if total != cache.Capacity() {
		t.Fatalf("buffers lost during migration: %d of %d", total, cache.Capacity())
	}
}

func residentKeys(t *testing.T) {
	t.Parallel()
	const capacity = 8
	cache := newCache(t, blockdev.NewMemory(testBlockSize, testBlocks), capacity)
	if got := cache.Len(); got != 0 {
		t.Fatalf("expected an empty cache but Len is %d", got)
	}
	touchBlocks(t, cache, 2, 40, capacity*2)
	var want []bcache.Key
	for block := capacity; block < capacity*2; block++ {
		want = append(want, bcache.Key{Device: 2, Block: bcache.BlockNumber(40 + block)})
	}
	keysMatch(t, cache, want, "unexpected residents after wrap around")
	if got := cache.Len(); got != capacity {
		t.Fatalf("expected Len %d but got %d", capacity, got)
	}
}

type failingDevice struct {
	*blockdev.Memory
	bad bcache.BlockNumber
}

var errBadBlock = errors.New("bad block")

func (d *failingDevice) ReadBlock(dev bcache.DeviceID, block bcache.BlockNumber, p []byte) error {
	if block == d.bad {
		return errBadBlock
	}
	return d.Memory.ReadBlock(dev, block, p)
}

func newCache(tb testing.TB, dev bcache.Device, capacity int, opts ...bcache.Option) *bcache.Cache {
	tb.Helper()
	opts = append([]bcache.Option{bcache.WithBlockSize(testBlockSize)}, opts...)
	cache, err := bcache.New(dev, capacity, opts...)
	if err != nil {
		tb.Fatal(err)
	}
	return cache
}

func mustAcquire(
	tb testing.TB, cache *bcache.Cache,
	dev bcache.DeviceID, block bcache.BlockNumber,
) *bcache.Handle {
	tb.Helper()
	h, err := cache.Acquire(dev, block)
	if err != nil {
		tb.Fatalf("acquiring %d:%d: %v", dev, block, err)
	}
	if got := h.Key(); got != (bcache.Key{Device: dev, Block: block}) {
		tb.Fatalf("handle bound to %v, want %d:%d", got, dev, block)
	}
	return h
}

func mustCommit(tb testing.TB, cache *bcache.Cache, h *bcache.Handle) {
	tb.Helper()
	if err := cache.Commit(h); err != nil {
		tb.Fatal(err)
	}
}

func mustRelease(tb testing.TB, cache *bcache.Cache, h *bcache.Handle) {
	tb.Helper()
	if err := cache.Release(h); err != nil {
		tb.Fatal(err)
	}
}

// touchBlocks acquires and releases count consecutive blocks starting at first.
func touchBlocks(
	tb testing.TB, cache *bcache.Cache,
	dev bcache.DeviceID, first bcache.BlockNumber, count int,
) {
	tb.Helper()
	for i := range count {
		h := mustAcquire(tb, cache, dev, first+bcache.BlockNumber(i))
		mustRelease(tb, cache, h)
	}
}

func checkPayload(tb testing.TB, h *bcache.Handle, prefix string) {
	tb.Helper()
	got := string(h.Data()[:len(prefix)])
	if got == prefix {
		return
	}
	tb.Fatalf(
		"unexpected payload for %v"+
			"\n\tgot: %q"+
			"\n\twant: %q",
		h.Key(), got, prefix)
}

func checkDeviceIO(tb testing.TB, dev *blockdev.Memory, reads, writes uint64) {
	tb.Helper()
	if dev.Reads() == reads && dev.Writes() == writes {
		return
	}
	tb.Fatalf(
		"unexpected device I/O"+
			"\n\tgot: %d reads, %d writes"+
			"\n\twant: %d reads, %d writes",
		dev.Reads(), dev.Writes(), reads, writes)
}

func checkFatal(tb testing.TB, err, want error) {
	tb.Helper()
	if !errors.Is(err, want) {
		tb.Fatalf("expected %v but got: %v", want, err)
	}
	if !bcache.IsFatal(err) {
		tb.Fatalf("expected %v to be fatal", err)
	}
}

func checkStats(tb testing.TB, cache *bcache.Cache, want bcache.Stats) {
	tb.Helper()
	if diff := cmp.Diff(want, cache.Stats()); diff != "" {
		tb.Fatalf("unexpected stats (-want +got):\n%s", diff)
	}
}

func keysMatch(tb testing.TB, cache *bcache.Cache, want []bcache.Key, msg string) {
	tb.Helper()
	got := cache.Resident()
	if !keysEqualUnordered(want, got) {
		tb.Fatalf(
			"%s"+
				"\n\twant: %v"+
				"\n\tgot: %v",
			msg, want, slices.Collect(got))
	}
}

func keysEqualUnordered(want []bcache.Key, seq iter.Seq[bcache.Key]) bool {
	counts := make(map[bcache.Key]int, len(want))
	for _, key := range want {
		counts[key]++
	}
	for key := range seq {
		if counts[key] == 0 {
			return false
		}
		counts[key]--
	}
	for _, count := range counts {
		if count != 0 {
			return false
		}
	}
	return true
}
