// Package bcache implements a fixed-capacity block buffer [Cache].
//
// The cache maps (device, block) keys to in-memory buffers and serves as both
// an I/O reducer and the synchronization point through which concurrent callers
// share disk blocks. Reads go through the cache; writes go through it to the
// [Device] synchronously.
//
// Glossary and invariants:
//
//   - Buffer
//
//     One block-sized payload plus metadata.
//     Buffers are created by [New] and never destroyed, only rebound.
//
//   - Bucket
//
//     An independently-locked shard. Every buffer is linked into exactly one
//     bucket, and a referenced buffer always lives in bucket `block mod K`.
//
//   - Reference count
//
//     Number of logical holders: [Cache.Acquire] and [Cache.Pin] add one,
//     [Cache.Release] and [Cache.Unpin] remove one.
//     A referenced buffer is never evicted.
//
//   - Exclusive lock
//
//     Held by exactly one [Handle] at a time. Acquiring it is the only point,
//     besides device I/O, where a caller can block.
//
//   - Idle stamp
//
//     [Clock] tick recorded when the reference count drops to zero on release.
//     Pinning and unpinning do not touch it.
//
// Operations:
//
//   - Lookup
//
//     Under the target bucket's lock, a matching buffer gets its reference
//     count incremented before the lock is dropped, so no evictor can take it
//     while the caller waits for the exclusive lock.
//
//   - Eviction
//
//     On a miss, every bucket is scanned in turn (one lock at a time) for the
//     unreferenced buffer with the oldest idle stamp. The victim's source bucket
//     and the destination bucket are then locked together in ascending index
//     order; the destination is re-checked for the key, the victim is
//     re-confirmed as unreferenced, moved, and bound to the new key.
//     If the victim changed in between, the scan is repeated.
//
//   - Exhaustion
//
//     When no unreferenced buffer exists, [Cache.Acquire] fails with [ErrExhausted].
//     The cache does not wait for buffers to be released: running out means
//     more blocks are held at once than the cache was sized for.
//
// Lock order:
//
//   - Bucket locks are only nested during eviction, in ascending index order.
//
//   - Bucket locks are never held while waiting for an exclusive lock
//     or performing device I/O.
//
// Errors returned by operations on a live cache are fatal (see [IsFatal]);
// they indicate a caller defect or a failed device, and are also passed to the
// hook registered with [WithAbort].
//
// Build with the `bcache_debug` tag to enable internal consistency assertions.
package bcache
