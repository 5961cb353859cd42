package bcache

import "sync/atomic"

type (
	// Clock supplies the timestamps that order idle buffers for eviction.
	// Now must be safe for concurrent use and never decrease.
	// Buffers that have never been released carry timestamp 0.
	Clock interface {
		Now() uint64
	}
	// LogicalClock is a [Clock] that advances by one tick per call,
	// so every release receives a distinct timestamp.
	// The zero value is ready for use.
	LogicalClock struct {
		ticks atomic.Uint64
	}
)

// Now advances the clock and returns the new tick.
func (lc *LogicalClock) Now() uint64 { return lc.ticks.Add(1) }
