package bcache

import (
	"fmt"
	"log/slog"
)

type options struct {
	buckets   int
	blockSize int
	clock     Clock
	logger    *slog.Logger
	abort     func(error)
}

// Option configures [New].
type Option func(*options)

const (
	// DefaultBuffers is a conventional buffer count for small systems.
	DefaultBuffers = 30
	// DefaultBuckets is the default shard count.
	// A small prime spreads sequential block numbers evenly.
	DefaultBuckets = 13
	// DefaultBlockSize is the default payload size in bytes.
	DefaultBlockSize = 1024
)

func defaultOptions() options {
	return options{
		buckets:   DefaultBuckets,
		blockSize: DefaultBlockSize,
	}
}

// WithBuckets sets the number of independently-locked buckets.
func WithBuckets(buckets int) Option {
	return func(o *options) { o.buckets = buckets }
}

// WithBlockSize sets the payload size of every buffer.
// If the [Device] reports its own block size, the two must agree.
func WithBlockSize(size int) Option {
	return func(o *options) { o.blockSize = size }
}

// WithClock sets the tick source used to order idle buffers.
// If nil is passed, a new [LogicalClock] is used.
func WithClock(clock Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithLogger sets the logger for eviction and error records.
// If nil is passed, logs are discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithAbort registers a function that is called with every fatal error
// (see [IsFatal]) before it is returned to the caller.
// Embedders that treat these as process-ending typically panic or exit here.
func WithAbort(abort func(error)) Option {
	return func(o *options) { o.abort = abort }
}

func (o *options) validate(dev Device) error {
	if o.buckets < 1 {
		return fmt.Errorf(
			"%w: bucket count must be >=1 but %d was requested",
			ErrInvalidConfig, o.buckets)
	}
	if o.blockSize < 1 {
		return fmt.Errorf(
			"%w: block size must be >=1 but %d was requested",
			ErrInvalidConfig, o.blockSize)
	}
	if dev == nil {
		return fmt.Errorf("%w: nil device", ErrInvalidConfig)
	}
	if sizer, ok := dev.(blockSizer); ok {
		if size := sizer.BlockSize(); size > 0 && size != o.blockSize {
			return fmt.Errorf(
				"%w: device block size %d does not match cache block size %d",
				ErrInvalidConfig, size, o.blockSize)
		}
	}
	if o.clock == nil {
		o.clock = new(LogicalClock)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	return nil
}
