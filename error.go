package bcache

import (
	"errors"
	"fmt"
)

type constError string

const (
	// ErrInvalidCapacity may be returned from [New].
	ErrInvalidCapacity = constError("invalid capacity")
	// ErrInvalidConfig may be returned from [New].
	ErrInvalidConfig = constError("invalid configuration")

	// ErrExhausted is returned by [Cache.Acquire] when every buffer
	// is referenced and none can be repurposed.
	ErrExhausted = constError("no unreferenced buffers")
	// ErrNotHeld is returned when a handle is used by
	// someone who does not hold its buffer's exclusive lock.
	ErrNotHeld = constError("buffer not exclusively held")
	// ErrReleased is returned when a handle is used after [Cache.Release].
	ErrReleased = constError("handle already released")
	// ErrUnbalancedPin is returned by [Cache.Unpin]
	// when there is no pin left to undo.
	ErrUnbalancedPin = constError("unpin without matching pin")
	// ErrDevice wraps failures reported by the [Device].
	ErrDevice = constError("device I/O failed")
)

func (errStr constError) Error() string { return string(errStr) }

// IsFatal reports whether err is one of the unrecoverable kinds:
// a caller contract violation, buffer exhaustion, or device failure.
// The embedding system is expected to abort when it sees one.
func IsFatal(err error) bool {
	for _, fatal := range [...]error{
		ErrExhausted,
		ErrNotHeld,
		ErrReleased,
		ErrUnbalancedPin,
		ErrDevice,
	} {
		if errors.Is(err, fatal) {
			return true
		}
	}
	return false
}

func minCapacityError(capacity int) error {
	return fmt.Errorf(
		"%w: must be >=%d but %d was requested",
		ErrInvalidCapacity, MinimumCapacity, capacity)
}

func exhaustedError(capacity int) error {
	return fmt.Errorf(
		"%w: all %d buffers are referenced",
		ErrExhausted, capacity)
}

func deviceError(op string, key Key, err error) error {
	return fmt.Errorf(
		"%w: %s %v: %w",
		ErrDevice, op, key, err)
}

func assert(cond bool, message string) {
	if !cond {
		panic(message)
	}
}
