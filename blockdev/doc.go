// Package blockdev provides block devices for use with a [bcache.Cache]:
// an in-memory ramdisk, a file-backed image, and a rate-limiting wrapper.
package blockdev

import "github.com/djdv/go-bcache"

type constError string

const (
	// ErrOutOfRange is returned for block numbers past the end of a device.
	ErrOutOfRange = constError("block out of range")
	// ErrUnknownDevice is returned when a device is addressed by an id it does not serve.
	ErrUnknownDevice = constError("unknown device")
	// ErrBlockSize is returned when a transfer buffer is not exactly one block.
	ErrBlockSize = constError("buffer is not one block")
	// ErrMisaligned is returned when an image is not a whole number of blocks.
	ErrMisaligned = constError("image size is not a multiple of the block size")
)

func (errStr constError) Error() string { return string(errStr) }

var (
	_ bcache.Device = (*Memory)(nil)
	_ bcache.Device = (*File)(nil)
	_ bcache.Device = (*Throttled)(nil)
)
