package bcache

import "fmt"

type (
	// DeviceID names a block device.
	DeviceID uint32
	// BlockNumber addresses a block within a device.
	BlockNumber uint64
	// Key identifies a cached block.
	Key struct {
		Device DeviceID
		Block  BlockNumber
	}

	// Device is the synchronous block I/O primitive the cache reads through
	// and writes through. Each call transfers exactly one block;
	// len(p) is always the cache's block size.
	// Implementations must be safe for concurrent use.
	Device interface {
		ReadBlock(dev DeviceID, block BlockNumber, p []byte) error
		WriteBlock(dev DeviceID, block BlockNumber, p []byte) error
	}

	// blockSizer is optionally implemented by devices
	// with a fixed block size, and checked by [New].
	// Zero means the device does not know.
	blockSizer interface {
		BlockSize() int
	}
)

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.Device, k.Block)
}
