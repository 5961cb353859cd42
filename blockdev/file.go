package blockdev

import (
	"fmt"
	"io"
	"os"

	"github.com/natefinch/atomic"

	"github.com/djdv/go-bcache"
)

// File is a block device backed by an image file, serving a single device id.
type File struct {
	file      *os.File
	dev       bcache.DeviceID
	blockSize int
	blocks    uint64
	sync      bool
}

// CreateImage atomically creates (or replaces) a zero-filled image
// of blocks blocks at path.
func CreateImage(path string, blockSize int, blocks uint64) error {
	size := int64(blocks) * int64(blockSize)
	if err := atomic.WriteFile(path, io.LimitReader(zeros{}, size)); err != nil {
		return fmt.Errorf("creating image %s: %w", path, err)
	}
	return nil
}

// OpenFile opens the image at path as device dev.
// If sync is true, every write is flushed to stable storage before it returns.
func OpenFile(path string, dev bcache.DeviceID, blockSize int, sync bool) (*File, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if info.Size()%int64(blockSize) != 0 {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, block size is %d",
			ErrMisaligned, path, info.Size(), blockSize)
	}
	return &File{
		file:      file,
		dev:       dev,
		blockSize: blockSize,
		blocks:    uint64(info.Size()) / uint64(blockSize),
		sync:      sync,
	}, nil
}

// BlockSize returns the size of each block in bytes.
func (f *File) BlockSize() int { return f.blockSize }

// Blocks returns the number of blocks in the image.
func (f *File) Blocks() uint64 { return f.blocks }

func (f *File) ReadBlock(dev bcache.DeviceID, block bcache.BlockNumber, p []byte) error {
	offset, err := f.offset(dev, block, p)
	if err != nil {
		return err
	}
	_, err = f.file.ReadAt(p, offset)
	return err
}

func (f *File) WriteBlock(dev bcache.DeviceID, block bcache.BlockNumber, p []byte) error {
	offset, err := f.offset(dev, block, p)
	if err != nil {
		return err
	}
	if _, err := f.file.WriteAt(p, offset); err != nil {
		return err
	}
	if f.sync {
		return datasync(f.file)
	}
	return nil
}

// Close closes the image file.
func (f *File) Close() error { return f.file.Close() }

func (f *File) offset(dev bcache.DeviceID, block bcache.BlockNumber, p []byte) (int64, error) {
	switch {
	case dev != f.dev:
		return 0, fmt.Errorf("%w: %d (serving %d)", ErrUnknownDevice, dev, f.dev)
	case len(p) != f.blockSize:
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrBlockSize, len(p), f.blockSize)
	case uint64(block) >= f.blocks:
		return 0, fmt.Errorf("%w: %d >= %d", ErrOutOfRange, block, f.blocks)
	}
	return int64(block) * int64(f.blockSize), nil
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
