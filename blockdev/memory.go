package blockdev

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/djdv/go-bcache"
)

// Memory is a ramdisk. Every device id addressed gets its own
// zero-filled store of the same geometry on first use.
type Memory struct {
	mu        sync.Mutex
	disks     map[bcache.DeviceID][]byte
	blockSize int
	blocks    uint64

	reads, writes atomic.Uint64
}

// NewMemory creates a ramdisk of blocks blocks of blockSize bytes per device.
func NewMemory(blockSize int, blocks uint64) *Memory {
	return &Memory{
		disks:     make(map[bcache.DeviceID][]byte),
		blockSize: blockSize,
		blocks:    blocks,
	}
}

// BlockSize returns the size of each block in bytes.
func (m *Memory) BlockSize() int { return m.blockSize }

// Blocks returns the number of blocks per device.
func (m *Memory) Blocks() uint64 { return m.blocks }

// Reads returns the number of successful ReadBlock calls.
func (m *Memory) Reads() uint64 { return m.reads.Load() }

// Writes returns the number of successful WriteBlock calls.
func (m *Memory) Writes() uint64 { return m.writes.Load() }

func (m *Memory) ReadBlock(dev bcache.DeviceID, block bcache.BlockNumber, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	region, err := m.region(dev, block, p)
	if err != nil {
		return err
	}
	copy(p, region)
	m.reads.Add(1)
	return nil
}

func (m *Memory) WriteBlock(dev bcache.DeviceID, block bcache.BlockNumber, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	region, err := m.region(dev, block, p)
	if err != nil {
		return err
	}
	copy(region, p)
	m.writes.Add(1)
	return nil
}

// Fill calls fill for every block of dev, with the block's storage,
// bypassing the read/write counters. It is intended for seeding content.
func (m *Memory) Fill(dev bcache.DeviceID, fill func(block bcache.BlockNumber, p []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	disk := m.disk(dev)
	for block := range m.blocks {
		offset := block * uint64(m.blockSize)
		fill(bcache.BlockNumber(block), disk[offset:offset+uint64(m.blockSize)])
	}
}

// disk returns the store of dev, allocating it if needed.
// Caller must hold m.mu.
func (m *Memory) disk(dev bcache.DeviceID) []byte {
	disk, ok := m.disks[dev]
	if !ok {
		disk = make([]byte, m.blocks*uint64(m.blockSize))
		m.disks[dev] = disk
	}
	return disk
}

func (m *Memory) region(dev bcache.DeviceID, block bcache.BlockNumber, p []byte) ([]byte, error) {
	if len(p) != m.blockSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBlockSize, len(p), m.blockSize)
	}
	if uint64(block) >= m.blocks {
		return nil, fmt.Errorf("%w: %d >= %d", ErrOutOfRange, block, m.blocks)
	}
	var (
		disk   = m.disk(dev)
		offset = uint64(block) * uint64(m.blockSize)
	)
	return disk[offset : offset+uint64(m.blockSize)], nil
}
