package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"github.com/natefinch/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/djdv/go-bcache"
	"github.com/djdv/go-bcache/blockdev"
)

// Report summarizes one stress run.
type Report struct {
	Config    Config       `json:"config"`
	ElapsedMS int64        `json:"elapsed_ms"` //nolint:tagliatelle // snake_case for report file
	Expected  uint64       `json:"expected"`
	Counted   uint64       `json:"counted"`
	Verified  bool         `json:"verified"`
	Stats     bcache.Stats `json:"stats"`
}

var errLostUpdates = errors.New("lost updates")

// stress runs cfg.Workers goroutines, each performing cfg.Ops
// acquire/increment/commit/release cycles on random blocks,
// then checks that every committed increment reached the device.
func stress(ctx context.Context, cfg Config, log *slog.Logger) (Report, error) {
	dev, closeDev, err := openDevice(cfg)
	if err != nil {
		return Report{}, err
	}
	defer closeDev()
	cache, err := bcache.New(dev, cfg.Buffers,
		bcache.WithBuckets(cfg.Buckets),
		bcache.WithBlockSize(cfg.BlockSize),
		bcache.WithLogger(log),
	)
	if err != nil {
		return Report{}, err
	}
	device := bcache.DeviceID(cfg.Device)
	baseline, err := sumCounters(cache, device, cfg.Blocks)
	if err != nil {
		return Report{}, err
	}
	log.Info("starting",
		"workers", cfg.Workers, "ops", cfg.Ops,
		"buffers", cfg.Buffers, "buckets", cfg.Buckets,
		"blocks", cfg.Blocks,
	)
	var (
		start       = time.Now()
		group, gctx = errgroup.WithContext(ctx)
	)
	for worker := range cfg.Workers {
		group.Go(func() error {
			return work(gctx, cache, cfg, uint64(worker))
		})
	}
	if err := group.Wait(); err != nil {
		return Report{}, err
	}
	elapsed := time.Since(start)
	total, err := sumCounters(cache, device, cfg.Blocks)
	if err != nil {
		return Report{}, err
	}
	report := Report{
		Config:    cfg,
		ElapsedMS: elapsed.Milliseconds(),
		Expected:  uint64(cfg.Workers) * uint64(cfg.Ops),
		Counted:   total - baseline,
		Stats:     cache.Stats(),
	}
	report.Verified = report.Counted == report.Expected
	log.Info("finished",
		"elapsed", elapsed,
		"hits", report.Stats.Hits, "misses", report.Stats.Misses,
		"evictions", report.Stats.Evictions, "retries", report.Stats.Retries,
	)
	if !report.Verified {
		return report, fmt.Errorf("%w: counted %d, want %d",
			errLostUpdates, report.Counted, report.Expected)
	}
	return report, nil
}

func work(ctx context.Context, cache *bcache.Cache, cfg Config, worker uint64) error {
	var (
		rng    = rand.New(rand.NewPCG(cfg.Seed, worker))
		device = bcache.DeviceID(cfg.Device)
	)
	for range cfg.Ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		block := bcache.BlockNumber(rng.Uint64N(cfg.Blocks))
		h, err := cache.Acquire(device, block)
		if err != nil {
			return err
		}
		counter := binary.LittleEndian.Uint64(h.Data())
		binary.LittleEndian.PutUint64(h.Data(), counter+1)
		if err := cache.Commit(h); err != nil {
			return errors.Join(err, cache.Release(h))
		}
		if err := cache.Release(h); err != nil {
			return err
		}
	}
	return nil
}

// sumCounters reads every block's counter through the cache.
func sumCounters(cache *bcache.Cache, device bcache.DeviceID, blocks uint64) (uint64, error) {
	var total uint64
	for block := range bcache.BlockNumber(blocks) {
		h, err := cache.Acquire(device, block)
		if err != nil {
			return 0, err
		}
		total += binary.LittleEndian.Uint64(h.Data())
		if err := cache.Release(h); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func openDevice(cfg Config) (bcache.Device, func() error, error) {
	var (
		dev     bcache.Device
		closeFn = func() error { return nil }
	)
	if cfg.Image == "" {
		dev = blockdev.NewMemory(cfg.BlockSize, cfg.Blocks)
	} else {
		file, err := openImage(cfg)
		if err != nil {
			return nil, nil, err
		}
		dev, closeFn = file, file.Close
	}
	if cfg.IOPS > 0 {
		burst := max(1, int(cfg.IOPS/10))
		dev = blockdev.NewThrottled(dev, cfg.IOPS, burst)
	}
	return dev, closeFn, nil
}

func openImage(cfg Config) (*blockdev.File, error) {
	_, err := os.Stat(cfg.Image)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := blockdev.CreateImage(cfg.Image, cfg.BlockSize, cfg.Blocks); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}
	file, err := blockdev.OpenFile(cfg.Image, bcache.DeviceID(cfg.Device), cfg.BlockSize, cfg.Sync)
	if err != nil {
		return nil, err
	}
	if file.Blocks() < cfg.Blocks {
		return nil, errors.Join(
			fmt.Errorf("image %s has %d blocks, need %d", cfg.Image, file.Blocks(), cfg.Blocks),
			file.Close(),
		)
	}
	return file, nil
}

func writeReport(path string, report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(append(data, '\n')))
}

func printSummary(out io.Writer, report Report) {
	fmt.Fprintf(out, "ops: %d in %dms\n", report.Expected, report.ElapsedMS)
	fmt.Fprintf(out, "hits: %d misses: %d evictions: %d migrations: %d retries: %d\n",
		report.Stats.Hits, report.Stats.Misses, report.Stats.Evictions,
		report.Stats.Migrations, report.Stats.Retries)
	fmt.Fprintf(out, "device reads: %d writes: %d\n", report.Stats.Reads, report.Stats.Writes)
	fmt.Fprintf(out, "verified: %t\n", report.Verified)
}
