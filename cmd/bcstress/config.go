package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/djdv/go-bcache"
)

// Config holds all stress run options.
type Config struct {
	Buffers   int     `json:"buffers"`
	Buckets   int     `json:"buckets"`
	BlockSize int     `json:"block_size"` //nolint:tagliatelle // snake_case for config file
	Workers   int     `json:"workers"`
	Ops       int     `json:"ops"`
	Blocks    uint64  `json:"blocks"`
	Device    uint32  `json:"device"`
	Image     string  `json:"image,omitempty"`
	IOPS      float64 `json:"iops,omitempty"`
	Sync      bool    `json:"sync,omitempty"`
	Seed      uint64  `json:"seed"`
	Report    string  `json:"report,omitempty"`
	Verbose   bool    `json:"verbose,omitempty"`
}

// counterSize is the payload prefix each block's counter occupies.
const counterSize = 8

var (
	errConfigFileRead = errors.New("cannot read config file")
	errConfigInvalid  = errors.New("invalid config")
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Buffers:   bcache.DefaultBuffers,
		Buckets:   bcache.DefaultBuckets,
		BlockSize: bcache.DefaultBlockSize,
		Workers:   4,
		Ops:       10_000,
		Blocks:    256,
		Device:    1,
		Seed:      1,
	}
}

// parseArgs builds the configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Config file via --config (if given)
// 3. Flags that were explicitly set.
func parseArgs(errOut io.Writer, args []string) (Config, error) {
	var (
		cfg        = DefaultConfig()
		flags      = flag.NewFlagSet("bcstress", flag.ContinueOnError)
		set        = cfg
		configPath string
	)
	flags.SetOutput(errOut)
	flags.StringVar(&configPath, "config", "", "JSONC config file")
	flags.IntVar(&set.Buffers, "buffers", cfg.Buffers, "number of cache buffers")
	flags.IntVar(&set.Buckets, "buckets", cfg.Buckets, "number of cache buckets")
	flags.IntVar(&set.BlockSize, "block-size", cfg.BlockSize, "block size in bytes")
	flags.IntVar(&set.Workers, "workers", cfg.Workers, "concurrent workers")
	flags.IntVar(&set.Ops, "ops", cfg.Ops, "operations per worker")
	flags.Uint64Var(&set.Blocks, "blocks", cfg.Blocks, "distinct blocks to touch")
	flags.Uint32Var(&set.Device, "device", cfg.Device, "device id")
	flags.StringVar(&set.Image, "image", cfg.Image, "image file (created if missing); memory device if empty")
	flags.Float64Var(&set.IOPS, "iops", cfg.IOPS, "device operations per second (0 for unlimited)")
	flags.BoolVar(&set.Sync, "sync", cfg.Sync, "flush image writes to stable storage")
	flags.Uint64Var(&set.Seed, "seed", cfg.Seed, "random seed")
	flags.StringVar(&set.Report, "report", cfg.Report, "write a JSON report to this path")
	flags.BoolVarP(&set.Verbose, "verbose", "v", cfg.Verbose, "log evictions")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}
	if configPath != "" {
		fileCfg, err := loadConfigFile(configPath, cfg)
		if err != nil {
			return Config{}, err
		}
		cfg = fileCfg
	}
	cfg = mergeFlags(cfg, set, flags)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadConfigFile overlays the fields present in the file at path onto base.
func loadConfigFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", errConfigFileRead, path, err)
	}
	cfg, err := parseConfig(data, base)
	if err != nil {
		return Config{}, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}
	return cfg, nil
}

func parseConfig(data []byte, base Config) (Config, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}
	cfg := base
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return cfg, nil
}

func mergeFlags(base, set Config, flags *flag.FlagSet) Config {
	for _, field := range []struct {
		name  string
		apply func()
	}{
		{"buffers", func() { base.Buffers = set.Buffers }},
		{"buckets", func() { base.Buckets = set.Buckets }},
		{"block-size", func() { base.BlockSize = set.BlockSize }},
		{"workers", func() { base.Workers = set.Workers }},
		{"ops", func() { base.Ops = set.Ops }},
		{"blocks", func() { base.Blocks = set.Blocks }},
		{"device", func() { base.Device = set.Device }},
		{"image", func() { base.Image = set.Image }},
		{"iops", func() { base.IOPS = set.IOPS }},
		{"sync", func() { base.Sync = set.Sync }},
		{"seed", func() { base.Seed = set.Seed }},
		{"report", func() { base.Report = set.Report }},
		{"verbose", func() { base.Verbose = set.Verbose }},
	} {
		if flags.Changed(field.name) {
			field.apply()
		}
	}
	return base
}

func validateConfig(cfg Config) error {
	switch {
	case cfg.Buffers < bcache.MinimumCapacity:
		return fmt.Errorf("%w: buffers must be >=%d", errConfigInvalid, bcache.MinimumCapacity)
	case cfg.Buckets < 1:
		return fmt.Errorf("%w: buckets must be positive", errConfigInvalid)
	case cfg.BlockSize < counterSize:
		return fmt.Errorf("%w: block_size must be >=%d", errConfigInvalid, counterSize)
	case cfg.Workers < 1:
		return fmt.Errorf("%w: workers must be positive", errConfigInvalid)
	case cfg.Workers > cfg.Buffers:
		// Each worker holds one buffer at a time.
		return fmt.Errorf("%w: workers (%d) must not exceed buffers (%d)",
			errConfigInvalid, cfg.Workers, cfg.Buffers)
	case cfg.Ops < 0:
		return fmt.Errorf("%w: ops must be non-negative", errConfigInvalid)
	case cfg.Blocks < 1:
		return fmt.Errorf("%w: blocks must be positive", errConfigInvalid)
	case cfg.IOPS < 0:
		return fmt.Errorf("%w: iops must be non-negative", errConfigInvalid)
	}
	return nil
}
