package blockdev

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/djdv/go-bcache"
)

// Throttled limits the rate of operations reaching a device,
// simulating slow media. Reads and writes share one budget.
type Throttled struct {
	bcache.Device
	limiter *rate.Limiter
}

// NewThrottled allows opsPerSecond operations per second through to dev,
// with bursts of up to burst operations.
func NewThrottled(dev bcache.Device, opsPerSecond float64, burst int) *Throttled {
	return &Throttled{
		Device:  dev,
		limiter: rate.NewLimiter(rate.Limit(opsPerSecond), max(burst, 1)),
	}
}

// BlockSize forwards the wrapped device's block size, or returns 0
// if it does not report one.
func (t *Throttled) BlockSize() int {
	if sizer, ok := t.Device.(interface{ BlockSize() int }); ok {
		return sizer.BlockSize()
	}
	return 0
}

func (t *Throttled) ReadBlock(dev bcache.DeviceID, block bcache.BlockNumber, p []byte) error {
	if err := t.limiter.Wait(context.Background()); err != nil {
		return err
	}
	return t.Device.ReadBlock(dev, block, p)
}

func (t *Throttled) WriteBlock(dev bcache.DeviceID, block bcache.BlockNumber, p []byte) error {
	if err := t.limiter.Wait(context.Background()); err != nil {
		return err
	}
	return t.Device.WriteBlock(dev, block, p)
}
