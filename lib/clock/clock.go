// Package clock supplies the time source for packet timestamps and guard
// bookkeeping. Wall-clock correctness matters because peers reject packets
// outside their timestamp horizon, so the clock can be corrected from NTP.
package clock

import (
	"sync"
	"time"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Clock is time.Now plus an NTP-derived offset. Times it returns keep Go's
// monotonic reading, so durations between them ignore wall-clock jumps.
type Clock struct {
	mu     sync.RWMutex
	offset time.Duration
}

// New returns a clock with zero offset.
func New() *Clock {
	return &Clock{}
}

// Now returns the corrected time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()
	return time.Now().Add(offset)
}

// SetOffset replaces the correction.
func (c *Clock) SetOffset(offset time.Duration) {
	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()
}

// Offset returns the current correction.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}
