package guard

import (
	"context"
	"sync/atomic"
	"time"
)

type counters struct {
	dropped  atomic.Uint64
	admitted atomic.Uint64
}

func runSweeper(ctx context.Context, every time.Duration, sweep func()) error {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweep()
		}
	}
}
