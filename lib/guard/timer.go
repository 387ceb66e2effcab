package guard

import (
	"math"
	"sync"
	"time"
)

// minSpan keeps the average finite when a burst arrives within one clock tick.
const minSpan = time.Millisecond

// RequestTimer is a fixed-capacity ring of arrival times. It is not safe for
// concurrent use; an AddressLog's timer is protected by its shard lock.
type RequestTimer struct {
	times []time.Time
	next  int
	n     int
}

// NewRequestTimer creates a timer remembering the last capacity arrivals.
func NewRequestTimer(capacity int) RequestTimer {
	if capacity < 2 {
		capacity = 2
	}
	return RequestTimer{times: make([]time.Time, capacity)}
}

// Update records an arrival.
func (t *RequestTimer) Update(now time.Time) {
	t.times[t.next] = now
	t.next = (t.next + 1) % len(t.times)
	if t.n < len(t.times) {
		t.n++
	}
}

// Reset forgets every arrival.
func (t *RequestTimer) Reset() {
	t.next, t.n = 0, 0
}

// Count is the number of stored arrivals.
func (t *RequestTimer) Count() int {
	return t.n
}

func (t *RequestTimer) at(back int) time.Time {
	i := (t.next - 1 - back + 2*len(t.times)) % len(t.times)
	return t.times[i]
}

// AvgRPS is the mean request rate over the stored window, zero with fewer than two arrivals.
func (t *RequestTimer) AvgRPS() float64 {
	if t.n < 2 {
		return 0
	}
	span := t.at(0).Sub(t.at(t.n - 1))
	if span < minSpan {
		span = minSpan
	}
	return float64(t.n-1) / span.Seconds()
}

// LastInterval is the time between the two most recent arrivals.
func (t *RequestTimer) LastInterval() time.Duration {
	if t.n < 2 {
		return time.Duration(math.MaxInt64)
	}
	return t.at(0).Sub(t.at(1))
}

// GlobalTimer is the process-wide request timer shared by every datagram goroutine.
type GlobalTimer struct {
	mu         sync.RWMutex
	timer      RequestTimer
	minSamples int
}

// NewGlobalTimer creates the shared timer. The average reads as zero until
// minSamples arrivals have been recorded.
func NewGlobalTimer(capacity, minSamples int) *GlobalTimer {
	return &GlobalTimer{timer: NewRequestTimer(capacity), minSamples: minSamples}
}

// Update records an arrival.
func (g *GlobalTimer) Update(now time.Time) {
	g.mu.Lock()
	g.timer.Update(now)
	g.mu.Unlock()
}

// AvgRPS reads the current average.
func (g *GlobalTimer) AvgRPS() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.timer.Count() < g.minSamples {
		return 0
	}
	return g.timer.AvgRPS()
}
