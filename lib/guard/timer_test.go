package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestTimer_AvgRPS(t *testing.T) {
	tm := NewRequestTimer(5)
	base := time.Unix(1000, 0)
	assert.Zero(t, tm.AvgRPS())

	tm.Update(base)
	assert.Zero(t, tm.AvgRPS(), "one arrival has no rate")

	for i := 1; i <= 4; i++ {
		tm.Update(base.Add(time.Duration(i) * 500 * time.Millisecond))
	}
	assert.InDelta(t, 2.0, tm.AvgRPS(), 1e-9)
	assert.Equal(t, 500*time.Millisecond, tm.LastInterval())
}

func TestRequestTimer_RingOverwritesOldest(t *testing.T) {
	tm := NewRequestTimer(3)
	base := time.Unix(1000, 0)
	// a slow start followed by a fast burst; only the burst stays in the ring
	tm.Update(base)
	tm.Update(base.Add(10 * time.Second))
	tm.Update(base.Add(10*time.Second + 100*time.Millisecond))
	tm.Update(base.Add(10*time.Second + 200*time.Millisecond))

	assert.Equal(t, 3, tm.Count())
	assert.InDelta(t, 10.0, tm.AvgRPS(), 1e-9)
}

func TestRequestTimer_SameInstantIsFinite(t *testing.T) {
	tm := NewRequestTimer(4)
	now := time.Unix(1000, 0)
	tm.Update(now)
	tm.Update(now)
	assert.InDelta(t, 1000.0, tm.AvgRPS(), 1e-9)
	assert.Zero(t, tm.LastInterval())
}

func TestRequestTimer_Reset(t *testing.T) {
	tm := NewRequestTimer(4)
	tm.Update(time.Unix(1, 0))
	tm.Update(time.Unix(2, 0))
	tm.Reset()
	assert.Zero(t, tm.Count())
	assert.Zero(t, tm.AvgRPS())
}

func TestGlobalTimer_MinSamples(t *testing.T) {
	g := NewGlobalTimer(16, 4)
	now := time.Unix(1000, 0)
	for i := 0; i < 3; i++ {
		g.Update(now)
	}
	assert.Zero(t, g.AvgRPS())
	g.Update(now)
	assert.Greater(t, g.AvgRPS(), 0.0)
}

func TestGlobalTimer_Concurrent(t *testing.T) {
	g := NewGlobalTimer(64, 0)
	base := time.Unix(1000, 0)
	done := make(chan struct{})
	for w := 0; w < 4; w++ {
		go func(w int) {
			for i := 0; i < 100; i++ {
				g.Update(base.Add(time.Duration(w*100+i) * time.Millisecond))
				_ = g.AvgRPS()
			}
			done <- struct{}{}
		}(w)
	}
	for w := 0; w < 4; w++ {
		<-done
	}
	assert.Greater(t, g.AvgRPS(), 0.0)
}
