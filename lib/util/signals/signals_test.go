package signals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_StopSignal(t *testing.T) {
	n := New()
	done := make(chan error, 1)
	go func() { done <- n.Run(context.Background()) }()

	n.ch <- stopSignals[0]
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestNotifier_ContextCancel(t *testing.T) {
	n := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, n.Run(ctx))
}

func TestNotifier_ReloadHandlers(t *testing.T) {
	if len(reloadSignals) == 0 {
		t.Skip("no reload signal on this platform")
	}
	n := New()
	calls := 0
	n.OnReload(func() { panic("bad handler") })
	n.OnReload(func() { calls++ })
	n.OnReload(nil)

	require.False(t, n.deliver(reloadSignals[0]))
	assert.Equal(t, 1, calls, "a panicking handler does not stop the rest")
	assert.True(t, n.deliver(stopSignals[0]))
}
