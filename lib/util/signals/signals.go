// Package signals turns process signals into context cancellation and reload
// callbacks.
package signals

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// ErrInterrupted is returned by Run when a stop signal arrives.
var ErrInterrupted = errors.New("interrupted by signal")

// Handler is called on a reload signal.
type Handler func()

// Notifier dispatches signals to registered handlers.
type Notifier struct {
	mu        sync.RWMutex
	reloaders []Handler
	ch        chan os.Signal
}

// New creates a notifier. Signals are only subscribed while Run is active.
func New() *Notifier {
	return &Notifier{ch: make(chan os.Signal, 1)}
}

// OnReload registers f for reload signals. Nil handlers are ignored.
func (n *Notifier) OnReload(f Handler) {
	if f == nil {
		return
	}
	n.mu.Lock()
	n.reloaders = append(n.reloaders, f)
	n.mu.Unlock()
}

// Run blocks until ctx is done or a stop signal arrives, running the reload
// handlers for every reload signal in between.
func (n *Notifier) Run(ctx context.Context) error {
	signal.Notify(n.ch, append(append([]os.Signal{}, stopSignals...), reloadSignals...)...)
	defer signal.Stop(n.ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-n.ch:
			if n.deliver(sig) {
				return ErrInterrupted
			}
		}
	}
}

// deliver handles one signal and reports whether it was a stop signal.
func (n *Notifier) deliver(sig os.Signal) bool {
	for _, s := range stopSignals {
		if sig == s {
			log.WithField("signal", sig.String()).Info("shutdown_requested")
			return true
		}
	}
	for _, s := range reloadSignals {
		if sig == s {
			n.reload()
		}
	}
	return false
}

func (n *Notifier) reload() {
	n.mu.RLock()
	snapshot := make([]Handler, len(n.reloaders))
	copy(snapshot, n.reloaders)
	n.mu.RUnlock()
	for _, h := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Error("reload_handler_panicked")
				}
			}()
			h()
		}()
	}
}
