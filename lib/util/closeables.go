package util

import (
	"io"
	"sync"
)

var (
	closers   []io.Closer
	closersMu sync.Mutex
)

// RegisterCloser registers c to be closed by CloseAll.
func RegisterCloser(c io.Closer) {
	closersMu.Lock()
	defer closersMu.Unlock()
	closers = append(closers, c)
}

// CloseAll closes the registered closers in reverse registration order and
// clears the list.
func CloseAll() {
	closersMu.Lock()
	defer closersMu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			log.WithError(err).Warn("close_failed")
		}
	}
	closers = nil
}
