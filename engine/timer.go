package engine

import (
	"time"

	"codepercent/contribution"
)

// AfterFunc implements contribution.Scheduler. f runs on the event loop, so
// flushes never interleave with edit handling.
func (e *Engine) AfterFunc(d time.Duration, f func()) contribution.Timer {
	return time.AfterFunc(d, func() {
		e.mu.RLock()
		stopped := e.stopped
		mainCtx := e.mainCtx
		e.mu.RUnlock()

		if stopped || mainCtx == nil {
			return
		}

		select {
		case e.eventChan <- Event{Type: EventTimer, Data: f}:
		case <-mainCtx.Done():
		}
	})
}
