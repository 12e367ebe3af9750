package contribution

import "time"

// Timer is a pending one-shot callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d. Implementations decide which goroutine f
// runs on; the engine posts it onto its event loop.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// WallClock schedules with time.AfterFunc.
var WallClock Scheduler = wallClock{}

type wallClock struct{}

func (wallClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
