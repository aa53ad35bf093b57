// Package clock provides an injectable time source so reconnect, handshake
// and watchdog delays can be driven deterministically in tests.
package clock

import "time"

// Clock abstracts the time operations used by the session engine.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for d, then calls f in its own goroutine (real) or
	// synchronously during Advance (fake).
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns false if the timer already
// fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop}
}
