// Package clock lets the session, coordinator and notification code take
// time from an injected source so tests can drive backoff and settle
// delays without sleeping.
package clock

import (
	"context"
	"time"
)

// Clock is the subset of the time package used by this module.
type Clock interface {
	Now() time.Time
	// After behaves like time.After. If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time
	// NewTimer behaves like time.NewTimer. Stop releases a timer nobody will
	// wait on any more.
	NewTimer(d time.Duration) *Timer
}

// Timer is a single pending event.
type Timer struct {
	C <-chan time.Time

	stopFunc func() bool
}

// Stop prevents the timer from firing. It reports whether the timer was
// still pending.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Sleep waits d on c or until ctx is done, whichever comes first, and
// releases the timer either way.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	t := c.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTimer(d time.Duration) *Timer {
	t := time.NewTimer(d)
	return &Timer{C: t.C, stopFunc: t.Stop}
}
