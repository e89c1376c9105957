// Package timer provides the process-wide millisecond time base that every
// acquisition goroutine stamps its events with.
package timer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Timer is a monotonic millisecond clock shared by sensors, the command
// channel and the recorder. The epoch is fixed on first use.
type Timer struct {
	clock clock.Clock
	once  sync.Once
	epoch time.Time
}

// New returns a Timer backed by the wall clock's monotonic reading.
func New() *Timer {
	return NewWithClock(clock.New())
}

// NewWithClock returns a Timer reading from c. Tests pass a *clock.Mock.
func NewWithClock(c clock.Clock) *Timer {
	return &Timer{clock: c}
}

// Time returns milliseconds elapsed since the epoch.
func (t *Timer) Time() int64 {
	t.once.Do(t.start)
	return t.clock.Since(t.epoch).Milliseconds()
}

// Start fixes the epoch now if it has not been fixed yet.
func (t *Timer) Start() {
	t.once.Do(t.start)
}

// Epoch returns the wall time of the epoch, fixing it if needed.
func (t *Timer) Epoch() time.Time {
	t.once.Do(t.start)
	return t.epoch
}

// Clock exposes the underlying clock so drivers can pace themselves on
// the same time source.
func (t *Timer) Clock() clock.Clock {
	return t.clock
}

func (t *Timer) start() {
	t.epoch = t.clock.Now()
}

var (
	defaultTimer     *Timer
	defaultTimerOnce sync.Once
)

// Default returns the process-wide Timer.
func Default() *Timer {
	defaultTimerOnce.Do(func() {
		defaultTimer = New()
	})
	return defaultTimer
}
