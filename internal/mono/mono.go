// Package mono provides the driver's monotonic clock, read once per
// conductor tick and handed to every timed state-machine check (§5's
// CachedNanoClock).
package mono

import "time"

// start anchors NanoTime: its wall reading sets the base and its
// monotonic reading measures elapsed time from it.
var start = time.Now()

// NanoTime returns a monotonic nanosecond timestamp. It is not an
// absolute wall-clock time and is only meaningful relative to other
// values this function returns within the same process lifetime.
func NanoTime() int64 {
	return start.UnixNano() + int64(time.Since(start))
}

// Since returns the monotonic duration elapsed since t (a value
// previously returned by NanoTime).
func Since(t int64) time.Duration {
	return time.Duration(NanoTime() - t)
}

// Clock is an injectable source of NanoTime, so state machines can be
// driven by a fake clock in tests instead of wall-clock time.
type Clock interface {
	NanoTime() int64
}

type systemClock struct{}

func (systemClock) NanoTime() int64 { return NanoTime() }

// System is the default, real Clock.
var System Clock = systemClock{}
