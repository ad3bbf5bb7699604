package driver

import (
	"runtime"
	"time"
)

// IdleStrategy backs off an agent loop's spin when a pass found no
// work, the same exponential-backoff shape network.ExponentialBackoff
// uses for NAK scheduling, reused here to keep the sender/receiver
// loops from burning a full core while idle.
type IdleStrategy struct {
	maxSleepNs int64
	currentNs  int64
}

// NewIdleStrategy builds a strategy that caps its sleep at maxSleepNs.
func NewIdleStrategy(maxSleepNs int64) *IdleStrategy {
	return &IdleStrategy{maxSleepNs: maxSleepNs}
}

// Idle should be called once per loop pass with the amount of work
// that pass did. Any work resets the backoff and just yields the
// processor; no work at all escalates the sleep up to maxSleepNs.
func (s *IdleStrategy) Idle(workDone int) {
	if workDone > 0 {
		s.currentNs = 0
		runtime.Gosched()
		return
	}
	if s.currentNs == 0 {
		s.currentNs = 1000 // 1us
	} else {
		s.currentNs *= 2
		if s.currentNs > s.maxSleepNs {
			s.currentNs = s.maxSleepNs
		}
	}
	time.Sleep(time.Duration(s.currentNs))
}
