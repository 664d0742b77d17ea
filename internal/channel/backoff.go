package channel

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryDelays is the wait ladder between reconnect attempts.
// The first attempt itself is immediate, then these delays apply; the
// last entry repeats until the attempts cap is hit.
var DefaultRetryDelays = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}

// ladder adapts the fixed delay sequence to the backoff.BackOff
// interface so reconnection runs through the same retry machinery as
// the REST client.
type ladder struct {
	delays []time.Duration
	idx    int
	sleeps int
	max    int // max sleeps; <=0 means unlimited
}

func newLadder(delays []time.Duration, maxAttempts int) *ladder {
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	// maxAttempts counts dial attempts; the first one costs no sleep.
	return &ladder{delays: delays, max: maxAttempts - 1}
}

func (l *ladder) NextBackOff() time.Duration {
	if l.max >= 0 && l.sleeps >= l.max {
		return backoff.Stop
	}
	l.sleeps++
	i := l.idx
	if i >= len(l.delays) {
		i = len(l.delays) - 1
	}
	l.idx++
	return l.delays[i]
}

func (l *ladder) Reset() {
	l.idx = 0
	l.sleeps = 0
}
