package backoff

import (
	"sync"
	"time"
)

// Timer turns a stream of success/failure signals for one unit of work into a
// recommended wait interval. Failures double the interval up to max, successes
// halve it down to min.
type Timer struct {
	mu        sync.Mutex
	min       time.Duration
	max       time.Duration
	step      time.Duration
	interval  time.Duration
	successes uint64
	failures  uint64
}

// New creates a Timer bounded by min and max. step is the first non-zero
// interval after a failure from the floor; intervals that shrink below step
// snap back to min.
func New(min, max, step time.Duration) *Timer {
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	if step <= 0 {
		step = time.Second
	}
	return &Timer{
		min:      min,
		max:      max,
		step:     step,
		interval: min,
	}
}

// Success records a success and shrinks the interval.
func (t *Timer) Success() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.successes++
	t.interval /= 2
	if t.interval < t.step || t.interval < t.min {
		t.interval = t.min
	}
}

// Failure records a failure and grows the interval.
func (t *Timer) Failure() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures++
	if t.interval < t.step {
		t.interval = max(t.step, t.min)
	} else {
		t.interval *= 2
	}
	if t.interval > t.max {
		t.interval = t.max
	}
}

// Interval returns the current recommended delay.
func (t *Timer) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Counts returns the number of successes and failures recorded so far.
func (t *Timer) Counts() (successes, failures uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.successes, t.failures
}

// Max returns the largest interval among timers, ignoring nil entries.
func Max(timers ...*Timer) time.Duration {
	var longest time.Duration
	for _, t := range timers {
		if t == nil {
			continue
		}
		if d := t.Interval(); d > longest {
			longest = d
		}
	}
	return longest
}
