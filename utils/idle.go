package utils

import (
	"runtime"
	"time"
)

// IdleStrategy decides how a duty-cycle loop waits when a cycle
// performed no work. Idle must be called with the amount of work
// done; any non-zero value resets the backoff.
type IdleStrategy interface {
	Idle(workCount int)
	Reset()
}

// BackoffIdle spins, then yields, then sleeps with doubling pauses
// up to maxPause. It keeps latency low under load without burning
// a core when the node is quiet.
type BackoffIdle struct {
	spins    int
	yields   int
	maxPause time.Duration

	spun    int
	yielded int
	pause   time.Duration
}

// MakeBackoffIdle return a BackoffIdle with the given shape.
func MakeBackoffIdle(spins, yields int, minPause, maxPause time.Duration) *BackoffIdle {
	return &BackoffIdle{
		spins:    spins,
		yields:   yields,
		maxPause: maxPause,
		pause:    minPause,
	}
}

// DefaultBackoffIdle return an idle strategy with reasonable defaults
// for a consensus duty cycle.
func DefaultBackoffIdle() *BackoffIdle {
	return MakeBackoffIdle(10, 20, time.Millisecond, 16*time.Millisecond)
}

// Idle advance the backoff state when workCount is zero.
func (b *BackoffIdle) Idle(workCount int) {
	if workCount > 0 {
		b.Reset()
		return
	}

	if b.spun < b.spins {
		b.spun++
		return
	}
	if b.yielded < b.yields {
		b.yielded++
		runtime.Gosched()
		return
	}

	time.Sleep(b.pause)
	if b.pause*2 <= b.maxPause {
		b.pause *= 2
	}
}

// Reset return the strategy to the spinning stage.
func (b *BackoffIdle) Reset() {
	b.spun = 0
	b.yielded = 0
	b.pause = time.Millisecond
}
