// Package coarsetime provides a coarse clock for hot paths that only need
// approximate timestamps, such as pool idle bookkeeping.
//
// The clock is refreshed every 50ms by a background goroutine started on first use.
package coarsetime

import (
	"sync"
	"sync/atomic"
	"time"
)

const tick = 50 * time.Millisecond

var (
	now   atomic.Int64
	start sync.Once
)

func run() {
	now.Store(time.Now().UnixNano())

	ticker := time.NewTicker(tick)
	go func() {
		for t := range ticker.C {
			now.Store(t.UnixNano())
		}
	}()
}

// Now returns the current time with a precision of about 50ms.
func Now() time.Time {
	start.Do(run)
	return time.Unix(0, now.Load())
}

// Since returns the time elapsed since t, measured on the coarse clock.
// It never returns a negative duration.
func Since(t time.Time) time.Duration {
	d := Now().Sub(t)
	if d < 0 {
		return 0
	}
	return d
}
