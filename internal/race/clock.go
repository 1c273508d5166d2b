package race

import (
	"context"
	"time"
)

// Clock drives a race on a fixed tick interval.
type Clock struct {
	Interval time.Duration
}

// Run calls step once per interval until step reports the race is done or
// ctx is cancelled. The ticker is stopped on the same tick step returns
// true, so no further step runs after a winner is found. Run reports
// whether the race finished (false means cancelled).
func (c Clock) Run(ctx context.Context, step func() (done bool)) bool {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if step() {
				return true
			}
		}
	}
}
