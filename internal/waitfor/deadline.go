// Package waitfor implements the "wait with deadline" primitive called for
// in the design notes: a predicate closure polled on an interval until it
// is satisfied or a deadline elapses, replacing the free-floating
// setTimeout polling loops the lifecycle engine would otherwise grow one
// of per call site. Grounded in idiom on the teacher's ticker-driven
// polling loops (risk/circuit_breaker.go's day-reset check,
// feeds/binance.go's pollLoop), generalized into a reusable helper.
package waitfor

import (
	"context"
	"time"
)

// Outcome is the result of a Deadline wait.
type Outcome int

const (
	Satisfied Outcome = iota
	TimedOut
	Cancelled
)

// Deadline polls predicate every interval until it returns true, the
// timeout elapses, or ctx is cancelled. predicate is called once
// immediately before the first sleep, so a condition already true incurs
// no delay.
func Deadline(ctx context.Context, predicate func() bool, interval, timeout time.Duration) Outcome {
	if predicate() {
		return Satisfied
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Cancelled
		case <-deadline.C:
			return TimedOut
		case <-ticker.C:
			if predicate() {
				return Satisfied
			}
		}
	}
}
