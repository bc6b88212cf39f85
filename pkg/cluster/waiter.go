package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome is the terminal state of a wait.
type Outcome string

const (
	// OutcomeDone means the probe reported the condition as reached.
	OutcomeDone Outcome = "done"
	// OutcomeFailed means the probe returned an error or the context ended.
	OutcomeFailed Outcome = "failed"
	// OutcomeTimedOut means the deadline passed with the condition unmet.
	OutcomeTimedOut Outcome = "timed-out"
)

// ErrWaitTimeout is returned when a wait reaches its deadline. A timed-out
// wait fails the step that started it; callers never restart the step on it.
var ErrWaitTimeout = errors.New("wait deadline exceeded")

// Probe checks whether a cluster-side condition holds. It returns true once
// the condition is reached and an error when the condition can no longer be
// reached.
type Probe func(ctx context.Context) (bool, error)

// Waiter polls a condition at a fixed interval until it holds, fails, or an
// overall deadline expires.
type Waiter struct {
	Interval time.Duration
	Deadline time.Duration
}

// NewWaiter returns a waiter with the defaults used between provisioning
// steps: poll every 2 seconds, give up after 5 minutes.
func NewWaiter() Waiter {
	return Waiter{
		Interval: 2 * time.Second,
		Deadline: 5 * time.Minute,
	}
}

// Await polls probe until it reports done, reports an error, or the deadline
// expires. The probe runs once immediately before the first tick. The what
// argument names the condition in the returned error.
func (w Waiter) Await(ctx context.Context, what string, probe Probe) (Outcome, error) {
	interval := w.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := w.Deadline
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := probe(ctx)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("waiting for %s: %w", what, err)
		}
		if done {
			return OutcomeDone, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return OutcomeTimedOut, fmt.Errorf("waiting for %s: %w", what, ErrWaitTimeout)
			}
			return OutcomeFailed, fmt.Errorf("waiting for %s: %w", what, ctx.Err())
		}
	}
}
