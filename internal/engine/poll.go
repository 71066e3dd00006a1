package engine

import (
	"context"
	"errors"
	"time"
)

// PollPolicy bounds order-status polling. Polling is the only thing the
// engine retries; submissions never are.
type PollPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultPollPolicy polls three times, two seconds apart.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{MaxAttempts: 3, Interval: 2 * time.Second}
}

func (p PollPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("poll policy needs at least one attempt")
	}
	if p.Interval <= 0 {
		return errors.New("poll interval must be positive")
	}
	return nil
}

// Budget is the longest a cycle spends polling one order.
func (p PollPolicy) Budget() time.Duration {
	return time.Duration(p.MaxAttempts) * p.Interval
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
