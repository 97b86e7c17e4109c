package application

import (
	"context"
	"errors"
	"time"
)

var errCountdownAborted = errors.New("countdown aborted")

// RetryPolicy bounds automatic reconnects after the service reports overload.
type RetryPolicy struct {
	MaxRetries int
	// Countdown is the number of visible steps before a reconnect.
	Countdown int
	Tick      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Countdown:  5,
		Tick:       time.Second,
	}
}

// Countdown reports steps, steps-1, ... 0 to tick, waiting interval between
// reports. It stops early when tick returns false or ctx is done.
func Countdown(ctx context.Context, steps int, interval time.Duration, tick func(remaining int) bool) error {
	for remaining := steps; remaining > 0; remaining-- {
		if !tick(remaining) {
			return errCountdownAborted
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if !tick(0) {
		return errCountdownAborted
	}
	return nil
}
