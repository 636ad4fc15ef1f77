package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	initialInterval = 100 * time.Millisecond
	maxInterval     = 30 * time.Second
)

// Delay paces the redelivery of messages that could not be received. Every
// Wait blocks for the next interval of the backoff and Reset starts over.
type Delay struct {
	b backoff.BackOff
}

// NewDelay returns an exponential, jittered Delay that never gives up.
func NewDelay() *Delay {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return NewDelayWith(b)
}

func NewDelayWith(b backoff.BackOff) *Delay {
	if b == nil {
		panic("backoff is mandatory")
	}
	return &Delay{b: b}
}

// Wait blocks until the next interval elapses or ctx is done.
func (d *Delay) Wait(ctx context.Context) error {
	next := d.b.NextBackOff()
	if next == backoff.Stop {
		next = maxInterval
	}
	timer := time.NewTimer(next)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Delay) Reset() {
	d.b.Reset()
}
