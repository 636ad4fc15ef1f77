package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

type countingBackOff struct {
	interval time.Duration
	calls    int
	resets   int
}

func (b *countingBackOff) NextBackOff() time.Duration {
	b.calls++
	return b.interval
}

func (b *countingBackOff) Reset() { b.resets++ }

func TestNewDelay(t *testing.T) {
	d := NewDelay()
	b, ok := d.b.(*backoff.ExponentialBackOff)
	assert.True(t, ok)
	first := b.NextBackOff()
	assert.GreaterOrEqual(t, first, initialInterval/2)
	assert.LessOrEqual(t, first, initialInterval*3/2)
	for i := 0; i < 50; i++ {
		assert.NotEqual(t, backoff.Stop, b.NextBackOff())
	}
	assert.LessOrEqual(t, b.NextBackOff(), maxInterval*3/2)

	assert.Panics(t, func() { NewDelayWith(nil) })
}

func TestWait(t *testing.T) {
	testcases := []struct {
		name     string
		interval time.Duration
		timeout  time.Duration
		wantErr  error
	}{
		{
			name:     "waits for the interval",
			interval: 5 * time.Millisecond,
			timeout:  time.Second,
			wantErr:  nil,
		},
		{
			name:     "stops when the context is done",
			interval: time.Minute,
			timeout:  10 * time.Millisecond,
			wantErr:  context.DeadlineExceeded,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			b := &countingBackOff{interval: tc.interval}
			d := NewDelayWith(b)
			ctx, cancel := context.WithTimeout(context.Background(), tc.timeout)
			defer cancel()

			start := time.Now()
			err := d.Wait(ctx)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Less(t, time.Since(start), 5*time.Second)
			assert.Equal(t, 1, b.calls)
		})
	}
}

func TestReset(t *testing.T) {
	b := &countingBackOff{}
	d := NewDelayWith(b)
	d.Reset()
	assert.Equal(t, 1, b.resets)
}
