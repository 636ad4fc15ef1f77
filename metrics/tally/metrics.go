package tally

import (
	"github.com/3rs4lg4d0/eventbox/evbx"
	tally "github.com/uber-go/tally/v4"
)

const (
	ProcessedMessages = "processed_messages"
	FailedMessages    = "failed_messages"
)

type Counter struct {
	Counter tally.Counter
}

var _ evbx.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

// NewCounters returns the processed and failed messages counters of the
// scope, ready for evbx.WithCounters.
func NewCounters(scope tally.Scope) (processed *Counter, failed *Counter) {
	return &Counter{Counter: scope.Counter(ProcessedMessages)}, &Counter{Counter: scope.Counter(FailedMessages)}
}
