package evbx

import (
	"context"
	"fmt"
)

// Capture turns the pending domain events of the aggregates touched by a
// business transaction into outbox messages saved in that same transaction.
type Capture struct {
	repository OutboxRepository
	logger     Logger
}

var _ Loggable = (*Capture)(nil)

func NewCapture(r OutboxRepository) *Capture {
	if r == nil {
		panic("outbox repository is mandatory")
	}
	return &Capture{repository: r, logger: &NopLogger{}}
}

// SetLogger sets an optional logger.
func (c *Capture) SetLogger(l Logger) {
	if l != nil {
		c.logger = l
	}
}

// Capture drains every aggregate and saves one outbox message per event using
// the transaction provided in the context. It must run before the business
// transaction commits; any error must make the caller roll it back.
func (c *Capture) Capture(ctx context.Context, aggregates ...Aggregate) error {
	msgs, err := Harvest(aggregates...)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := c.repository.Save(ctx, msgs...); err != nil {
		return err
	}
	c.logger.Debug(fmt.Sprintf("%d domain events captured into the outbox", len(msgs)))
	return nil
}

// Harvest serializes the pending events of the aggregates into outbox
// messages, preserving the raise order. The aggregates are drained only once
// every event is serialized, so a failure leaves all of them pending.
func Harvest(aggregates ...Aggregate) ([]*OutboxMessage, error) {
	var msgs []*OutboxMessage
	for _, a := range aggregates {
		if a == nil {
			continue
		}
		for _, e := range a.PendingEvents() {
			m, err := NewOutboxMessage(e)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, m)
		}
	}
	for _, a := range aggregates {
		if a != nil {
			a.DrainEvents()
		}
	}
	return msgs, nil
}
