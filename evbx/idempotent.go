package evbx

import (
	"context"
	"errors"
	"fmt"
)

// Idempotent returns a middleware that runs a handler at most once per
// message. The marker is keyed by the event id and the name of the decorated
// handler and it is only written after the handler succeeds.
func Idempotent[E Event](consumers ConsumerRepository, logger Logger) Middleware[E] {
	if consumers == nil {
		panic("consumer repository is mandatory")
	}
	if logger == nil {
		logger = &NopLogger{}
	}

	return func(h NamedHandler[E]) HandlerFunc[E] {
		return func(ctx context.Context, e E) error {
			c := MessageConsumer{MessageId: e.EventId(), Name: h.Name}

			exists, err := consumers.ConsumerExists(ctx, c)
			if err != nil {
				return fmt.Errorf("could not check the consumer %s: %w", c, err)
			}
			if exists {
				logger.Debug(fmt.Sprintf("skipping already consumed message %s", c))
				return nil
			}

			if err := h.Handle(ctx, e); err != nil {
				return err
			}

			if err := consumers.InsertConsumer(ctx, c); err != nil {
				if errors.Is(err, ErrDuplicateMessage) {
					// another processor completed the same handler concurrently
					logger.Debug(fmt.Sprintf("consumer %s was already recorded", c))
					return nil
				}
				return fmt.Errorf("could not record the consumer %s: %w", c, err)
			}
			return nil
		}
	}
}
