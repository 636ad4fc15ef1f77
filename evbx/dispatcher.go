package evbx

import (
	"context"
	"fmt"
)

// Dispatcher invokes the handlers registered for the concrete type of an
// event. Handlers run sequentially in registration order; a failing handler
// does not prevent its siblings from running and the first failure is the one
// returned.
type Dispatcher[E Event] struct {
	registry *Registry[E]
	logger   Logger
}

var _ Loggable = (*Dispatcher[DomainEvent])(nil)

// NewDispatcher creates a dispatcher over an already built registry, usually
// the result of Registry.Wrap.
func NewDispatcher[E Event](r *Registry[E]) *Dispatcher[E] {
	if r == nil {
		panic("registry is mandatory")
	}
	return &Dispatcher[E]{registry: r, logger: &NopLogger{}}
}

// SetLogger sets an optional logger.
func (d *Dispatcher[E]) SetLogger(l Logger) {
	if l != nil {
		d.logger = l
	}
}

// Decode rebuilds an event from its stored type tag and content.
func (d *Dispatcher[E]) Decode(eventType string, content []byte) (E, error) {
	return d.registry.Decode(eventType, content)
}

// Dispatch runs every handler registered for e. No handlers is a no-op.
func (d *Dispatcher[E]) Dispatch(ctx context.Context, e E) error {
	if any(e) == nil {
		return ErrEventRequired
	}

	var first error
	for _, h := range d.registry.Handlers(e.EventType()) {
		err := h.Handle(ctx, e)
		if err == nil {
			continue
		}
		err = fmt.Errorf("handler '%s' failed on event '%s': %w", h.Name, e.EventId(), err)
		if first == nil {
			first = err
		} else {
			d.logger.Error("additional handler failure", err)
		}
	}
	return first
}

// DispatchAll dispatches every event in order and returns the first failure.
func (d *Dispatcher[E]) DispatchAll(ctx context.Context, events []E) error {
	var first error
	for _, e := range events {
		if err := d.Dispatch(ctx, e); err != nil {
			if first == nil {
				first = err
			} else {
				d.logger.Error("additional dispatch failure", err)
			}
		}
	}
	return first
}
