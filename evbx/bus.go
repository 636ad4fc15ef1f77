package evbx

import "context"

// Publisher sends integration events to a message broker.
type Publisher interface {
	Publish(ctx context.Context, e IntegrationEvent) error
}

// Receiver records the integration events delivered by a message broker. An
// error means the delivery must not be acknowledged.
type Receiver interface {
	Receive(ctx context.Context, e IntegrationEvent) error
}

// Decoder rebuilds an event from its type tag and serialized content.
type Decoder[E Event] interface {
	Decode(eventType string, content []byte) (E, error)
}

var (
	_ Receiver                  = (*Intake)(nil)
	_ Receiver                  = (*Eventbox)(nil)
	_ Decoder[IntegrationEvent] = (*Registry[IntegrationEvent])(nil)
	_ Decoder[DomainEvent]      = (*Dispatcher[DomainEvent])(nil)
)
