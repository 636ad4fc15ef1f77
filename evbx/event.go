package evbx

import (
	"time"

	"github.com/google/uuid"
)

// Event is a fact with a unique identity and a creation time. EventType must
// be declared with a value receiver and return a constant, it is the tag stored
// next to the serialized event and used to find its decoder and handlers.
type Event interface {
	EventId() uuid.UUID
	OccurredAt() time.Time
	EventType() string
}

// DomainEvent is a business fact raised by an aggregate. Concrete domain events
// embed DomainEventBase.
type DomainEvent interface {
	Event
	isDomainEvent()
}

// IntegrationEvent is a fact published for cross-boundary consumption.
// Concrete integration events embed IntegrationEventBase.
type IntegrationEvent interface {
	Event
	isIntegrationEvent()
}

// DomainEventBase carries the identity and creation time of a domain event.
type DomainEventBase struct {
	Id            uuid.UUID `json:"id"`
	OccurredAtUtc time.Time `json:"occurredAtUtc"`
}

// NewDomainEventBase returns a base with a fresh time-ordered id.
func NewDomainEventBase() DomainEventBase {
	return DomainEventBase{Id: newEventId(), OccurredAtUtc: time.Now().UTC()}
}

func (b DomainEventBase) EventId() uuid.UUID    { return b.Id }
func (b DomainEventBase) OccurredAt() time.Time { return b.OccurredAtUtc }
func (DomainEventBase) isDomainEvent()          {}

// IntegrationEventBase carries the identity and creation time of an
// integration event.
type IntegrationEventBase struct {
	Id            uuid.UUID `json:"id"`
	OccurredAtUtc time.Time `json:"occurredAtUtc"`
}

// NewIntegrationEventBase returns a base with a fresh time-ordered id.
func NewIntegrationEventBase() IntegrationEventBase {
	return IntegrationEventBase{Id: newEventId(), OccurredAtUtc: time.Now().UTC()}
}

func (b IntegrationEventBase) EventId() uuid.UUID    { return b.Id }
func (b IntegrationEventBase) OccurredAt() time.Time { return b.OccurredAtUtc }
func (IntegrationEventBase) isIntegrationEvent()     {}

func newEventId() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// Aggregate is implemented by entities that accumulate domain events until
// their changes are committed.
type Aggregate interface {
	PendingEvents() []DomainEvent
	// DrainEvents returns the pending events and resets the list, so a later
	// commit of the same in-memory object does not emit them again.
	DrainEvents() []DomainEvent
}

// AggregateRoot is an embeddable Aggregate implementation.
type AggregateRoot struct {
	events []DomainEvent
}

var _ Aggregate = (*AggregateRoot)(nil)

// Raise appends a domain event to the pending list.
func (a *AggregateRoot) Raise(e DomainEvent) {
	a.events = append(a.events, e)
}

// PendingEvents returns a copy of the pending list without draining it.
func (a *AggregateRoot) PendingEvents() []DomainEvent {
	return append([]DomainEvent(nil), a.events...)
}

func (a *AggregateRoot) DrainEvents() []DomainEvent {
	events := a.events
	a.events = nil
	return events
}
