package evbx

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// OutboxMessage is the durable snapshot of a domain event stored in the
// 'outbox_messages' table.
type OutboxMessage struct {
	Id             uuid.UUID  // same identity as the originating domain event
	Type           string     // event type tag used to pick the decoder
	Content        []byte     // serialized event
	OccurredAtUtc  time.Time  // event creation time, used for ordering
	ProcessedAtUtc *time.Time // nil until one processing attempt has completed
	Error          *string    // last failure detail if any
}

// InboxMessage is the durable snapshot of an integration event received from
// the bus and stored in the 'inbox_messages' table.
type InboxMessage struct {
	Id             uuid.UUID
	Type           string
	Content        []byte
	OccurredAtUtc  time.Time
	ProcessedAtUtc *time.Time
	Error          *string
}

// MessageConsumer is the idempotency marker meaning that the handler Name has
// completed the message MessageId.
type MessageConsumer struct {
	MessageId uuid.UUID
	Name      string
}

func (c MessageConsumer) String() string {
	return fmt.Sprintf("{messageId=%s, name=%s}", c.MessageId, c.Name)
}

// NewOutboxMessage serializes a domain event into an unprocessed outbox message.
func NewOutboxMessage(e DomainEvent) (*OutboxMessage, error) {
	content, err := marshalEvent(e)
	if err != nil {
		return nil, err
	}
	return &OutboxMessage{
		Id:            e.EventId(),
		Type:          e.EventType(),
		Content:       content,
		OccurredAtUtc: e.OccurredAt().UTC(),
	}, nil
}

// NewInboxMessage serializes an integration event into an unprocessed inbox message.
func NewInboxMessage(e IntegrationEvent) (*InboxMessage, error) {
	content, err := marshalEvent(e)
	if err != nil {
		return nil, err
	}
	return &InboxMessage{
		Id:            e.EventId(),
		Type:          e.EventType(),
		Content:       content,
		OccurredAtUtc: e.OccurredAt().UTC(),
	}, nil
}

func marshalEvent(e Event) ([]byte, error) {
	if e == nil {
		return nil, ErrEventRequired
	}
	if e.EventType() == "" {
		return nil, ErrEventTypeRequired
	}
	content, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("could not serialize event '%s': %w", e.EventType(), err)
	}
	return content, nil
}

// errorText returns the text stored in the 'error' column for err.
func errorText(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
