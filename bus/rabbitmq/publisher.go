package rabbitmq

import (
	"context"
	"fmt"
	"reflect"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/goccy/go-json"
	"github.com/iancoleman/strcase"
	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpPublisher is the subset of *amqp.Channel used by the Publisher.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher publishes integration events on an exchange. The routing key is
// the kebab-cased event type.
type Publisher struct {
	channel  amqpPublisher
	exchange string
	logger   evbx.Logger
}

var _ evbx.Publisher = (*Publisher)(nil)
var _ evbx.Loggable = (*Publisher)(nil)

func NewPublisher(ch amqpPublisher, exchange string) *Publisher {
	if ch == nil || reflect.ValueOf(ch).IsNil() {
		panic("channel is mandatory")
	}
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   &evbx.NopLogger{},
	}
}

func (p *Publisher) SetLogger(l evbx.Logger) {
	if l != nil {
		p.logger = l
	}
}

// Publish sends the event as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, e evbx.IntegrationEvent) error {
	if e == nil {
		return evbx.ErrEventRequired
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("could not serialize event '%s': %w", e.EventType(), err)
	}
	key := RoutingKey(e.EventType())
	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			MessageId:    e.EventId().String(),
			Type:         e.EventType(),
			Timestamp:    e.OccurredAt(),
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish event '%s': %w", e.EventId(), err)
	}
	p.logger.Debug(fmt.Sprintf("published event %s with routing key %s", e.EventId(), key))
	return nil
}

// RoutingKey returns the routing key of an event type (e.g. "UserRegistered"
// is routed with "user-registered").
func RoutingKey(eventType string) string {
	return strcase.ToKebab(eventType)
}
