package kafka

import (
	"context"
	"fmt"
	"reflect"
	"strconv"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/goccy/go-json"
	"github.com/iancoleman/strcase"
)

const (
	idHeader         = "id"
	typeHeader       = "type"
	occurredAtHeader = "occurredAt"
)

// kafkaProducer is the subset of *kafka.Producer used by the Publisher.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

type Publisher struct {
	producer kafkaProducer
	logger   evbx.Logger
}

var _ evbx.Publisher = (*Publisher)(nil)
var _ evbx.Loggable = (*Publisher)(nil)

func NewPublisher(p kafkaProducer) *Publisher {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	return &Publisher{
		producer: p,
		logger:   &evbx.NopLogger{},
	}
}

func (p *Publisher) SetLogger(l evbx.Logger) {
	if l != nil {
		p.logger = l
	}
}

// Publish produces the event on its topic and waits for the delivery report.
// The event id is used as the message key.
func (p *Publisher) Publish(ctx context.Context, e evbx.IntegrationEvent) error {
	if e == nil {
		return evbx.ErrEventRequired
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("could not serialize event '%s': %w", e.EventType(), err)
	}

	internal := make(chan kafka.Event, 1)
	topic := BuildTopicName(e.EventType())
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(e.EventId().String()),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: idHeader, Value: []byte(e.EventId().String())},
			{Key: typeHeader, Value: []byte(e.EventType())},
			{Key: occurredAtHeader, Value: []byte(strconv.FormatInt(e.OccurredAt().UnixMilli(), 10))},
		},
	}, internal)
	if err != nil {
		return fmt.Errorf("could not produce event '%s': %w", e.EventId(), err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-internal:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery report: %s", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("could not deliver event '%s': %w", e.EventId(), m.TopicPartition.Error)
		}
		p.logger.Debug(fmt.Sprintf("Delivered message to topic %s [%d] at offset %v",
			*m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset))
		return nil
	}
}

// BuildTopicName builds a topic name from an event type (e.g. if
// eventType="UserRegistered" then topic name is "integration-user-registered").
func BuildTopicName(eventType string) string {
	return fmt.Sprintf("integration-%s", strcase.ToKebab(eventType))
}
