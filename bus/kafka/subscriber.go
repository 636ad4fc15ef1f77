package kafka

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/eventbox/bus/retry"
	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/confluentinc/confluent-kafka-go/kafka"
)

const defaultPollTimeout = 100 * time.Millisecond

// kafkaConsumer is the subset of *kafka.Consumer used by the Subscriber. The
// consumer must be created with "enable.auto.commit" set to false.
type kafkaConsumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Seek(partition kafka.TopicPartition, timeoutMs int) error
}

// Subscriber feeds the integration events read from Kafka into a receiver,
// usually the inbox. Offsets are committed only once the event is recorded
// and failed events are redelivered after an exponential backoff.
type Subscriber struct {
	consumer    kafkaConsumer
	decoder     evbx.Decoder[evbx.IntegrationEvent]
	receiver    evbx.Receiver
	logger      evbx.Logger
	pollTimeout time.Duration
	delay       *retry.Delay
}

var _ evbx.Loggable = (*Subscriber)(nil)

func NewSubscriber(c kafkaConsumer, d evbx.Decoder[evbx.IntegrationEvent], r evbx.Receiver) *Subscriber {
	if c == nil || reflect.ValueOf(c).IsNil() {
		panic("consumer is mandatory")
	}
	if d == nil {
		panic("decoder is mandatory")
	}
	if r == nil {
		panic("receiver is mandatory")
	}
	return &Subscriber{
		consumer:    c,
		decoder:     d,
		receiver:    r,
		logger:      &evbx.NopLogger{},
		pollTimeout: defaultPollTimeout,
		delay:       retry.NewDelay(),
	}
}

func (s *Subscriber) SetLogger(l evbx.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Subscribe subscribes the consumer to the topics of the given event types.
func (s *Subscriber) Subscribe(eventTypes ...string) error {
	if len(eventTypes) == 0 {
		return errors.New("at least one event type is required")
	}
	topics := make([]string, len(eventTypes))
	for i, t := range eventTypes {
		topics[i] = BuildTopicName(t)
	}
	return s.consumer.SubscribeTopics(topics, nil)
}

// Run polls the consumer until the context is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		m, err := s.consumer.ReadMessage(s.pollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			s.logger.Error("error reading from kafka", err)
			_ = s.delay.Wait(ctx)
			continue
		}
		s.handle(ctx, m)
	}
}

func (s *Subscriber) handle(ctx context.Context, m *kafka.Message) {
	eventType := header(m, typeHeader)
	e, err := s.decoder.Decode(eventType, m.Value)
	if err != nil {
		// an undecodable message would be redelivered forever
		s.logger.Error(fmt.Sprintf("discarding message at offset %v of type '%s'", m.TopicPartition.Offset, eventType), err)
		s.commit(m)
		return
	}
	if err := s.receiver.Receive(ctx, e); err != nil {
		s.logger.Error(fmt.Sprintf("could not receive event '%s', it will be redelivered", e.EventId()), err)
		if err := s.consumer.Seek(m.TopicPartition, 0); err != nil {
			s.logger.Error("could not seek back to the failed offset", err)
		}
		_ = s.delay.Wait(ctx)
		return
	}
	s.delay.Reset()
	s.commit(m)
}

func (s *Subscriber) commit(m *kafka.Message) {
	if _, err := s.consumer.CommitMessage(m); err != nil {
		s.logger.Error(fmt.Sprintf("could not commit offset %v", m.TopicPartition.Offset), err)
	}
}

func header(m *kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
