package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/3rs4lg4d0/eventbox/bus/retry"
	"github.com/3rs4lg4d0/eventbox/evbx"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDeliveriesClosed is returned by Run when the broker closes the
// deliveries channel.
var ErrDeliveriesClosed = errors.New("deliveries channel closed")

// amqpConsumer is the subset of *amqp.Channel used by the Subscriber.
type amqpConsumer interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Subscriber consumes a queue with manual acknowledgements and feeds the
// integration events into a receiver, usually the inbox. Requeued deliveries
// are spaced by an exponential backoff.
type Subscriber struct {
	channel  amqpConsumer
	queue    string
	decoder  evbx.Decoder[evbx.IntegrationEvent]
	receiver evbx.Receiver
	logger   evbx.Logger
	delay    *retry.Delay
}

var _ evbx.Loggable = (*Subscriber)(nil)

func NewSubscriber(ch amqpConsumer, queue string, d evbx.Decoder[evbx.IntegrationEvent], r evbx.Receiver) *Subscriber {
	if ch == nil || reflect.ValueOf(ch).IsNil() {
		panic("channel is mandatory")
	}
	if queue == "" {
		panic("queue is mandatory")
	}
	if d == nil {
		panic("decoder is mandatory")
	}
	if r == nil {
		panic("receiver is mandatory")
	}
	return &Subscriber{
		channel:  ch,
		queue:    queue,
		decoder:  d,
		receiver: r,
		logger:   &evbx.NopLogger{},
		delay:    retry.NewDelay(),
	}
}

func (s *Subscriber) SetLogger(l evbx.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Run consumes the queue until the context is cancelled or the broker closes
// the deliveries channel.
func (s *Subscriber) Run(ctx context.Context) error {
	deliveries, err := s.channel.Consume(
		s.queue,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register a consumer: %w", err)
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			s.handle(ctx, d)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, d amqp.Delivery) {
	e, err := s.decoder.Decode(d.Type, d.Body)
	if err != nil {
		s.logger.Error(fmt.Sprintf("rejecting message '%s' of type '%s'", d.MessageId, d.Type), err)
		if err := d.Reject(false); err != nil {
			s.logger.Error("could not reject the message", err)
		}
		return
	}
	if err := s.receiver.Receive(ctx, e); err != nil {
		s.logger.Error(fmt.Sprintf("could not receive event '%s', requeueing", e.EventId()), err)
		if err := d.Nack(false, true); err != nil {
			s.logger.Error("could not nack the message", err)
		}
		_ = s.delay.Wait(ctx)
		return
	}
	s.delay.Reset()
	if err := d.Ack(false); err != nil {
		s.logger.Error("could not ack the message", err)
	}
}
