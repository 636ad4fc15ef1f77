package rabbitmq

import (
	"fmt"
	"reflect"

	amqp "github.com/rabbitmq/amqp091-go"
)

const exchangeType = "topic"

// amqpTopology is the subset of *amqp.Channel used to declare the topology.
type amqpTopology interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareTopology declares a durable topic exchange and a durable queue bound
// to it with the routing key of every event type.
func DeclareTopology(ch amqpTopology, exchange, queue string, eventTypes ...string) error {
	if ch == nil || reflect.ValueOf(ch).IsNil() {
		return fmt.Errorf("declare topology: channel is mandatory")
	}
	if err := ch.ExchangeDeclare(
		exchange,
		exchangeType,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange '%s': %w", exchange, err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare queue '%s': %w", queue, err)
	}
	for _, t := range eventTypes {
		key := RoutingKey(t)
		if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue '%s' with '%s': %w", queue, key, err)
		}
	}
	return nil
}
