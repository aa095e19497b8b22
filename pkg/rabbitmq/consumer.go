/**
 * @description
 * This file provides the replay consumer side of the package. A durable queue is bound to a
 * topic exchange for a set of routing keys, and each handler decides whether a delivery is
 * acknowledged, redelivered, or moved to the dead-letter queue for an operator to inspect.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Disposition is a handler's verdict on one delivery.
type Disposition int

const (
	// Ack removes the delivery from the queue.
	Ack Disposition = iota
	// Retry returns the delivery to the queue for redelivery.
	Retry
	// Reject routes the delivery to the dead-letter exchange.
	Reject
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("disposition(%d)", int(d))
}

// Handler processes one delivery body.
type Handler func(body []byte) Disposition

// ConsumerOptions tune a replay queue. Zero values fall back to one unacked delivery at a
// time and a dead-letter exchange named after the source exchange.
type ConsumerOptions struct {
	Prefetch           int
	DeadLetterExchange string
}

type queueTopology struct {
	exchange           string
	queue              string
	prefetch           int
	deadLetterExchange string
	deadLetterQueue    string
}

func newQueueTopology(exchange, queue string, opts ConsumerOptions) queueTopology {
	topology := queueTopology{
		exchange:           exchange,
		queue:              queue,
		prefetch:           opts.Prefetch,
		deadLetterExchange: opts.DeadLetterExchange,
		deadLetterQueue:    queue + ".dead",
	}
	if topology.prefetch <= 0 {
		topology.prefetch = 1
	}
	if topology.deadLetterExchange == "" {
		topology.deadLetterExchange = exchange + ".dlx"
	}
	return topology
}

func (t queueTopology) queueArgs() amqp.Table {
	return amqp.Table{"x-dead-letter-exchange": t.deadLetterExchange}
}

// Consumer delivers messages from a durable queue to per-routing-key handlers.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings declares the queue and its dead-letter queue, binds the queue to exchange
// for every routing key, and dispatches deliveries in a background goroutine.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler, opts ConsumerOptions) error {
	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return fmt.Errorf("no bindings provided")
	}
	topology := newQueueTopology(exchange, queueName, opts)

	if err := c.declare(topology, handlers); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(topology.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", topology.queue, err)
	}

	go func() {
		for d := range msgs {
			settle(d, d.RoutingKey, dispatch(handlers, d.RoutingKey, d.Body))
		}
		log.Printf("level=warn component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", topology.queue)
	}()

	return nil
}

func (c *Consumer) declare(t queueTopology, handlers map[string]Handler) error {
	if err := c.ch.ExchangeDeclare(t.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.exchange, err)
	}
	if err := c.ch.ExchangeDeclare(t.deadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %s: %w", t.deadLetterExchange, err)
	}
	if _, err := c.ch.QueueDeclare(t.deadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue %s: %w", t.deadLetterQueue, err)
	}
	if err := c.ch.QueueBind(t.deadLetterQueue, "", t.deadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue %s: %w", t.deadLetterQueue, err)
	}

	q, err := c.ch.QueueDeclare(t.queue, true, false, false, false, t.queueArgs())
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", t.queue, err)
	}
	if err := c.ch.Qos(t.prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, t.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", routingKey, t.exchange, err)
		}
	}
	return nil
}

// dispatch runs the handler for routingKey. Deliveries nobody handles are dead-lettered.
func dispatch(handlers map[string]Handler, routingKey string, body []byte) Disposition {
	handler, ok := handlers[routingKey]
	if !ok {
		return Reject
	}
	return handler(body)
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func settle(d acknowledger, routingKey string, disposition Disposition) {
	var err error
	switch disposition {
	case Ack:
		err = d.Ack(false)
	case Retry:
		log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; requeueing\" routing_key=%s", routingKey)
		err = d.Nack(false, true)
	default:
		log.Printf("level=warn component=rabbitmq_consumer msg=\"delivery rejected; dead-lettering\" routing_key=%s disposition=%s", routingKey, disposition)
		err = d.Nack(false, false)
	}
	if err != nil {
		log.Printf("level=error component=rabbitmq_consumer msg=\"failed to settle delivery\" routing_key=%s disposition=%s err=%v", routingKey, disposition, err)
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
