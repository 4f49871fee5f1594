package rabbitmq

import (
	"fmt"
	"log"
	"net/url"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one message body. It returns true when the message is done
// with and false when a later attempt could still succeed.
type Handler = func(body []byte) bool

// Consumer delivers messages from one durable queue to per-routing-key handlers.
// A failed message is retried once; a second failure moves it to the queue's
// dead-letter queue, "<queue>.dead".
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
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
	// One unacked message at a time keeps per-event updates in arrival order.
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// deadLetterNames returns the dead-letter exchange and queue paired with queueName.
func deadLetterNames(queueName string) (exchange, queue string) {
	return queueName + ".dlx", queueName + ".dead"
}

// declareTopology declares the topic exchange, the work queue and its dead-letter
// pair, and binds the work queue to every routing key in keys.
func (c *Consumer) declareTopology(exchange, queueName string, keys []string) error {
	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	dlx, dlq := deadLetterNames(queueName)
	if err := c.ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %s: %w", dlx, err)
	}
	if _, err := c.ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue %s: %w", dlq, err)
	}
	if err := c.ch.QueueBind(dlq, "", dlx, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue %s: %w", dlq, err)
	}

	if _, err := c.ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": dlx,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	for _, key := range keys {
		if err := c.ch.QueueBind(queueName, key, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", key, queueName, err)
		}
	}
	return nil
}

// ConsumeWithBindings binds queueName to each routing key in bindings and starts
// delivering in the background. Nil handlers are ignored.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	handlers := make(map[string]Handler, len(bindings))
	keys := make([]string, 0, len(bindings))
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		keys = append(keys, routingKey)
	}
	if len(handlers) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.declareTopology(exchange, queueName, keys); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			settle(d, dispatch(handlers, d.RoutingKey, d.Body, d.Redelivered))
		}
		log.Printf("level=warn component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", queueName)
	}()

	return nil
}

type verdict int

const (
	verdictAck verdict = iota
	verdictRequeue
	verdictDeadLetter
)

func (v verdict) String() string {
	switch v {
	case verdictAck:
		return "ack"
	case verdictRequeue:
		return "requeue"
	default:
		return "dead_letter"
	}
}

// dispatch runs the handler for routingKey and decides what happens to the message.
// Messages nobody handles are acked and dropped.
func dispatch(handlers map[string]Handler, routingKey string, body []byte, redelivered bool) verdict {
	handler, ok := handlers[routingKey]
	if !ok {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler; dropping\" routing_key=%s", routingKey)
		return verdictAck
	}
	if handler(body) {
		return verdictAck
	}
	if redelivered {
		log.Printf("level=error component=rabbitmq_consumer msg=\"handler failed again; dead-lettering\" routing_key=%s", routingKey)
		return verdictDeadLetter
	}
	log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; requeueing\" routing_key=%s", routingKey)
	return verdictRequeue
}

func settle(d amqp.Delivery, v verdict) {
	var err error
	switch v {
	case verdictAck:
		err = d.Ack(false)
	case verdictRequeue:
		err = d.Nack(false, true)
	case verdictDeadLetter:
		err = d.Nack(false, false)
	}
	if err != nil {
		log.Printf("level=error component=rabbitmq_consumer msg=\"failed to settle delivery\" routing_key=%s verdict=%s err=%v", d.RoutingKey, v, err)
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
