// Package transport defines the narrow AMQP surface that brokerclient needs:
// connect, open a channel, declare/bind/delete, consume, publish, and be
// notified of returns and closures. internal/amqptransport implements it
// against github.com/rabbitmq/amqp091-go; internal/mocktransport implements
// it in-memory for tests.
package transport

import "context"

// Publishing is the wire payload and its routing flags.
type Publishing struct {
	Body        []byte
	Headers     map[string]any
	ContentType string
	Persistent  bool
}

// Delivery is an inbound message handed to a consumer.
type Delivery struct {
	Body        []byte
	Headers     map[string]any
	RoutingKey  string
	Exchange    string
	ConsumerTag string

	// ack/nack hooks back into the owning channel implementation.
	AckFunc  func() error
	NackFunc func(requeue bool) error
}

// Return is a broker-originated notice that a mandatory/immediate publish
// could not be routed.
type Return struct {
	ReplyText  string
	Exchange   string
	RoutingKey string
	Body       []byte
}

// QueueInfo is the broker's response to a queue declaration.
type QueueInfo struct {
	Name          string
	MessageCount  int
	ConsumerCount int
}

// Channel is one AMQP channel on a Connection.
type Channel interface {
	Qos(prefetchCount int) error

	ExchangeDeclare(name, kind string, durable bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive bool) (QueueInfo, error)
	QueueBind(queue, routingKey, exchange string) error
	QueueDelete(name string, ifUnused, ifEmpty bool) error

	Consume(queue, consumerTag string, autoAck, exclusive bool) (<-chan Delivery, error)
	// Cancel stops a consumer previously started by Consume, identified by
	// the consumerTag passed to it.
	Cancel(consumerTag string) error

	PublishWithContext(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg Publishing) error

	// NotifyReturn registers c to receive returned (undeliverable) messages.
	NotifyReturn(c chan Return) chan Return
	// NotifyClose registers c to receive the channel-level close error, if any.
	NotifyClose(c chan error) chan error

	Close() error
}

// Connection is one AMQP connection, able to open channels.
type Connection interface {
	Channel() (Channel, error)
	// NotifyClose registers c to receive the connection-level close error.
	NotifyClose(c chan error) chan error
	Close() error
}

// Config carries the credentials and transport knobs forwarded verbatim
// from habroker's Options.
type Config struct {
	User      string
	Pass      string
	VHost     string
	Insist    bool
	Heartbeat int // seconds; 0 disables
}

// Dialer opens a Connection to a single host:port. A real implementation
// dials amqp091-go; tests inject a Dialer backed by mocktransport.
type Dialer interface {
	Dial(ctx context.Context, host string, port uint16, cfg Config) (Connection, error)
}
