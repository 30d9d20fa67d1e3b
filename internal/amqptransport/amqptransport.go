// Package amqptransport implements internal/transport against
// github.com/rabbitmq/amqp091-go.
package amqptransport

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/milad-ha/amqpha/internal/transport"
)

// Dialer dials amqp091-go connections. The zero value is ready to use.
type Dialer struct{}

// Dial opens an AMQP connection to host:port using cfg's credentials.
func (Dialer) Dial(ctx context.Context, host string, port uint16, cfg transport.Config) (transport.Connection, error) {
	u := url.URL{
		Scheme: "amqp",
		Host:   host + ":" + strconv.Itoa(int(port)),
	}
	if cfg.User != "" || cfg.Pass != "" {
		u.User = url.UserPassword(cfg.User, cfg.Pass)
	}
	if cfg.VHost != "" {
		u.Path = "/" + cfg.VHost
	}

	amqpCfg := amqp.Config{}
	if cfg.Heartbeat > 0 {
		amqpCfg.Heartbeat = time.Duration(cfg.Heartbeat) * time.Second
	}
	// amqp091-go has no direct "insist" knob; Properties carries it through
	// for brokers/proxies that honor the historical AMQP 0-8/0-9 field.
	amqpCfg.Properties = amqp.Table{"insist": cfg.Insist}

	conn, err := amqp.DialConfig(u.String(), amqpCfg)
	if err != nil {
		return nil, fmt.Errorf("amqpha/amqptransport: dial %s:%d: %w", host, port, err)
	}
	return &connection{conn: conn}, nil
}

type connection struct {
	conn *amqp.Connection
}

func (c *connection) Channel() (transport.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqpha/amqptransport: open channel: %w", err)
	}
	return &channel{ch: ch}, nil
}

func (c *connection) NotifyClose(ch chan error) chan error {
	src := c.conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for e := range src {
			ch <- e
		}
		close(ch)
	}()
	return ch
}

func (c *connection) Close() error {
	return c.conn.Close()
}

type channel struct {
	ch *amqp.Channel
}

func (c *channel) Qos(prefetchCount int) error {
	return c.ch.Qos(prefetchCount, 0, false)
}

func (c *channel) ExchangeDeclare(name, kind string, durable bool) error {
	if name == "" {
		return nil
	}
	return c.ch.ExchangeDeclare(name, kind, durable, false, false, false, nil)
}

func (c *channel) QueueDeclare(name string, durable, autoDelete, exclusive bool) (transport.QueueInfo, error) {
	q, err := c.ch.QueueDeclare(name, durable, autoDelete, exclusive, false, nil)
	if err != nil {
		return transport.QueueInfo{}, err
	}
	return transport.QueueInfo{Name: q.Name, MessageCount: q.Messages, ConsumerCount: q.Consumers}, nil
}

func (c *channel) QueueBind(queue, routingKey, exchange string) error {
	return c.ch.QueueBind(queue, routingKey, exchange, false, nil)
}

func (c *channel) QueueDelete(name string, ifUnused, ifEmpty bool) error {
	_, err := c.ch.QueueDelete(name, ifUnused, ifEmpty, false)
	return err
}

func (c *channel) Consume(queue, consumerTag string, autoAck, exclusive bool) (<-chan transport.Delivery, error) {
	deliveries, err := c.ch.Consume(queue, consumerTag, autoAck, exclusive, false, false, nil)
	if err != nil {
		return nil, err
	}
	out := make(chan transport.Delivery)
	go func() {
		defer close(out)
		for d := range deliveries {
			d := d
			out <- transport.Delivery{
				Body:        d.Body,
				Headers:     map[string]any(d.Headers),
				RoutingKey:  d.RoutingKey,
				Exchange:    d.Exchange,
				ConsumerTag: d.ConsumerTag,
				AckFunc:     func() error { return d.Ack(false) },
				NackFunc:    func(requeue bool) error { return d.Nack(false, requeue) },
			}
		}
	}()
	return out, nil
}

func (c *channel) Cancel(consumerTag string) error {
	return c.ch.Cancel(consumerTag, false)
}

func (c *channel) PublishWithContext(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg transport.Publishing) error {
	pub := amqp.Publishing{
		Body:        msg.Body,
		Headers:     amqp.Table(msg.Headers),
		ContentType: msg.ContentType,
	}
	if msg.Persistent {
		pub.DeliveryMode = amqp.Persistent
	}
	return c.ch.PublishWithContext(ctx, exchange, routingKey, mandatory, immediate, pub)
}

func (c *channel) NotifyReturn(ch chan transport.Return) chan transport.Return {
	src := c.ch.NotifyReturn(make(chan amqp.Return))
	go func() {
		for r := range src {
			ch <- transport.Return{
				ReplyText:  r.ReplyText,
				Exchange:   r.Exchange,
				RoutingKey: r.RoutingKey,
				Body:       r.Body,
			}
		}
		close(ch)
	}()
	return ch
}

func (c *channel) NotifyClose(ch chan error) chan error {
	src := c.ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for e := range src {
			ch <- e
		}
		close(ch)
	}()
	return ch
}

func (c *channel) Close() error {
	return c.ch.Close()
}
