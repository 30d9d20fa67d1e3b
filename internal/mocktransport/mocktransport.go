// Package mocktransport is an in-memory internal/transport.Dialer: a test
// double that records what was published and declared and lets tests
// inject deliveries, returns, and close notifications.
package mocktransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/milad-ha/amqpha/internal/transport"
)

// Dialer hands out *Connection values keyed by "host:port" so a test can
// reach into a specific broker's connection after HABrokerClient dials it.
type Dialer struct {
	mu    sync.Mutex
	conns map[string]*Connection

	// DialErr, if set, makes every Dial to that address fail once.
	DialErr map[string]error
}

func NewDialer() *Dialer {
	return &Dialer{conns: make(map[string]*Connection), DialErr: make(map[string]error)}
}

func addrKey(host string, port uint16) string { return fmt.Sprintf("%s:%d", host, port) }

// Dial implements transport.Dialer.
func (d *Dialer) Dial(_ context.Context, host string, port uint16, cfg transport.Config) (transport.Connection, error) {
	key := addrKey(host, port)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.DialErr[key]; err != nil {
		delete(d.DialErr, key)
		return nil, err
	}
	c := &Connection{closeNotify: make([]chan error, 0)}
	d.conns[key] = c
	return c, nil
}

// Conn returns the most recent Connection dialed for host:port, or nil.
func (d *Dialer) Conn(host string, port uint16) *Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[addrKey(host, port)]
}

// FailNextDial makes the next Dial to host:port return err.
func (d *Dialer) FailNextDial(host string, port uint16, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialErr[addrKey(host, port)] = err
}

// Connection is an in-memory transport.Connection.
type Connection struct {
	mu          sync.Mutex
	closed      bool
	channels    []*Channel
	closeNotify []chan error
}

func (c *Connection) Channel() (transport.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := &Channel{
		queues:       make(map[string]bool),
		exchanges:    make(map[string]string),
		deliveries:   make(map[string]chan transport.Delivery),
		consumers:    make(map[string]string),
		returnNotify: make([]chan transport.Return, 0),
		closeNotify:  make([]chan error, 0),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Channels returns every Channel opened on this Connection so far, in
// open order.
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

func (c *Connection) NotifyClose(ch chan error) chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeNotify = append(c.closeNotify, ch)
	return ch
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, ch := range c.closeNotify {
		close(ch)
	}
	return nil
}

// InjectClose simulates the transport reporting a connection-level error
// (e.g. a TCP drop). It does not mark the connection closed: a real
// disconnect followed by auto-reconnect is a different state than Close().
func (c *Connection) InjectClose(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.closeNotify {
		select {
		case ch <- err:
		default:
		}
	}
}

// Channel is an in-memory transport.Channel.
type Channel struct {
	mu           sync.Mutex
	closed       bool
	prefetch     int
	queues       map[string]bool
	exchanges    map[string]string // name -> kind
	deliveries   map[string]chan transport.Delivery
	consumers    map[string]string // consumerTag -> queue
	published    []Published
	returnNotify []chan transport.Return
	closeNotify  []chan error
}

// Published records one call to PublishWithContext.
type Published struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
	Msg        transport.Publishing
}

func (ch *Channel) Qos(prefetchCount int) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable bool) error {
	if name == "" {
		return nil
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.exchanges[name] = kind
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive bool) (transport.QueueInfo, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.queues[name] = true
	return transport.QueueInfo{Name: name}, nil
}

func (ch *Channel) QueueBind(queue, routingKey, exchange string) error {
	return nil
}

func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.queues, name)
	return nil
}

func (ch *Channel) Consume(queue, consumerTag string, autoAck, exclusive bool) (<-chan transport.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	d := make(chan transport.Delivery, 16)
	ch.deliveries[queue] = d
	if consumerTag != "" {
		ch.consumers[consumerTag] = queue
	}
	return d, nil
}

// Cancel stops the consumer registered under consumerTag, closing its
// delivery channel. Unknown tags are a silent no-op, mirroring a broker
// that has already forgotten a cancelled consumer.
func (ch *Channel) Cancel(consumerTag string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	queue, ok := ch.consumers[consumerTag]
	if !ok {
		return nil
	}
	delete(ch.consumers, consumerTag)
	if d, ok := ch.deliveries[queue]; ok {
		delete(ch.deliveries, queue)
		close(d)
	}
	return nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg transport.Publishing) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return fmt.Errorf("amqpha/mocktransport: channel closed")
	}
	ch.published = append(ch.published, Published{Exchange: exchange, RoutingKey: routingKey, Mandatory: mandatory, Immediate: immediate, Msg: msg})
	ch.mu.Unlock()
	return nil
}

func (ch *Channel) NotifyReturn(c chan transport.Return) chan transport.Return {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.returnNotify = append(ch.returnNotify, c)
	return c
}

func (ch *Channel) NotifyClose(c chan error) chan error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closeNotify = append(ch.closeNotify, c)
	return c
}

func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil
	}
	ch.closed = true
	for _, c := range ch.closeNotify {
		close(c)
	}
	return nil
}

// Published returns every message published on this channel so far.
func (ch *Channel) Published() []Published {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]Published, len(ch.published))
	copy(out, ch.published)
	return out
}

// Deliver pushes a delivery to a queue's consumer, simulating broker
// delivery. It fails the test-visible way (returns an error) if no
// consumer is attached yet.
func (ch *Channel) Deliver(queue string, d transport.Delivery) error {
	ch.mu.Lock()
	c, ok := ch.deliveries[queue]
	ch.mu.Unlock()
	if !ok {
		return fmt.Errorf("amqpha/mocktransport: no consumer on queue %q", queue)
	}
	c <- d
	return nil
}

// InjectReturn simulates a broker-originated return by handing r, exactly
// as the test built it, to every registered return listener; a listener
// whose buffer is full does not receive it.
func (ch *Channel) InjectReturn(r transport.Return) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, c := range ch.returnNotify {
		select {
		case c <- r:
		default:
		}
	}
}

// HasQueue reports whether name was declared (and not since deleted).
func (ch *Channel) HasQueue(name string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.queues[name]
}
