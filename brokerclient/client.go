// Package brokerclient wraps a single AMQP broker address: it owns one
// connection and channel, tracks subscriptions, acknowledgement
// discipline, prefetch, and return-message wiring. It is the per-broker
// state machine habroker.Coordinator supervises.
package brokerclient

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/milad-ha/amqpha/brokeraddr"
	"github.com/milad-ha/amqpha/internal/transport"
	"github.com/milad-ha/amqpha/serializer"
	"github.com/milad-ha/amqpha/xlog"
)

// legacyNilSentinel is the historical three-byte payload that signals "no
// message" from an old agent still in the field.
var legacyNilSentinel = []byte("nil")

type subscription struct {
	queue    string
	exchange *ExchangeSpec
	opts     SubscribeOptions
	handler  SubscribeHandler
	// tag is the consumer tag used for Consume/Cancel, generated once per
	// subscription and kept stable across reconnects so a resubscribe
	// after Connect re-dials reuses the same tag.
	tag string
}

// Client owns one AMQP connection to one broker address.
type Client struct {
	addr brokeraddr.Address

	dialer     transport.Dialer
	serializer serializer.Serializer
	opts       Options
	log        xlog.Logger
	onStatus   UpdateStatusFunc

	mu            sync.Mutex
	status        Status
	subscriptions map[string]*subscription
	declaredExch  map[string]bool

	disconnects, failures, retries int
	lastFailed                     bool

	conn        transport.Connection
	ch          transport.Channel
	closeNotify chan error

	returnHandler ReturnHandler

	stopReconnect chan struct{}
	closeOnce     sync.Once

	rng *rand.Rand
}

// New constructs a Client for addr. It does not dial; call Connect.
func New(addr brokeraddr.Address, dialer transport.Dialer, ser serializer.Serializer, opts Options, onStatus UpdateStatusFunc, log xlog.Logger) *Client {
	return &Client{
		addr:          addr,
		dialer:        dialer,
		serializer:    ser,
		opts:          opts.withDefaults(),
		log:           log.With("brokerclient"),
		onStatus:      onStatus,
		subscriptions: make(map[string]*subscription),
		declaredExch:  make(map[string]bool),
		stopReconnect: make(chan struct{}),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(addr.Index))),
	}
}

// Identity is this broker's stable identity string.
func (c *Client) Identity() string { return c.addr.Identity() }

// Alias is this broker's short log label.
func (c *Client) Alias() string { return c.addr.Alias() }

// Host, Port, Index are this broker's address components.
func (c *Client) Host() string  { return c.addr.Host }
func (c *Client) Port() uint16  { return c.addr.Port }
func (c *Client) Index() uint16 { return c.addr.Index }

// Status returns the current lifecycle status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Usable reports whether this client currently accepts subscribe, declare
// and delete (status connecting or connected). Publish applies its own,
// different check.
func (c *Client) Usable() bool {
	return c.Status().Usable()
}

// Counters returns (disconnects, failures, retries).
func (c *Client) Counters() (disconnects, failures, retries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects, c.failures, c.retries
}

// setStatus applies a transition, invoking onStatus exactly once if the
// status actually changed. A closed client never regresses to another
// state.
func (c *Client) setStatus(next Status) {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	prev := c.status
	if prev == next {
		c.mu.Unlock()
		return
	}
	wasConnected := prev == StatusConnected
	c.applyCounters(prev, next)
	c.status = next
	c.mu.Unlock()

	c.log.Info("status transition", "identity", c.Identity(), "from", prev.String(), "to", next.String())
	if c.onStatus != nil {
		c.onStatus(c.Identity(), wasConnected)
	}
}

// applyCounters updates the failure-accounting counters for a transition.
// Caller holds c.mu.
func (c *Client) applyCounters(prev, next Status) {
	switch {
	case next == StatusConnected:
		c.lastFailed = false
		c.retries = 0
	case next == StatusFailed:
		if c.lastFailed {
			c.retries++
		} else {
			c.lastFailed = true
			c.retries = 0
			c.failures++
		}
	case next == StatusDisconnected && prev != StatusDisconnected:
		c.disconnects++
	}
}

// MarkStopping transitions the client to stopping, e.g. after this broker
// returned a message with ACCESS_REFUSED.
func (c *Client) MarkStopping() {
	c.setStatus(StatusStopping)
}

// Connect opens the AMQP connection and channel, applies prefetch, and
// starts the background reconnect supervisor.
func (c *Client) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting)

	// Only subsequent reconnect attempts wait out the randomized delay;
	// the initial connect dials immediately.
	if err := c.dial(ctx); err != nil {
		c.setStatus(StatusFailed)
		return fmt.Errorf("amqpha/brokerclient: connect %s: %w", c.Identity(), err)
	}

	c.setStatus(StatusConnected)
	go c.superviseClose()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	conn, err := c.dialer.Dial(ctx, c.addr.Host, c.addr.Port, transport.Config{
		User:      c.opts.User,
		Pass:      c.opts.Pass,
		VHost:     c.opts.VHost,
		Insist:    c.opts.Insist,
		Heartbeat: int(c.opts.Heartbeat / time.Second),
	})
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if c.opts.Prefetch > 0 {
		if err := ch.Qos(c.opts.Prefetch); err != nil {
			ch.Close()
			conn.Close()
			return err
		}
	}

	closeNotify := conn.NotifyClose(make(chan error, 1))

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.closeNotify = closeNotify
	c.declaredExch = make(map[string]bool)
	subs := c.snapshotSubscriptions()
	c.mu.Unlock()

	if c.returnHandler != nil {
		c.wireReturns(ch, c.returnHandler)
	}

	for _, sub := range subs {
		if err := c.installSubscription(ctx, sub); err != nil {
			c.trackException(fmt.Errorf("amqpha/brokerclient: resubscribe %q: %w", sub.queue, err), nil)
		}
	}
	return nil
}

func (c *Client) snapshotSubscriptions() []*subscription {
	out := make([]*subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		out = append(out, s)
	}
	return out
}

// superviseClose watches the connection-level close notification and
// drives the reconnect loop when it fires on a non-terminal client.
func (c *Client) superviseClose() {
	c.mu.Lock()
	notify := c.closeNotify
	c.mu.Unlock()
	if notify == nil {
		return
	}

	select {
	case <-notify:
	case <-c.stopReconnect:
		return
	}

	c.mu.Lock()
	terminal := c.status == StatusClosed || c.status == StatusFailed
	c.mu.Unlock()
	if terminal {
		return
	}

	c.setStatus(StatusDisconnected)
	c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	for {
		delay := time.Duration(c.rng.Int63n(int64(c.opts.ReconnectInterval)))
		select {
		case <-time.After(delay):
		case <-c.stopReconnect:
			return
		}

		c.mu.Lock()
		terminal := c.status == StatusClosed || c.status == StatusFailed
		c.mu.Unlock()
		if terminal {
			return
		}

		if err := c.dial(context.Background()); err != nil {
			c.mu.Lock()
			c.retries++
			c.mu.Unlock()
			c.trackException(fmt.Errorf("amqpha/brokerclient: reconnect %s: %w", c.Identity(), err), nil)
			continue
		}

		c.setStatus(StatusConnected)
		go c.superviseClose()
		return
	}
}

func (c *Client) trackException(err error, message []byte) {
	c.log.Error(err, "tracked exception", "identity", c.Identity())
	if c.opts.ExceptionCallback != nil {
		c.opts.ExceptionCallback(err, message)
	}
}

// Subscribe installs a consumer on queue, declaring/binding as needed.
// Returns false if the client is not usable; returns true (no-op) if
// queue is already subscribed.
func (c *Client) Subscribe(ctx context.Context, queue string, exchange *ExchangeSpec, opts SubscribeOptions, handler SubscribeHandler) bool {
	if !c.Usable() {
		return false
	}

	c.mu.Lock()
	if _, exists := c.subscriptions[queue]; exists {
		c.mu.Unlock()
		return true
	}
	sub := &subscription{queue: queue, exchange: exchange, opts: opts, handler: handler, tag: uuid.NewString()}
	c.subscriptions[queue] = sub
	c.mu.Unlock()

	if err := c.installSubscription(ctx, sub); err != nil {
		c.trackException(fmt.Errorf("amqpha/brokerclient: subscribe %q: %w", queue, err), nil)
		c.mu.Lock()
		delete(c.subscriptions, queue)
		c.mu.Unlock()
		return false
	}
	return true
}

func (c *Client) installSubscription(ctx context.Context, sub *subscription) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("amqpha/brokerclient: no channel")
	}

	if !sub.opts.NoDeclare {
		if _, err := ch.QueueDeclare(sub.queue, true, false, false); err != nil {
			return fmt.Errorf("declare queue: %w", err)
		}
	}

	key := sub.opts.Key
	if key == "" {
		key = sub.queue
	}
	if sub.exchange != nil && sub.exchange.Name != "" {
		if err := c.declareExchange(ch, *sub.exchange); err != nil {
			return fmt.Errorf("declare exchange: %w", err)
		}
		if err := ch.QueueBind(sub.queue, key, sub.exchange.Name); err != nil {
			return fmt.Errorf("bind exchange: %w", err)
		}
	}
	if sub.opts.Exchange2 != nil && sub.opts.Exchange2.Name != "" {
		if err := c.declareExchange(ch, *sub.opts.Exchange2); err != nil {
			return fmt.Errorf("declare exchange2: %w", err)
		}
		if err := ch.QueueBind(sub.queue, key, sub.opts.Exchange2.Name); err != nil {
			return fmt.Errorf("bind exchange2: %w", err)
		}
	}

	deliveries, err := ch.Consume(sub.queue, sub.tag, !sub.opts.Ack, false)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	go c.consumeLoop(sub, deliveries)
	return nil
}

// Unsubscribe cancels queue's consumer and drops it from the subscription
// set. A queue that is not currently subscribed is a silent no-op, so a
// second Unsubscribe call is idempotent.
func (c *Client) Unsubscribe(queue string) bool {
	c.mu.Lock()
	sub, known := c.subscriptions[queue]
	if known {
		delete(c.subscriptions, queue)
	}
	ch := c.ch
	c.mu.Unlock()
	if !known || ch == nil {
		return true
	}
	if err := ch.Cancel(sub.tag); err != nil {
		c.trackException(fmt.Errorf("amqpha/brokerclient: unsubscribe %q: %w", queue, err), nil)
		return false
	}
	return true
}

func (c *Client) declareExchange(ch transport.Channel, spec ExchangeSpec) error {
	c.mu.Lock()
	already := c.declaredExch[spec.Name]
	if !already {
		c.declaredExch[spec.Name] = true
	}
	c.mu.Unlock()
	if already {
		return nil
	}
	return ch.ExchangeDeclare(spec.Name, spec.Kind, true)
}

func (c *Client) consumeLoop(sub *subscription, deliveries <-chan transport.Delivery) {
	for d := range deliveries {
		c.handleDelivery(sub, d)
	}
}

func (c *Client) handleDelivery(sub *subscription, d transport.Delivery) {
	if sub.opts.Ack && d.AckFunc != nil {
		// Ack before invoking the handler: bias toward at-most-once under
		// crash, at the cost of possible loss.
		if err := d.AckFunc(); err != nil {
			c.trackException(fmt.Errorf("amqpha/brokerclient: ack: %w", err), d.Body)
		}
	}

	if c.opts.LegacyNilSentinel && bytes.Equal(d.Body, legacyNilSentinel) {
		return
	}

	headers := stringHeaders(d.Headers)
	env := Delivery{Queue: sub.queue, Body: d.Body, Header: headers}

	if sub.opts.NoUnserialize || c.serializer == nil {
		c.invokeHandler(sub, env, d)
		return
	}

	var packet map[string]any
	if err := c.serializer.Decode(d.Body, &packet); err != nil {
		c.trackException(fmt.Errorf("amqpha/brokerclient: decode: %w", err), d.Body)
		if c.opts.ExceptionOnReceive != nil {
			c.opts.ExceptionOnReceive(d.Body, err)
		}
		return
	}

	if len(sub.opts.AllowedTypes) > 0 {
		t, _ := packet["type"].(string)
		if _, ok := sub.opts.AllowedTypes[t]; !ok {
			c.log.Warn("dropping disallowed packet type", "identity", c.Identity(), "queue", sub.queue, "type", t)
			return
		}
		c.log.Info("received packet", "identity", c.Identity(), "queue", sub.queue, "type", t)
	}

	env.Packet = packet
	c.invokeHandler(sub, env, d)
}

func (c *Client) invokeHandler(sub *subscription, env Delivery, d transport.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.trackException(fmt.Errorf("amqpha/brokerclient: handler panic: %v", r), d.Body)
		}
	}()
	if err := sub.handler(c.Identity(), env); err != nil {
		c.trackException(fmt.Errorf("amqpha/brokerclient: handler: %w", err), d.Body)
		if !sub.opts.Ack && d.NackFunc != nil {
			d.NackFunc(true)
		}
	}
}

func stringHeaders(h map[string]any) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

// Publish sends message (already serialized by the caller) through
// exchange. Returns false unless the client is connected or stopping.
func (c *Client) Publish(ctx context.Context, exchange string, message []byte, opts PublishOptions) bool {
	c.mu.Lock()
	// stopping still accepts a publish: the connection is live, only new
	// subscriptions are refused. The coordinator's last-resort retry after
	// an ACCESS_REFUSED return targets this same, by-then-stopping broker.
	usable := c.status == StatusConnected || c.status == StatusStopping
	ch := c.ch
	c.mu.Unlock()
	if !usable || ch == nil {
		return false
	}

	if opts.Declare && exchange != "" {
		c.mu.Lock()
		delete(c.declaredExch, exchange)
		c.mu.Unlock()
	}

	verb := "SEND"
	if len(opts.Tries) > 0 {
		verb = "RE-SEND"
	}
	c.log.Info(verb, "identity", c.Identity(), "exchange", exchange, "routing_key", opts.RoutingKey)

	err := ch.PublishWithContext(ctx, exchange, opts.RoutingKey, opts.Mandatory, opts.Immediate, transport.Publishing{
		Body:       message,
		Persistent: opts.Persistent,
	})
	if err != nil {
		c.trackException(fmt.Errorf("amqpha/brokerclient: publish: %w", err), message)
		return false
	}
	return true
}

// Declare forces a fresh exchange declaration, evicting any cached handle
// first.
func (c *Client) Declare(kind, name string, opts DeclareOptions) bool {
	c.mu.Lock()
	usable := c.status.Usable()
	ch := c.ch
	delete(c.declaredExch, name)
	c.mu.Unlock()
	if !usable || ch == nil {
		return false
	}
	if err := ch.ExchangeDeclare(name, kind, opts.Durable); err != nil {
		c.trackException(fmt.Errorf("amqpha/brokerclient: declare %q: %w", name, err), nil)
		return false
	}
	c.mu.Lock()
	c.declaredExch[name] = true
	c.mu.Unlock()
	return true
}

// Delete removes name from the local subscription set (if present) and
// requests the broker delete the queue. When name is not locally known, a
// declare-then-delete dance avoids a NOT_FOUND channel closure.
func (c *Client) Delete(name string, opts DeleteOptions) bool {
	c.mu.Lock()
	usable := c.status.Usable()
	ch := c.ch
	_, known := c.subscriptions[name]
	delete(c.subscriptions, name)
	c.mu.Unlock()
	if !usable || ch == nil {
		return false
	}

	if !known {
		if _, err := ch.QueueDeclare(name, true, false, false); err != nil {
			c.trackException(fmt.Errorf("amqpha/brokerclient: declare-before-delete %q: %w", name, err), nil)
			return false
		}
	}
	if err := ch.QueueDelete(name, opts.IfUnused, opts.IfEmpty); err != nil {
		c.trackException(fmt.Errorf("amqpha/brokerclient: delete %q: %w", name, err), nil)
		return false
	}
	return true
}

// ReturnMessage installs cb as the handler for broker-originated returns.
func (c *Client) ReturnMessage(cb ReturnHandler) {
	c.mu.Lock()
	c.returnHandler = cb
	ch := c.ch
	c.mu.Unlock()
	if ch != nil {
		c.wireReturns(ch, cb)
	}
}

func (c *Client) wireReturns(ch transport.Channel, cb ReturnHandler) {
	returns := ch.NotifyReturn(make(chan transport.Return, 16))
	go func() {
		for r := range returns {
			to := r.Exchange
			if to == "" {
				to = r.RoutingKey
			}
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						c.trackException(fmt.Errorf("amqpha/brokerclient: return handler panic: %v", rec), r.Body)
					}
				}()
				cb(to, r.ReplyText, r.Body)
			}()
		}
	}()
}

// Close idempotently tears the client down. normal=true marks the final
// status closed; normal=false (or an already-failed client) marks it
// failed. status means "closure initiated": it is updated to its terminal
// value before the transport acknowledges, so no further publish or
// subscribe is accepted while the underlying TCP teardown is still in
// flight. blk, if non-nil, runs once the transport close completes (or
// synchronously if there was nothing to close).
func (c *Client) Close(propagate, normal bool, blk func()) {
	c.mu.Lock()
	already := c.status == StatusClosed || c.status == StatusFailed
	conn := c.conn
	c.mu.Unlock()

	if already {
		if blk != nil {
			blk()
		}
		return
	}

	final := StatusFailed
	if normal {
		final = StatusClosed
	}
	if propagate {
		c.setStatus(final)
	} else {
		c.mu.Lock()
		c.status = final
		c.mu.Unlock()
	}

	c.closeOnce.Do(func() { close(c.stopReconnect) })

	if conn == nil {
		if blk != nil {
			blk()
		}
		return
	}
	if err := conn.Close(); err != nil {
		c.trackException(fmt.Errorf("amqpha/brokerclient: close: %w", err), nil)
	}
	if blk != nil {
		blk()
	}
}
