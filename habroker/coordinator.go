// Package habroker fronts a priority-ordered set of AMQP brokers as a
// single logical client: it selects among per-broker brokerclient.Client
// instances per call, aggregates their connection status through
// statuswatch.Hub, and re-routes undeliverable mandatory publishes through
// pubcache.Cache.
package habroker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/milad-ha/amqpha/barrier"
	"github.com/milad-ha/amqpha/brokeraddr"
	"github.com/milad-ha/amqpha/brokerclient"
	"github.com/milad-ha/amqpha/internal/transport"
	"github.com/milad-ha/amqpha/pubcache"
	"github.com/milad-ha/amqpha/serializer"
	"github.com/milad-ha/amqpha/stats"
	"github.com/milad-ha/amqpha/statuswatch"
	"github.com/milad-ha/amqpha/xlog"
)

// Coordinator is the single logical endpoint over the configured broker
// set.
type Coordinator struct {
	serializer serializer.Serializer
	opts       Options
	log        xlog.Logger
	dialer     transport.Dialer
	stats      stats.Collector

	cache *pubcache.Cache
	hub   *statuswatch.Hub

	mu          sync.Mutex
	clients     []*brokerclient.Client // priority order
	byIdentity  map[string]*brokerclient.Client
	rng         *rand.Rand
	nonDelivery NonDeliveryFunc
}

// bgCtx backs the internal re-publish calls handleReturn issues on its
// own goroutine, which has no caller-supplied context to thread through.
var bgCtx = context.Background()

// New parses hostSpec/portSpec into an address list (brokeraddr.Parse) and
// constructs one brokerclient.Client per address, in priority order. It
// does not connect any of them; call Connect.
func New(hostSpec, portSpec string, ser serializer.Serializer, dialer transport.Dialer, log xlog.Logger, collector stats.Collector, opts Options) (*Coordinator, error) {
	if ser == nil {
		return nil, fmt.Errorf("amqpha/habroker: %w: serializer must not be nil", ErrInvalidArgument)
	}
	addrs, err := brokeraddr.Parse(hostSpec, portSpec)
	if err != nil {
		return nil, fmt.Errorf("amqpha/habroker: %w", err)
	}
	return NewFromAddresses(addrs, ser, dialer, log, collector, opts)
}

// NewFromAddresses builds a Coordinator from an already-parsed address
// list, for callers assembling broker addresses from their own user-data
// source rather than brokeraddr's comma-spec format.
func NewFromAddresses(addrs []brokeraddr.Address, ser serializer.Serializer, dialer transport.Dialer, log xlog.Logger, collector stats.Collector, opts Options) (*Coordinator, error) {
	if ser == nil {
		return nil, fmt.Errorf("amqpha/habroker: %w: serializer must not be nil", ErrInvalidArgument)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("amqpha/habroker: %w", ErrNoBrokerHosts)
	}

	c := &Coordinator{
		serializer: ser,
		opts:       opts.withDefaults(),
		log:        log.With("habroker"),
		dialer:     dialer,
		stats:      collector,
		cache:      pubcache.New(pubcache.MaxAge, 0),
		hub:        statuswatch.NewHub(),
		byIdentity: make(map[string]*brokerclient.Client),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for _, a := range addrs {
		a := a
		cl := brokerclient.New(a, dialer, ser, c.opts.toClientOptions(), c.onBrokerStatus, log)
		identity := cl.Identity()
		cl.ReturnMessage(func(to, reason string, body []byte) {
			c.handleReturn(identity, reason, to, body)
		})
		c.clients = append(c.clients, cl)
		c.byIdentity[identity] = cl
	}
	return c, nil
}

// Connect dials every configured broker concurrently. A per-broker dial
// failure is recorded on that broker (status becomes failed) and does not
// prevent the others from connecting; Connect itself only returns an error
// if every broker failed to connect.
func (c *Coordinator) Connect(ctx context.Context) error {
	c.mu.Lock()
	clients := append([]*brokerclient.Client(nil), c.clients...)
	c.mu.Unlock()

	var wg sync.WaitGroup
	failures := make([]error, len(clients))
	for i, cl := range clients {
		wg.Add(1)
		go func(i int, cl *brokerclient.Client) {
			defer wg.Done()
			failures[i] = cl.Connect(ctx)
		}(i, cl)
	}
	wg.Wait()

	for _, err := range failures {
		if err == nil {
			return nil
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return fmt.Errorf("amqpha/habroker: %w: all %d brokers failed to connect", ErrNoConnectedBrokers, len(failures))
}

// Remove tears down and drops the broker at host:port, if configured.
func (c *Coordinator) Remove(host string, port uint16) error {
	identity := brokeraddr.Identity(host, port)
	c.mu.Lock()
	cl, ok := c.byIdentity[identity]
	if ok {
		delete(c.byIdentity, identity)
		for i, existing := range c.clients {
			if existing == cl {
				c.clients = append(c.clients[:i], c.clients[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("amqpha/habroker: remove %s: %w: %w", identity, ErrInvalidArgument, ErrUnknownBroker)
	}
	cl.Close(true, true, nil)
	return nil
}

// Close tears every broker down. propagate mirrors brokerclient.Close's
// parameter: false suppresses the per-broker status callbacks (and so the
// individual watcher notifications) that a coordinated shutdown would
// otherwise flood. blk, if non-nil, is invoked once, after every broker's
// close has completed. Idempotent: a second Close is a no-op at the broker
// level but still runs blk.
func (c *Coordinator) Close(propagate bool, blk func()) {
	c.mu.Lock()
	clients := append([]*brokerclient.Client(nil), c.clients...)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, cl := range clients {
		wg.Add(1)
		go func(cl *brokerclient.Client) {
			defer wg.Done()
			cl.Close(propagate, true, nil)
		}(cl)
	}
	wg.Wait()
	if blk != nil {
		blk()
	}
}

// NonDelivery registers cb as the callback invoked when a mandatory publish
// could not be delivered to any remaining broker.
func (c *Coordinator) NonDelivery(cb NonDeliveryFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonDelivery = cb
}

// ConnectionStatus registers a boundary-triggered watcher and returns its
// id.
func (c *Coordinator) ConnectionStatus(opts statuswatch.Options, cb statuswatch.Callback) string {
	return c.hub.Register(opts, cb)
}

// CancelConnectionStatus unregisters a watcher previously returned by
// ConnectionStatus.
func (c *Coordinator) CancelConnectionStatus(id string) {
	c.hub.Unregister(id)
}

// use resolves the candidate broker list for one call: an explicit
// opts.Brokers list wins outright (looked up in the order given, unknown
// identities logged and skipped, never shuffled); otherwise every
// configured broker is returned in the resolved order (priority or
// random). When usableOnly is set, the result is filtered down to brokers
// currently accepting subscribe/declare/delete (status connecting or
// connected); publish does not pre-filter and always passes
// usableOnly=false.
func (c *Coordinator) use(opts UseOptions, usableOnly bool) []*brokerclient.Client {
	c.mu.Lock()
	var choices []*brokerclient.Client
	if len(opts.Brokers) > 0 {
		for _, id := range opts.Brokers {
			cl, ok := c.byIdentity[id]
			if !ok {
				c.log.Warn("use: unknown broker identity", "identity", id)
				continue
			}
			choices = append(choices, cl)
		}
	} else {
		choices = append(choices, c.clients...)
		order := c.opts.Order
		if opts.Order != nil {
			order = *opts.Order
		}
		if order == OrderRandom {
			c.rng.Shuffle(len(choices), func(i, j int) { choices[i], choices[j] = choices[j], choices[i] })
		}
	}
	c.mu.Unlock()

	if !usableOnly {
		return choices
	}
	out := choices[:0:0]
	for _, cl := range choices {
		if cl.Usable() {
			out = append(out, cl)
		}
	}
	return out
}

// Subscribe installs queue on every usable broker selected by opts,
// returning the identities where installation succeeded.
func (c *Coordinator) Subscribe(ctx context.Context, queue string, exchange *brokerclient.ExchangeSpec, opts SubscribeOptions, handler brokerclient.SubscribeHandler) []string {
	clients := c.use(UseOptions{Brokers: opts.Brokers}, true)
	var ok []string
	for _, cl := range clients {
		if cl.Subscribe(ctx, queue, exchange, opts.SubscribeOptions, handler) {
			ok = append(ok, cl.Identity())
		}
	}
	return ok
}

// Unsubscribe cancels queue on every selected broker. A counted barrier
// bounds the wall-clock time: blk, if non-nil, fires once every broker
// has acknowledged the cancellation or once timeout elapses, whichever
// comes first. timeout <= 0 waits indefinitely for every broker to
// acknowledge. The returned
// identity list is a best-effort snapshot taken at the moment the barrier
// fires, so a broker that is still mid-cancel at timeout is omitted.
func (c *Coordinator) Unsubscribe(queue string, opts UseOptions, timeout time.Duration, blk func()) []string {
	clients := c.use(opts, false)
	if len(clients) == 0 {
		if blk != nil {
			blk()
		}
		return nil
	}

	var mu sync.Mutex
	ok := make([]string, 0, len(clients))
	done := make(chan struct{})
	b := barrier.New(len(clients), timeout, func() {
		if blk != nil {
			blk()
		}
		close(done)
	})
	for _, cl := range clients {
		go func(cl *brokerclient.Client) {
			defer b.CompletedOne()
			if cl.Unsubscribe(queue) {
				mu.Lock()
				ok = append(ok, cl.Identity())
				mu.Unlock()
			}
		}(cl)
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	return append([]string(nil), ok...)
}

// Declare delegates an exchange declaration to every usable selected
// broker, returning the identities where it succeeded.
func (c *Coordinator) Declare(kind, name string, opts DeclareOptions) []string {
	clients := c.use(UseOptions{Brokers: opts.Brokers}, true)
	var ok []string
	for _, cl := range clients {
		if cl.Declare(kind, name, opts.DeclareOptions) {
			ok = append(ok, cl.Identity())
		}
	}
	return ok
}

// Delete removes a queue from every usable selected broker, returning the
// identities where it succeeded.
func (c *Coordinator) Delete(name string, opts DeleteOptions) []string {
	clients := c.use(UseOptions{Brokers: opts.Brokers}, true)
	var ok []string
	for _, cl := range clients {
		if cl.Delete(name, opts.DeleteOptions) {
			ok = append(ok, cl.Identity())
		}
	}
	return ok
}

// Publish encodes packet (unless opts.NoSerialize) and iterates the
// selected candidate broker list in order, publishing to each in turn. The
// coordinator does not pre-filter by status: a brokerclient.Publish call
// returns false for a non-connected broker and the loop simply advances.
// Without Fanout, publish stops at the first broker to accept; with
// Fanout, every candidate is tried. If opts.Mandatory is set and
// serialization is active, the (message, Context) pair is stored in the
// published cache before returning, so a later broker-originated return
// can be re-routed.
func (c *Coordinator) Publish(ctx context.Context, exchange string, packet any, opts PublishOptions) ([]string, error) {
	message, err := c.encode(packet, opts.NoSerialize)
	if err != nil {
		return nil, err
	}

	clients := c.use(UseOptions{Brokers: opts.Brokers, Order: opts.Order}, false)
	candidateIdentities := make([]string, len(clients))
	for i, cl := range clients {
		candidateIdentities[i] = cl.Identity()
	}

	var accepted []string
	for _, cl := range clients {
		if cl.Publish(ctx, exchange, message, opts.PublishOptions) {
			accepted = append(accepted, cl.Identity())
			if !opts.Fanout {
				break
			}
		}
	}
	if len(accepted) == 0 {
		return nil, fmt.Errorf("amqpha/habroker: publish: %w", ErrNoConnectedBrokers)
	}

	if opts.Mandatory && !opts.NoSerialize {
		name, kind, from, token, oneWay := serializer.Describe(packet)
		pctx := pubcache.Context{
			Name:   name,
			Type:   kind,
			From:   from,
			Token:  token,
			OneWay: oneWay,
			Options: map[string]any{
				"exchange":    exchange,
				"routing_key": opts.RoutingKey,
				"persistent":  opts.Persistent,
			},
			Brokers: candidateIdentities,
		}
		c.cache.Store(message, pctx)
	}
	return accepted, nil
}

func (c *Coordinator) encode(packet any, noSerialize bool) ([]byte, error) {
	if noSerialize {
		if b, ok := packet.([]byte); ok {
			return b, nil
		}
		return nil, fmt.Errorf("amqpha/habroker: %w: no_serialize requires a []byte packet", ErrInvalidArgument)
	}
	b, err := c.serializer.Encode(packet)
	if err != nil {
		return nil, fmt.Errorf("amqpha/habroker: encode: %w", err)
	}
	return b, nil
}

// onBrokerStatus is every brokerclient.Client's UpdateStatusFunc: it
// updates stats, invokes the construction-time UpdateStatus callback, and
// feeds the boundary-aggregation Hub.
func (c *Coordinator) onBrokerStatus(identity string, wasConnected bool) {
	c.mu.Lock()
	cl, ok := c.byIdentity[identity]
	if !ok {
		c.mu.Unlock()
		return
	}
	after := c.connectedSetLocked()
	before := make(map[string]bool, len(after))
	for k, v := range after {
		before[k] = v
	}
	if nowConnected := after[identity]; nowConnected != wasConnected {
		before[identity] = wasConnected
	}
	failed := c.failedSetLocked()
	all := c.allIdentitiesLocked()
	c.mu.Unlock()

	status := cl.Status()
	if c.stats != nil {
		switch status {
		case brokerclient.StatusDisconnected:
			c.stats.Disconnected(identity)
		case brokerclient.StatusFailed:
			c.stats.Failed(identity)
		}
	}
	if c.opts.UpdateStatus != nil {
		c.opts.UpdateStatus(identity, cl.Alias(), status.String())
	}

	c.hub.Notify(identity, before, after, failed, all)
}

// connectedSetLocked, failedSetLocked, allIdentitiesLocked must be called
// with c.mu held.
func (c *Coordinator) connectedSetLocked() map[string]bool {
	out := make(map[string]bool, len(c.clients))
	for _, cl := range c.clients {
		if cl.Status() == brokerclient.StatusConnected {
			out[cl.Identity()] = true
		}
	}
	return out
}

// publishableSetLocked includes stopping brokers alongside connected ones:
// the post-ACCESS_REFUSED retry targets a broker that handleReturn has, by
// that point, already marked stopping, so the one-shot non-mandatory retry
// needs a broader notion of "currently connected" than ordinary routing
// does.
func (c *Coordinator) publishableSetLocked() map[string]bool {
	out := make(map[string]bool, len(c.clients))
	for _, cl := range c.clients {
		switch cl.Status() {
		case brokerclient.StatusConnected, brokerclient.StatusStopping:
			out[cl.Identity()] = true
		}
	}
	return out
}

func (c *Coordinator) failedSetLocked() map[string]bool {
	out := make(map[string]bool, len(c.clients))
	for _, cl := range c.clients {
		if cl.Status() == brokerclient.StatusFailed {
			out[cl.Identity()] = true
		}
	}
	return out
}

func (c *Coordinator) allIdentitiesLocked() []string {
	out := make([]string, len(c.clients))
	for i, cl := range c.clients {
		out[i] = cl.Identity()
	}
	return out
}
