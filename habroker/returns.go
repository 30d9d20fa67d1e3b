package habroker

import (
	"github.com/milad-ha/amqpha/brokerclient"
	"github.com/milad-ha/amqpha/pubcache"
)

// NonDeliveryFunc is invoked when a mandatory publish could not be routed
// to any remaining broker. reason is the broker-reported return reason;
// typ/token/from describe the packet (via serializer.Described, if the
// packet implemented it); to is the destination the message was addressed
// to, derived from the returned message's exchange (or its routing key
// when the exchange was empty).
type NonDeliveryFunc func(reason, typ, token, from, to string)

// handleReturn runs on whichever broker reported the return, recovers
// from a panicking non-delivery callback, and re-routes the message
// through the remaining candidate brokers before giving up.
func (c *Coordinator) handleReturn(fromIdentity, reason, to string, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error(nil, "recovered panic in return handling", "identity", fromIdentity, "panic", r)
		}
	}()

	if reason == "ACCESS_REFUSED" {
		if cl, ok := c.lookup(fromIdentity); ok {
			cl.MarkStopping()
		}
	}

	ctx, ok := c.cache.Fetch(body)
	if !ok {
		c.log.Info("dropping return: no cached context", "identity", fromIdentity, "reason", reason, "to", to)
		return
	}
	ctx = ctx.WithFailure(fromIdentity)

	connected := c.snapshotConnected()
	remaining := ctx.Remaining(connected)

	persistent, _ := ctx.Options["persistent"].(bool)
	exchange, _ := ctx.Options["exchange"].(string)
	routingKey, _ := ctx.Options["routing_key"].(string)

	if len(remaining) == 0 {
		if (persistent || ctx.OneWay) && (reason == "ACCESS_REFUSED" || reason == "NO_CONSUMERS") {
			if c.retryNonMandatory(exchange, routingKey, persistent, body, ctx, c.snapshotPublishable()) {
				return
			}
		}
		c.reportNonDelivery(ctx, reason, to)
		return
	}

	if c.republish(exchange, routingKey, persistent, body, ctx, remaining) {
		return
	}
	c.reportNonDelivery(ctx, reason, to)
}

// retryNonMandatory is the last resort once every candidate broker has
// returned a persistent or one-way message: one attempt across the
// brokers still connected, this time without requesting a return, so the
// message may queue even without consumers.
func (c *Coordinator) retryNonMandatory(exchange, routingKey string, persistent bool, body []byte, ctx pubcache.Context, connected map[string]bool) bool {
	for _, id := range ctx.BrokersConnected(connected) {
		cl, ok := c.lookup(id)
		if !ok {
			continue
		}
		if cl.Publish(bgCtx, exchange, body, brokerclient.PublishOptions{
			Persistent: persistent,
			Mandatory:  false,
			RoutingKey: routingKey,
			Tries:      ctx.Failed,
		}) {
			return true
		}
	}
	return false
}

// republish tries each remaining broker in turn with no_serialize=true
// (the message is already wire-encoded), re-requesting mandatory routing
// so a further failure produces another return.
func (c *Coordinator) republish(exchange, routingKey string, persistent bool, body []byte, ctx pubcache.Context, remaining []string) bool {
	for _, id := range remaining {
		cl, ok := c.lookup(id)
		if !ok {
			continue
		}
		if cl.Publish(bgCtx, exchange, body, brokerclient.PublishOptions{
			Persistent: persistent,
			Mandatory:  true,
			RoutingKey: routingKey,
			Tries:      ctx.Failed,
		}) {
			c.cache.Store(body, ctx)
			return true
		}
	}
	return false
}

func (c *Coordinator) reportNonDelivery(ctx pubcache.Context, reason, to string) {
	c.mu.Lock()
	cb := c.nonDelivery
	c.mu.Unlock()
	if cb == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error(nil, "recovered panic in non-delivery callback", "panic", r)
			}
		}()
		cb(reason, ctx.Type, ctx.Token, ctx.From, to)
	}()
}

func (c *Coordinator) lookup(identity string) (*brokerclient.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.byIdentity[identity]
	return cl, ok
}

func (c *Coordinator) snapshotConnected() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedSetLocked()
}

func (c *Coordinator) snapshotPublishable() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publishableSetLocked()
}
