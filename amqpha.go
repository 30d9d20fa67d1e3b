// Package amqpha provides the top-level API for the HA AMQP client. It
// re-exports the habroker/brokerclient/serializer types for convenience, so
// users can write:
//
//	c, err := amqpha.New("b0.example.com,b1.example.com", "5672", serializer.JSON{}, stats.NewSnapshot(), amqpha.Options{})
//	if err != nil { ... }
//	if err := c.Connect(ctx); err != nil { ... }
//	c.Subscribe(ctx, "orders", &amqpha.ExchangeSpec{Name: "orders", Kind: "topic"}, amqpha.SubscribeOptions{}, handler)
package amqpha

import (
	"github.com/milad-ha/amqpha/brokerclient"
	"github.com/milad-ha/amqpha/habroker"
	"github.com/milad-ha/amqpha/internal/amqptransport"
	"github.com/milad-ha/amqpha/serializer"
	"github.com/milad-ha/amqpha/stats"
	"github.com/milad-ha/amqpha/xlog"
)

// Re-export the coordinator's public surface at the package level for
// ergonomic usage.
type (
	Coordinator      = habroker.Coordinator
	Options          = habroker.Options
	Order            = habroker.Order
	UseOptions       = habroker.UseOptions
	SubscribeOptions = habroker.SubscribeOptions
	PublishOptions   = habroker.PublishOptions
	DeclareOptions   = habroker.DeclareOptions
	DeleteOptions    = habroker.DeleteOptions
	StatusRecord     = habroker.StatusRecord
	NonDeliveryFunc  = habroker.NonDeliveryFunc

	ExchangeSpec     = brokerclient.ExchangeSpec
	Delivery         = brokerclient.Delivery
	SubscribeHandler = brokerclient.SubscribeHandler
)

const (
	OrderPriority = habroker.OrderPriority
	OrderRandom   = habroker.OrderRandom
)

// New builds a Coordinator dialing real AMQP brokers via amqp091-go
// (internal/amqptransport), logging through xlog at info level to stderr.
// collector may be nil (no external metrics backend) or any
// stats.Collector, e.g. stats.NewSnapshot(). Use habroker.New directly to
// inject a different Dialer or Logger (tests do this with
// internal/mocktransport).
func New(hostSpec, portSpec string, ser serializer.Serializer, collector stats.Collector, opts Options) (*Coordinator, error) {
	return habroker.New(hostSpec, portSpec, ser, amqptransport.Dialer{}, xlog.New(nil, "info"), collector, opts)
}
