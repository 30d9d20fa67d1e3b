package habroker

import (
	"time"

	"github.com/milad-ha/amqpha/brokerclient"
)

// Order selects how use() orders the candidate broker list when the caller
// has not named explicit brokers.
type Order int

const (
	// OrderPriority walks brokers in configured (address-list) order.
	OrderPriority Order = iota
	// OrderRandom shuffles the candidate list on every call.
	OrderRandom
)

// Options configures a Coordinator.
type Options struct {
	User, Pass, VHost string
	Insist            bool

	ReconnectInterval time.Duration
	Heartbeat         time.Duration
	Prefetch          int

	// Order is the default broker selection order used when a call does not
	// set options.brokers or override the order itself.
	Order Order

	LegacyNilSentinel bool

	ExceptionCallback  func(err error, message []byte)
	ExceptionOnReceive func(raw []byte, err error)

	// UpdateStatus mirrors every broker status transition, independent of
	// any ConnectionStatus watcher.
	UpdateStatus func(identity, alias, status string)
}

func (o Options) withDefaults() Options {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 60 * time.Second
	}
	return o
}

func (o Options) toClientOptions() brokerclient.Options {
	return brokerclient.Options{
		User:               o.User,
		Pass:               o.Pass,
		VHost:              o.VHost,
		Insist:             o.Insist,
		ReconnectInterval:  o.ReconnectInterval,
		Heartbeat:          o.Heartbeat,
		Prefetch:           o.Prefetch,
		LegacyNilSentinel:  o.LegacyNilSentinel,
		ExceptionCallback:  o.ExceptionCallback,
		ExceptionOnReceive: o.ExceptionOnReceive,
	}
}

// UseOptions selects the candidate broker set for one operation: explicit
// identities win outright; otherwise all configured brokers in the
// resolved order.
type UseOptions struct {
	// Brokers, when non-empty, names explicit identities in the exact order
	// they should be tried; unknown identities are logged and skipped, and
	// Order is ignored.
	Brokers []string
	// Order overrides Options.Order for this call; nil means inherit.
	Order *Order
}

// SubscribeOptions is habroker's subscribe surface: the per-broker options
// plus which brokers to target.
type SubscribeOptions struct {
	brokerclient.SubscribeOptions
	Brokers []string
}

// PublishOptions is habroker's publish surface: the per-broker options plus
// fan-out/target/order controls and the capture knob for the published
// cache.
type PublishOptions struct {
	brokerclient.PublishOptions
	// Fanout publishes to every selected broker instead of stopping at the
	// first to accept.
	Fanout  bool
	Brokers []string
	Order   *Order
	// NoSerialize hands packet (already a []byte) straight to the wire
	// without running it through the coordinator's serializer.
	NoSerialize bool
}

// DeclareOptions is habroker's declare surface.
type DeclareOptions struct {
	brokerclient.DeclareOptions
	Brokers []string
}

// DeleteOptions is habroker's delete surface.
type DeleteOptions struct {
	brokerclient.DeleteOptions
	Brokers []string
}
