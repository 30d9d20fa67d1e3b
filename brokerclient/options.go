package brokerclient

import "time"

// Options configures a Client.
type Options struct {
	User, Pass, VHost string
	Insist            bool

	// ReconnectInterval bounds the randomized reconnect delay: the actual
	// delay is drawn uniformly from [0, ReconnectInterval). Defaults to
	// 60s.
	ReconnectInterval time.Duration
	// Heartbeat is forwarded to the transport; 0 disables it.
	Heartbeat time.Duration
	// Prefetch is the unacked-message window; 0 means unbounded.
	Prefetch int

	// LegacyNilSentinel gates the historical "nil" 3-byte drop behavior.
	// Off by default for new deployments.
	LegacyNilSentinel bool

	// ExceptionCallback is invoked for every tracked exception inside this
	// client, with an optional associated raw message.
	ExceptionCallback func(err error, message []byte)
	// ExceptionOnReceive is invoked specifically on inbound decode
	// failures.
	ExceptionOnReceive func(raw []byte, err error)
}

func (o Options) withDefaults() Options {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 60 * time.Second
	}
	return o
}

// ExchangeSpec names an exchange and its kind (direct/fanout/topic/headers).
type ExchangeSpec struct {
	Name string
	Kind string
}

// SubscribeOptions configures one Subscribe call.
type SubscribeOptions struct {
	// Ack requests manual-ack consumption; the message is acked before
	// the handler runs, biasing toward at-most-once delivery.
	Ack bool
	// NoUnserialize hands the handler raw bytes even when a serializer is
	// configured.
	NoUnserialize bool
	// NoDeclare skips the queue declaration (the caller has already
	// declared it, or is binding to a pre-existing queue).
	NoDeclare bool
	// Exchange2 optionally binds the queue to a second exchange.
	Exchange2 *ExchangeSpec
	// Key is the binding routing key; defaults to the queue name.
	Key string
	// AllowedTypes, when non-empty, restricts delivery to decoded packets
	// whose declared type is a key in this map; others are logged and
	// dropped.
	AllowedTypes map[string][]string
}

// DeclareOptions configures one Declare call.
type DeclareOptions struct {
	Durable bool
}

// DeleteOptions configures one Delete call.
type DeleteOptions struct {
	IfUnused bool
	IfEmpty  bool
}

// PublishOptions configures one Publish call. The coordinator-only
// fanout/brokers/order fields live in habroker.
type PublishOptions struct {
	Persistent bool
	Mandatory  bool
	Immediate  bool
	RoutingKey string
	// Declare drops the client's record that the exchange was already
	// declared, so the next subscribe that names it declares it again.
	// Publish itself does not declare the exchange.
	Declare bool
	// Tries lists the broker identities that already returned this
	// message; non-empty marks the publish as a re-send in the log line.
	Tries []string
}

// Delivery is the envelope handed to a SubscribeHandler. Carrying the
// header as an optional field keeps one handler type rather than two
// arities (with and without header).
type Delivery struct {
	Queue   string
	Body    []byte
	Header  map[string]string
	// Packet is the decoded value when a serializer and allowed-types
	// filter accepted it; nil when the handler received raw bytes.
	Packet any
}

// SubscribeHandler processes one delivered message on behalf of a
// subscriber. identity is the owning broker's identity.
type SubscribeHandler func(identity string, d Delivery) error

// ReturnHandler receives return notifications forwarded from the
// transport.
type ReturnHandler func(to, reason string, body []byte)

// UpdateStatusFunc is invoked exactly once per distinct status
// transition, with whether the client was connected immediately before it.
type UpdateStatusFunc func(identity string, wasConnected bool)
