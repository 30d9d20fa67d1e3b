package habroker

import "errors"

// Only invalid-argument and no-connected-brokers are surfaced to callers
// of Coordinator's public operations; transport/decode/handler failures
// are tracked internally and reduced to a boolean or an empty identity
// list.
var (
	ErrInvalidArgument    = errors.New("amqpha/habroker: invalid argument")
	ErrNoUserData         = errors.New("amqpha/habroker: no user data")
	ErrNoBrokerHosts      = errors.New("amqpha/habroker: no broker hosts configured")
	ErrNoConnectedBrokers = errors.New("amqpha/habroker: no connected brokers")
	ErrUnknownBroker      = errors.New("amqpha/habroker: unknown broker identity")
)
