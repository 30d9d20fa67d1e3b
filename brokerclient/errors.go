package brokerclient

import "errors"

// ErrNotUsable marks an operation attempted against a client whose status
// is not usable; the public methods reduce it to a boolean false return.
var ErrNotUsable = errors.New("amqpha/brokerclient: broker not usable")

// ErrClosed marks operations attempted after Close.
var ErrClosed = errors.New("amqpha/brokerclient: broker closed")
