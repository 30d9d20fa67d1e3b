// Package serializer defines the encode/decode collaborator the
// coordinator runs every packet through, plus a capability interface
// packets can implement to be introspected by habroker's Context capture.
package serializer

import (
	"encoding/json"
	"fmt"
)

// Serializer turns application packets into wire bytes and back.
// habroker.Coordinator fails construction with ErrInvalidArgument if given
// a nil Serializer.
type Serializer interface {
	Encode(packet any) ([]byte, error)
	Decode(data []byte, out any) error
}

// Described is implemented by packet types that want their identity
// captured into a pubcache.Context when published with Mandatory routing.
// Packets that do not implement it yield a Context with zero-valued
// Name/Type/From/Token/OneWay.
type Described interface {
	// Describe returns (name, type, from, token, oneWay) for this packet.
	Describe() (name, kind, from, token string, oneWay bool)
}

// Describe extracts packet metadata via the Described capability, or
// returns the zero values if the packet does not implement it.
func Describe(packet any) (name, kind, from, token string, oneWay bool) {
	if d, ok := packet.(Described); ok {
		return d.Describe()
	}
	return "", "", "", "", false
}

// JSON is the default Serializer.
type JSON struct{}

func (JSON) Encode(packet any) ([]byte, error) {
	b, err := json.Marshal(packet)
	if err != nil {
		return nil, fmt.Errorf("amqpha/serializer: encode: %w", err)
	}
	return b, nil
}

func (JSON) Decode(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("amqpha/serializer: decode: %w", err)
	}
	return nil
}
