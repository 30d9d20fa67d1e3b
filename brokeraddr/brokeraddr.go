// Package brokeraddr pairs comma-separated host and port lists (with
// optional ":index" suffixes) into a priority-ordered []Address, and
// formats the stable broker identity and alias strings used across the
// module.
package brokeraddr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidArgument is returned when the host and port lists cannot be
// paired.
var ErrInvalidArgument = errors.New("amqpha/brokeraddr: invalid argument")

const (
	defaultHost = "localhost"
	defaultPort = uint16(5672)
)

// Address is one broker endpoint plus its stable priority position.
type Address struct {
	Host  string
	Port  uint16
	Index uint16
}

// Alias is the short log label "b<index>".
func (a Address) Alias() string {
	return fmt.Sprintf("b%d", a.Index)
}

// Identity is the stable "rs-broker-<host with - -> ~>-<port>" string.
func (a Address) Identity() string {
	return Identity(a.Host, a.Port)
}

// Identity formats a broker identity from a host and port directly.
func Identity(host string, port uint16) string {
	return fmt.Sprintf("rs-broker-%s-%d", strings.ReplaceAll(host, "-", "~"), port)
}

// ParseIdentity recovers (host, port) from an identity string produced by
// Identity, when host itself contained no "~".
func ParseIdentity(identity string) (host string, port uint16, err error) {
	const prefix = "rs-broker-"
	if !strings.HasPrefix(identity, prefix) {
		return "", 0, fmt.Errorf("%w: %q missing prefix %q", ErrInvalidArgument, identity, prefix)
	}
	rest := identity[len(prefix):]
	i := strings.LastIndex(rest, "-")
	if i < 0 {
		return "", 0, fmt.Errorf("%w: %q missing port separator", ErrInvalidArgument, identity)
	}
	hostPart, portPart := rest[:i], rest[i+1:]
	p, perr := strconv.ParseUint(portPart, 10, 16)
	if perr != nil {
		return "", 0, fmt.Errorf("%w: %q bad port: %v", ErrInvalidArgument, identity, perr)
	}
	return strings.ReplaceAll(hostPart, "~", "-"), uint16(p), nil
}

// Parse builds the priority-ordered address list from comma-separated
// host-spec and port-spec strings.
//
//   - host-spec / port-spec elements are "value" or "value:index"
//   - empty host-spec defaults to a single "localhost"
//   - empty port-spec defaults to a single "5672"
//   - equal-length lists pair element-wise
//   - a length-1 list broadcasts across the other
//   - any other length mismatch is ErrInvalidArgument
//   - an element's explicit ":index" wins (the host's over the port's);
//     otherwise index is the zero-based position in the paired result
func Parse(hostSpec, portSpec string) ([]Address, error) {
	hosts, hostIdx, err := splitSpec(hostSpec, defaultHost)
	if err != nil {
		return nil, fmt.Errorf("amqpha/brokeraddr: host spec: %w", err)
	}
	ports, portIdx, err := splitSpec(portSpec, strconv.Itoa(int(defaultPort)))
	if err != nil {
		return nil, fmt.Errorf("amqpha/brokeraddr: port spec: %w", err)
	}

	n, err := pairLength(len(hosts), len(ports))
	if err != nil {
		return nil, err
	}

	out := make([]Address, n)
	for i := 0; i < n; i++ {
		h := pick(hosts, i)
		hi := pickIdx(hostIdx, i)
		p := pick(ports, i)
		pi := pickIdx(portIdx, i)

		port, perr := strconv.ParseUint(p, 10, 16)
		if perr != nil {
			return nil, fmt.Errorf("%w: bad port %q", ErrInvalidArgument, p)
		}

		idx := i
		if hi >= 0 {
			idx = hi
		} else if pi >= 0 {
			idx = pi
		}

		out[i] = Address{Host: h, Port: uint16(port), Index: uint16(idx)}
	}
	return out, nil
}

// pairLength applies the "same length / broadcast one / else fail" rule.
func pairLength(nh, np int) (int, error) {
	switch {
	case nh == np:
		return nh, nil
	case nh == 1:
		return np, nil
	case np == 1:
		return nh, nil
	default:
		return 0, fmt.Errorf("%w: %d hosts vs %d ports", ErrInvalidArgument, nh, np)
	}
}

func pick(vals []string, i int) string {
	if len(vals) == 1 {
		return vals[0]
	}
	return vals[i]
}

func pickIdx(vals []int, i int) int {
	if len(vals) == 1 {
		return vals[0]
	}
	return vals[i]
}

// splitSpec splits a comma-separated "value[:index]" list, returning the
// bare values and their explicit indices (-1 where absent). An empty spec
// yields a single-element list built from def.
func splitSpec(spec, def string) (values []string, indices []int, err error) {
	if strings.TrimSpace(spec) == "" {
		return []string{def}, []int{-1}, nil
	}
	parts := strings.Split(spec, ",")
	values = make([]string, 0, len(parts))
	indices = make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, nil, fmt.Errorf("%w: empty element", ErrInvalidArgument)
		}
		if i := strings.LastIndex(p, ":"); i >= 0 {
			idx, perr := strconv.Atoi(p[i+1:])
			if perr != nil {
				return nil, nil, fmt.Errorf("%w: bad index in %q", ErrInvalidArgument, p)
			}
			values = append(values, p[:i])
			indices = append(indices, idx)
		} else {
			values = append(values, p)
			indices = append(indices, -1)
		}
	}
	return values, indices, nil
}
