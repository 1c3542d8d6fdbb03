package proxy

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Protocol identifies the proxy protocol class of a pool.
type Protocol string

const (
	ProtocolNone   Protocol = "none"
	ProtocolHTTP   Protocol = "http"
	ProtocolSOCKS4 Protocol = "socks4"
	ProtocolSOCKS5 Protocol = "socks5"
)

// ParseProtocol normalizes a request-supplied proxy type. The empty string
// means no proxying.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "", "none":
		return ProtocolNone, nil
	case "http":
		return ProtocolHTTP, nil
	case "socks4":
		return ProtocolSOCKS4, nil
	case "socks5":
		return ProtocolSOCKS5, nil
	default:
		return ProtocolNone, fmt.Errorf("unknown proxy type %q", s)
	}
}

// Health is the validation state of a pool entry.
type Health string

const (
	HealthUnvalidated Health = "unvalidated"
	HealthValid       Health = "valid"
	HealthFailed      Health = "failed"
)

// Endpoint is a read-only view of one pool entry. Workers borrow it for a
// single connection attempt and report the outcome back to the manager; they
// never mutate it.
type Endpoint struct {
	Address             string    `json:"address"`
	Port                int       `json:"port"`
	Protocol            Protocol  `json:"protocol"`
	Health              Health    `json:"health"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LatencyMs           int64     `json:"latency_ms,omitempty"`
	LastCheck           time.Time `json:"last_check,omitempty"`
}

// HostPort renders the dialable address.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}
