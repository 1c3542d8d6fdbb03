package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// DialFunc mirrors driver.DialFunc without importing it; the supervisor
// adapts between the two.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Dialer returns a dial function routed through the endpoint. SOCKS endpoints
// use the x/net/proxy dialer; HTTP endpoints tunnel via CONNECT. Only TCP
// targets can be proxied.
func Dialer(ep Endpoint, timeout time.Duration) DialFunc {
	switch ep.Protocol {
	case ProtocolSOCKS4, ProtocolSOCKS5:
		return socksDialer(ep, timeout)
	case ProtocolHTTP:
		return connectDialer(ep, timeout)
	default:
		return DirectDialer(timeout)
	}
}

// DirectDialer dials the target without any proxy.
func DirectDialer(timeout time.Duration) DialFunc {
	d := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	return d.DialContext
}

func socksDialer(ep Endpoint, timeout time.Duration) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if network != "tcp" {
			return nil, fmt.Errorf("cannot proxy %s through %s endpoint", network, ep.Protocol)
		}

		forward := &net.Dialer{Timeout: timeout}
		d, err := xproxy.SOCKS5("tcp", ep.HostPort(), nil, forward)
		if err != nil {
			return nil, fmt.Errorf("socks dialer: %w", err)
		}

		if cd, ok := d.(xproxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return d.Dial(network, addr)
	}
}

// connectDialer tunnels TCP through an HTTP proxy with a CONNECT handshake.
func connectDialer(ep Endpoint, timeout time.Duration) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if network != "tcp" {
			return nil, fmt.Errorf("cannot proxy %s through http endpoint", network)
		}

		d := &net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", ep.HostPort())
		if err != nil {
			return nil, fmt.Errorf("dial proxy: %w", err)
		}

		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		} else {
			conn.SetDeadline(time.Now().Add(timeout))
		}

		fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr)

		resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("read CONNECT response: %w", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			conn.Close()
			return nil, fmt.Errorf("CONNECT refused: HTTP %d", resp.StatusCode)
		}

		// Clear the handshake deadline; attempt-level deadlines take over.
		conn.SetDeadline(time.Time{})
		return conn, nil
	}
}
