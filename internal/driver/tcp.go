package driver

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
)

// tcpConnect establishes full TCP connections and optionally writes a random
// payload on each attempt. Connection churn itself is the load.
type tcpConnect struct {
	addr        string
	payloadSize int
	payload     []byte
}

func tcpConnectSpec() Spec {
	return Spec{
		Name:        "TCP_CONNECT",
		Protocol:    "tcp",
		Description: "TCP connection load with full handshakes",
		Params: []ParamSpec{
			{Name: "payload_size", Type: ParamInt, Description: "Bytes written per connection", Min: 0, Max: 4096, Default: 0},
		},
		ProxyCapa: true,
		New:       func() Driver { return &tcpConnect{} },
	}
}

func (d *tcpConnect) Prepare(target string, params map[string]interface{}) error {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return fmt.Errorf("target must be host:port: %w", err)
	}
	d.addr = net.JoinHostPort(host, port)
	d.payloadSize = IntParam(params, "payload_size", 0)

	if d.payloadSize > 0 {
		d.payload = make([]byte, d.payloadSize)
		if _, err := rand.Read(d.payload); err != nil {
			return fmt.Errorf("generate payload: %w", err)
		}
	}

	return nil
}

func (d *tcpConnect) Dial(ctx context.Context, dial DialFunc) (net.Conn, error) {
	return dial(ctx, "tcp", d.addr)
}

func (d *tcpConnect) ExecuteOnce(ctx context.Context, conn net.Conn) Attempt {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if d.payloadSize == 0 {
		// The completed handshake is the operation.
		return Attempt{OK: true}
	}

	n, err := conn.Write(d.payload)
	if err != nil {
		return Attempt{Bytes: int64(n), Err: fmt.Errorf("write payload: %w", err)}
	}

	return Attempt{OK: true, Bytes: int64(n)}
}

func (d *tcpConnect) Release() {}
