package driver

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
)

// udpFlood sends fixed-size random datagrams. UDP cannot be routed through
// the supported proxy types, so the method is not proxy capable and the dial
// func it receives is always direct.
type udpFlood struct {
	addr       string
	packetSize int
	packet     []byte
}

func udpFloodSpec() Spec {
	return Spec{
		Name:        "UDP_FLOOD",
		Protocol:    "udp",
		Description: "High volume UDP datagram load",
		Params: []ParamSpec{
			{Name: "packet_size", Type: ParamInt, Description: "Datagram size in bytes", Min: 1, Max: 1472, Default: 512},
		},
		ProxyCapa: false,
		New:       func() Driver { return &udpFlood{} },
	}
}

func (d *udpFlood) Prepare(target string, params map[string]interface{}) error {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return fmt.Errorf("target must be host:port: %w", err)
	}
	d.addr = net.JoinHostPort(host, port)
	d.packetSize = IntParam(params, "packet_size", 512)

	d.packet = make([]byte, d.packetSize)
	if _, err := rand.Read(d.packet); err != nil {
		return fmt.Errorf("generate packet: %w", err)
	}

	return nil
}

func (d *udpFlood) Dial(ctx context.Context, dial DialFunc) (net.Conn, error) {
	return dial(ctx, "udp", d.addr)
}

func (d *udpFlood) ExecuteOnce(ctx context.Context, conn net.Conn) Attempt {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	n, err := conn.Write(d.packet)
	if err != nil {
		return Attempt{Bytes: int64(n), Err: fmt.Errorf("send datagram: %w", err)}
	}

	return Attempt{OK: true, Bytes: int64(n)}
}

func (d *udpFlood) Release() {}
