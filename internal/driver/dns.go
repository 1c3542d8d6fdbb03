package driver

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"strings"
)

var dnsQueryTypes = map[string]uint16{
	"A":    1,
	"AAAA": 28,
	"TXT":  16,
}

// dnsQuery sends wire-format DNS queries for randomized subdomains to the
// target resolver over UDP. Random labels defeat resolver caching so every
// query does real work.
type dnsQuery struct {
	addr   string
	zone   string
	qtype  uint16
	suffix []byte // encoded zone labels plus fixed question footer
}

func dnsQuerySpec() Spec {
	return Spec{
		Name:        "DNS_QUERY",
		Protocol:    "dns",
		Description: "DNS query load with randomized subdomains",
		Params: []ParamSpec{
			{Name: "query_type", Type: ParamString, Description: "DNS record type", Enum: []string{"A", "AAAA", "TXT"}, Default: "A"},
			{Name: "zone", Type: ParamString, Description: "Base zone for generated names", Default: "example.com"},
		},
		ProxyCapa: false,
		New:       func() Driver { return &dnsQuery{} },
	}
}

func (d *dnsQuery) Prepare(target string, params map[string]interface{}) error {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		// Bare server address defaults to port 53.
		host = target
		port = "53"
	}
	if host == "" {
		return fmt.Errorf("target %q has no host", target)
	}
	d.addr = net.JoinHostPort(host, port)

	qt := StringParam(params, "query_type", "A")
	code, ok := dnsQueryTypes[qt]
	if !ok {
		return fmt.Errorf("unsupported query_type %q", qt)
	}
	d.qtype = code
	d.zone = StringParam(params, "zone", "example.com")

	var b []byte
	for _, label := range strings.Split(d.zone, ".") {
		if label == "" {
			continue
		}
		if len(label) > 63 {
			return fmt.Errorf("zone label %q exceeds 63 bytes", label)
		}
		b = append(b, byte(len(label)))
		b = append(b, label...)
	}
	b = append(b, 0) // root
	b = binary.BigEndian.AppendUint16(b, d.qtype)
	b = binary.BigEndian.AppendUint16(b, 1) // class IN
	d.suffix = b

	return nil
}

func (d *dnsQuery) Dial(ctx context.Context, dial DialFunc) (net.Conn, error) {
	return dial(ctx, "udp", d.addr)
}

func (d *dnsQuery) ExecuteOnce(ctx context.Context, conn net.Conn) Attempt {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	id := uint16(rand.Intn(1 << 16))
	query := d.buildQuery(id)

	n, err := conn.Write(query)
	if err != nil {
		return Attempt{Bytes: int64(n), Err: fmt.Errorf("send query: %w", err)}
	}

	resp := make([]byte, 512)
	rn, err := conn.Read(resp)
	if err != nil {
		return Attempt{Bytes: int64(n), Err: fmt.Errorf("read response: %w", err)}
	}
	if rn < 12 || binary.BigEndian.Uint16(resp[:2]) != id {
		return Attempt{Bytes: int64(n), Err: fmt.Errorf("malformed response (%d bytes)", rn)}
	}

	return Attempt{OK: true, Bytes: int64(n)}
}

// buildQuery assembles header + question for a random subdomain of the zone.
func (d *dnsQuery) buildQuery(id uint16) []byte {
	label := randomLabel(10)

	msg := make([]byte, 0, 12+1+len(label)+len(d.suffix))
	msg = binary.BigEndian.AppendUint16(msg, id)
	msg = binary.BigEndian.AppendUint16(msg, 0x0100) // RD
	msg = binary.BigEndian.AppendUint16(msg, 1)      // QDCOUNT
	msg = append(msg, 0, 0, 0, 0, 0, 0)              // AN/NS/AR counts
	msg = append(msg, byte(len(label)))
	msg = append(msg, label...)
	msg = append(msg, d.suffix...)
	return msg
}

func randomLabel(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

func (d *dnsQuery) Release() {}
