package ftps

import (
	"context"
	"crypto/tls"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	// pasvRegex matches the six comma-separated fields of a PASV reply:
	// 227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)
	pasvRegex = regexp.MustCompile(`(-?\d+),(-?\d+),(-?\d+),(-?\d+),(-?\d+),(-?\d+)`)

	// epsvRegex matches the port of an EPSV reply:
	// 229 Entering Extended Passive Mode (|||port|)
	epsvRegex = regexp.MustCompile(`\|(-?\d+)\|`)
)

// Endpoint is the address of a server-side data listener.
type Endpoint struct {
	Host string
	Port int
}

// Addr returns the endpoint in "host:port" form.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// decoder negotiates a data endpoint with one of the passive commands.
// It is chosen once per session from Config.DataMode.
type decoder struct {
	mode        DataMode
	controlHost string
}

func newDecoder(mode DataMode, controlHost string) decoder {
	return decoder{mode: mode, controlHost: controlHost}
}

// command returns the negotiation command of the decoder.
func (d decoder) command() string {
	if d.mode == DataModePASV {
		return "PASV"
	}
	return "EPSV"
}

// decode extracts the endpoint from a negotiation reply.
func (d decoder) decode(text string) (Endpoint, error) {
	if d.mode == DataModePASV {
		ep, err := decodePASV(text)
		if err != nil {
			return Endpoint{}, err
		}
		return resolveEndpoint(ep, d.controlHost), nil
	}
	return decodeEPSV(text, d.controlHost)
}

// decodePASV parses a PASV reply.
// Example: "227 Entering Passive Mode (192,168,1,5,200,10)"
// Returns: 192.168.1.5 port 51210 (200*256 + 10)
func decodePASV(text string) (Endpoint, error) {
	m := pasvRegex.FindStringSubmatch(text)
	if m == nil {
		return Endpoint{}, &ParseError{Command: "PASV", Response: text}
	}

	var n [6]int
	for i := range n {
		v, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Endpoint{}, &ParseError{Command: "PASV", Response: text, Reason: "field out of range"}
		}
		n[i] = v
	}

	octets := make([]string, 4)
	for i, v := range n[:4] {
		if v < 0 || v > 255 {
			return Endpoint{}, &ParseError{Command: "PASV", Response: text, Reason: "invalid IPv4 address " + strings.Join(m[1:5], ".")}
		}
		octets[i] = strconv.Itoa(v)
	}
	host := strings.Join(octets, ".")

	// Only the low byte of each port field counts.
	port := (n[4]&0xFF)*256 + (n[5] & 0xFF)
	if port == 0 {
		return Endpoint{}, &ParseError{Command: "PASV", Response: text, Reason: "port 0"}
	}

	return Endpoint{Host: host, Port: port}, nil
}

// decodeEPSV parses an EPSV reply. The data host is always the control
// connection host.
// Example: "229 Entering Extended Passive Mode (|||6446|)"
func decodeEPSV(text, controlHost string) (Endpoint, error) {
	m := epsvRegex.FindStringSubmatch(text)
	if m == nil {
		return Endpoint{}, &ParseError{Command: "EPSV", Response: text}
	}

	port, err := strconv.Atoi(m[1])
	if err != nil || port < 1 || port > 65535 {
		return Endpoint{}, &ParseError{Command: "EPSV", Response: text, Reason: "port " + m[1] + " out of range"}
	}

	return Endpoint{Host: controlHost, Port: port}, nil
}

// resolveEndpoint replaces an unspecified PASV host with the control
// connection host. Some servers behind NAT answer 0.0.0.0.
func resolveEndpoint(ep Endpoint, controlHost string) Endpoint {
	if ep.Host == "0.0.0.0" {
		ep.Host = controlHost
	}
	return ep
}

// negotiate sends PASV or EPSV and decodes the endpoint from the reply.
func (c *Client) negotiate(ctx context.Context) (Endpoint, error) {
	cmd := c.decoder.command()
	resp, err := c.send(ctx, cmd)
	if err != nil {
		return Endpoint{}, err
	}
	if !resp.Is2xx() {
		return Endpoint{}, newCommandError(cmd, resp)
	}

	ep, err := c.decoder.decode(resp.Text)
	if err != nil {
		return Endpoint{}, err
	}
	c.logger.Debug("data endpoint negotiated", "cmd", cmd, "addr", ep.Addr())
	return ep, nil
}

// openDataTransport dials the data endpoint. In explicit TLS mode the
// connection is wrapped with the session's TLS configuration; the handshake
// itself is left to the caller, after the server has acknowledged the
// transfer command.
//
// The transport is returned paused.
func (c *Client) openDataTransport(ctx context.Context, ep Endpoint) (*transport, error) {
	dialCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.dialer.DialContext(dialCtx, "tcp", ep.Addr())
	if err != nil {
		return nil, &TransportError{Op: "dial data", Err: err}
	}

	if c.cfg.Security == SecurityExplicitTLS {
		// Data connections share the control connection's session cache so
		// servers requiring TLS session resumption accept them.
		conn = tls.Client(conn, c.tlsConfig)
	}

	return newTransport(conn, transportOptions{
		readTimeout:  c.timeout,
		writeTimeout: c.timeout,
		limiter:      c.limiter,
		ctx:          ctx,
	}), nil
}

func (c *Client) setActiveData(t *transport) {
	c.mu.Lock()
	c.activeData = t
	c.mu.Unlock()
}

func (c *Client) clearActiveData(t *transport) {
	c.mu.Lock()
	if c.activeData == t {
		c.activeData = nil
	}
	c.mu.Unlock()
}
