package ftps

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gonzalop/ftps/internal/ratelimit"
)

// sessionState is the lifecycle of a control session.
type sessionState int

const (
	stateUnconnected sessionState = iota
	stateConnecting
	stateAuthenticated
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateUnconnected:
		return "unconnected"
	case stateConnecting:
		return "connecting"
	case stateAuthenticated:
		return "authenticated"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("sessionState(%d)", int(s))
	}
}

// Client is an FTP or explicit-FTPS client session.
//
// A Client owns exactly one control connection. Commands may be issued from
// several goroutines; they are written in call order and their replies are
// matched in the same order.
type Client struct {
	// cfg is the immutable session configuration
	cfg Config

	// tlsConfig is shared by the control and data connections in explicit TLS mode
	tlsConfig *tls.Config

	// decoder extracts the data endpoint from PASV or EPSV replies
	decoder decoder

	// timeout bounds the handshake, each reply wait and data connection I/O
	timeout time.Duration

	// idleTimeout is the maximum time to wait before sending NOOP to keep connection alive
	// If zero, no automatic keep-alive is performed
	idleTimeout time.Duration

	logger  *slog.Logger
	dialer  *net.Dialer
	limiter *ratelimit.Limiter
	onFatal func(error)

	// mu protects the fields below
	mu          sync.Mutex
	state       sessionState
	ctrl        *transport
	corr        *correlator
	lastCommand time.Time
	currentType string
	activeData  *transport
	fatalErr    error

	// writeMu keeps queue registration and the command write atomic
	writeMu sync.Mutex

	// transferring is set while a data-bearing command is in flight
	transferring atomic.Bool

	// quitChan signals the keep-alive goroutine to stop
	quitChan chan struct{}
	quitOnce sync.Once
}

// New creates an unconnected client for cfg. Call Connect to open the
// session.
func New(cfg Config, options ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		timeout: 30 * time.Second,
		dialer:  &net.Dialer{},
		logger:  slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1})), // No-op logger by default
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	c.decoder = newDecoder(cfg.DataMode, cfg.Host)

	if cfg.Security == SecurityExplicitTLS {
		base := c.tlsConfig
		if base == nil {
			base = &tls.Config{}
		}
		if base.ServerName == "" {
			base.ServerName = cfg.Host
		}
		base.InsecureSkipVerify = cfg.InsecureSkipVerify
		// Ensure we have a session cache for TLS session reuse
		if base.ClientSessionCache == nil {
			base.ClientSessionCache = tls.NewLRUClientSessionCache(0)
		}
		c.tlsConfig = base
	}

	return c, nil
}

// Dial creates a client for cfg and connects it.
//
// Example:
//
//	client, err := ftps.Dial(ctx, ftps.Config{
//	    Host:     "ftp.example.com",
//	    Username: "user",
//	    Password: "secret",
//	    Security: ftps.SecurityExplicitTLS,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Quit(ctx)
func Dial(ctx context.Context, cfg Config, options ...Option) (*Client, error) {
	c, err := New(cfg, options...)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Config returns the session configuration with the password removed.
func (c *Client) Config() Config {
	cfg := c.cfg
	cfg.Password = ""
	return cfg
}

// Connect opens the control connection, upgrades it to TLS in explicit
// TLS mode, and logs in. On failure the client stays unconnected and
// Connect may be called again.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateUnconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("ftps: cannot connect a %s session", state)
	}
	c.state = stateConnecting
	c.mu.Unlock()

	err := c.connect(ctx)

	c.mu.Lock()
	if err != nil {
		c.state = stateUnconnected
		c.ctrl = nil
		c.corr = nil
	} else {
		c.state = stateAuthenticated
		c.lastCommand = time.Now()
		c.currentType = ""
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}

	c.startKeepAlive()
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	addr := c.cfg.Addr()
	c.logger.Debug("connecting to ftp server", "addr", addr, "security", c.cfg.Security, "data_mode", c.cfg.DataMode)

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	t := newTransport(conn, transportOptions{writeTimeout: c.timeout})
	t.resume()
	a := newAssembler(c.logger)

	if err := c.greet(ctx, t, a); err != nil {
		t.Close()
		return err
	}

	corr := newCorrelator(c.logger, c.fail)
	c.mu.Lock()
	c.ctrl = t
	c.corr = corr
	c.mu.Unlock()
	go corr.run(t, a)

	if err := c.login(ctx); err != nil {
		corr.shutdown()
		t.Close()
		return err
	}

	return nil
}

// greet reads the server greeting and, in explicit TLS mode, negotiates
// AUTH TLS and performs the handshake. It runs before the dispatch loop
// starts, so replies are read synchronously.
func (c *Client) greet(ctx context.Context, t *transport, a *assembler) error {
	resp, err := c.readReply(ctx, t, a)
	if err != nil {
		return fmt.Errorf("failed to read greeting: %w", err)
	}
	c.logger.Debug("ftp greeting", "code", resp.Code, "reply", resp.Text)

	if resp.Code != 220 {
		return newProtocolError("CONNECT", resp)
	}

	if c.cfg.Security != SecurityExplicitTLS {
		return nil
	}

	c.logger.Debug("ftp command", "cmd", "AUTH TLS")
	if _, err := t.Write([]byte("AUTH TLS\r\n")); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	resp, err = c.readReply(ctx, t, a)
	if err != nil {
		return fmt.Errorf("AUTH TLS failed: %w", err)
	}
	c.logger.Debug("ftp response", "code", resp.Code, "reply", resp.Text)

	if resp.Code != 234 {
		return newProtocolError("AUTH TLS", resp)
	}
	if a.assembling() {
		return &ProtocolError{Command: "AUTH TLS", Response: "unexpected data before TLS handshake", Code: resp.Code}
	}

	c.logger.Debug("starting TLS handshake", "mode", "explicit")
	if err := t.upgrade(ctx, c.tlsConfig); err != nil {
		return err
	}
	c.logger.Debug("TLS handshake complete", "mode", "explicit")

	return nil
}

// readReply reads from t until a with complete reply is assembled.
// It is only used before the dispatch loop owns the transport.
func (c *Client) readReply(ctx context.Context, t *transport, a *assembler) (*Reply, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	stop := t.interruptReads(ctx)
	defer func() {
		stop()
		_ = t.conn.SetReadDeadline(time.Time{})
	}()

	for {
		frame, err := t.readChunk()
		if len(frame) > 0 {
			replies, ferr := a.feed(frame)
			if ferr != nil {
				return nil, ferr
			}
			if len(replies) > 0 {
				for _, extra := range replies[1:] {
					c.logger.Warn("unsolicited reply", "code", extra.Code, "reply", extra.Text)
				}
				return replies[0], nil
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &TransportError{Op: "read", Err: err}
		}
	}
}

// login runs the post-greeting handshake: PBSZ 0 and PROT P around
// USER/PASS in explicit TLS mode, USER/PASS alone otherwise.
func (c *Client) login(ctx context.Context) error {
	secure := c.cfg.Security == SecurityExplicitTLS

	if secure {
		if _, err := c.step(ctx, "PBSZ", "PBSZ 0"); err != nil {
			return err
		}
	}

	resp, err := c.step(ctx, "USER", "USER "+c.cfg.Username)
	if err != nil {
		return err
	}

	// 230 means we're already logged in (no password required)
	if resp.Code != 230 {
		if _, err := c.step(ctx, "PASS", "PASS "+c.cfg.Password); err != nil {
			return err
		}
	}

	if secure {
		if _, err := c.step(ctx, "PROT", "PROT P"); err != nil {
			return err
		}
	}

	return nil
}

// step sends one handshake command and fails on a negative reply.
func (c *Client) step(ctx context.Context, name, command string) (*Reply, error) {
	resp, err := c.send(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}
	if resp.Is4xx() || resp.Is5xx() || resp.Code == 0 {
		return nil, newProtocolError(name, resp)
	}
	return resp, nil
}

// Send writes a raw command to the control connection and waits for its
// complete reply. Negative replies are returned as replies, not errors;
// errors are reserved for transport failures, cancellation and closed
// sessions.
//
// Send may be called concurrently. Replies are matched to commands in the
// order the commands were written.
//
// Example:
//
//	resp, err := client.Send(ctx, "SITE CHMOD 755 script.sh")
func (c *Client) Send(ctx context.Context, command string) (*Reply, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.send(ctx, command)
}

func (c *Client) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateAuthenticated:
		return nil
	case stateClosed:
		if c.fatalErr != nil {
			return fmt.Errorf("%w: %w", ErrSessionClosed, c.fatalErr)
		}
		return ErrSessionClosed
	default:
		return ErrNotConnected
	}
}

func (c *Client) send(ctx context.Context, command string) (*Reply, error) {
	p, err := c.submit(command, false)
	if err != nil {
		return nil, err
	}
	return c.await(ctx, p)
}

// submit registers command with the correlator and writes it.
// data marks commands that open a data transfer and may receive a
// preliminary reply.
func (c *Client) submit(command string, data bool) (*pending, error) {
	if strings.ContainsAny(command, "\r\n") {
		return nil, fmt.Errorf("ftps: command %q contains a line break", redact(command))
	}

	c.mu.Lock()
	ctrl, corr := c.ctrl, c.corr
	c.lastCommand = time.Now()
	c.mu.Unlock()

	if corr == nil {
		return nil, ErrNotConnected
	}

	c.logger.Debug("ftp command", "cmd", redact(command))

	p := newPending(command, data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := corr.push(p); err != nil {
		return nil, err
	}
	if _, err := ctrl.Write([]byte(command + "\r\n")); err != nil {
		corr.remove(p)
		return nil, &TransportError{Op: "write", Err: err}
	}

	return p, nil
}

// await waits for the final reply of p.
func (c *Client) await(ctx context.Context, p *pending) (*Reply, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case res := <-p.done:
		if res.err != nil {
			return nil, res.err
		}
		c.logger.Debug("ftp response", "cmd", redact(p.cmd), "code", res.reply.Code, "reply", res.reply.Text)
		return res.reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fail closes the session after the control connection broke. The
// user's fatal handler only hears about errors no command received.
func (c *Client) fail(err error, routed bool) {
	c.mu.Lock()
	if c.state == stateAuthenticated {
		c.state = stateClosed
		c.fatalErr = err
	}
	ctrl := c.ctrl
	c.mu.Unlock()

	c.stopKeepAlive()
	if ctrl != nil {
		_ = ctrl.Close()
	}
	if !routed && c.onFatal != nil {
		c.onFatal(err)
	}
}

// Quit sends QUIT and closes the control connection. The session is closed
// whatever the server replies; the reply text is returned for information.
// An in-progress transfer is aborted by closing its data connection.
func (c *Client) Quit(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.state != stateAuthenticated {
		state := c.state
		c.mu.Unlock()
		if state == stateClosed {
			return "", ErrSessionClosed
		}
		return "", ErrNotConnected
	}
	c.state = stateClosed
	active := c.activeData
	corr := c.corr
	c.mu.Unlock()

	c.stopKeepAlive()

	if active != nil {
		active.Close()
	}

	// The server hangs up after replying; that EOF is expected.
	corr.shutdown()
	resp, err := c.send(ctx, "QUIT")
	c.shutdown()

	if err != nil {
		// Hanging up instead of replying to QUIT is still a clean close.
		if errors.Is(err, ErrSessionClosed) || isClosedConn(err) {
			return "", nil
		}
		return "", err
	}
	return resp.Text, nil
}

// Close closes the control connection without sending QUIT.
// Commands still waiting for a reply fail with ErrSessionClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == stateClosed || c.ctrl == nil {
		c.state = stateClosed
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	active := c.activeData
	c.mu.Unlock()

	c.stopKeepAlive()
	if active != nil {
		active.Close()
	}
	return c.shutdown()
}

func (c *Client) shutdown() error {
	c.mu.Lock()
	ctrl, corr := c.ctrl, c.corr
	c.mu.Unlock()

	if corr != nil {
		corr.shutdown()
	}
	if ctrl == nil {
		return nil
	}
	err := ctrl.Close()
	if corr != nil {
		<-corr.stopped
	}
	return err
}

// redact hides the argument of PASS in logs and errors.
func redact(command string) string {
	if len(command) >= 4 && strings.EqualFold(command[:4], "PASS") {
		return "PASS ****"
	}
	return command
}
