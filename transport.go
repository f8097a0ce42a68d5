package ftps

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gonzalop/ftps/internal/ratelimit"
)

// chunkSize is the size of a single read from a transport.
const chunkSize = 32 * 1024

// deadlineConn wraps a net.Conn and sets a read/write deadline before every operation.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (n int, err error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (n int, err error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// transportOptions configures a transport.
type transportOptions struct {
	// readTimeout bounds each read. The control transport leaves it at
	// zero because its dispatch loop waits for replies indefinitely.
	readTimeout  time.Duration
	writeTimeout time.Duration

	// limiter throttles reads and writes, nil for unlimited
	limiter *ratelimit.Limiter

	// ctx governs rate limiter waits
	ctx context.Context
}

// transport is a bidirectional byte stream over plain TCP or TLS.
//
// A transport starts paused: reads block until resume is called, so the
// consumer is in place before any byte is delivered. Writes are never
// gated.
type transport struct {
	conn net.Conn
	opts transportOptions

	r io.Reader
	w io.Writer

	flowing    chan struct{}
	resumeOnce sync.Once
	closeOnce  sync.Once
	closeErr   error

	buf []byte
}

func newTransport(conn net.Conn, opts transportOptions) *transport {
	if opts.ctx == nil {
		opts.ctx = context.Background()
	}
	t := &transport{
		opts:    opts,
		flowing: make(chan struct{}),
	}
	t.setConn(conn)
	return t
}

func (t *transport) setConn(conn net.Conn) {
	t.conn = conn
	base := &deadlineConn{
		Conn:         conn,
		readTimeout:  t.opts.readTimeout,
		writeTimeout: t.opts.writeTimeout,
	}
	t.r = ratelimit.NewReader(t.opts.ctx, base, t.opts.limiter)
	t.w = ratelimit.NewWriter(t.opts.ctx, base, t.opts.limiter)
}

// resume switches the transport to the flowing state.
func (t *transport) resume() {
	t.resumeOnce.Do(func() { close(t.flowing) })
}

// readChunk returns the next chunk of inbound bytes. The returned slice
// is only valid until the next call.
func (t *transport) readChunk() ([]byte, error) {
	if t.buf == nil {
		t.buf = make([]byte, chunkSize)
	}
	n, err := t.Read(t.buf)
	return t.buf[:n], err
}

// Read implements io.Reader. It blocks while the transport is paused.
func (t *transport) Read(p []byte) (int, error) {
	<-t.flowing
	return t.r.Read(p)
}

// Write implements io.Writer.
func (t *transport) Write(p []byte) (int, error) {
	return t.w.Write(p)
}

// upgrade performs a client TLS handshake over the existing connection
// and replaces it. It must not race with readers.
func (t *transport) upgrade(ctx context.Context, config *tls.Config) error {
	tlsConn := tls.Client(t.conn, config)
	if err := t.handshakeConn(ctx, tlsConn); err != nil {
		return err
	}
	t.setConn(tlsConn)
	return nil
}

// handshake completes the TLS handshake of a data transport that was
// wrapped by the negotiator. It is a no-op on plain connections.
func (t *transport) handshake(ctx context.Context) error {
	tlsConn, ok := t.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	return t.handshakeConn(ctx, tlsConn)
}

func (t *transport) handshakeConn(ctx context.Context, tlsConn *tls.Conn) error {
	if t.opts.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.writeTimeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return &TransportError{Op: "tls handshake", Err: err}
	}
	return nil
}

// interruptReads makes a pending read return once ctx is done.
// The returned function must be called to release the hook.
func (t *transport) interruptReads(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Unix(1, 0))
	})
}

// Close closes the underlying connection. It is safe to call more than
// once and unblocks paused readers.
func (t *transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
		t.resume()
	})
	return t.closeErr
}
