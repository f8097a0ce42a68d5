package ftps

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gonzalop/ftps/internal/ratelimit"
)

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithTimeout sets the timeout for the connection handshake, for waiting on
// each reply, and for every read and write on data connections.
// Zero disables it; the caller's context is then the only bound.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if timeout < 0 {
			return errors.New("timeout must not be negative")
		}
		c.timeout = timeout
		return nil
	}
}

// WithIdleTimeout sets the maximum idle time before sending NOOP keep-alive.
// If the control connection is idle for longer than this duration, and no
// transfer is in progress, a NOOP command is sent so the server does not
// drop the session. Set to 0 to disable automatic keep-alive.
//
// Example:
//
//	client, _ := ftps.Dial(ctx, cfg,
//	    ftps.WithIdleTimeout(5*time.Minute),
//	)
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.idleTimeout = timeout
		return nil
	}
}

// WithLogger enables debug logging using the provided logger.
// All FTP commands and replies are logged at debug level, with the PASS
// argument redacted.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	client, _ := ftps.Dial(ctx, cfg, ftps.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithDialer sets a custom net.Dialer for establishing the control and
// data connections.
func WithDialer(dialer *net.Dialer) Option {
	return func(c *Client) error {
		if dialer == nil {
			return errors.New("dialer must not be nil")
		}
		c.dialer = dialer
		return nil
	}
}

// WithTLSConfig sets the base TLS configuration used in explicit TLS mode,
// for example to trust a private CA or present a client certificate.
// The configuration is cloned. ServerName defaults to the configured host,
// InsecureSkipVerify always follows Config.InsecureSkipVerify, and a
// ClientSessionCache is added if missing so data connections can resume
// the control connection's TLS session.
func WithTLSConfig(config *tls.Config) Option {
	return func(c *Client) error {
		if config == nil {
			return errors.New("tls config must not be nil")
		}
		c.tlsConfig = config.Clone()
		return nil
	}
}

// WithBandwidthLimit limits the throughput of every data connection of the
// session to bytesPerSecond. Zero or a negative value means unlimited.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(c *Client) error {
		c.limiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// WithFatalHandler registers a callback for control connection failures
// that happen while no command is waiting for a reply. Such errors cannot
// be returned to any caller; they are logged, passed to fn, and returned
// by every later command.
func WithFatalHandler(fn func(error)) Option {
	return func(c *Client) error {
		c.onFatal = fn
		return nil
	}
}
