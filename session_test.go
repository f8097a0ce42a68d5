package ftps

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gonzalop/ftps/internal/ftptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(srv *ftptest.Server) Config {
	return Config{
		Host:     srv.Host,
		Port:     srv.Port,
		Username: "anonymous",
		Password: "secret",
	}
}

func dialTest(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithTimeout(5 * time.Second)}, opts...)
	c, err := Dial(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newTLSServer(t *testing.T, opts ...ftptest.Option) (*ftptest.Server, *ftptest.Certificate) {
	t.Helper()
	cert, err := ftptest.NewCertificate()
	require.NoError(t, err)
	srv := ftptest.NewServer(t, append([]ftptest.Option{ftptest.WithTLS(cert)}, opts...)...)
	return srv, cert
}

func TestConnect_Plain(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	c := dialTest(t, testConfig(srv))

	text, err := c.Quit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "221 Goodbye.", text)
	assert.Equal(t, []string{"USER anonymous", "PASS secret", "QUIT"}, srv.Commands())
}

func TestConnect_ExplicitTLS(t *testing.T) {
	t.Parallel()

	srv, cert := newTLSServer(t)
	cfg := testConfig(srv)
	cfg.Security = SecurityExplicitTLS

	c := dialTest(t, cfg, WithTLSConfig(cert.ClientConfig()))
	_, err := c.Quit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"AUTH", "PBSZ", "USER", "PASS", "PROT", "QUIT"}, srv.Verbs())
	assert.Contains(t, srv.Commands(), "PROT P")
	assert.Contains(t, srv.Commands(), "PBSZ 0")
}

func TestConnect_ExplicitTLSUntrusted(t *testing.T) {
	t.Parallel()

	srv, _ := newTLSServer(t)
	cfg := testConfig(srv)
	cfg.Security = SecurityExplicitTLS

	_, err := Dial(context.Background(), cfg, WithTimeout(5*time.Second))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "tls handshake", te.Op)
}

func TestConnect_ExplicitTLSInsecureSkipVerify(t *testing.T) {
	t.Parallel()

	srv, _ := newTLSServer(t)
	cfg := testConfig(srv)
	cfg.Security = SecurityExplicitTLS
	cfg.InsecureSkipVerify = true

	c := dialTest(t, cfg)
	require.NoError(t, c.Noop(context.Background()))
}

func TestConnect_HandshakeFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		opts     []ftptest.Option
		handlers map[string]ftptest.HandlerFunc
		security SecurityMode
		wantStep string
		wantCode int
	}{
		{
			name:     "bad greeting",
			opts:     []ftptest.Option{ftptest.WithGreeting("421 Too many users\r\n")},
			wantStep: "CONNECT",
			wantCode: 421,
		},
		{
			name:     "AUTH TLS rejected",
			security: SecurityExplicitTLS,
			wantStep: "AUTH TLS",
			wantCode: 504,
		},
		{
			name: "user rejected",
			handlers: map[string]ftptest.HandlerFunc{
				"USER": func(s *ftptest.Session, _ string) { s.Reply("530 Not logged in.") },
			},
			wantStep: "USER",
			wantCode: 530,
		},
		{
			name: "password rejected",
			handlers: map[string]ftptest.HandlerFunc{
				"PASS": func(s *ftptest.Session, _ string) { s.Reply("530 Login incorrect.") },
			},
			wantStep: "PASS",
			wantCode: 530,
		},
		{
			name: "transient failure",
			handlers: map[string]ftptest.HandlerFunc{
				"PASS": func(s *ftptest.Session, _ string) { s.Reply("421 Try later.") },
			},
			wantStep: "PASS",
			wantCode: 421,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := ftptest.NewServer(t, tt.opts...)
			for cmd, h := range tt.handlers {
				srv.Handle(cmd, h)
			}
			cfg := testConfig(srv)
			cfg.Security = tt.security

			c, err := New(cfg, WithTimeout(5*time.Second))
			require.NoError(t, err)

			err = c.Connect(context.Background())
			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.wantStep, pe.Command)
			assert.Equal(t, tt.wantCode, pe.Code)

			_, err = c.Send(context.Background(), "NOOP")
			assert.ErrorIs(t, err, ErrNotConnected)
		})
	}
}

func TestConnect_MultiLineGreeting(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t, ftptest.WithGreeting("220-Welcome\r\n220-to the\r\n220 server\r\n"))
	c := dialTest(t, testConfig(srv))
	require.NoError(t, c.Noop(context.Background()))
}

func TestConnect_UserLoggedInWithoutPassword(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	srv.Handle("USER", func(s *ftptest.Session, _ string) {
		s.Reply("230 Login successful.")
	})

	c := dialTest(t, testConfig(srv))
	require.NoError(t, c.Noop(context.Background()))
	assert.Equal(t, []string{"USER", "NOOP"}, srv.Verbs())
}

func TestConnect_Twice(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	c := dialTest(t, testConfig(srv))
	assert.Error(t, c.Connect(context.Background()))
}

func TestConnect_Refused(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	cfg := testConfig(srv)
	srv.Close()

	_, err := Dial(context.Background(), cfg, WithTimeout(time.Second))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial", te.Op)
}

func TestSend_NegativeReplyIsNotAnError(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	c := dialTest(t, testConfig(srv))

	resp, err := c.Send(context.Background(), "SITE CHMOD 755 x")
	require.NoError(t, err)
	assert.Equal(t, 502, resp.Code)
	assert.Equal(t, "502 Command not implemented.", resp.Text)
}

func TestSend_RejectsLineBreaks(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	c := dialTest(t, testConfig(srv))

	_, err := c.Send(context.Background(), "NOOP\r\nDELE x")
	assert.Error(t, err)
}

func TestSend_ConcurrentFIFO(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	srv.Handle("SITE", func(s *ftptest.Session, args string) {
		s.Reply("200 %s", args)
	})
	c := dialTest(t, testConfig(srv))

	const n = 20
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			arg := fmt.Sprintf("ECHO %d", i)
			resp, err := c.Send(context.Background(), "SITE "+arg)
			if assert.NoError(t, err) {
				assert.Equal(t, "200 "+arg, resp.Text)
			}
		}()
	}
	wg.Wait()
}

func TestSend_CoalescedAndSplitReplies(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	srv.Handle("SITE", func(s *ftptest.Session, args string) {
		switch args {
		case "A":
			// nothing yet; answered together with B
		case "B":
			s.Raw("200 A done\r\n200-B\r\n200 B ")
			time.Sleep(20 * time.Millisecond)
			s.Raw("done\r\n")
		}
	})
	c := dialTest(t, testConfig(srv))

	ctx := context.Background()
	pa, err := c.submit("SITE A", false)
	require.NoError(t, err)
	pb, err := c.submit("SITE B", false)
	require.NoError(t, err)

	ra, err := c.await(ctx, pa)
	require.NoError(t, err)
	rb, err := c.await(ctx, pb)
	require.NoError(t, err)

	assert.Equal(t, "200 A done", ra.Text)
	assert.Equal(t, "200 B done", rb.Text)
	assert.Equal(t, []string{"200-B", "200 B done"}, rb.Lines)
}

func TestSend_ContextCanceled(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	release := make(chan struct{})
	srv.Handle("SITE", func(s *ftptest.Session, _ string) {
		<-release
		s.Reply("200 late")
	})
	c := dialTest(t, testConfig(srv))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, "SITE SLOW")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The late reply is still matched to the abandoned command.
	close(release)
	require.NoError(t, c.Noop(context.Background()))
}

func TestQuit_ClosesSession(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	srv.Handle("QUIT", func(s *ftptest.Session, _ string) {
		s.Reply("500 Not today.")
		s.Close()
	})
	c := dialTest(t, testConfig(srv))

	text, err := c.Quit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "500 Not today.", text)

	_, err = c.Send(context.Background(), "NOOP")
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = c.Quit(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestQuit_ServerHangsUp(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	srv.Handle("QUIT", func(s *ftptest.Session, _ string) {
		s.Close()
	})
	c := dialTest(t, testConfig(srv))

	_, err := c.Quit(context.Background())
	require.NoError(t, err)
	_, err = c.Send(context.Background(), "NOOP")
	assert.ErrorIs(t, err, ErrSessionClosed)
	var te *TransportError
	assert.ErrorAs(t, err, &te, "later commands carry the cause")
}

func TestClose_ResolvesOutstanding(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	srv.Handle("SITE", func(*ftptest.Session, string) {})
	c := dialTest(t, testConfig(srv))

	errc := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "SITE NEVER")
		errc <- err
	}()

	require.Eventually(t, func() bool { return c.corr.outstanding() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("outstanding command was not resolved")
	}
}

func TestSession_FatalHandler(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	srv.Handle("SITE", func(s *ftptest.Session, _ string) {
		s.Reply("200 OK")
		s.Reply("421 Idle timeout, closing control connection.")
		s.Close()
	})

	fatal := make(chan error, 1)
	c := dialTest(t, testConfig(srv), WithFatalHandler(func(err error) { fatal <- err }))

	_, err := c.Send(context.Background(), "SITE BYE")
	require.NoError(t, err)

	select {
	case err := <-fatal:
		var te *TransportError
		assert.ErrorAs(t, err, &te)
	case <-time.After(5 * time.Second):
		t.Fatal("fatal handler not called")
	}

	_, err = c.Send(context.Background(), "NOOP")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestQuit_DoesNotReportFatal(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	for range 20 {
		var fired atomic.Int32
		c := dialTest(t, testConfig(srv), WithFatalHandler(func(error) { fired.Add(1) }))

		_, err := c.Quit(context.Background())
		require.NoError(t, err)
		// Quit returns after the dispatch loop has stopped.
		assert.Zero(t, fired.Load())
	}
}

func TestSession_TransportErrorClosesSession(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	srv.Handle("NOOP", func(s *ftptest.Session, _ string) {
		s.Close()
	})

	var fired atomic.Int32
	c := dialTest(t, testConfig(srv), WithFatalHandler(func(error) { fired.Add(1) }))

	err := c.Noop(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)

	_, err = c.Send(context.Background(), "SITE HELP")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorAs(t, err, &te)

	c.mu.Lock()
	assert.Equal(t, stateClosed, c.state)
	c.mu.Unlock()
	assert.Zero(t, fired.Load(), "the error reached the waiting command")
}

func TestSession_PasswordRedacted(t *testing.T) {
	t.Parallel()

	var buf safeBuffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	srv := ftptest.NewServer(t)
	c := dialTest(t, testConfig(srv), WithLogger(logger))
	_, err := c.Quit(context.Background())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "PASS ****")
	assert.NotContains(t, out, "secret")
	assert.Empty(t, c.Config().Password)
}

func TestRedact(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "PASS ****", redact("PASS hunter2"))
	assert.Equal(t, "PASS ****", redact("pass hunter2"))
	assert.Equal(t, "USER bob", redact("USER bob"))
	assert.Equal(t, "NOOP", redact("NOOP"))
}

func TestSessionState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "authenticated", stateAuthenticated.String())
	assert.True(t, strings.HasPrefix(sessionState(9).String(), "sessionState("))
}

// safeBuffer is a bytes.Buffer safe for concurrent log writes.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
