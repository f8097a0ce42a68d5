package ftps

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startCorrelator runs a dispatch loop over one end of a pipe and returns
// the other end for the test to play the server.
func startCorrelator(t *testing.T, onFail func(error, bool)) (*correlator, *transport, net.Conn) {
	t.Helper()

	client, server := net.Pipe()
	tr := newTransport(client, transportOptions{})
	tr.resume()

	c := newCorrelator(discardLogger(), onFail)
	go c.run(tr, newAssembler(discardLogger()))

	t.Cleanup(func() {
		_ = server.Close()
		_ = tr.Close()
		<-c.stopped
	})
	return c, tr, server
}

func waitResult(t *testing.T, p *pending) result {
	t.Helper()
	select {
	case res := <-p.done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("no result for %q", p.cmd)
		return result{}
	}
}

func TestCorrelator_FIFO(t *testing.T) {
	t.Parallel()

	c, _, server := startCorrelator(t, nil)

	first := newPending("CWD a", false)
	second := newPending("CWD b", false)
	third := newPending("CWD c", false)
	for _, p := range []*pending{first, second, third} {
		require.NoError(t, c.push(p))
	}

	// All three replies coalesced into one write.
	_, err := server.Write([]byte("250 a\r\n550 b\r\n250-c\r\n more\r\n250 c\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "250 a", waitResult(t, first).reply.Text)
	assert.Equal(t, "550 b", waitResult(t, second).reply.Text)
	assert.Equal(t, "250 c", waitResult(t, third).reply.Text)
	assert.Equal(t, 0, c.outstanding())
}

func TestCorrelator_Preliminary(t *testing.T) {
	t.Parallel()

	c, _, server := startCorrelator(t, nil)

	retr := newPending("RETR f", true)
	noop := newPending("NOOP", false)
	require.NoError(t, c.push(retr))
	require.NoError(t, c.push(noop))

	_, err := server.Write([]byte("150 Opening\r\n"))
	require.NoError(t, err)

	select {
	case r := <-retr.prelim:
		assert.Equal(t, 150, r.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("no preliminary reply")
	}
	assert.Equal(t, 2, c.outstanding(), "1yz must not pop the entry")

	_, err = server.Write([]byte("226 Done\r\n200 NOOP ok\r\n"))
	require.NoError(t, err)

	assert.Equal(t, 226, waitResult(t, retr).reply.Code)
	assert.Equal(t, 200, waitResult(t, noop).reply.Code)
}

func TestCorrelator_PreliminaryIgnoredForPlainCommands(t *testing.T) {
	t.Parallel()

	c, _, server := startCorrelator(t, nil)

	p := newPending("SITE X", false)
	require.NoError(t, c.push(p))

	_, err := server.Write([]byte("120 Wait\r\n200 OK\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "200 OK", waitResult(t, p).reply.Text)
}

func TestCorrelator_TransportFailure(t *testing.T) {
	t.Parallel()

	failed := make(chan bool, 1)
	c, _, server := startCorrelator(t, func(_ error, routed bool) { failed <- routed })

	oldest := newPending("RETR a", false)
	younger := newPending("NOOP", false)
	require.NoError(t, c.push(oldest))
	require.NoError(t, c.push(younger))

	_ = server.Close()

	res := waitResult(t, oldest)
	var te *TransportError
	require.ErrorAs(t, res.err, &te)
	assert.Equal(t, "read", te.Op)

	// The failure is reported before any command is resolved.
	select {
	case routed := <-failed:
		assert.True(t, routed)
	default:
		t.Fatal("failure not reported before resolving commands")
	}

	res = waitResult(t, younger)
	assert.ErrorIs(t, res.err, ErrSessionClosed)

	<-c.stopped
	err := c.push(newPending("NOOP", false))
	assert.ErrorAs(t, err, &te)
}

func TestCorrelator_FatalWithNothingOutstanding(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		fatal error
	)
	c, _, server := startCorrelator(t, func(err error, routed bool) {
		mu.Lock()
		fatal = err
		mu.Unlock()
		assert.False(t, routed)
	})

	_, err := server.Write([]byte("421 Service not available, closing control connection\r\n"))
	require.NoError(t, err)
	_ = server.Close()

	<-c.stopped

	mu.Lock()
	defer mu.Unlock()
	var te *TransportError
	require.ErrorAs(t, fatal, &te)
	assert.Error(t, c.push(newPending("NOOP", false)))
}

func TestCorrelator_Shutdown(t *testing.T) {
	t.Parallel()

	fired := false
	c, tr, _ := startCorrelator(t, func(error, bool) { fired = true })

	p := newPending("QUIT", false)
	require.NoError(t, c.push(p))

	c.shutdown()
	_ = tr.Close()

	res := waitResult(t, p)
	assert.ErrorIs(t, res.err, ErrSessionClosed)

	<-c.stopped
	assert.False(t, fired)
	assert.ErrorIs(t, c.push(newPending("NOOP", false)), ErrSessionClosed)
}

func TestCorrelator_Remove(t *testing.T) {
	t.Parallel()

	c := newCorrelator(discardLogger(), nil)
	a := newPending("A", false)
	b := newPending("B", false)
	require.NoError(t, c.push(a))
	require.NoError(t, c.push(b))

	c.remove(a)
	c.remove(a)
	assert.Equal(t, 1, c.outstanding())

	c.dispatch(&Reply{Code: 200, Text: "200 B"})
	res := <-b.done
	assert.Equal(t, "200 B", res.reply.Text)
}

func TestCorrelator_UnsolicitedReply(t *testing.T) {
	t.Parallel()

	c := newCorrelator(discardLogger(), nil)
	c.dispatch(&Reply{Code: 200, Text: "200 stray"})
	assert.Equal(t, 0, c.outstanding())
}

func TestIsClosedConn(t *testing.T) {
	t.Parallel()

	assert.True(t, isClosedConn(net.ErrClosed))
	assert.False(t, isClosedConn(errors.New("boom")))
}
