package ftps

import (
	"context"
	"errors"
	"io"
	"slices"
	"testing"
	"time"

	"github.com/gonzalop/ftps/internal/ftptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeepAlive_SendsNoopWhenIdle(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	c := dialTest(t, testConfig(srv), WithIdleTimeout(40*time.Millisecond))

	require.Eventually(t, func() bool {
		return slices.Contains(srv.Verbs(), "NOOP")
	}, 5*time.Second, 10*time.Millisecond)

	_, err := c.Quit(context.Background())
	require.NoError(t, err)
}

func TestKeepAlive_SkippedDuringTransfer(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	release := make(chan struct{})
	srv.Handle("RETR", func(s *ftptest.Session, _ string) {
		s.Reply("150 Opening data connection.")
		conn, err := s.AcceptData()
		if err != nil {
			return
		}
		<-release
		_, _ = conn.Write([]byte("done"))
		_ = conn.Close()
		s.Reply("226 Transfer complete.")
	})
	c := dialTest(t, testConfig(srv), WithIdleTimeout(20*time.Millisecond))

	stream, err := c.Retrieve(context.Background(), "slow")
	require.NoError(t, err)
	defer stream.Close()

	// A keep-alive would queue behind RETR while the server is busy.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, c.corr.outstanding())
	close(release)

	data, err := readStream(stream)
	require.NoError(t, err)
	assert.Equal(t, "done", string(data))
}

func TestKeepAlive_Disabled(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t)
	c := dialTest(t, testConfig(srv))
	assert.Nil(t, c.quitChan)

	// Stopping a keep-alive that never started is a no-op.
	c.stopKeepAlive()
}

func readStream(s *DataStream) ([]byte, error) {
	var out []byte
	buf := make([]byte, 512)
	for {
		n, err := s.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
	}
}
