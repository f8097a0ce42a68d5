package ftps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"
)

// errStreamClosed aborts a transfer whose DataStream was closed before the
// end of the data.
var errStreamClosed = errors.New("ftps: data stream closed before transfer completed")

// openData negotiates a data endpoint, dials it, and issues command.
//
// On success the server has accepted the transfer, the data transport is
// ready (TLS handshake included) but still paused, and p will receive the
// transfer's final reply.
func (c *Client) openData(ctx context.Context, command string) (*transport, *pending, error) {
	ep, err := c.negotiate(ctx)
	if err != nil {
		return nil, nil, err
	}

	t, err := c.openDataTransport(ctx, ep)
	if err != nil {
		return nil, nil, err
	}

	p, err := c.submit(command, true)
	if err != nil {
		t.Close()
		return nil, nil, err
	}

	// Servers differ on whether the data TLS handshake or the preliminary
	// reply comes first, so both are awaited together.
	handshake := make(chan error, 1)
	go func() {
		handshake <- t.handshake(ctx)
	}()

	if err := c.awaitPrelim(ctx, command, p); err != nil {
		t.Close()
		return nil, nil, err
	}

	select {
	case err := <-handshake:
		if err != nil {
			t.Close()
			return nil, nil, err
		}
	case <-ctx.Done():
		t.Close()
		return nil, nil, ctx.Err()
	}

	c.setActiveData(t)
	return t, p, nil
}

// awaitPrelim waits for the server to accept a transfer command.
func (c *Client) awaitPrelim(ctx context.Context, command string, p *pending) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case r := <-p.prelim:
		c.logger.Debug("ftp response", "cmd", command, "code", r.Code, "reply", r.Text)
		return nil
	case res := <-p.done:
		if res.err != nil {
			return res.err
		}
		if res.reply.Is2xx() {
			// Completed without a preliminary reply; the control
			// watcher picks it up from here.
			p.done <- res
			return nil
		}
		return newCommandError(command, res.reply)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watchControl feeds the final reply of a transfer into its barrier.
// It returns once the barrier has fired or the final reply was recorded.
func (c *Client) watchControl(ctx context.Context, command string, p *pending, b *barrier) error {
	select {
	case res := <-p.done:
		switch {
		case res.err != nil:
			b.abort(res.err)
		case !res.reply.Is2xx():
			b.abort(newCommandError(command, res.reply))
		default:
			c.logger.Debug("ftp response", "cmd", command, "code", res.reply.Code, "reply", res.reply.Text)
			b.controlReply(res.reply)
		}
	case <-b.Done():
	case <-ctx.Done():
		b.abort(ctx.Err())
	}

	_, err := b.result()
	return err
}

// finish waits for a barrier whose data side has ended. The wait for the
// final reply is bounded by the client timeout.
func (c *Client) finish(ctx context.Context, command string, b *barrier) (*Reply, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	r, err := b.wait(ctx)
	if err != nil && ctx.Err() != nil {
		b.abort(fmt.Errorf("%s: waiting for completion reply: %w", command, ctx.Err()))
		return b.result()
	}
	return r, err
}

// endTransfer returns the barrier callback that releases a data transport.
func (c *Client) endTransfer(t *transport) func(*Reply, error) {
	return func(*Reply, error) {
		t.Close()
		c.clearActiveData(t)
		c.transferring.Store(false)
	}
}

// List returns the names in path using NLST. An empty path lists the
// current directory.
//
// Example:
//
//	names, err := client.List(ctx, "incoming")
func (c *Client) List(ctx context.Context, path string) ([]string, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	command := "NLST"
	if path != "" {
		command += " " + path
	}

	c.transferring.Store(true)
	t, p, err := c.openData(ctx, command)
	if err != nil {
		c.transferring.Store(false)
		return nil, err
	}

	b := newBarrier(c.endTransfer(t))
	defer b.abort(errStreamClosed)

	var buf bytes.Buffer
	g, gctx := errgroup.WithContext(ctx)

	t.resume()
	g.Go(func() error {
		if _, err := buf.ReadFrom(t); err != nil {
			b.abort(&TransportError{Op: "read data", Err: err})
			_, err := b.result()
			return err
		}
		b.dataEnd()
		_, err := c.finish(gctx, command, b)
		return err
	})
	g.Go(func() error {
		return c.watchControl(gctx, command, p, b)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return splitNames(buf.String()), nil
}

// splitNames splits an NLST listing into names, dropping empty entries.
func splitNames(listing string) []string {
	var names []string
	for _, line := range strings.Split(listing, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	return names
}

// Store uploads the contents of r to remotePath using STOR.
// The transfer is performed in binary mode (TYPE I). Store returns once
// the data has been written, the data connection closed, and the server
// has confirmed the transfer.
//
// Example:
//
//	file, err := os.Open("report.csv")
//	if err != nil {
//	    return err
//	}
//	defer file.Close()
//
//	err = client.Store(ctx, "incoming/report.csv", file)
func (c *Client) Store(ctx context.Context, remotePath string, r io.Reader) error {
	if err := c.ready(); err != nil {
		return err
	}

	if err := c.setType(ctx, "I"); err != nil {
		return fmt.Errorf("failed to set binary mode: %w", err)
	}

	command := "STOR " + remotePath

	c.transferring.Store(true)
	t, p, err := c.openData(ctx, command)
	if err != nil {
		c.transferring.Store(false)
		return err
	}

	b := newBarrier(c.endTransfer(t))
	defer b.abort(errStreamClosed)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if _, err := io.Copy(t, r); err != nil {
			b.abort(fmt.Errorf("upload failed: %w", err))
			_, err := b.result()
			return err
		}
		// Closing the data connection marks the end of the file.
		if err := t.Close(); err != nil {
			b.abort(&TransportError{Op: "close data", Err: err})
			_, err := b.result()
			return err
		}
		b.dataEnd()
		_, err := c.finish(gctx, command, b)
		return err
	})
	g.Go(func() error {
		return c.watchControl(gctx, command, p, b)
	})

	return g.Wait()
}

// DataStream is the body of a file being retrieved.
//
// Read returns io.EOF only once all data has arrived and the server has
// confirmed the transfer; a failed transfer surfaces as an error from Read
// instead. The stream must be closed.
type DataStream struct {
	c       *Client
	ctx     context.Context
	command string
	t       *transport
	b       *barrier
}

// Retrieve starts downloading remotePath using RETR and returns the data
// as a stream. The transfer is performed in binary mode (TYPE I).
//
// Example:
//
//	stream, err := client.Retrieve(ctx, "incoming/report.csv")
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//
//	_, err = io.Copy(os.Stdout, stream)
func (c *Client) Retrieve(ctx context.Context, remotePath string) (*DataStream, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	if err := c.setType(ctx, "I"); err != nil {
		return nil, fmt.Errorf("failed to set binary mode: %w", err)
	}

	command := "RETR " + remotePath

	c.transferring.Store(true)
	t, p, err := c.openData(ctx, command)
	if err != nil {
		c.transferring.Store(false)
		return nil, err
	}

	s := &DataStream{
		c:       c,
		ctx:     ctx,
		command: command,
		t:       t,
		b:       newBarrier(c.endTransfer(t)),
	}

	go func() {
		_ = c.watchControl(ctx, command, p, s.b)
	}()

	t.resume()
	return s, nil
}

// Read implements io.Reader.
func (s *DataStream) Read(p []byte) (int, error) {
	select {
	case <-s.b.Done():
		if _, err := s.b.result(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	default:
	}

	n, err := s.t.Read(p)
	if err == nil {
		return n, nil
	}

	if err == io.EOF {
		s.b.dataEnd()
		if _, err := s.c.finish(s.ctx, s.command, s.b); err != nil {
			return n, err
		}
		return n, io.EOF
	}

	s.b.abort(&TransportError{Op: "read data", Err: err})
	_, err = s.b.result()
	return n, err
}

// Close releases the data connection. Closing a stream before Read has
// returned io.EOF aborts the transfer.
func (s *DataStream) Close() error {
	s.b.abort(errStreamClosed)
	return nil
}

// Reply returns the final reply of a completed transfer, or nil if the
// transfer has not completed successfully.
func (s *DataStream) Reply() *Reply {
	select {
	case <-s.b.Done():
		r, err := s.b.result()
		if err != nil {
			return nil
		}
		return r
	default:
		return nil
	}
}

// UploadFile uploads a local file to remotePath.
// This is a convenience wrapper around Store.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer file.Close()

	return c.Store(ctx, remotePath, file)
}

// DownloadFile downloads remotePath to a local file. The local file is
// removed if the transfer fails.
// This is a convenience wrapper around Retrieve.
func (c *Client) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	stream, err := c.Retrieve(ctx, remotePath)
	if err != nil {
		return err
	}
	defer stream.Close()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}

	_, err = io.Copy(file, stream)
	if cerr := file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close local file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(localPath)
		return err
	}

	return nil
}
