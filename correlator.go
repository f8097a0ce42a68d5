package ftps

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
)

// result is what a pending command resolves to.
type result struct {
	reply *Reply
	err   error
}

// pending is one command waiting for its reply on the control connection.
type pending struct {
	cmd string

	// prelim receives a 1yz reply for commands that open a data transfer.
	// It is nil for every other command.
	prelim chan *Reply

	// done receives the final reply or a transport error, exactly once.
	done chan result
}

func newPending(cmd string, data bool) *pending {
	p := &pending{
		cmd:  cmd,
		done: make(chan result, 1),
	}
	if data {
		p.prelim = make(chan *Reply, 1)
	}
	return p
}

// correlator matches replies read from the control connection to the
// commands that caused them.
//
// FTP never reorders replies, so the queue is strictly FIFO: each complete
// reply resolves the oldest outstanding command.
type correlator struct {
	mu    sync.Mutex
	queue []*pending

	// err is set once the dispatch loop has stopped; later pushes fail with it
	err error

	// closing is set by shutdown so the resulting read error is not
	// reported as a session failure
	closing bool

	logger *slog.Logger
	// onFail is told about every failure not caused by shutdown, before
	// outstanding commands are resolved. routed is false when no command
	// was outstanding to receive the error.
	onFail  func(err error, routed bool)
	stopped chan struct{}
}

func newCorrelator(logger *slog.Logger, onFail func(err error, routed bool)) *correlator {
	return &correlator{
		logger:  logger,
		onFail:  onFail,
		stopped: make(chan struct{}),
	}
}

// push registers a command as outstanding. It must be called before the
// command is written so its reply cannot arrive first.
func (c *correlator) push(p *pending) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return c.err
	}
	c.queue = append(c.queue, p)
	return nil
}

// remove drops p from the queue if it is still there. It is used when the
// command could not be written.
func (c *correlator) remove(p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, q := range c.queue {
		if q == p {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// outstanding returns the number of commands waiting for a reply.
func (c *correlator) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// shutdown marks the session as closing so the read error that follows
// closing the transport resolves leftovers with ErrSessionClosed.
func (c *correlator) shutdown() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
}

// run is the dispatch loop. It is the only reader of the control
// transport and returns when the transport fails or is closed.
func (c *correlator) run(t *transport, a *assembler) {
	defer close(c.stopped)

	for {
		frame, err := t.readChunk()
		if len(frame) > 0 {
			replies, ferr := a.feed(frame)
			for _, r := range replies {
				c.dispatch(r)
			}
			if ferr != nil {
				c.fail(ferr)
				return
			}
		}
		if err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *correlator) dispatch(r *Reply) {
	c.mu.Lock()

	if len(c.queue) == 0 {
		c.mu.Unlock()
		if r.Code == 421 {
			c.logger.Error("server is closing the control connection", "reply", r.Text)
		} else {
			c.logger.Warn("unsolicited reply", "code", r.Code, "reply", r.Text)
		}
		return
	}

	head := c.queue[0]

	if r.Is1xx() {
		c.mu.Unlock()
		if head.prelim == nil {
			c.logger.Debug("ignoring preliminary reply", "cmd", redact(head.cmd), "reply", r.Text)
			return
		}
		select {
		case head.prelim <- r:
		default:
			c.logger.Debug("ignoring extra preliminary reply", "cmd", redact(head.cmd), "reply", r.Text)
		}
		return
	}

	c.queue[0] = nil
	c.queue = c.queue[1:]
	c.mu.Unlock()

	head.done <- result{reply: r}
}

// fail resolves outstanding commands after the dispatch loop stopped.
// The oldest command receives the transport error, the others
// ErrSessionClosed. With nothing outstanding the error has nowhere to go
// and is logged as a session failure.
func (c *correlator) fail(cause error) {
	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	closing := c.closing

	var err error
	switch {
	case closing && isClosedConn(cause):
		err = ErrSessionClosed
	case errors.As(cause, new(*TransportError)):
		err = cause
	default:
		err = &TransportError{Op: "read", Err: cause}
	}

	if closing {
		c.err = ErrSessionClosed
	} else {
		c.err = err
	}
	c.mu.Unlock()

	if !closing {
		if len(queue) == 0 {
			c.logger.Error("control connection failed with no command outstanding", "error", err)
		}
		if c.onFail != nil {
			c.onFail(err, len(queue) > 0)
		}
	}
	if len(queue) == 0 {
		return
	}

	queue[0].done <- result{err: err}
	for _, p := range queue[1:] {
		p.done <- result{err: ErrSessionClosed}
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
