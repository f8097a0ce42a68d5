package ftps

import (
	"context"
	"sync"
)

// barrier joins the two completion signals of a data transfer: the data
// connection reaching end of stream, and the control connection delivering
// the transfer's final reply. The two arrive in no particular order.
//
// The barrier fires exactly once: with the control reply when both signals
// have been seen, or with the first error reported by either side.
type barrier struct {
	mu       sync.Mutex
	dataDone bool
	ctrlDone bool
	reply    *Reply
	err      error
	fired    bool

	onFire func(*Reply, error)
	done   chan struct{}
}

// newBarrier returns a barrier that calls onFire once it fires. onFire
// may be nil.
func newBarrier(onFire func(*Reply, error)) *barrier {
	return &barrier{
		onFire: onFire,
		done:   make(chan struct{}),
	}
}

// dataEnd records that the data connection reached end of stream.
func (b *barrier) dataEnd() {
	b.mu.Lock()
	if b.fired || b.dataDone {
		b.mu.Unlock()
		return
	}
	b.dataDone = true
	b.maybeFireLocked()
}

// controlReply records the final control reply.
func (b *barrier) controlReply(r *Reply) {
	b.mu.Lock()
	if b.fired || b.ctrlDone {
		b.mu.Unlock()
		return
	}
	b.ctrlDone = true
	b.reply = r
	b.maybeFireLocked()
}

// abort fires the barrier with err unless it already fired.
func (b *barrier) abort(err error) {
	b.mu.Lock()
	if b.fired {
		b.mu.Unlock()
		return
	}
	b.err = err
	b.fireLocked()
}

// maybeFireLocked is called with b.mu held and releases it.
func (b *barrier) maybeFireLocked() {
	if !b.dataDone || !b.ctrlDone {
		b.mu.Unlock()
		return
	}
	b.fireLocked()
}

// fireLocked is called with b.mu held and releases it.
func (b *barrier) fireLocked() {
	b.fired = true
	reply, err := b.reply, b.err
	b.mu.Unlock()

	if b.onFire != nil {
		b.onFire(reply, err)
	}
	close(b.done)
}

// Done is closed when the barrier fires.
func (b *barrier) Done() <-chan struct{} {
	return b.done
}

// wait blocks until the barrier fires or ctx is done.
func (b *barrier) wait(ctx context.Context) (*Reply, error) {
	select {
	case <-b.done:
		return b.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// result returns the outcome of a fired barrier.
func (b *barrier) result() (*Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return b.reply, nil
}
