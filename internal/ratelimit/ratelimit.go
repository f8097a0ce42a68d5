// Package ratelimit throttles data connection throughput.
//
// It wraps golang.org/x/time/rate with io.Reader and io.Writer adapters so
// a single Limiter can be shared by every data connection of a session.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxChunkSize bounds a single token request so a large Read or Write
// does not block for the whole of it at once.
const maxChunkSize = 16 * 1024

// Limiter limits the rate of data transfer to a number of bytes per second.
// A nil *Limiter means unlimited.
type Limiter struct {
	lim   *rate.Limiter
	chunk int
}

// New creates a limiter allowing bytesPerSecond on average with a burst of
// one second worth of data. It returns nil for bytesPerSecond <= 0.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	burst := int(min(bytesPerSecond, int64(1<<30)))
	return &Limiter{
		lim:   rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		chunk: min(burst, maxChunkSize),
	}
}

// Rate returns the configured limit in bytes per second.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return int64(l.lim.Limit())
}

func (l *Limiter) wait(ctx context.Context, n int) error {
	return l.lim.WaitN(ctx, n)
}

type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

// NewReader returns a reader whose throughput is bounded by limiter.
// If limiter is nil, r is returned unchanged.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) > r.limiter.chunk {
		p = p[:r.limiter.chunk]
	}

	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.wait(r.ctx, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
}

// NewWriter returns a writer whose throughput is bounded by limiter.
// If limiter is nil, w is returned unchanged.
func NewWriter(ctx context.Context, w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

func (w *writer) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n := min(len(p)-total, w.limiter.chunk)

		// Tokens are taken before writing to apply backpressure
		if err := w.limiter.wait(w.ctx, n); err != nil {
			return total, err
		}

		written, err := w.w.Write(p[total : total+n])
		total += written
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
