package ftps

import (
	"io"
	"sync/atomic"
)

// ProgressFunc receives the running byte count of a transfer.
type ProgressFunc func(bytesTransferred int64)

// ProgressReader wraps an io.Reader and reports progress via a callback.
// Wrap the source passed to Store, or a DataStream returned by Retrieve.
type ProgressReader struct {
	// Reader is the underlying reader
	Reader io.Reader

	// Callback is called after each Read that returned data
	Callback ProgressFunc

	total atomic.Int64
}

// Read implements io.Reader.
func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		total := pr.total.Add(int64(n))
		if pr.Callback != nil {
			pr.Callback(total)
		}
	}
	return n, err
}

// Transferred returns the number of bytes read so far.
func (pr *ProgressReader) Transferred() int64 {
	return pr.total.Load()
}

// ProgressWriter wraps an io.Writer and reports progress via a callback.
type ProgressWriter struct {
	// Writer is the underlying writer
	Writer io.Writer

	// Callback is called after each Write that accepted data
	Callback ProgressFunc

	total atomic.Int64
}

// Write implements io.Writer.
func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	if n > 0 {
		total := pw.total.Add(int64(n))
		if pw.Callback != nil {
			pw.Callback(total)
		}
	}
	return n, err
}

// Transferred returns the number of bytes written so far.
func (pw *ProgressWriter) Transferred() int64 {
	return pw.total.Load()
}
