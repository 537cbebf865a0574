package stream

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

// DefaultHighWaterMark is the number of queued bytes at which Write starts
// reporting backpressure.
const DefaultHighWaterMark = 16 * 1024

// ErrWriterClosed is returned by Write after Close or Abort.
var ErrWriterClosed = errors.New("flow writer closed")

// FlowWriter decouples producing a response body from writing it to the
// connection. Chunks are queued and written by a single pump goroutine, and
// Write reports when the queue has reached the high-water mark so the producer
// can wait on Drained instead of growing the queue.
type FlowWriter struct {
	w             http.ResponseWriter
	rc            *http.ResponseController
	highWaterMark int

	mu        sync.Mutex
	ready     *sync.Cond
	pending   [][]byte
	buffered  int
	needDrain bool
	drained   chan struct{}
	closed    bool
	err       error

	wg conc.WaitGroup
}

// NewFlowWriter starts the pump for w. Headers must already be written; from
// now on only the pump touches w until Close or Abort returns.
func NewFlowWriter(w http.ResponseWriter, highWaterMark int) *FlowWriter {
	if highWaterMark <= 0 {
		highWaterMark = DefaultHighWaterMark
	}

	f := &FlowWriter{
		w:             w,
		rc:            http.NewResponseController(w),
		highWaterMark: highWaterMark,
	}
	f.ready = sync.NewCond(&f.mu)
	f.wg.Go(f.pump)

	return f
}

// Write queues a copy of p. It returns false once the queued bytes reach the
// high-water mark; p is still queued, but the caller should not write again
// until Drained fires. A non-nil error means the connection failed and nothing
// more can be written.
func (f *FlowWriter) Write(p []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return false, f.err
	}
	if f.closed {
		return false, ErrWriterClosed
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)
	f.pending = append(f.pending, chunk)
	f.buffered += len(chunk)
	f.ready.Signal()

	if f.buffered < f.highWaterMark {
		return true, nil
	}

	if !f.needDrain {
		f.needDrain = true
		f.drained = make(chan struct{})
	}
	return false, nil
}

// Drained returns a channel that is closed once the queue reported full by
// Write has been written out, or the connection failed.
func (f *FlowWriter) Drained() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.needDrain {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return f.drained
}

// Buffered returns the number of queued bytes not yet written.
func (f *FlowWriter) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

// Err returns the first write or flush error.
func (f *FlowWriter) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close writes out everything queued and stops the pump.
func (f *FlowWriter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.ready.Broadcast()
	f.mu.Unlock()

	f.wg.Wait()
	return f.Err()
}

// Abort drops everything queued and stops the pump. A write blocked on a slow
// connection is interrupted by moving the write deadline to now.
func (f *FlowWriter) Abort() {
	f.mu.Lock()
	f.closed = true
	f.pending = nil
	f.buffered = 0
	f.ready.Broadcast()
	f.mu.Unlock()

	_ = f.rc.SetWriteDeadline(time.Now())
	f.wg.Wait()
}

func (f *FlowWriter) pump() {
	for {
		f.mu.Lock()
		for len(f.pending) == 0 && !f.closed {
			f.ready.Wait()
		}
		if len(f.pending) == 0 {
			f.mu.Unlock()
			return
		}
		chunk := f.pending[0]
		f.pending[0] = nil
		f.pending = f.pending[1:]
		last := len(f.pending) == 0
		f.mu.Unlock()

		_, err := f.w.Write(chunk)
		if err == nil && last {
			err = f.rc.Flush()
			if errors.Is(err, http.ErrNotSupported) {
				err = nil
			}
		}

		f.mu.Lock()
		f.buffered -= len(chunk)
		if f.buffered < 0 {
			// Abort reset the counter while this chunk was in flight.
			f.buffered = 0
		}
		if err != nil && f.err == nil {
			f.err = err
			f.pending = nil
			f.buffered = 0
		}
		if f.needDrain && (f.buffered == 0 || f.err != nil) {
			f.needDrain = false
			close(f.drained)
		}
		stop := f.err != nil
		f.mu.Unlock()

		if stop {
			return
		}
	}
}
