package stream

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// gatedWriter is a ResponseWriter whose writes block until the test lets them through.
type gatedWriter struct {
	header http.Header
	gate   chan struct{}

	deadline     chan struct{}
	deadlineOnce sync.Once

	mu     sync.Mutex
	writes []string
}

func newGatedWriter() *gatedWriter {
	return &gatedWriter{
		header:   http.Header{},
		gate:     make(chan struct{}),
		deadline: make(chan struct{}),
	}
}

func (g *gatedWriter) Header() http.Header {
	return g.header
}

func (g *gatedWriter) WriteHeader(int) {}

func (g *gatedWriter) Write(p []byte) (int, error) {
	g.mu.Lock()
	g.writes = append(g.writes, string(p))
	g.mu.Unlock()

	select {
	case <-g.gate:
		return len(p), nil
	case <-g.deadline:
		return 0, os.ErrDeadlineExceeded
	}
}

func (g *gatedWriter) SetWriteDeadline(time.Time) error {
	g.deadlineOnce.Do(func() {
		close(g.deadline)
	})
	return nil
}

func (g *gatedWriter) release() {
	g.gate <- struct{}{}
}

func (g *gatedWriter) Writes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.writes...)
}

func TestFlowWriter(t *testing.T) {
	t.Run("writes_in_order_and_flushes_on_close", func(t *testing.T) {
		rec := httptest.NewRecorder()
		fw := NewFlowWriter(rec, 1024)

		for _, chunk := range []string{"[", "1", ",2", "]"} {
			ok, err := fw.Write([]byte(chunk))
			require.NoError(t, err)
			require.True(t, ok)
		}

		require.NoError(t, fw.Close())
		require.Equal(t, "[1,2]", rec.Body.String())
		require.True(t, rec.Flushed)
	})

	t.Run("write_copies_the_chunk", func(t *testing.T) {
		rec := httptest.NewRecorder()
		fw := NewFlowWriter(rec, 1024)

		buf := []byte("abc")
		_, err := fw.Write(buf)
		require.NoError(t, err)
		buf[0] = 'x'

		require.NoError(t, fw.Close())
		require.Equal(t, "abc", rec.Body.String())
	})

	t.Run("reports_backpressure_at_high_water_mark_until_drained", func(t *testing.T) {
		g := newGatedWriter()
		fw := NewFlowWriter(g, 4)

		ok, err := fw.Write([]byte("ab"))
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = fw.Write([]byte("cd"))
		require.NoError(t, err)
		require.False(t, ok)

		drained := fw.Drained()
		select {
		case <-drained:
			require.FailNow(t, "drained before the connection accepted anything")
		case <-time.After(20 * time.Millisecond):
		}

		g.release()
		g.release()

		select {
		case <-drained:
		case <-time.After(time.Second):
			require.FailNow(t, "drain was not observed")
		}
		require.Equal(t, 0, fw.Buffered())

		closed := make(chan error)
		go func() {
			closed <- fw.Close()
		}()
		require.NoError(t, <-closed)
		require.Equal(t, []string{"ab", "cd"}, g.Writes())
	})

	t.Run("drained_is_closed_when_not_waiting", func(t *testing.T) {
		fw := NewFlowWriter(httptest.NewRecorder(), 1024)
		defer fw.Abort()

		select {
		case <-fw.Drained():
		default:
			require.FailNow(t, "expected a closed channel")
		}
	})

	t.Run("abort_interrupts_a_blocked_write", func(t *testing.T) {
		g := newGatedWriter()
		fw := NewFlowWriter(g, 1)

		_, err := fw.Write([]byte("["))
		require.NoError(t, err)
		_, err = fw.Write([]byte("1"))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return len(g.Writes()) == 1
		}, time.Second, time.Millisecond)

		fw.Abort()

		require.Equal(t, []string{"["}, g.Writes())
		_, err = fw.Write([]byte("]"))
		require.Error(t, err)
	})

	t.Run("write_error_is_sticky_and_wakes_drain_waiters", func(t *testing.T) {
		g := newGatedWriter()
		fw := NewFlowWriter(g, 1)

		ok, err := fw.Write([]byte("["))
		require.NoError(t, err)
		require.False(t, ok)
		drained := fw.Drained()

		require.Eventually(t, func() bool {
			return len(g.Writes()) == 1
		}, time.Second, time.Millisecond)
		require.NoError(t, g.SetWriteDeadline(time.Now()))

		select {
		case <-drained:
		case <-time.After(time.Second):
			require.FailNow(t, "drain waiters were not woken")
		}

		require.ErrorIs(t, fw.Err(), os.ErrDeadlineExceeded)
		_, err = fw.Write([]byte("1"))
		require.ErrorIs(t, err, os.ErrDeadlineExceeded)
		require.True(t, errors.Is(fw.Close(), os.ErrDeadlineExceeded))
	})
}
