package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/trailcamp/campsites/internal/mocks"
	"github.com/trailcamp/campsites/pkg/logger"
	"github.com/trailcamp/campsites/pkg/storage"
)

// countingIterator counts the items handed out.
type countingIterator[T any] struct {
	storage.Iterator[T]
	pulls   atomic.Int64
	stopped atomic.Bool
}

func (c *countingIterator[T]) Next(ctx context.Context) (T, error) {
	item, err := c.Iterator.Next(ctx)
	if err == nil {
		c.pulls.Add(1)
	}
	return item, err
}

func (c *countingIterator[T]) Stop() {
	c.stopped.Store(true)
	c.Iterator.Stop()
}

// endlessIterator yields an unbounded sequence of objects.
type endlessIterator struct {
	n int
}

func (e *endlessIterator) Next(ctx context.Context) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.n++
	return map[string]any{"id": fmt.Sprintf("%d", e.n), "name": strings.Repeat("x", 64)}, nil
}

func (e *endlessIterator) Stop() {}

func TestServe(t *testing.T) {
	t.Run("completed_stream_is_a_json_array", func(t *testing.T) {
		rec := httptest.NewRecorder()
		items := &countingIterator[int]{Iterator: storage.NewStaticIterator([]int{1, 2, 3})}

		session := Serve[int](context.Background(), rec, items)

		require.Equal(t, Completed, session.State())
		require.Equal(t, 3, session.Written())
		require.NoError(t, session.Err())
		require.True(t, items.stopped.Load())

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		require.Equal(t, "[1,2,3]", rec.Body.String())
	})

	t.Run("empty_sequence", func(t *testing.T) {
		rec := httptest.NewRecorder()

		session := Serve[int](context.Background(), rec, storage.NewStaticIterator[int](nil))

		require.Equal(t, Completed, session.State())
		require.Equal(t, 0, session.Written())
		require.Equal(t, "[]", rec.Body.String())
	})

	t.Run("serialization_failures_are_skipped_without_extra_separators", func(t *testing.T) {
		for _, test := range []struct {
			name     string
			failing  map[int]bool
			expected string
			written  int
		}{
			{name: "first", failing: map[int]bool{1: true}, expected: "[2,3,4]", written: 3},
			{name: "middle", failing: map[int]bool{2: true, 3: true}, expected: "[1,4]", written: 2},
			{name: "last", failing: map[int]bool{4: true}, expected: "[1,2,3]", written: 3},
			{name: "all", failing: map[int]bool{1: true, 2: true, 3: true, 4: true}, expected: "[]", written: 0},
		} {
			t.Run(test.name, func(t *testing.T) {
				rec := httptest.NewRecorder()
				l, logs := logger.NewObserverLogger("debug")

				marshal := func(v any) ([]byte, error) {
					if test.failing[v.(int)] {
						return nil, errors.New("unsupported value")
					}
					return json.Marshal(v)
				}

				session := Serve[int](context.Background(), rec, storage.NewStaticIterator([]int{1, 2, 3, 4}),
					WithLogger(l), WithMarshaler(marshal))

				require.Equal(t, Completed, session.State())
				require.Equal(t, test.written, session.Written())
				require.Equal(t, test.expected, rec.Body.String())
				require.True(t, json.Valid(rec.Body.Bytes()))

				failures := logs.FilterMessage("failed to serialize item").All()
				require.Len(t, failures, len(test.failing))
				for _, entry := range failures {
					require.Equal(t, zapcore.ErrorLevel, entry.Level)
				}
			})
		}
	})

	t.Run("store_error_after_headers_truncates_the_stream", func(t *testing.T) {
		rec := httptest.NewRecorder()
		l, logs := logger.NewObserverLogger("debug")

		before := testutil.ToFloat64(streamsCounter.WithLabelValues(outcomeFailed))

		session := Serve[*storage.KeyValue](context.Background(), rec, mocks.NewErrorIterator([]*storage.KeyValue{
			{Key: "camp_1", Value: []byte("v")},
		}), WithLogger(l))

		require.Equal(t, Aborted, session.State())
		require.Equal(t, 1, session.Written())
		require.ErrorIs(t, session.Err(), mocks.ErrSimulatedIterator)

		require.Equal(t, http.StatusOK, rec.Code)
		require.True(t, strings.HasPrefix(rec.Body.String(), "["))
		require.False(t, strings.HasSuffix(rec.Body.String(), "]"))

		require.Equal(t, 1, logs.FilterMessage("stream terminated by store error").Len())
		require.Equal(t, 1, logs.FilterMessage("stream aborted").Len())
		require.InDelta(t, before+1, testutil.ToFloat64(streamsCounter.WithLabelValues(outcomeFailed)), 0)
	})

	t.Run("cancelled_context_writes_nothing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		items := &countingIterator[int]{Iterator: storage.NewStaticIterator([]int{1})}
		session := Serve[int](ctx, rec, items)

		require.Equal(t, Aborted, session.State())
		require.ErrorIs(t, session.Err(), context.Canceled)
		require.Equal(t, int64(0), items.pulls.Load())
		require.Empty(t, rec.Body.String())
		require.True(t, items.stopped.Load())
	})

	t.Run("producer_waits_for_drain_before_pulling_again", func(t *testing.T) {
		g := newGatedWriter()
		items := &countingIterator[int]{Iterator: storage.NewStaticIterator([]int{1, 2, 3})}
		l, logs := logger.NewObserverLogger("debug")

		waitsBefore := testutil.ToFloat64(backpressureWaitsCounter)

		done := make(chan *Session)
		go func() {
			done <- Serve[int](context.Background(), g, items, WithHighWaterMark(1), WithLogger(l))
		}()

		// One write per step: "[", "1", ",2", ",3", "]". Before each write is
		// let through the producer must not have pulled past the chunk in flight.
		expectedPulls := []int64{0, 1, 2, 3, 3}
		for step, pulls := range expectedPulls {
			require.Eventually(t, func() bool {
				return len(g.Writes()) == step+1
			}, time.Second, time.Millisecond)

			require.Never(t, func() bool {
				return items.pulls.Load() > pulls
			}, 20*time.Millisecond, 2*time.Millisecond)

			g.release()
		}

		session := <-done
		require.Equal(t, Completed, session.State())
		require.Equal(t, []string{"[", "1", ",2", ",3", "]"}, g.Writes())

		require.InDelta(t, waitsBefore+4, testutil.ToFloat64(backpressureWaitsCounter), 0)
		require.Equal(t, 4, logs.FilterMessage("backpressure detected").Len())
		require.Equal(t, 4, logs.FilterMessage("drain observed").Len())
	})

	t.Run("disconnect_while_waiting_for_drain_aborts", func(t *testing.T) {
		g := newGatedWriter()
		items := &countingIterator[int]{Iterator: storage.NewStaticIterator([]int{1, 2, 3})}
		l, logs := logger.NewObserverLogger("debug")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan *Session)
		go func() {
			done <- Serve[int](ctx, g, items, WithHighWaterMark(1), WithLogger(l))
		}()

		require.Eventually(t, func() bool {
			return len(g.Writes()) == 1
		}, time.Second, time.Millisecond)
		g.release()
		require.Eventually(t, func() bool {
			return len(g.Writes()) == 2
		}, time.Second, time.Millisecond)

		cancel()

		var session *Session
		select {
		case session = <-done:
		case <-time.After(time.Second):
			require.FailNow(t, "stream did not stop after the disconnect")
		}

		require.Equal(t, Aborted, session.State())
		require.ErrorIs(t, session.Err(), context.Canceled)
		require.Equal(t, int64(1), items.pulls.Load())
		require.Equal(t, []string{"[", "1"}, g.Writes())

		aborted := logs.FilterMessage("stream aborted").All()
		require.Len(t, aborted, 1)
		require.Equal(t, zapcore.InfoLevel, aborted[0].Level)
		require.Empty(t, logs.FilterMessage("stream completed").All())
	})

	t.Run("output_is_identical_across_runs", func(t *testing.T) {
		run := func() string {
			rec := httptest.NewRecorder()
			Serve[string](context.Background(), rec, storage.NewStaticIterator([]string{"a", "b", "c"}))
			return rec.Body.String()
		}
		require.Equal(t, run(), run())
	})
}

func TestServeOverHTTP(t *testing.T) {
	sessions := make(chan *Session, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions <- Serve[map[string]any](r.Context(), w, &endlessIterator{}, WithHighWaterMark(1024))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	client := server.Client()
	defer client.CloseIdleConnections()

	resp, err := client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first, err := reader.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte('['), first)

	_, err = io.ReadFull(reader, make([]byte, 4096))
	require.NoError(t, err)

	cancel()
	resp.Body.Close()

	select {
	case session := <-sessions:
		require.Equal(t, Aborted, session.State())
		require.Positive(t, session.Written())
	case <-time.After(5 * time.Second):
		require.FailNow(t, "server did not observe the disconnect")
	}
}

func TestStateString(t *testing.T) {
	require.Equal(t, "HEADERS_SENT", HeadersSent.String())
	require.Equal(t, "STREAMING", Streaming.String())
	require.Equal(t, "COMPLETED", Completed.String())
	require.Equal(t, "ABORTED", Aborted.String())
	require.Equal(t, "UNKNOWN", State(42).String())
}
