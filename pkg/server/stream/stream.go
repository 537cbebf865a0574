// Package stream writes lazy sequences to HTTP responses as JSON arrays while
// pacing the producer to the speed of the connection.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/trailcamp/campsites/internal/build"
	"github.com/trailcamp/campsites/pkg/logger"
	"github.com/trailcamp/campsites/pkg/storage"
)

var tracer = otel.Tracer("campsites/pkg/server/stream")

var (
	streamsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "streams_total",
		Help:      "The total number of streamed responses, by outcome.",
	}, []string{"outcome"})

	streamItemsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "stream_items_total",
		Help:      "The total number of items written to streamed responses.",
	})

	backpressureWaitsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "stream_backpressure_waits_total",
		Help:      "The total number of times a stream paused until the connection drained.",
	})

	streamDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "stream_duration_ms",
		Help:                            "The duration (in ms) of streamed responses, by outcome.",
		Buckets:                         []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 15000, 60000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"outcome"})
)

var (
	openBracket  = []byte{'['}
	closeBracket = []byte{']'}
)

type options struct {
	logger        logger.Logger
	highWaterMark int
	marshal       func(any) ([]byte, error)
}

// Option configures Serve.
type Option func(*options)

// WithLogger sets the logger used for stream lifecycle entries.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithHighWaterMark sets the queued byte count at which the stream pauses.
func WithHighWaterMark(n int) Option {
	return func(o *options) {
		o.highWaterMark = n
	}
}

// WithMarshaler replaces json.Marshal as the item serializer.
func WithMarshaler(marshal func(any) ([]byte, error)) Option {
	return func(o *options) {
		o.marshal = marshal
	}
}

// Serve commits a 200 application/json response and writes every item of
// items to it as a JSON array. Items are pulled one at a time and only while
// the connection keeps up. The stream ends early, without the closing bracket,
// when ctx is done or the store or connection fails; the returned Session
// reports which happened. Serve always stops items.
func Serve[T any](ctx context.Context, w http.ResponseWriter, items storage.Iterator[T], opts ...Option) *Session {
	o := &options{
		logger:        logger.NewNoopLogger(),
		highWaterMark: DefaultHighWaterMark,
		marshal:       json.Marshal,
	}
	for _, opt := range opts {
		opt(o)
	}

	ctx, span := tracer.Start(ctx, "stream.Serve")
	defer span.End()

	start := time.Now()
	defer items.Stop()

	session := &Session{state: HeadersSent}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	// The request context is cancelled when the client goes away.
	stopObserving := context.AfterFunc(ctx, func() {
		session.aborted.Store(true)
	})
	defer stopObserving()

	o.logger.InfoWithContext(ctx, "stream started")

	fw := NewFlowWriter(w, o.highWaterMark)
	s := &streamer[T]{session: session, fw: fw, opts: o}
	s.run(ctx, items)

	outcome := outcomeCompleted
	if session.State() == Aborted {
		outcome = outcomeFailed
		if ctx.Err() != nil {
			outcome = outcomeDisconnected
		}
	}

	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("items", session.Written()),
	)
	if outcome == outcomeFailed && session.Err() != nil {
		span.RecordError(session.Err())
		span.SetStatus(codes.Error, session.Err().Error())
	}

	streamsCounter.WithLabelValues(outcome).Inc()
	streamDurationHistogram.WithLabelValues(outcome).Observe(float64(time.Since(start).Milliseconds()))

	return session
}

type streamer[T any] struct {
	session *Session
	fw      *FlowWriter
	opts    *options
}

func (s *streamer[T]) run(ctx context.Context, items storage.Iterator[T]) {
	session := s.session
	l := s.opts.logger

	if s.write(ctx, openBracket) {
		session.transition(Streaming)
		s.pull(ctx, items)
	}

	if s.stopped(ctx) {
		if session.err == nil {
			session.err = context.Cause(ctx)
		}
		if ctx.Err() != nil {
			s.fw.Abort()
		} else {
			// The client is still there: deliver what was produced, minus the closing bracket.
			_ = s.fw.Close()
		}
		session.transition(Aborted)
		s.logAborted(ctx)
		return
	}

	_, err := s.fw.Write(closeBracket)
	if err == nil {
		err = s.fw.Close()
	} else {
		s.fw.Abort()
	}
	if err != nil {
		session.markAborted(err)
		session.transition(Aborted)
		s.logAborted(ctx)
		return
	}

	session.transition(Completed)
	l.InfoWithContext(ctx, "stream completed", zap.Int("items", session.Written()))
}

func (s *streamer[T]) pull(ctx context.Context, items storage.Iterator[T]) {
	session := s.session

	for {
		if s.stopped(ctx) {
			return
		}

		item, err := items.Next(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrIteratorDone) {
				return
			}
			if ctx.Err() != nil {
				session.markAborted(context.Cause(ctx))
				return
			}

			s.opts.logger.ErrorWithContext(ctx, "stream terminated by store error", zap.Error(err))
			session.markAborted(err)
			return
		}

		chunk, err := s.opts.marshal(item)
		if err != nil {
			s.opts.logger.ErrorWithContext(ctx, "failed to serialize item", zap.Error(err))
			continue
		}

		if session.index > 0 {
			chunk = append([]byte{','}, chunk...)
		}

		if !s.write(ctx, chunk) {
			return
		}
		session.index++
		streamItemsCounter.Inc()
	}
}

// write queues chunk and, when the connection is behind, blocks until it
// drains or ctx is done. It returns false if the stream must stop.
func (s *streamer[T]) write(ctx context.Context, chunk []byte) bool {
	session := s.session
	if s.stopped(ctx) {
		return false
	}

	ok, err := s.fw.Write(chunk)
	if err != nil {
		session.markAborted(err)
		return false
	}
	if ok {
		return true
	}

	backpressureWaitsCounter.Inc()
	s.opts.logger.DebugWithContext(ctx, "backpressure detected", zap.Int("buffered", s.fw.Buffered()))

	select {
	case <-s.fw.Drained():
		if err := s.fw.Err(); err != nil {
			session.markAborted(err)
			return false
		}
		s.opts.logger.DebugWithContext(ctx, "drain observed")
		return true
	case <-ctx.Done():
		session.markAborted(context.Cause(ctx))
		return false
	}
}

// stopped is the cancellation checkpoint. It also polls ctx so that a context
// cancelled before the observer goroutine ran is seen immediately.
func (s *streamer[T]) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		s.session.aborted.Store(true)
	}
	return s.session.aborted.Load()
}

func (s *streamer[T]) logAborted(ctx context.Context) {
	s.opts.logger.InfoWithContext(ctx, "stream aborted",
		zap.Int("items", s.session.Written()),
		zap.NamedError("reason", s.session.Err()),
	)
}
