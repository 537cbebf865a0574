// Package server implements the campsites HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/trailcamp/campsites/internal/procstats"
	"github.com/trailcamp/campsites/pkg/logger"
	"github.com/trailcamp/campsites/pkg/middleware/recovery"
	"github.com/trailcamp/campsites/pkg/server/commands"
	serverErrors "github.com/trailcamp/campsites/pkg/server/errors"
	"github.com/trailcamp/campsites/pkg/server/health"
	"github.com/trailcamp/campsites/pkg/server/stream"
	"github.com/trailcamp/campsites/pkg/storage"
	"github.com/trailcamp/campsites/pkg/storage/codec"
	"github.com/trailcamp/campsites/pkg/telemetry"
)

var tracer = otel.Tracer("campsites/pkg/server")

const (
	DefaultLogStreamBuffer = 256

	statusOK = "ok"
)

// MetricsSampler reports process resource usage for the status endpoint.
type MetricsSampler interface {
	Sample(ctx context.Context) (*procstats.Metrics, error)
}

// A Server serves the campsites API over HTTP.
type Server struct {
	logger    logger.Logger
	datastore storage.Datastore
	codec     *codec.Codec
	sampler   MetricsSampler
	logs      *logger.Broadcaster
	config    *Config
	startedAt time.Time
}

type Dependencies struct {
	Datastore storage.Datastore
	Logger    logger.Logger
	Codec     *codec.Codec
	Sampler   MetricsSampler

	// LogBroadcaster enables GET /logs when set.
	LogBroadcaster *logger.Broadcaster
}

type Config struct {
	KeyPrefix           string
	StreamHighWaterMark int
	LogStreamBuffer     int

	// LogStreamMetrics samples process metrics before and after every
	// campsites stream and logs both at debug level.
	LogStreamMetrics bool
}

// New creates a new Server which uses the supplied backends
// for reading data.
func New(dependencies *Dependencies, config *Config) *Server {
	s := &Server{
		logger:    dependencies.Logger,
		datastore: dependencies.Datastore,
		codec:     dependencies.Codec,
		sampler:   dependencies.Sampler,
		logs:      dependencies.LogBroadcaster,
		config:    config,
		startedAt: time.Now(),
	}

	if s.logger == nil {
		s.logger = logger.NewNoopLogger()
	}
	if s.codec == nil {
		s.codec = codec.New(codec.None)
	}
	if s.sampler == nil {
		s.sampler = procstats.New()
	}
	if s.config == nil {
		s.config = &Config{}
	}
	if s.config.KeyPrefix == "" {
		s.config.KeyPrefix = commands.DefaultKeyPrefix
	}
	if s.config.StreamHighWaterMark <= 0 {
		s.config.StreamHighWaterMark = stream.DefaultHighWaterMark
	}
	if s.config.LogStreamBuffer <= 0 {
		s.config.LogStreamBuffer = DefaultLogStreamBuffer
	}

	return s
}

type route struct {
	method string
	path   string
}

// Handler routes requests by exact method and path. Anything else, HEAD
// included, is answered with 404. Panics before the response started become 500.
func (s *Server) Handler() http.Handler {
	routes := map[route]http.Handler{
		{http.MethodGet, "/campsites"}: http.HandlerFunc(s.ListCampsites),
		{http.MethodGet, "/status"}:    http.HandlerFunc(s.Status),
		{http.MethodGet, "/healthz"}: &health.Checker{
			TargetService:     s,
			TargetServiceName: "campsites",
			Logger:            s.logger,
		},
	}
	if s.logs != nil {
		routes[route{http.MethodGet, "/logs"}] = websocket.Handler(s.StreamLogs)
	}

	mux := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := routes[route{r.Method, r.URL.Path}]
		if !ok {
			serverErrors.WriteNotFound(w)
			return
		}
		h.ServeHTTP(w, r)
	})

	return recovery.HTTPPanicRecoveryHandler(mux, s.logger)
}

// ListCampsites streams the campsites matching the elevation query parameters
// as a JSON array. Invalid parameters are rejected with 400 and a scan that
// cannot start with an error status; once streaming has begun the connection
// is dropped instead.
func (s *Server) ListCampsites(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ListCampsites")
	defer span.End()

	elevation, err := commands.ParseElevationRange(r.URL.Query())
	if err != nil {
		telemetry.TraceError(span, err)
		serverErrors.WriteError(w, err)
		return
	}
	if elevation.Min != nil {
		span.SetAttributes(attribute.Float64("min_elevation", *elevation.Min))
	}
	if elevation.Max != nil {
		span.SetAttributes(attribute.Float64("max_elevation", *elevation.Max))
	}

	var before *procstats.Metrics
	if s.config.LogStreamMetrics {
		before = s.sample(ctx)
	}

	q := commands.NewListCampsitesQuery(s.datastore,
		commands.WithListCampsitesQueryLogger(s.logger),
		commands.WithListCampsitesKeyPrefix(s.config.KeyPrefix),
		commands.WithListCampsitesCodec(s.codec),
	)

	iter, err := q.Execute(ctx, &commands.ListCampsitesRequest{Elevation: elevation})
	if err != nil {
		s.logInternalError(ctx, span, "failed to start campsites scan", err)
		serverErrors.WriteError(w, err)
		return
	}

	session := stream.Serve(ctx, w, iter,
		stream.WithLogger(s.logger),
		stream.WithHighWaterMark(s.config.StreamHighWaterMark),
	)

	if s.config.LogStreamMetrics {
		after := s.sample(ctx)
		if before != nil && after != nil {
			s.logger.DebugWithContext(ctx, "campsites stream metrics",
				zap.String("cpu_before", before.CPUUsage),
				zap.String("cpu_after", after.CPUUsage),
				zap.Any("memory_before", before.Memory),
				zap.Any("memory_after", after.Memory),
			)
		}
	}

	if session.State() == stream.Aborted {
		// Drop the connection so the truncated body cannot pass as complete.
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) sample(ctx context.Context) *procstats.Metrics {
	m, err := s.sampler.Sample(ctx)
	if err != nil {
		s.logger.DebugWithContext(ctx, "failed to sample process metrics", zap.Error(err))
		return nil
	}
	return m
}

type statusResponse struct {
	Status  string             `json:"status"`
	Uptime  float64            `json:"uptime"`
	Metrics *procstats.Metrics `json:"metrics"`
}

// Status reports uptime in seconds and a fresh sample of process metrics.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "Status")
	defer span.End()

	m, err := s.sampler.Sample(ctx)
	if err != nil {
		s.logInternalError(ctx, span, "failed to sample process metrics", err)
		serverErrors.WriteError(w, serverErrors.HandleError("", err))
		return
	}

	body, err := json.Marshal(statusResponse{
		Status:  statusOK,
		Uptime:  time.Since(s.startedAt).Seconds(),
		Metrics: m,
	})
	if err != nil {
		s.logInternalError(ctx, span, "failed to encode status", err)
		serverErrors.WriteInternalError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// StreamLogs relays log entries to a websocket viewer until either side goes away.
// Entries are dropped for viewers that cannot keep up.
func (s *Server) StreamLogs(ws *websocket.Conn) {
	ctx := ws.Request().Context()

	entries, cancel := s.logs.Subscribe(s.config.LogStreamBuffer)
	defer cancel()

	// Viewers only listen; reading detects when they leave.
	closed := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, ws)
		close(closed)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if err := websocket.Message.Send(ws, entry); err != nil {
				return
			}
		}
	}
}

// IsReady reports whether the datastore can serve reads.
func (s *Server) IsReady(ctx context.Context) (bool, error) {
	status, err := s.datastore.IsReady(ctx)
	if err != nil {
		return false, err
	}
	if !status.IsReady {
		s.logger.WarnWithContext(ctx, "datastore not ready", zap.String("message", status.Message))
	}
	return status.IsReady, nil
}

func (s *Server) logInternalError(ctx context.Context, span trace.Span, msg string, err error) {
	telemetry.TraceError(span, err)

	var internalErr serverErrors.InternalError
	if errors.As(err, &internalErr) {
		err = internalErr.Internal()
	}
	s.logger.ErrorWithContext(ctx, msg, zap.Error(err))
}
