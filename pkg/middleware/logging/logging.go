// Package logging logs one entry per completed HTTP request.
package logging

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/trailcamp/campsites/pkg/logger"
)

const (
	httpMethodKey      = "http_method"
	httpPathKey        = "http_path"
	httpQueryKey       = "http_query"
	httpCodeKey        = "http_code"
	bytesWrittenKey    = "bytes_written"
	traceIDKey         = "trace_id"
	userAgentKey       = "user_agent"
	queryDurationKey   = "query_duration_ms"
	httpReqCompleteKey = "http_req_complete"
	httpReqAbortedKey  = "http_req_aborted"
)

// Handler wraps next and logs method, path, status, size and duration of every request.
// Server errors are logged at error level, everything else at info. A handler
// that drops the connection with http.ErrAbortHandler is logged as aborted and
// the panic is passed on.
func Handler(next http.Handler, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.Metrics{Code: http.StatusOK}
		start := time.Now()

		defer func() {
			if p := recover(); p != nil {
				if err, ok := p.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					l.InfoWithContext(r.Context(), httpReqAbortedKey, requestFields(r, &m, time.Since(start))...)
				}
				panic(p)
			}
		}()

		m.CaptureMetrics(w, func(ww http.ResponseWriter) {
			next.ServeHTTP(ww, r)
		})

		fields := requestFields(r, &m, time.Since(start))
		if m.Code >= http.StatusInternalServerError {
			l.ErrorWithContext(r.Context(), httpReqCompleteKey, fields...)
			return
		}
		l.InfoWithContext(r.Context(), httpReqCompleteKey, fields...)
	})
}

func requestFields(r *http.Request, m *httpsnoop.Metrics, elapsed time.Duration) []zap.Field {
	fields := []zap.Field{
		zap.String(httpMethodKey, r.Method),
		zap.String(httpPathKey, r.URL.Path),
		zap.Int(httpCodeKey, m.Code),
		zap.Int64(bytesWrittenKey, m.Written),
		zap.String(queryDurationKey, strconv.FormatInt(elapsed.Milliseconds(), 10)),
	}
	if r.URL.RawQuery != "" {
		fields = append(fields, zap.String(httpQueryKey, r.URL.RawQuery))
	}
	if ua := r.UserAgent(); ua != "" {
		fields = append(fields, zap.String(userAgentKey, ua))
	}
	if spanCtx := trace.SpanContextFromContext(r.Context()); spanCtx.HasTraceID() {
		fields = append(fields, zap.String(traceIDKey, spanCtx.TraceID().String()))
	}
	return fields
}
