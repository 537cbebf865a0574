package requestid

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestHandler(t *testing.T) {
	t.Run("generates_ulid_without_trace", func(t *testing.T) {
		var seen string
		handler := Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			require.True(t, ok)
			seen = id
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/campsites", nil))

		header := rec.Header().Get(RequestIDHeader)
		require.Equal(t, seen, header)
		_, err := ulid.Parse(header)
		require.NoError(t, err)
	})

	t.Run("uses_trace_id_when_present", func(t *testing.T) {
		traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
		require.NoError(t, err)
		spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
		require.NoError(t, err)

		ctx := trace.ContextWithSpanContext(t.Context(), trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: traceID,
			SpanID:  spanID,
		}))

		handler := Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))

		require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rec.Header().Get(RequestIDHeader))
	})

	t.Run("ids_are_unique", func(t *testing.T) {
		handler := Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

		first := httptest.NewRecorder()
		handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
		second := httptest.NewRecorder()
		handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))

		require.NotEqual(t, first.Header().Get(RequestIDHeader), second.Header().Get(RequestIDHeader))
	})
}
