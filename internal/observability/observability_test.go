package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledTracingIsNoop(t *testing.T) {
	require.NoError(t, Init(context.Background(), Config{}))
	assert.False(t, Enabled())

	ctx, span := StartSpan(context.Background(), "noop")
	defer span.End()
	assert.Empty(t, GetTraceID(ctx))

	h := http.Header{}
	InjectHTTP(ctx, h)
	assert.Empty(t, h.Get("traceparent"))
}

func TestInjectHTTPCarriesTraceparent(t *testing.T) {
	require.NoError(t, Init(context.Background(), Config{Enabled: true, Exporter: "none", SampleRate: 1}))
	t.Cleanup(func() {
		Shutdown(context.Background())
		Init(context.Background(), Config{})
	})

	ctx, span := StartClientSpan(context.Background(), "origin.fetch")
	defer span.End()

	h := http.Header{}
	InjectHTTP(ctx, h)
	require.NotEmpty(t, h.Get("traceparent"))
	assert.Contains(t, h.Get("traceparent"), GetTraceID(ctx))
	assert.Len(t, GetSpanID(ctx), 16)
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	require.NoError(t, Init(context.Background(), Config{Enabled: true, Exporter: "none"}))
	t.Cleanup(func() {
		Shutdown(context.Background())
		Init(context.Background(), Config{})
	})

	var traceID string
	h := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = GetTraceID(r.Context())
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/check", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Len(t, traceID, 32)
}

func TestUnknownExporter(t *testing.T) {
	err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unknown exporter")
	assert.False(t, Enabled())
}

func TestResponseRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseRecorder(rec)
	assert.Same(t, rw, NewResponseRecorder(rw))

	rw.Write([]byte("hello"))
	assert.Equal(t, http.StatusOK, rw.Status())
	assert.EqualValues(t, 5, rw.Bytes())
}
