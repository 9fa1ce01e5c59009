package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/photocache/internal/cacheaside"
	"github.com/oriys/photocache/internal/logging"
	"github.com/oriys/photocache/internal/metrics"
	"github.com/oriys/photocache/internal/observability"
	"github.com/oriys/photocache/internal/origin"
	"github.com/oriys/photocache/internal/pool"
)

const healthBody = "health check OK"

// Handler serves the photo routes.
type Handler struct {
	Cache     *cacheaside.Handler
	Origin    cacheaside.Fetcher
	Registry  *pool.Registry
	AccessLog *logging.Logger
}

// RegisterRoutes registers all routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /check", h.Check)
	mux.HandleFunc("GET /getphoto", h.GetPhoto)
	mux.HandleFunc("GET /getphoto-redis", h.GetPhotoCached)

	mux.HandleFunc("GET /stats", h.Stats)
	mux.Handle("GET /metrics", metrics.PrometheusHandler())
}

// Check handles GET /check. It never touches a pool.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(healthBody))
	metrics.RecordHTTPRequest("/check", http.StatusOK)
}

// GetPhoto handles GET /getphoto, always from the origin.
func (h *Handler) GetPhoto(w http.ResponseWriter, r *http.Request) {
	entry := h.begin(w, r, "/getphoto", logging.CacheBypass)
	defer h.finish(entry, time.Now())

	payload, err := h.Origin.Fetch(r.Context())
	if err != nil {
		h.fail(w, entry, err)
		return
	}
	h.writePayload(w, entry, payload)
}

// GetPhotoCached handles GET /getphoto-redis through the cache-aside handler.
func (h *Handler) GetPhotoCached(w http.ResponseWriter, r *http.Request) {
	entry := h.begin(w, r, "/getphoto-redis", logging.CacheMiss)
	entry.Pool = h.Cache.PoolName()
	defer h.finish(entry, time.Now())

	res, err := h.Cache.Handle(r.Context())
	if err != nil {
		h.fail(w, entry, err)
		return
	}
	if res.Hit {
		entry.Cache = logging.CacheHit
	}
	if res.WriteErr != nil {
		entry.Error = res.WriteErr.Error()
	}
	w.Header().Set("X-Cache", cacheHeader(res.Hit))
	h.writePayload(w, entry, res.Payload)
}

// Stats handles GET /stats. ?detailed=true adds one entry per client.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	detailed := r.URL.Query().Get("detailed") == "true"
	stats := h.Registry.Stats(detailed)
	if stats == nil {
		stats = []pool.Stats{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pools": stats})
}

func (h *Handler) begin(w http.ResponseWriter, r *http.Request, route, cache string) *logging.RequestLog {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", id)

	observability.SpanFromContext(r.Context()).SetAttributes(observability.AttrRequestID.String(id))
	return &logging.RequestLog{
		RequestID: id,
		TraceID:   observability.GetTraceID(r.Context()),
		Route:     route,
		Cache:     cache,
	}
}

func (h *Handler) finish(entry *logging.RequestLog, start time.Time) {
	entry.DurationMs = time.Since(start).Milliseconds()
	metrics.RecordHTTPRequest(entry.Route, entry.Status)
	h.AccessLog.Log(entry)
}

func (h *Handler) writePayload(w http.ResponseWriter, entry *logging.RequestLog, payload json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	n, _ := w.Write(payload)
	entry.Status = http.StatusOK
	entry.Bytes = n
}

func (h *Handler) fail(w http.ResponseWriter, entry *logging.RequestLog, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	entry.Status = status
	entry.Error = err.Error()
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps a request failure to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pool.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, origin.ErrOriginFetchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func cacheHeader(hit bool) string {
	if hit {
		return "HIT"
	}
	return "MISS"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
