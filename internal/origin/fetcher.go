// Package origin fetches the photo list from the upstream source of truth.
//
// Every fetch passes a rate limiter and a circuit breaker before the HTTP
// call. Whatever stops a fetch, whether the limiter, the breaker, the
// transport, a non-2xx status or a body that is not JSON, surfaces as
// ErrOriginFetchFailed. Fetches are never retried here.
package origin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oriys/photocache/internal/logging"
	"github.com/oriys/photocache/internal/metrics"
	"github.com/oriys/photocache/internal/observability"
	"golang.org/x/time/rate"
)

var (
	// ErrOriginFetchFailed wraps every fetch failure.
	ErrOriginFetchFailed = errors.New("origin fetch failed")
	// ErrCircuitOpen is joined with ErrOriginFetchFailed while the breaker
	// rejects fetches.
	ErrCircuitOpen = errors.New("origin circuit open")
)

const (
	DefaultURL          = "https://jsonplaceholder.typicode.com/photos"
	DefaultTimeout      = 10 * time.Second
	DefaultMaxBodyBytes = 32 << 20
)

// Config configures a Fetcher.
type Config struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// RateLimit is fetches per second; zero disables limiting.
	RateLimit    float64       `yaml:"rate_limit"`
	Burst        int           `yaml:"burst"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// Fetcher performs the origin GET.
type Fetcher struct {
	url     string
	maxBody int64
	client  *http.Client
	limiter *rate.Limiter
	breaker *Breaker
}

// New builds a Fetcher. A nil client uses a fresh http.Client with
// cfg.Timeout.
func New(cfg Config, client *http.Client) *Fetcher {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimit))
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Fetcher{
		url:     cfg.URL,
		maxBody: cfg.MaxBodyBytes,
		client:  client,
		limiter: limiter,
		breaker: NewBreaker(cfg.Breaker),
	}
}

// URL returns the origin endpoint.
func (f *Fetcher) URL() string { return f.url }

// Breaker returns the fetcher's breaker, nil when disabled.
func (f *Fetcher) Breaker() *Breaker { return f.breaker }

// Fetch GETs the origin and returns its body, which is guaranteed to be
// valid JSON.
func (f *Fetcher) Fetch(ctx context.Context) (json.RawMessage, error) {
	ctx, span := observability.StartClientSpan(ctx, "origin.fetch",
		observability.AttrOriginURL.String(f.url))
	defer span.End()

	start := time.Now()
	body, result, err := f.fetch(ctx)
	metrics.ObserveOriginFetch(result, time.Since(start))
	if err != nil {
		observability.SetSpanError(span, err)
		logging.Op().Warn("origin fetch failed",
			"url", f.url,
			"result", result,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return nil, err
	}

	span.SetAttributes(observability.AttrPayloadBytes.Int(len(body)))
	observability.SetSpanOK(span)
	return body, nil
}

func (f *Fetcher) fetch(ctx context.Context) (json.RawMessage, string, error) {
	if !f.breaker.Allow() {
		return nil, "circuit_open", fmt.Errorf("%w: %w", ErrOriginFetchFailed, ErrCircuitOpen)
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			// the caller gave up; not the origin's fault
			f.breaker.Cancel()
			return nil, "rate_limited", fmt.Errorf("%w: rate limit: %w", ErrOriginFetchFailed, err)
		}
	}

	body, err := f.get(ctx)
	if err != nil {
		if ctx.Err() == nil {
			f.breaker.Record(true)
		} else {
			f.breaker.Cancel()
		}
		return nil, "error", fmt.Errorf("%w: %w", ErrOriginFetchFailed, err)
	}
	f.breaker.Record(false)
	return body, "ok", nil
}

func (f *Fetcher) get(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	observability.InjectHTTP(ctx, req.Header)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("GET %s: status %d", f.url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > f.maxBody {
		return nil, fmt.Errorf("GET %s: body exceeds %d bytes", f.url, f.maxBody)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("GET %s: body is not valid JSON", f.url)
	}
	return data, nil
}
