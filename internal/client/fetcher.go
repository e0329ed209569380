// Package client provides the outbound HTTP fetcher.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"intercept-relay/internal/config"
	"intercept-relay/internal/metrics"
	"intercept-relay/internal/model"
)

// HTTPFetcher issues streaming HTTP requests and reports their lifecycle
// as events. One fetcher serves any number of concurrent fetches.
type HTTPFetcher struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	chunkBytes int
}

// NewHTTPFetcher creates an HTTPFetcher with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewHTTPFetcher(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *HTTPFetcher {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	chunk := cfg.Upstream.ChunkBytes
	if chunk <= 0 {
		chunk = 32 * 1024
	}

	return &HTTPFetcher{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			// Redirects are relayed to the caller as-is.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:     logger.With("component", "http_fetcher"),
		metrics:    m,
		chunkBytes: chunk,
	}
}

// Open prepares a fetch for desc. Nothing is sent until Begin.
func (f *HTTPFetcher) Open(desc model.Descriptor) model.Fetch {
	ctx, cancel := context.WithCancel(context.Background())
	return &fetch{
		id:     model.NewFetchID(),
		desc:   desc,
		owner:  f,
		ctx:    ctx,
		cancel: cancel,
	}
}

type fetch struct {
	id    model.FetchID
	desc  model.Descriptor
	owner *HTTPFetcher

	ctx      context.Context
	cancel   context.CancelFunc
	canceled atomic.Bool
	begun    atomic.Bool
}

func (x *fetch) ID() model.FetchID { return x.id }

// Begin starts the request on its own goroutine. Calling it twice is a no-op.
func (x *fetch) Begin(sink model.EventSink) {
	if !x.begun.CompareAndSwap(false, true) {
		return
	}
	go x.run(sink)
}

// Cancel aborts the request. The terminal event that follows, if any,
// carries Result.Canceled.
func (x *fetch) Cancel() {
	x.canceled.Store(true)
	x.cancel()
}

func (x *fetch) run(sink model.EventSink) {
	defer x.cancel()
	f := x.owner

	var body io.Reader
	if len(x.desc.Body) > 0 {
		body = bytes.NewReader(x.desc.Body)
	}
	req, err := http.NewRequestWithContext(x.ctx, x.desc.Method, x.desc.URL, body)
	if err != nil {
		x.terminate(sink, fmt.Errorf("build upstream request: %w", err))
		return
	}
	if x.desc.Header != nil {
		req.Header = x.desc.Header.Clone()
	}

	f.logger.Debug("upstream request",
		"method", req.Method,
		"url", x.desc.URL,
		"fetch_id", x.id.String(),
	)

	start := time.Now()
	resp, err := f.httpClient.Do(req) //nolint:bodyclose // closed below once streamed
	duration := time.Since(start).Seconds()
	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if f.metrics != nil {
			f.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		x.terminate(sink, fmt.Errorf("upstream request: %w", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if f.metrics != nil {
		f.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		f.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	sink.OnHeaders(x.id, resp.StatusCode, resp.Header)

	buf := make([]byte, f.chunkBytes)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			// The sink may hold on to the chunk; buf is reused.
			sink.OnData(x.id, bytes.Clone(buf[:n]))
		}
		if errors.Is(err, io.EOF) {
			sink.OnTerminal(x.id, model.Result{})
			return
		}
		if err != nil {
			x.terminate(sink, fmt.Errorf("read upstream body: %w", err))
			return
		}
	}
}

func (x *fetch) terminate(sink model.EventSink, err error) {
	sink.OnTerminal(x.id, model.Result{Err: err, Canceled: x.canceled.Load()})
}
