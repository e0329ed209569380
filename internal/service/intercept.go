// Package service dispatches intercepted requests to the static cache or
// to the relay manager.
package service

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"intercept-relay/internal/address"
	"intercept-relay/internal/cache"
	"intercept-relay/internal/metrics"
	"intercept-relay/internal/relay"
)

// hopHeaders are connection-level headers that never cross the relay in
// either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopHeaders returns a copy of src without hop-by-hop headers,
// including any named in its Connection header.
func StripHopHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		return make(http.Header)
	}
	for _, v := range dst.Values("Connection") {
		for name := range strings.SplitSeq(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, key := range hopHeaders {
		dst.Del(key)
	}
	return dst
}

// InterceptService resolves each intercepted request from the cache or
// hands it to the relay manager.
type InterceptService struct {
	translator *address.Translator
	cache      *cache.Table
	relays     *relay.Manager
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewInterceptService creates an InterceptService. The metrics parameter
// is optional; pass nil to disable lookup metrics.
func NewInterceptService(t *address.Translator, c *cache.Table, r *relay.Manager, logger *slog.Logger, m *metrics.Metrics) *InterceptService {
	return &InterceptService{
		translator: t,
		cache:      c,
		relays:     r,
		logger:     logger.With("component", "intercept_service"),
		metrics:    m,
	}
}

// Start resolves req, whose Descriptor.URL is a virtual address.
// Malformed addresses fail the request through its consumer and cached
// addresses are answered synchronously. Everything else is relayed.
func (s *InterceptService) Start(req *relay.Request) {
	realAddr, err := s.translator.ToReal(req.Descriptor.URL)
	if err != nil {
		if s.metrics != nil {
			s.metrics.AddressErrors.Inc()
		}
		s.logger.Warn("rejecting intercepted request", "url", req.Descriptor.URL, "err", err)
		s.deliver(req, "fail", func(c relay.Consumer) error { return c.OnFail(err) })
		return
	}

	req.Descriptor.Header = StripHopHeaders(req.Descriptor.Header)

	if e, ok := s.cache.Find(realAddr); ok {
		s.lookup("hit")
		s.logger.Debug("serving from cache", "url", realAddr, "status", e.Status)
		s.serveCached(req, e)
		return
	}
	s.lookup("miss")
	s.relays.Start(req, realAddr)
}

// Stop tears down the relay for req, if there is one.
func (s *InterceptService) Stop(req *relay.Request) {
	s.relays.Stop(req)
}

// Relays returns the number of live relays.
func (s *InterceptService) Relays() int {
	return s.relays.Len()
}

// CachedAddresses lists the cached entries as virtual addresses.
func (s *InterceptService) CachedAddresses() []string {
	addrs := s.cache.Addresses()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		v, err := s.translator.ToVirtual(a)
		if err != nil {
			// Entries are validated at load time.
			s.logger.Error("cached address does not translate", "url", a, "err", err)
			continue
		}
		out = append(out, v)
	}
	return out
}

// VirtualScheme returns the scheme intercepted requests use.
func (s *InterceptService) VirtualScheme() string { return s.translator.VirtualScheme() }

// RealScheme returns the scheme relayed requests are fetched over.
func (s *InterceptService) RealScheme() string { return s.translator.RealScheme() }

func (s *InterceptService) serveCached(req *relay.Request, e cache.Entry) {
	ok := s.deliver(req, "response", func(c relay.Consumer) error {
		return c.OnResponse(e.Status, e.Header.Clone())
	})
	if !ok {
		return
	}
	if !s.deliver(req, "data", func(c relay.Consumer) error { return c.OnData(e.Body) }) {
		return
	}
	s.deliver(req, "finish", func(c relay.Consumer) error { return c.OnFinish() })
}

// deliver calls fn on req's consumer and reports whether the consumer is
// still listening. Failures are logged, never returned.
func (s *InterceptService) deliver(req *relay.Request, event string, fn func(relay.Consumer) error) bool {
	err := fn(req.Consumer)
	switch {
	case err == nil:
		return true
	case errors.Is(err, relay.ErrConsumerGone):
		if s.metrics != nil {
			s.metrics.DroppedEvents.WithLabelValues(metrics.DropDeadConsumer).Inc()
		}
	default:
		s.logger.Warn("consumer rejected event", "event", event, "url", req.Descriptor.URL, "err", err)
	}
	return false
}

func (s *InterceptService) lookup(result string) {
	if s.metrics != nil {
		s.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}
