package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"intercept-relay/internal/address"
	"intercept-relay/internal/cache"
	"intercept-relay/internal/config"
	"intercept-relay/internal/metrics"
	"intercept-relay/internal/model"
	"intercept-relay/internal/relay"
)

type stubFetch struct {
	id   model.FetchID
	desc model.Descriptor
	sink model.EventSink
}

func (f *stubFetch) ID() model.FetchID          { return f.id }
func (f *stubFetch) Begin(sink model.EventSink) { f.sink = sink }
func (f *stubFetch) Cancel()                    {}

func (f *stubFetch) respond(status int, body string) {
	f.sink.OnHeaders(f.id, status, http.Header{"Content-Type": {"text/plain"}})
	f.sink.OnData(f.id, []byte(body))
	f.sink.OnTerminal(f.id, model.Result{})
}

type stubFetcher struct {
	mu      sync.Mutex
	fetches []*stubFetch
}

func (s *stubFetcher) Open(desc model.Descriptor) model.Fetch {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &stubFetch{id: model.NewFetchID(), desc: desc}
	s.fetches = append(s.fetches, f)
	return f
}

type recorder struct {
	events []string
	err    error
	gone   bool
}

func (r *recorder) add(ev string) error {
	if r.gone {
		return relay.ErrConsumerGone
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) OnResponse(status int, h http.Header) error {
	return r.add(fmt.Sprintf("response %d %s", status, h.Get("Content-Type")))
}
func (r *recorder) OnData(p []byte) error { return r.add("data " + string(p)) }
func (r *recorder) OnFinish() error       { return r.add("finish") }
func (r *recorder) OnFail(err error) error {
	r.err = err
	return r.add("fail")
}

func newTestService(t *testing.T) (*InterceptService, *stubFetcher, *metrics.Metrics) {
	t.Helper()
	tbl, err := cache.New([]cache.Entry{{
		Address: "https://example.test/style.css",
		Status:  http.StatusOK,
		Header:  http.Header{"Content-Type": {"text/css"}},
		Body:    []byte("body{color:red}"),
	}})
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	cfg := &config.Config{Scheme: config.SchemeConfig{Virtual: "virtual", Real: "https"}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	f := &stubFetcher{}
	mgr := relay.NewManager(f, logger, m)
	return NewInterceptService(address.NewTranslator(cfg), tbl, mgr, logger, m), f, m
}

func TestStart_CacheHit(t *testing.T) {
	svc, fetcher, m := newTestService(t)
	rec := &recorder{}
	req := relay.NewRequest(model.Descriptor{Method: http.MethodGet, URL: "virtual://example.test/style.css"}, rec)

	svc.Start(req)

	want := []string{"response 200 text/css", "data body{color:red}", "finish"}
	if !slices.Equal(rec.events, want) {
		t.Errorf("events = %v, want %v", rec.events, want)
	}
	if len(fetcher.fetches) != 0 {
		t.Errorf("fetches opened = %d, want 0", len(fetcher.fetches))
	}
	if svc.Relays() != 0 {
		t.Errorf("Relays() = %d, want 0", svc.Relays())
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}

	// Stop on a cache-served request has nothing to tear down.
	svc.Stop(req)
}

func TestStart_CacheHitDeadConsumer(t *testing.T) {
	svc, _, m := newTestService(t)
	rec := &recorder{gone: true}
	req := relay.NewRequest(model.Descriptor{Method: http.MethodGet, URL: "virtual://example.test/style.css"}, rec)

	svc.Start(req)

	if len(rec.events) != 0 {
		t.Errorf("events = %v, want none", rec.events)
	}
	if got := testutil.ToFloat64(m.DroppedEvents.WithLabelValues(metrics.DropDeadConsumer)); got != 1 {
		t.Errorf("dead consumer drops = %v, want 1", got)
	}
}

func TestStart_CacheMissRelays(t *testing.T) {
	svc, fetcher, m := newTestService(t)
	rec := &recorder{}
	req := relay.NewRequest(model.Descriptor{
		Method: http.MethodGet,
		URL:    "virtual://example.test/page?q=1#frag",
		Header: http.Header{
			"Accept":     {"text/plain"},
			"Connection": {"keep-alive, X-Drop"},
			"X-Drop":     {"1"},
			"Keep-Alive": {"timeout=5"},
		},
	}, rec)

	svc.Start(req)

	if len(fetcher.fetches) != 1 {
		t.Fatalf("fetches opened = %d, want 1", len(fetcher.fetches))
	}
	f := fetcher.fetches[0]
	if f.desc.URL != "https://example.test/page?q=1#frag" {
		t.Errorf("fetch URL = %q, want real address", f.desc.URL)
	}
	for _, h := range []string{"Connection", "X-Drop", "Keep-Alive"} {
		if f.desc.Header.Get(h) != "" {
			t.Errorf("header %q forwarded upstream", h)
		}
	}
	if f.desc.Header.Get("Accept") != "text/plain" {
		t.Errorf("Accept = %q, want %q", f.desc.Header.Get("Accept"), "text/plain")
	}
	if svc.Relays() != 1 {
		t.Errorf("Relays() = %d, want 1", svc.Relays())
	}

	f.respond(http.StatusOK, "hi")

	want := []string{"response 200 text/plain", "data hi", "finish"}
	if !slices.Equal(rec.events, want) {
		t.Errorf("events = %v, want %v", rec.events, want)
	}
	if svc.Relays() != 0 {
		t.Errorf("Relays() after finish = %d, want 0", svc.Relays())
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")); got != 1 {
		t.Errorf("cache misses = %v, want 1", got)
	}
}

func TestStart_StopBeforeResponse(t *testing.T) {
	svc, fetcher, _ := newTestService(t)
	rec := &recorder{}
	req := relay.NewRequest(model.Descriptor{Method: http.MethodGet, URL: "virtual://example.test/page"}, rec)

	svc.Start(req)
	svc.Stop(req)
	fetcher.fetches[0].respond(http.StatusOK, "late")

	if len(rec.events) != 0 {
		t.Errorf("events = %v, want none after Stop", rec.events)
	}
}

func TestStart_AddressError(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"no scheme", "example.test/page"},
		{"no host", "virtual:///page"},
		{"opaque", "virtual:page"},
		{"bad escape", "virtual://example.test/%zz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, fetcher, m := newTestService(t)
			rec := &recorder{}
			svc.Start(relay.NewRequest(model.Descriptor{Method: http.MethodGet, URL: tt.url}, rec))

			if !slices.Equal(rec.events, []string{"fail"}) {
				t.Fatalf("events = %v, want [fail]", rec.events)
			}
			if !errors.Is(rec.err, address.ErrMalformedAddress) {
				t.Errorf("error = %v, want ErrMalformedAddress", rec.err)
			}
			if len(fetcher.fetches) != 0 {
				t.Errorf("fetches opened = %d, want 0", len(fetcher.fetches))
			}
			if got := testutil.ToFloat64(m.AddressErrors); got != 1 {
				t.Errorf("address errors = %v, want 1", got)
			}
		})
	}
}

func TestCachedAddresses(t *testing.T) {
	svc, _, _ := newTestService(t)
	want := []string{"virtual://example.test/style.css"}
	if got := svc.CachedAddresses(); !slices.Equal(got, want) {
		t.Errorf("CachedAddresses() = %v, want %v", got, want)
	}
}

func TestStripHopHeaders(t *testing.T) {
	src := http.Header{
		"Accept":            {"*/*"},
		"Connection":        {"close, X-Private"},
		"X-Private":         {"secret"},
		"Transfer-Encoding": {"chunked"},
		"Upgrade":           {"websocket"},
		"Proxy-Connection":  {"keep-alive"},
	}

	dst := StripHopHeaders(src)

	tests := []struct {
		key     string
		wantLen int
	}{
		{"Accept", 1},
		{"Connection", 0},
		{"X-Private", 0},
		{"Transfer-Encoding", 0},
		{"Upgrade", 0},
		{"Proxy-Connection", 0},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := len(dst.Values(tt.key)); got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	if src.Get("X-Private") != "secret" {
		t.Error("StripHopHeaders modified its input")
	}
	if StripHopHeaders(nil) == nil {
		t.Error("StripHopHeaders(nil) = nil, want empty header")
	}
}
