// Package relay pairs intercepted requests with outbound fetches and
// streams each fetch's events to the consumer of its request.
//
// A relay lives from Start until either Stop or the fetch's terminal
// event, whichever comes first. Events that arrive for a relay that no
// longer exists are dropped.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"intercept-relay/internal/metrics"
	"intercept-relay/internal/model"
)

// ErrConsumerGone is returned by a Consumer whose caller has already
// discarded the request. The manager swallows it.
var ErrConsumerGone = errors.New("consumer gone")

// LevelTrace is the slog level used for dropped events.
const LevelTrace = slog.LevelDebug - 4

// Consumer receives the response of one intercepted request.
// A callback may fail with ErrConsumerGone once the caller has torn the
// request down; that failure is never propagated. Callbacks run with the
// relay's delivery lock held and must not call Manager.Stop.
type Consumer interface {
	OnResponse(status int, header http.Header) error
	OnData(p []byte) error
	OnFinish() error
	OnFail(err error) error
}

// Request is one caller-issued unit of work. Its identity is its pointer.
type Request struct {
	Descriptor model.Descriptor
	Consumer   Consumer
}

// NewRequest creates a Request.
func NewRequest(desc model.Descriptor, c Consumer) *Request {
	return &Request{Descriptor: desc, Consumer: c}
}

// Fetcher opens outbound fetches. Open must not perform I/O; the
// request is issued when the returned fetch's Begin is called.
type Fetcher interface {
	Open(desc model.Descriptor) model.Fetch
}

type relay struct {
	req     *Request
	fetch   model.Fetch
	addr    string
	started time.Time

	// mu serializes consumer delivery against Stop. closed is set by
	// whichever of Stop and terminal delivery gets here first.
	mu     sync.Mutex
	closed bool
}

// Manager owns the live relays. It implements model.EventSink.
type Manager struct {
	fetcher Fetcher
	logger  *slog.Logger
	metrics *metrics.Metrics

	// mu guards both maps. It is never held while calling a Consumer.
	// Lock order: relay.mu before Manager.mu.
	mu        sync.Mutex
	byRequest map[*Request]*relay
	byFetch   map[model.FetchID]*relay
}

// NewManager creates a Manager. The metrics parameter is optional; pass
// nil to disable relay metrics.
func NewManager(f Fetcher, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		fetcher:   f,
		logger:    logger.With("component", "relay_manager"),
		metrics:   m,
		byRequest: make(map[*Request]*relay),
		byFetch:   make(map[model.FetchID]*relay),
	}
}

// Start opens a fetch for realAddress and pairs it with req. It returns
// once the fetch has been issued; the response arrives through req's
// consumer. Each request may be started at most once.
func (m *Manager) Start(req *Request, realAddress string) {
	desc := req.Descriptor
	desc.URL = realAddress

	m.mu.Lock()
	if _, ok := m.byRequest[req]; ok {
		m.mu.Unlock()
		m.logger.Warn("relay already exists for request; ignoring start", "url", realAddress)
		return
	}
	f := m.fetcher.Open(desc)
	r := &relay{req: req, fetch: f, addr: realAddress, started: time.Now()}
	m.byRequest[req] = r
	m.byFetch[f.ID()] = r
	m.setActiveLocked()
	m.mu.Unlock()

	m.logger.Info("relay started",
		"method", desc.Method,
		"url", realAddress,
		"fetch_id", f.ID().String(),
	)

	// The relay is registered before Begin, so no event can miss it.
	f.Begin(m)
}

// Stop cancels the fetch paired with req and forgets the relay. It is a
// no-op if req has no live relay. When Stop returns, no further callback
// will be made on req's consumer.
func (m *Manager) Stop(req *Request) {
	m.mu.Lock()
	r, ok := m.byRequest[req]
	if ok {
		m.removeLocked(r)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("stop requested for request without relay", "url", req.Descriptor.URL)
		return
	}

	r.fetch.Cancel()

	// Wait out any delivery in progress, then close the relay so late
	// deliveries that already looked it up see it as gone.
	r.mu.Lock()
	first := !r.closed
	r.closed = true
	r.mu.Unlock()

	if !first {
		return
	}
	m.outcome(metrics.OutcomeStopped)
	m.logger.Info("relay stopped",
		"url", r.addr,
		"fetch_id", r.fetch.ID().String(),
		"duration_ms", time.Since(r.started).Milliseconds(),
	)
}

// Len returns the number of live relays.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byRequest)
}

// Close stops every live relay.
func (m *Manager) Close() {
	m.mu.Lock()
	reqs := make([]*Request, 0, len(m.byRequest))
	for req := range m.byRequest {
		reqs = append(reqs, req)
	}
	m.mu.Unlock()

	for _, req := range reqs {
		m.Stop(req)
	}
	if len(reqs) > 0 {
		m.logger.Info("stopped live relays", "count", len(reqs))
	}
}

// OnHeaders forwards a fetch's response status and headers.
func (m *Manager) OnHeaders(id model.FetchID, status int, header http.Header) {
	m.deliver(id, "response", func(c Consumer) error {
		return c.OnResponse(status, header)
	})
}

// OnData forwards one body chunk.
func (m *Manager) OnData(id model.FetchID, p []byte) {
	m.deliver(id, "data", func(c Consumer) error {
		return c.OnData(p)
	})
}

// OnTerminal delivers finish or fail and ends the relay. A terminal event
// caused by Stop's own cancellation is suppressed.
func (m *Manager) OnTerminal(id model.FetchID, res model.Result) {
	if res.Canceled {
		m.drop(id, "terminal", metrics.DropCancelEcho)
		return
	}

	r := m.lookup(id)
	if r == nil {
		m.drop(id, "terminal", metrics.DropStale)
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		m.drop(id, "terminal", metrics.DropStale)
		return
	}
	r.closed = true
	if res.Err != nil {
		m.outcome(metrics.OutcomeFailed)
		m.call(r, "fail", func(c Consumer) error { return c.OnFail(res.Err) })
	} else {
		m.outcome(metrics.OutcomeFinished)
		m.call(r, "finish", func(c Consumer) error { return c.OnFinish() })
	}
	r.mu.Unlock()

	m.mu.Lock()
	if m.byFetch[id] == r {
		m.removeLocked(r)
	}
	m.mu.Unlock()

	if res.Err != nil {
		m.logger.Warn("relay failed",
			"url", r.addr,
			"fetch_id", id.String(),
			"err", res.Err,
			"duration_ms", time.Since(r.started).Milliseconds(),
		)
		return
	}
	m.logger.Info("relay finished",
		"url", r.addr,
		"fetch_id", id.String(),
		"duration_ms", time.Since(r.started).Milliseconds(),
	)
}

func (m *Manager) deliver(id model.FetchID, event string, fn func(Consumer) error) {
	r := m.lookup(id)
	if r == nil {
		m.drop(id, event, metrics.DropStale)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		m.drop(id, event, metrics.DropStale)
		return
	}
	m.call(r, event, fn)
}

// call invokes fn on r's consumer and discards any failure. r.mu must be held.
func (m *Manager) call(r *relay, event string, fn func(Consumer) error) {
	err := fn(r.req.Consumer)
	switch {
	case err == nil:
	case errors.Is(err, ErrConsumerGone):
		m.drop(r.fetch.ID(), event, metrics.DropDeadConsumer)
	default:
		m.logger.Warn("consumer rejected event",
			"event", event,
			"url", r.addr,
			"err", err,
		)
	}
}

func (m *Manager) lookup(id model.FetchID) *relay {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byFetch[id]
}

// removeLocked forgets r in both maps. m.mu must be held.
func (m *Manager) removeLocked(r *relay) {
	delete(m.byRequest, r.req)
	delete(m.byFetch, r.fetch.ID())
	m.setActiveLocked()
}

func (m *Manager) setActiveLocked() {
	if m.metrics != nil {
		m.metrics.RelaysActive.Set(float64(len(m.byRequest)))
	}
}

func (m *Manager) outcome(o string) {
	if m.metrics != nil {
		m.metrics.RelayOutcomes.WithLabelValues(o).Inc()
	}
}

func (m *Manager) drop(id model.FetchID, event, reason string) {
	if m.metrics != nil {
		m.metrics.DroppedEvents.WithLabelValues(reason).Inc()
	}
	m.logger.Log(context.Background(), LevelTrace, "dropped event",
		"event", event,
		"reason", reason,
		"fetch_id", id.String(),
	)
}
