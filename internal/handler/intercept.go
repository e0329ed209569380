package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/labstack/echo/v4"

	"intercept-relay/internal/address"
	"intercept-relay/internal/middleware"
	"intercept-relay/internal/model"
	"intercept-relay/internal/relay"
	"intercept-relay/internal/service"
)

type eventKind int

const (
	eventResponse eventKind = iota
	eventData
	eventFinish
	eventFail
)

type streamEvent struct {
	kind   eventKind
	status int
	header http.Header
	data   []byte
	err    error
}

// streamConsumer hands relay callbacks over to the handler goroutine.
// Cache hits and address errors are delivered synchronously from Start,
// so the buffer must hold a complete cached response.
type streamConsumer struct {
	events chan streamEvent
	done   chan struct{}
	once   sync.Once
}

func newStreamConsumer() *streamConsumer {
	return &streamConsumer{
		events: make(chan streamEvent, 4),
		done:   make(chan struct{}),
	}
}

func (s *streamConsumer) send(ev streamEvent) error {
	select {
	case <-s.done:
		return relay.ErrConsumerGone
	default:
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return relay.ErrConsumerGone
	}
}

func (s *streamConsumer) OnResponse(status int, header http.Header) error {
	return s.send(streamEvent{kind: eventResponse, status: status, header: header})
}

func (s *streamConsumer) OnData(p []byte) error {
	return s.send(streamEvent{kind: eventData, data: p})
}

func (s *streamConsumer) OnFinish() error {
	return s.send(streamEvent{kind: eventFinish})
}

func (s *streamConsumer) OnFail(err error) error {
	return s.send(streamEvent{kind: eventFail, err: err})
}

// close makes every later callback fail with relay.ErrConsumerGone.
func (s *streamConsumer) close() {
	s.once.Do(func() { close(s.done) })
}

// InterceptHandler answers requests claimed by the VirtualScheme middleware.
type InterceptHandler struct {
	service *service.InterceptService
	logger  *slog.Logger
}

// NewInterceptHandler creates an InterceptHandler.
func NewInterceptHandler(svc *service.InterceptService, logger *slog.Logger) *InterceptHandler {
	return &InterceptHandler{
		service: svc,
		logger:  logger.With("component", "intercept_handler"),
	}
}

// Handle resolves the virtual address and streams the response back as it
// arrives. If the caller goes away first, the relay is stopped.
func (h *InterceptHandler) Handle(c echo.Context) error {
	addr, ok := middleware.VirtualAddress(c)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "not an intercepted request",
		})
	}

	r := c.Request()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		// BodyLimit reports oversized bodies as an *echo.HTTPError.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "reading request body failed",
		})
	}

	sc := newStreamConsumer()
	req := relay.NewRequest(model.Descriptor{
		Method: r.Method,
		URL:    addr,
		Header: r.Header.Clone(),
		Body:   body,
	}, sc)

	defer func() {
		sc.close()
		h.service.Stop(req)
	}()

	h.service.Start(req)

	ctx := r.Context()
	res := c.Response()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("caller went away", "url", addr, "err", ctx.Err())
			return nil

		case ev := <-sc.events:
			switch ev.kind {
			case eventResponse:
				dst := res.Header()
				for key, vals := range service.StripHopHeaders(ev.header) {
					dst[key] = vals
				}
				res.WriteHeader(ev.status)

			case eventData:
				if _, err := res.Write(ev.data); err != nil {
					h.logger.Warn("writing relayed body", "url", addr, "err", err)
					return nil
				}
				res.Flush()

			case eventFinish:
				return nil

			case eventFail:
				if !res.Committed {
					return h.mapError(c, addr, ev.err)
				}
				// Headers are out; the caller sees a truncated body.
				h.logger.Error("relay failed mid-stream", "url", addr, "err", ev.err)
				return nil
			}
		}
	}
}

func (h *InterceptHandler) mapError(c echo.Context, addr string, err error) error {
	h.logger.Error("intercept error", "url", addr, "err", err)

	if errors.Is(err, address.ErrMalformedAddress) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "malformed virtual address",
		})
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
