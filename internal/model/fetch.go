// Package model defines shared types for the relay.
package model

import (
	"net/http"

	"github.com/google/uuid"
)

// Descriptor describes one outbound HTTP request.
// URL is the virtual address on an intercepted request and the real
// address once it has been handed to a fetcher.
type Descriptor struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// FetchID identifies one outbound fetch.
type FetchID uuid.UUID

// NewFetchID returns a fresh random fetch identity.
func NewFetchID() FetchID {
	return FetchID(uuid.New())
}

func (id FetchID) String() string {
	return uuid.UUID(id).String()
}

// Result is the outcome carried by a fetch's terminal event.
type Result struct {
	// Err is nil when the body was read to completion.
	Err error
	// Canceled is set when the fetch ended because Cancel was called on it.
	Canceled bool
}

// EventSink receives the lifecycle events of fetches, in the order
// headers, data*, terminal for any single fetch. Events of different
// fetches may interleave.
type EventSink interface {
	OnHeaders(id FetchID, status int, header http.Header)
	OnData(id FetchID, p []byte)
	OnTerminal(id FetchID, res Result)
}

// Fetch is a handle on one outbound request.
type Fetch interface {
	ID() FetchID
	// Begin starts the request and returns immediately. Events go to sink.
	Begin(sink EventSink)
	// Cancel requests cancellation. It does not wait for the transport.
	Cancel()
}
