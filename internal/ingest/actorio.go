// Package ingest drives causal, idempotent application of replicated
// operations. A single sequential actor per library waits for transport
// notifications, pulls operation batches, resolves conflicts against the
// durable audit log, and projects accepted operations onto the catalog.
package ingest

import (
	"context"
	"sync"
)

// IO is the actor-side half of a duplex message channel pair: the actor
// emits requests to its owner and consumes events the owner pushes.
type IO[Request any, Event any] struct {
	requestTx chan<- Request
	eventRx   <-chan Event
}

// Send emits a request to the owner. Blocks when the request channel is
// full, which backpressures the actor until the owner drains it.
func (io IO[Request, Event]) Send(ctx context.Context, request Request) error {
	select {
	case io.requestTx <- request:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv waits for the next event. The second return is false once the
// owner has closed the event channel, which is the actor's only exit.
func (io IO[Request, Event]) Recv() (Event, bool) {
	event, ok := <-io.eventRx
	return event, ok
}

// Handler is the owner-side half: it pushes events to the actor and
// drains the actor's requests through an exclusively held receiver.
type Handler[Request any, Event any] struct {
	eventTx  chan Event
	requests *RequestReceiver[Request]
	closeOne sync.Once
}

// Push delivers an event to the actor. Blocks when the actor's event
// buffer is full.
func (h *Handler[Request, Event]) Push(ctx context.Context, event Event) error {
	select {
	case h.eventTx <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush delivers an event without blocking, reporting whether the
// event was accepted. Suited to notifiers that may fire redundantly.
func (h *Handler[Request, Event]) TryPush(event Event) bool {
	select {
	case h.eventTx <- event:
		return true
	default:
		return false
	}
}

// Requests returns the shared request receiver.
func (h *Handler[Request, Event]) Requests() *RequestReceiver[Request] {
	return h.requests
}

// Close shuts the event channel, terminating the actor after its current
// wait. Safe to call more than once.
func (h *Handler[Request, Event]) Close() {
	h.closeOne.Do(func() {
		close(h.eventTx)
	})
}

// RequestReceiver hands the actor's request stream to exactly one logical
// consumer at a time. Concurrent readers serialize on the mutex, so a
// request is never split across two drainers.
type RequestReceiver[Request any] struct {
	mu sync.Mutex
	rx <-chan Request
}

// Recv waits for the next request, holding the receiver exclusively for
// the duration. The second return is false when the context expires.
func (r *RequestReceiver[Request]) Recv(ctx context.Context) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case request := <-r.rx:
		return request, true
	case <-ctx.Done():
		var zero Request
		return zero, false
	}
}

// NewIO builds a connected actor/owner channel pair. Both directions are
// bounded by capacity.
func NewIO[Request any, Event any](capacity int) (IO[Request, Event], *Handler[Request, Event]) {
	if capacity <= 0 {
		capacity = 16
	}
	requestCh := make(chan Request, capacity)
	eventCh := make(chan Event, capacity)

	actorSide := IO[Request, Event]{
		requestTx: requestCh,
		eventRx:   eventCh,
	}
	ownerSide := &Handler[Request, Event]{
		eventTx:  eventCh,
		requests: &RequestReceiver[Request]{rx: requestCh},
	}
	return actorSide, ownerSide
}
