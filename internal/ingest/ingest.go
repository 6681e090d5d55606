package ingest

import (
	"context"
	"errors"

	"github.com/caravel-labs/caravel/internal/crdt"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestKind tags messages the actor emits to its owner.
type RequestKind string

const (
	// RequestFetch asks the owner for operations newer than the carried
	// per-origin watermarks.
	RequestFetch RequestKind = "fetch"
	// RequestIngested reports that one operation was accepted and applied.
	RequestIngested RequestKind = "ingested"
	// RequestFinished reports that the current batch sequence is drained.
	RequestFinished RequestKind = "finished"
)

// Request is a message from the actor to its owner.
type Request struct {
	Kind RequestKind
	// Watermarks is set on fetch requests.
	Watermarks map[uuid.UUID]crdt.Timestamp
}

// EventKind tags messages the owner pushes to the actor.
type EventKind string

const (
	// EventNotification signals that new remote operations exist.
	EventNotification EventKind = "notification"
	// EventBatch delivers a page of operations to ingest.
	EventBatch EventKind = "batch"
)

// Event is a message from the owner to the actor.
type Event struct {
	Kind EventKind
	// Batch is set on batch events.
	Batch *crdt.Batch
}

type state int

const (
	stateIdle state = iota
	stateFetching
	stateApplying
)

var (
	errMissingWatermarks = errors.New("ingest: watermark table is required")
	errMissingResolver   = errors.New("ingest: conflict resolver is required")
	errMissingApplier    = errors.New("ingest: applier is required")
)

// Actor is the per-library ingestion state machine. It is the sole
// writer of the library's clock and watermark table and applies
// operations strictly in delivery order.
type Actor struct {
	watermarks *crdt.WatermarkTable
	resolver   *ConflictResolver
	applier    *Applier
	io         IO[Request, Event]
	logger     *zap.Logger
	onFailure  func(crdt.Operation, error)

	state   state
	pending *crdt.Batch
}

// Config describes the dependencies required to spawn an Actor.
type Config struct {
	Watermarks *crdt.WatermarkTable
	Resolver   *ConflictResolver
	Applier    *Applier
	Logger     *zap.Logger
	// ChannelCapacity bounds both actor channels; defaults to 16.
	ChannelCapacity int
	// OnApplyFailure observes operations dropped by the liveness-first
	// error policy. Optional.
	OnApplyFailure func(crdt.Operation, error)
}

// Spawn starts the actor goroutine and returns the owner-side handler.
// The actor runs until the handler's event channel is closed; there is
// no other shutdown path.
func Spawn(cfg Config) (*Handler[Request, Event], error) {
	if cfg.Watermarks == nil {
		return nil, errMissingWatermarks
	}
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	onFailure := cfg.OnApplyFailure
	if onFailure == nil {
		onFailure = func(crdt.Operation, error) {}
	}

	actorIO, handler := NewIO[Request, Event](cfg.ChannelCapacity)
	actor := &Actor{
		watermarks: cfg.Watermarks,
		resolver:   cfg.Resolver,
		applier:    cfg.Applier,
		io:         actorIO,
		logger:     logger,
		onFailure:  onFailure,
		state:      stateIdle,
	}
	go actor.run()
	return handler, nil
}

func (a *Actor) run() {
	for a.step() {
	}
	a.logger.Info("ingestion actor stopped")
}

// step performs one state transition. Returns false once the event
// source is closed, which exits the loop without completing any
// in-flight batch; unapplied operations are re-fetched on restart.
func (a *Actor) step() bool {
	ctx := context.Background()

	switch a.state {
	case stateIdle:
		if !a.awaitNotification() {
			return false
		}
		a.state = stateFetching

	case stateFetching:
		request := Request{Kind: RequestFetch, Watermarks: a.watermarks.Snapshot()}
		if err := a.io.Send(ctx, request); err != nil {
			return false
		}
		batch, ok := a.awaitBatch()
		if !ok {
			return false
		}
		a.pending = batch
		a.state = stateApplying

	case stateApplying:
		batch := a.pending
		a.pending = nil
		for _, op := range batch.Operations {
			a.receive(ctx, op)
		}
		if batch.HasMore {
			a.state = stateFetching
		} else {
			if err := a.io.Send(ctx, Request{Kind: RequestFinished}); err != nil {
				return false
			}
			a.state = stateIdle
		}
	}
	return true
}

// awaitNotification blocks until a notification arrives, discarding any
// other event kinds delivered while idle.
func (a *Actor) awaitNotification() bool {
	for {
		event, ok := a.io.Recv()
		if !ok {
			return false
		}
		if event.Kind == EventNotification {
			return true
		}
	}
}

// awaitBatch blocks until a batch arrives; redundant notifications
// received while a fetch is outstanding are dropped, the pending fetch
// already covers them.
func (a *Actor) awaitBatch() (*crdt.Batch, bool) {
	for {
		event, ok := a.io.Recv()
		if !ok {
			return nil, false
		}
		if event.Kind == EventBatch && event.Batch != nil {
			return event.Batch, true
		}
	}
}

// receive ingests a single operation: merge clock and watermark, check
// staleness against the audit log, then apply. Failures are logged and
// surfaced to the observer but never halt the batch.
func (a *Actor) receive(ctx context.Context, op crdt.Operation) {
	if err := op.Validate(); err != nil {
		a.logger.Error("malformed operation rejected",
			zap.String("op_id", op.ID.String()),
			zap.Error(err))
		a.onFailure(op, err)
		return
	}

	a.watermarks.Merge(op.Origin, op.Timestamp)

	stale, err := a.resolver.IsStale(ctx, op)
	if err != nil {
		a.logger.Error("could not confirm staleness, skipping operation",
			zap.String("op_id", op.ID.String()),
			zap.String("origin", op.Origin.String()),
			zap.Error(err))
		a.onFailure(op, err)
		return
	}
	if stale {
		return
	}

	if err := a.applier.Apply(ctx, op); err != nil {
		a.logger.Error("operation apply failed",
			zap.String("op_id", op.ID.String()),
			zap.String("origin", op.Origin.String()),
			zap.Error(err))
		a.onFailure(op, err)
		return
	}

	_ = a.io.Send(ctx, Request{Kind: RequestIngested})
}
