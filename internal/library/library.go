// Package library assembles one library runtime: the durable operation
// log, the replica clock and watermarks, the catalog, and the ingestion
// actor that pulls remote operations in.
package library

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caravel-labs/caravel/internal/catalog"
	"github.com/caravel-labs/caravel/internal/crdt"
	"github.com/caravel-labs/caravel/internal/ingest"
	"github.com/caravel-labs/caravel/internal/peers"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultPageSize = 256

var (
	errMissingDatabase = errors.New("library: database handle is required")
	errMissingName     = errors.New("library: library name is required")
)

// Fetcher pulls a page of remote operations newer than the given
// per-origin watermarks. The transport layer implements it; a nil
// fetcher makes every fetch come back empty.
type Fetcher interface {
	Fetch(ctx context.Context, watermarks map[uuid.UUID]crdt.Timestamp) (*crdt.Batch, error)
}

// Config describes the inputs required to open a Library.
type Config struct {
	Database   *gorm.DB
	Name       string
	DeviceName string
	Fetcher    Fetcher
	Logger     *zap.Logger
	// PageSize bounds pages served to remote replicas; defaults to 256.
	PageSize int
	// ChannelCapacity bounds the ingestion actor channels.
	ChannelCapacity int
	// OnRoundComplete observes each finished ingest round. Optional.
	OnRoundComplete func(Status)
}

// Status is a point-in-time view of the sync machinery for operators.
type Status struct {
	LibraryID     string                        `json:"library_id"`
	LibraryName   string                        `json:"library_name"`
	ReplicaID     string                        `json:"replica_id"`
	Watermarks    map[uuid.UUID]crdt.Timestamp  `json:"watermarks"`
	IngestedTotal uint64                        `json:"ingested_total"`
	DroppedTotal  uint64                        `json:"dropped_total"`
	RoundsTotal   uint64                        `json:"rounds_total"`
}

// Library is one opened library: a database, a replica identity, and a
// running ingestion actor. Close stops the actor.
type Library struct {
	record     Record
	replicaID  uuid.UUID
	db         *gorm.DB
	logger     *zap.Logger
	clock      *crdt.Clock
	watermarks *crdt.WatermarkTable
	factory    *crdt.Factory
	store      *crdt.OperationStore
	catalog    *catalog.Service
	handler    *ingest.Handler[ingest.Request, ingest.Event]
	fetcher    Fetcher
	pageSize   int
	onRound    func(Status)

	ingested atomic.Uint64
	dropped  atomic.Uint64
	rounds   atomic.Uint64

	closeOnce  sync.Once
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

// Open loads or creates the library record, rebuilds the watermark
// table from the operation log, and spawns the ingestion actor.
func Open(ctx context.Context, cfg Config) (*Library, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Name == "" {
		return nil, errMissingName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	record, err := loadOrCreateRecord(ctx, cfg.Database, cfg.Name)
	if err != nil {
		return nil, err
	}
	replicaID, err := uuid.Parse(record.ReplicaID)
	if err != nil {
		return nil, fmt.Errorf("library: stored replica id is corrupt: %w", err)
	}

	clock := crdt.NewClock(crdt.ClockConfig{})
	store, err := crdt.NewOperationStore(crdt.OperationStoreConfig{Database: cfg.Database, Logger: logger})
	if err != nil {
		return nil, err
	}

	watermarks := crdt.NewWatermarkTable(clock)
	latest, err := store.LatestTimestamps(ctx)
	if err != nil {
		return nil, fmt.Errorf("library: watermark rebuild failed: %w", err)
	}
	watermarks.Restore(latest)

	factory, err := crdt.NewFactory(crdt.FactoryConfig{Origin: replicaID, Clock: clock})
	if err != nil {
		return nil, err
	}

	catalogService, err := catalog.NewService(catalog.ServiceConfig{
		Database: cfg.Database,
		Factory:  factory,
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	projector, err := catalog.NewProjector(catalog.ProjectorConfig{Database: cfg.Database, Logger: logger})
	if err != nil {
		return nil, err
	}

	applier, err := ingest.NewApplier(ingest.ApplierConfig{Store: store, Logger: logger})
	if err != nil {
		return nil, err
	}
	applier.RegisterModel(catalog.ModelFileObject, projector)
	applier.RegisterModel(catalog.ModelTag, projector)
	applier.RegisterRelation(catalog.RelationTagOnObject, projector)

	resolver, err := ingest.NewConflictResolver(ingest.ConflictResolverConfig{Store: store, Logger: logger})
	if err != nil {
		return nil, err
	}

	lib := &Library{
		record:     record,
		replicaID:  replicaID,
		db:         cfg.Database,
		logger:     logger,
		clock:      clock,
		watermarks: watermarks,
		factory:    factory,
		store:      store,
		catalog:    catalogService,
		fetcher:    cfg.Fetcher,
		pageSize:   pageSize,
		onRound:    cfg.OnRoundComplete,
		pumpDone:   make(chan struct{}),
	}

	handler, err := ingest.Spawn(ingest.Config{
		Watermarks:      watermarks,
		Resolver:        resolver,
		Applier:         applier,
		Logger:          logger,
		ChannelCapacity: cfg.ChannelCapacity,
		OnApplyFailure: func(op crdt.Operation, err error) {
			lib.dropped.Add(1)
		},
	})
	if err != nil {
		return nil, err
	}
	lib.handler = handler

	if err := lib.registerLocalInstance(ctx, cfg.DeviceName); err != nil {
		handler.Close()
		return nil, err
	}

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	lib.pumpCancel = pumpCancel
	go lib.pump(pumpCtx)

	logger.Info("library opened",
		zap.String("library_id", record.LibraryID),
		zap.String("replica_id", record.ReplicaID),
		zap.Int("known_origins", len(latest)))
	return lib, nil
}

func loadOrCreateRecord(ctx context.Context, db *gorm.DB, name string) (Record, error) {
	var record Record
	err := db.WithContext(ctx).Take(&record).Error
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, fmt.Errorf("library: record load failed: %w", err)
	}

	libraryID, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("library: id generation failed: %w", err)
	}
	replicaID, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("library: replica id generation failed: %w", err)
	}
	record = Record{
		LibraryID:        libraryID.String(),
		Name:             name,
		ReplicaID:        replicaID.String(),
		CreatedAtSeconds: time.Now().UTC().Unix(),
	}
	if err := db.WithContext(ctx).Create(&record).Error; err != nil {
		return Record{}, fmt.Errorf("library: record create failed: %w", err)
	}
	return record, nil
}

func (l *Library) registerLocalInstance(ctx context.Context, deviceName string) error {
	if deviceName == "" {
		deviceName = l.record.Name
	}
	now := time.Now().UTC().Unix()
	instance := Instance{
		InstanceID:      l.record.ReplicaID,
		DeviceName:      deviceName,
		Platform:        string(peers.CurrentPlatform()),
		LastSeenSeconds: now,
		JoinedAtSeconds: now,
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"device_name", "platform", "last_seen_s"}),
	}).Create(&instance).Error
	if err != nil {
		return fmt.Errorf("library: instance registration failed: %w", err)
	}
	return nil
}

// pump owns the actor's request channel: it serves fetches from the
// configured Fetcher and folds progress reports into counters.
func (l *Library) pump(ctx context.Context) {
	defer close(l.pumpDone)
	requests := l.handler.Requests()
	for {
		request, ok := requests.Recv(ctx)
		if !ok {
			return
		}
		switch request.Kind {
		case ingest.RequestFetch:
			l.serveFetch(ctx, request.Watermarks)
		case ingest.RequestIngested:
			l.ingested.Add(1)
		case ingest.RequestFinished:
			l.rounds.Add(1)
			if l.onRound != nil {
				l.onRound(l.Status())
			}
		}
	}
}

func (l *Library) serveFetch(ctx context.Context, watermarks map[uuid.UUID]crdt.Timestamp) {
	if l.fetcher == nil {
		l.handler.Push(ctx, ingest.Event{Kind: ingest.EventBatch, Batch: &crdt.Batch{}})
		return
	}
	batch, err := l.fetcher.Fetch(ctx, watermarks)
	if err != nil {
		l.logger.Error("remote fetch failed",
			zap.String("operation", "library.fetch"),
			zap.Error(err))
		// An empty terminal batch sends the actor back to idle; the
		// next notification retries.
		batch = &crdt.Batch{}
	}
	if batch == nil {
		batch = &crdt.Batch{}
	}
	l.handler.Push(ctx, ingest.Event{Kind: ingest.EventBatch, Batch: batch})
}

// NotifyRemoteActivity nudges the ingestion actor to start a fetch
// round. Safe to call at any rate; redundant nudges coalesce.
func (l *Library) NotifyRemoteActivity() {
	l.handler.TryPush(ingest.Event{Kind: ingest.EventNotification})
}

// Close stops the ingestion actor and waits for the pump to drain.
func (l *Library) Close() {
	l.closeOnce.Do(func() {
		l.handler.Close()
		l.pumpCancel()
		<-l.pumpDone
	})
}

// Catalog exposes the local mutation surface.
func (l *Library) Catalog() *catalog.Service {
	return l.catalog
}

// ID returns the library identifier.
func (l *Library) ID() string {
	return l.record.LibraryID
}

// ReplicaID returns the identity local operations are attributed to.
func (l *Library) ReplicaID() uuid.UUID {
	return l.replicaID
}

// Status reports current sync counters and watermarks.
func (l *Library) Status() Status {
	return Status{
		LibraryID:     l.record.LibraryID,
		LibraryName:   l.record.Name,
		ReplicaID:     l.record.ReplicaID,
		Watermarks:    l.watermarks.Snapshot(),
		IngestedTotal: l.ingested.Load(),
		DroppedTotal:  l.dropped.Load(),
		RoundsTotal:   l.rounds.Load(),
	}
}

// ListOperations pages local operations for a remote replica, excluding
// those the remote already holds per its watermark.
func (l *Library) ListOperations(ctx context.Context, origin uuid.UUID, after crdt.Timestamp, limit int) (crdt.Batch, error) {
	if limit <= 0 || limit > l.pageSize {
		limit = l.pageSize
	}
	return l.store.ListSince(ctx, origin, after, limit)
}

// Instances lists the replicas registered with this library.
func (l *Library) Instances(ctx context.Context) ([]Instance, error) {
	var instances []Instance
	if err := l.db.WithContext(ctx).Order("joined_at_s ASC").Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("library: instance list failed: %w", err)
	}
	return instances, nil
}

// TouchInstance upserts a remote replica's registry row.
func (l *Library) TouchInstance(ctx context.Context, instanceID uuid.UUID, deviceName string, platform peers.Platform) error {
	now := time.Now().UTC().Unix()
	instance := Instance{
		InstanceID:      instanceID.String(),
		DeviceName:      deviceName,
		Platform:        string(platform),
		LastSeenSeconds: now,
		JoinedAtSeconds: now,
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"device_name", "platform", "last_seen_s"}),
	}).Create(&instance).Error
	if err != nil {
		return fmt.Errorf("library: instance touch failed: %w", err)
	}
	return nil
}
