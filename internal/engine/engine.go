package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/coldtrace/internal/compiler"
	"github.com/roach88/coldtrace/internal/notify"
	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/store"
	"github.com/roach88/coldtrace/internal/thresholds"
)

// DefaultBatchSize is the default number of readings per reevaluation batch.
const DefaultBatchSize = 500

// Engine is the cold-chain deviation and incident engine.
//
// Thread-safety model:
//   - every exported method is safe from any goroutine
//   - detection for one facility is serialised on its lane
//   - incident steps are serialised per incident
type Engine struct {
	store      *store.Store
	clock      Clock
	ids        IDGenerator
	logger     *slog.Logger
	dispatcher *notify.Dispatcher

	mergeOpen bool
	batchSize int

	cfgMu sync.RWMutex
	table *thresholds.ConfigTable

	lanesMu sync.Mutex
	lanes   map[string]*lane
	stopped bool
	wg      sync.WaitGroup

	incidentLocks *keyedMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the processing clock. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator sets the incident/audit/notification ID source.
// Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithDispatcher hands committed notifications to d. Without a dispatcher
// notifications stay pending in the outbox.
func WithDispatcher(d *notify.Dispatcher) Option {
	return func(e *Engine) {
		e.dispatcher = d
	}
}

// WithMergeOpenIncidents links a new deviation to the latest open incident
// of the same facility and metric instead of opening a new incident.
func WithMergeOpenIncidents(merge bool) Option {
	return func(e *Engine) {
		e.mergeOpen = merge
	}
}

// WithBatchSize sets the default reevaluation batch size.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithConfig installs a threshold table without persisting it. Start
// otherwise loads the latest table from the store.
func WithConfig(table *thresholds.ConfigTable) Option {
	return func(e *Engine) {
		e.table = table
	}
}

// New creates an engine backed by s.
func New(s *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		clock:         SystemClock{},
		ids:           UUIDv7Generator{},
		logger:        slog.Default(),
		batchSize:     DefaultBatchSize,
		lanes:         make(map[string]*lane),
		incidentLocks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start loads the latest stored threshold table (unless one was given) and
// re-queues undelivered notifications. It does not run the dispatcher;
// callers own its goroutine.
func (e *Engine) Start(ctx context.Context) error {
	if e.config() == nil {
		table, err := e.store.LatestConfig(ctx)
		switch {
		case errors.Is(err, store.ErrNotFound):
			e.logger.Warn("no threshold configuration loaded")
		case err != nil:
			return wrap(err, "load config", "", "")
		default:
			e.setConfig(&table)
			e.logger.Info("threshold configuration loaded", "config_version", table.Version, "rules", len(table.Rules))
		}
	}

	rec, err := e.store.ReadRecoveryState(ctx)
	if err != nil {
		return wrap(err, "read recovery state", "", "")
	}
	if len(rec.Streams) > 0 || len(rec.IncompleteJobs) > 0 || rec.PendingOutbox > 0 {
		e.logger.Info("resuming from stored state",
			"streams", len(rec.Streams),
			"incomplete_jobs", rec.IncompleteJobs,
			"pending_notifications", rec.PendingOutbox)
	}

	if e.dispatcher != nil {
		if _, err := e.dispatcher.Recover(ctx); err != nil {
			return wrap(err, "recover outbox", "", "")
		}
	}
	return nil
}

// Stop closes every lane and waits for queued work to finish.
// Operations submitted afterwards fail.
func (e *Engine) Stop() {
	e.lanesMu.Lock()
	e.stopped = true
	for _, l := range e.lanes {
		l.queue.Close()
	}
	e.lanesMu.Unlock()

	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// LoadConfig validates, persists and activates a threshold table. The
// table's facilities are upserted into the facility registry.
// Returns the table version.
func (e *Engine) LoadConfig(ctx context.Context, table *thresholds.ConfigTable) (string, error) {
	if table == nil {
		return "", invalidReading("", "nil config table")
	}
	if errs := compiler.Validate(table); len(errs) > 0 {
		return "", &EngineError{
			Code:    ErrCodeInvalidReading,
			Message: "invalid threshold configuration",
			Err:     compiler.ValidationErrors(errs),
		}
	}
	if table.Version == "" {
		version, err := compiler.TableVersion(table)
		if err != nil {
			return "", invalidReading("", "config version: %v", err)
		}
		table.Version = version
	}

	now := e.clock.Now()
	if _, err := e.store.SaveConfig(ctx, *table, now); err != nil {
		return "", wrap(err, "save config", "", "")
	}
	for _, f := range table.Facilities {
		if err := e.store.UpsertFacility(ctx, f, now); err != nil {
			return "", wrap(err, "upsert facility", f.ID, "")
		}
	}

	e.setConfig(table)
	e.logger.Info("threshold configuration activated", "config_version", table.Version, "rules", len(table.Rules))
	return table.Version, nil
}

// Config returns the active threshold table, or nil if none is loaded.
func (e *Engine) Config() *thresholds.ConfigTable {
	return e.config()
}

func (e *Engine) config() *thresholds.ConfigTable {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.table
}

func (e *Engine) setConfig(t *thresholds.ConfigTable) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.table = t
}

// UpsertFacility registers or updates a facility.
func (e *Engine) UpsertFacility(ctx context.Context, f record.Facility) error {
	if f.ID == "" {
		return invalidReading("", "facility id is required")
	}
	if f.CertifiedFrom != nil && f.CertifiedUntil != nil && !f.CertifiedFrom.Before(*f.CertifiedUntil) {
		return invalidReading(f.ID, "certification window is empty")
	}
	if err := e.store.UpsertFacility(ctx, f, e.clock.Now()); err != nil {
		return wrap(err, "upsert facility", f.ID, "")
	}
	return nil
}

// facility returns the registered facility, or a bare record when the
// facility is unknown so that only global rules apply.
func (e *Engine) facility(ctx context.Context, id string) (record.Facility, error) {
	f, err := e.store.ReadFacility(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return record.Facility{ID: id}, nil
	}
	if err != nil {
		return record.Facility{}, err
	}
	return f, nil
}

// lane returns the lane for a facility, starting it on first use.
func (e *Engine) lane(facilityID string) (*lane, error) {
	e.lanesMu.Lock()
	defer e.lanesMu.Unlock()

	if e.stopped {
		return nil, errLaneClosed
	}
	if l, ok := e.lanes[facilityID]; ok {
		return l, nil
	}

	l := newLane(facilityID, e.logger)
	e.lanes[facilityID] = l
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		l.run()
	}()
	return l, nil
}

// onLane runs fn on the facility's lane and returns its typed result.
func onLane[T any](ctx context.Context, e *Engine, facilityID string, fn func(ctx context.Context, l *lane) (T, error)) (T, error) {
	var zero T
	l, err := e.lane(facilityID)
	if err != nil {
		return zero, &EngineError{Code: ErrCodeStorageUnavailable, Message: "submit", FacilityID: facilityID, Err: err}
	}
	v, err := l.do(ctx, func(ctx context.Context, l *lane) (any, error) {
		return fn(ctx, l)
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// dispatch hands committed notifications to the dispatcher, if any.
func (e *Engine) dispatch(ns []record.Notification) {
	if e.dispatcher == nil || len(ns) == 0 {
		return
	}
	if !e.dispatcher.Enqueue(ns...) {
		e.logger.Warn("dispatcher stopped, notifications left in outbox", "count", len(ns))
	}
}

func (e *Engine) requireConfig(facilityID string) (*thresholds.ConfigTable, error) {
	t := e.config()
	if t == nil {
		return nil, &EngineError{
			Code:       ErrCodeNoThreshold,
			Message:    "no threshold configuration loaded",
			FacilityID: facilityID,
		}
	}
	return t, nil
}
