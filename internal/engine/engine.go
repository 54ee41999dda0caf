package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ipsix/reconsync/internal/activity"
	"github.com/ipsix/reconsync/internal/backend"
	"github.com/ipsix/reconsync/internal/conn"
	"github.com/ipsix/reconsync/internal/logging"
	"github.com/ipsix/reconsync/internal/metrics"
	"github.com/ipsix/reconsync/internal/model"
	"github.com/ipsix/reconsync/internal/notify"
	"github.com/ipsix/reconsync/internal/registry"
	"github.com/ipsix/reconsync/internal/vulns"
)

// Backend is the mutation and poll surface of the scanning service.
type Backend interface {
	FetchSnapshot(ctx context.Context) (model.Snapshot, error)
	SubmitScan(ctx context.Context, req backend.SubmitRequest) (string, error)
	PauseScan(ctx context.Context, id string) error
	ResumeScan(ctx context.Context, id string) error
	StopScan(ctx context.Context, id string) error
	RetestVulnerability(ctx context.Context, id string) error
	DeleteVulnerability(ctx context.Context, id string) error
}

// Cache persists reconciled state between sessions.
type Cache interface {
	SaveScan(rec model.ScanRecord, archived bool) error
	SaveFinding(f model.Finding) error
	DeleteFinding(id string) error
}

// Poller runs an out-of-schedule poll.
type Poller interface {
	Trigger() bool
}

type Options struct {
	Logger        *logging.Logger
	Metrics       *metrics.Metrics
	Backend       Backend
	Scans         *registry.Registry
	Vulns         *vulns.Store
	Notifications *notify.Sink
	Activity      *activity.Ledger
	Cache         Cache
	MissedPolls   int
	QueueSize     int
}

type input func(e *Engine)

type handler func(e *Engine, ev model.Event)

// Engine is the only writer of scan and finding state. Push events, poll
// snapshots, intents and mutation results are serialized through one queue
// and applied one at a time on the Run goroutine.
type Engine struct {
	logger  *logging.Logger
	metrics *metrics.Metrics
	backend Backend
	cache   Cache
	poller  Poller

	scans  *registry.Registry
	vulns  *vulns.Store
	sink   *notify.Sink
	ledger *activity.Ledger

	missedPolls int
	routes      map[model.EventKind]handler
	milestones  map[string]int
	link        linkState
	everOpen    bool
	now         func() time.Time

	inbox     chan input
	stopped   chan struct{}
	runCtx    context.Context
	mutations sync.WaitGroup

	connMu sync.RWMutex
	conn   conn.State

	startMu sync.Mutex
	started bool
}

func New(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, errors.New("engine: backend is required")
	}
	if opts.Scans == nil || opts.Vulns == nil || opts.Notifications == nil || opts.Activity == nil {
		return nil, errors.New("engine: scans, vulns, notifications and activity are required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.MissedPolls <= 0 {
		opts.MissedPolls = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	e := &Engine{
		logger:      opts.Logger.With(logging.Field{Key: "component", Value: "engine"}),
		metrics:     opts.Metrics,
		backend:     opts.Backend,
		cache:       opts.Cache,
		scans:       opts.Scans,
		vulns:       opts.Vulns,
		sink:        opts.Notifications,
		ledger:      opts.Activity,
		missedPolls: opts.MissedPolls,
		routes:      defaultRoutes(),
		milestones:  make(map[string]int),
		now:         func() time.Time { return time.Now().UTC() },
		inbox:       make(chan input, opts.QueueSize),
		stopped:     make(chan struct{}),
		runCtx:      context.Background(),
		conn:        conn.State{Phase: conn.PhaseClosed},
	}
	return e, nil
}

// SetPoller wires the scheduler used for the poll that follows a mutation.
// It must be called before Run.
func (e *Engine) SetPoller(p Poller) {
	e.poller = p
}

// Run applies queued inputs until ctx is done, then waits for in-flight
// mutation requests to return.
func (e *Engine) Run(ctx context.Context) error {
	e.startMu.Lock()
	if e.started {
		e.startMu.Unlock()
		return errors.New("engine: already running")
	}
	e.started = true
	e.runCtx = ctx
	e.startMu.Unlock()

	defer func() {
		close(e.stopped)
		e.mutations.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-e.inbox:
			fn(e)
			e.metrics.SetActiveScans(len(e.scans.ActiveIDs()))
			e.metrics.SetFindings(e.vulns.Len())
		}
	}
}

func (e *Engine) enqueue(ctx context.Context, fn input) error {
	select {
	case <-e.stopped:
		return ErrStopped
	default:
	}
	select {
	case e.inbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
}

// call enqueues fn and waits for it to be applied.
func (e *Engine) call(ctx context.Context, fn func(e *Engine) error) error {
	reply := make(chan error, 1)
	if err := e.enqueue(ctx, func(e *Engine) { reply <- fn(e) }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
}

// Flush returns once every input queued before the call has been applied.
func (e *Engine) Flush(ctx context.Context) error {
	return e.call(ctx, func(*Engine) error { return nil })
}

// HandleEvent queues a decoded push event.
func (e *Engine) HandleEvent(ev model.Event) {
	if err := e.enqueue(context.Background(), func(e *Engine) { e.applyEvent(ev) }); err != nil {
		e.logger.Debug("push event dropped", logging.Field{Key: "event", Value: string(ev.Kind)}, logging.Err(err))
	}
}

// HandleState queues a push channel state change.
func (e *Engine) HandleState(st conn.State) {
	e.connMu.Lock()
	e.conn = st
	e.connMu.Unlock()
	if err := e.enqueue(context.Background(), func(e *Engine) { e.applyConnState(st) }); err != nil {
		e.logger.Debug("connection state dropped", logging.Err(err))
	}
}

// Poll fetches one snapshot and queues it for reconciliation.
func (e *Engine) Poll(ctx context.Context) error {
	snap, err := e.backend.FetchSnapshot(ctx)
	if err != nil {
		return err
	}
	return e.enqueue(ctx, func(e *Engine) { e.applySnapshot(snap) })
}

// Seed loads previously cached state as poll-sourced records so that any
// live update replaces it. It must be called before Run.
func (e *Engine) Seed(active, history []model.ScanRecord, findings []model.Finding) {
	for _, rec := range history {
		e.scans.PutHistory(registry.Entry{Record: rec.Clone(), Source: registry.SourcePoll})
	}
	for _, rec := range active {
		if rec.Status.Terminal() {
			e.scans.PutHistory(registry.Entry{Record: rec.Clone(), Source: registry.SourcePoll})
			continue
		}
		e.scans.PutActive(registry.Entry{Record: rec.Clone(), Source: registry.SourcePoll})
		e.milestones[rec.ID] = rec.Progress / 10
	}
	for _, f := range findings {
		e.vulns.Add(f)
	}
	e.metrics.SetActiveScans(len(e.scans.ActiveIDs()))
	e.metrics.SetFindings(e.vulns.Len())
}

func (e *Engine) Scans() registry.View { return e.scans }

func (e *Engine) Vulnerabilities() vulns.View { return e.vulns }

func (e *Engine) Notifications() notify.View { return e.sink }

// DismissNotification hides an alert before its delay runs out. It touches
// only presentational state, so it does not go through the queue.
func (e *Engine) DismissNotification(id string) bool {
	return e.sink.Dismiss(id)
}

func (e *Engine) Activity() activity.View { return e.ledger }

// Connection returns the last push channel state reported to the engine.
func (e *Engine) Connection() conn.State {
	e.connMu.RLock()
	defer e.connMu.RUnlock()
	return e.conn
}

func (e *Engine) record(kind activity.Kind, scanID, message string) {
	e.ledger.Append(kind, scanID, message)
}

func (e *Engine) notify(sev notify.Severity, title, message, scanID string) {
	e.sink.Notify(sev, title, message, scanID)
}

func (e *Engine) triggerPoll() {
	if e.poller != nil {
		e.poller.Trigger()
	}
}

func (e *Engine) persistScan(entry registry.Entry, archived bool) {
	if e.cache == nil || entry.Pending || entry.Source == registry.SourceLocal {
		return
	}
	if err := e.cache.SaveScan(entry.Record, archived); err != nil {
		e.logger.Warn("cache scan failed", logging.Field{Key: "scan_id", Value: entry.Record.ID}, logging.Err(err))
	}
}

func (e *Engine) persistFinding(f model.Finding) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SaveFinding(f); err != nil {
		e.logger.Warn("cache finding failed", logging.Field{Key: "finding_id", Value: f.ID}, logging.Err(err))
	}
}

func logFields(c *ConflictError) []logging.Field {
	return []logging.Field{
		{Key: "scan_id", Value: c.ScanID},
		{Key: "held", Value: c.Held.String()},
		{Key: "incoming", Value: c.Incoming.String()},
		{Key: "held_progress", Value: c.HeldPct},
		{Key: "incoming_progress", Value: c.InPct},
	}
}
