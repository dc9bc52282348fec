// Package pipeline runs the deduplication stages for one scan under a
// per-branch run lock and persists the resulting clusters.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/internal/cache"
	"github.com/kiranshivaraju/findingdedup/internal/cluster"
	"github.com/kiranshivaraju/findingdedup/internal/config"
	"github.com/kiranshivaraju/findingdedup/internal/confirm"
	"github.com/kiranshivaraju/findingdedup/internal/dedup"
	"github.com/kiranshivaraju/findingdedup/internal/embedding"
	"github.com/kiranshivaraju/findingdedup/internal/store"
	"github.com/kiranshivaraju/findingdedup/internal/vectorindex"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

var (
	// ErrConcurrentRun is returned when the branch already has an active run.
	// No run record is created.
	ErrConcurrentRun = errors.New("branch already has an active dedup run")
	// ErrFatal wraps internal invariant violations that abort a run.
	ErrFatal = errors.New("dedup run aborted")
	// ErrInvalidRequest is returned for requests rejected before a run starts.
	ErrInvalidRequest = errors.New("invalid dedup request")
)

const runStatusTTL = 30 * time.Minute

// Request is one scan's input.
type Request struct {
	Scope    models.Scope
	ScanID   uuid.UUID
	Findings []models.RawFinding
	// IngestErrors are records rejected before reaching the pipeline, such
	// as malformed SARIF results. They count as invalid findings.
	IngestErrors []*dedup.InputError
	// Params overrides the configured clustering parameters when non-nil.
	Params *models.ClusterParams
}

// Options tune the orchestrator.
type Options struct {
	Params         models.ClusterParams
	MaxScopeSize   int
	Workers        int
	RunTimeout     time.Duration
	LockStaleAfter time.Duration
}

// OptionsFromConfig maps the tuning configuration onto Options.
func OptionsFromConfig(cfg config.DedupConfig) Options {
	return Options{
		Params:         cfg.Params,
		MaxScopeSize:   cfg.MaxScopeSize,
		Workers:        cfg.Workers,
		RunTimeout:     cfg.RunTimeout,
		LockStaleAfter: cfg.LockStaleAfter,
	}
}

// Orchestrator is the single entry point for dedup runs.
type Orchestrator struct {
	store    store.Store
	dedup    *dedup.Deduplicator
	embedder *embedding.Adapter
	confirm  *confirm.Service
	engine   *cluster.Engine
	cache    cache.Cache
	index    vectorindex.Index
	opts     Options
	now      func() time.Time
	newID    func() uuid.UUID

	wg sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCache publishes run status changes to c for polling.
func WithCache(c cache.Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithVectorIndex mirrors embedded findings into idx.
func WithVectorIndex(idx vectorindex.Index) Option {
	return func(o *Orchestrator) { o.index = idx }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides how run, cluster and membership IDs are made.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// lockGrace is added to RunTimeout when the configured stale window is
// too short to cover a whole run.
const lockGrace = time.Minute

// New creates an Orchestrator.
func New(st store.Store, dd *dedup.Deduplicator, emb *embedding.Adapter, cs *confirm.Service, opts Options, extra ...Option) *Orchestrator {
	if opts.LockStaleAfter > 0 && opts.RunTimeout > 0 && opts.LockStaleAfter <= opts.RunTimeout {
		slog.Warn("lock stale window shorter than run timeout, extending",
			"lock_stale_after", opts.LockStaleAfter, "run_timeout", opts.RunTimeout)
		opts.LockStaleAfter = opts.RunTimeout + lockGrace
	}
	o := &Orchestrator{
		store:    st,
		dedup:    dd,
		embedder: emb,
		confirm:  cs,
		engine:   cluster.NewEngine(opts.MaxScopeSize, opts.Workers),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.New,
	}
	for _, opt := range extra {
		opt(o)
	}
	return o
}

// Prepare validates req, takes the branch's run lock and records a pending
// run. The lock is held until the run is executed.
func (o *Orchestrator) Prepare(ctx context.Context, req Request) (*models.DedupRun, error) {
	if !req.Scope.Valid() {
		return nil, fmt.Errorf("%w: organization, project and branch are required", ErrInvalidRequest)
	}
	if req.ScanID == uuid.Nil {
		return nil, fmt.Errorf("%w: scan id is required", ErrInvalidRequest)
	}
	params := o.opts.Params
	if req.Params != nil {
		params = *req.Params
	}
	if _, err := cluster.NewStrategy(params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := o.now()
	run := &models.DedupRun{
		ID:             o.newID(),
		ScanID:         req.ScanID,
		OrganizationID: req.Scope.OrganizationID,
		ProjectID:      req.Scope.ProjectID,
		BranchID:       req.Scope.BranchID,
		Status:         models.RunStatusPending,
		Params:         params,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := o.store.AcquireRunLock(ctx, req.Scope, run.ID, o.opts.LockStaleAfter); err != nil {
		if errors.Is(err, store.ErrRunActive) {
			return nil, fmt.Errorf("%w: branch %s", ErrConcurrentRun, req.Scope.BranchID)
		}
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		o.releaseLock(context.WithoutCancel(ctx), run)
		return nil, fmt.Errorf("creating run: %w", err)
	}
	o.publishStatus(ctx, run.ID, models.RunStatusPending)
	return run, nil
}

// Run executes a full run synchronously and returns the finalized record.
// The error is non-nil when the run failed; the record is still returned
// whenever the run was created.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*models.DedupRun, error) {
	run, err := o.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	execErr := o.execute(ctx, run, req)

	final, err := o.store.GetRun(context.WithoutCancel(ctx), run.ID, run.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("loading finalized run: %w", err)
	}
	return final, execErr
}

// Start prepares a run and executes it in a background goroutine.
// Returns the pending run immediately.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*models.DedupRun, error) {
	run, err := o.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.execute(context.WithoutCancel(ctx), run, req)
	}()
	return run, nil
}

// Wait blocks until every run started with Start has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// execute moves the run through running to a terminal status. It recovers
// from panics and always releases the branch lock.
func (o *Orchestrator) execute(ctx context.Context, run *models.DedupRun, req Request) (err error) {
	log := slog.With("run_id", run.ID, "branch_id", run.BranchID, "scan_id", run.ScanID)
	final := context.WithoutCancel(ctx)
	defer o.releaseLock(final, run)

	if o.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
		defer cancel()
	}

	summary := &models.RunSummary{}
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in dedup run", "error", r)
			err = fmt.Errorf("%w: panic: %v", ErrFatal, r)
			o.finish(final, run, summary, err)
		}
	}()

	if uerr := o.store.UpdateRunStatus(final, run.ID, models.RunStatusRunning); uerr != nil {
		err = fmt.Errorf("marking run running: %w", uerr)
		o.finish(final, run, summary, err)
		return err
	}
	o.publishStatus(final, run.ID, models.RunStatusRunning)
	log.Info("dedup run started", "algorithm", run.Params.Algorithm, "findings", len(req.Findings))

	err = o.stages(ctx, run, req, summary, log)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("run timed out after %s: %w", o.opts.RunTimeout, err)
	}
	o.finish(final, run, summary, err)
	return err
}

func (o *Orchestrator) finish(ctx context.Context, run *models.DedupRun, summary *models.RunSummary, runErr error) {
	status := models.RunStatusCompleted
	opts := []store.RunUpdateOption{store.WithSummary(*summary)}
	if runErr != nil {
		status = models.RunStatusFailed
		opts = append(opts, store.WithErrorMessage(runErr.Error()))
	}

	if err := o.store.UpdateRunStatus(ctx, run.ID, status, opts...); err != nil {
		slog.Error("finalizing run failed", "run_id", run.ID, "status", status, "error", err)
	}
	o.publishStatus(ctx, run.ID, status)

	if runErr != nil {
		slog.Error("dedup run failed", "run_id", run.ID, "branch_id", run.BranchID, "error", runErr)
		return
	}
	slog.Info("dedup run completed",
		"run_id", run.ID,
		"branch_id", run.BranchID,
		"clusters", summary.ClustersFormed,
		"degraded", summary.Degraded(),
	)
}

func (o *Orchestrator) releaseLock(ctx context.Context, run *models.DedupRun) {
	if err := o.store.ReleaseRunLock(ctx, run.BranchID, run.ID); err != nil {
		slog.Warn("releasing run lock failed", "run_id", run.ID, "branch_id", run.BranchID, "error", err)
	}
}

func (o *Orchestrator) publishStatus(ctx context.Context, runID uuid.UUID, status models.RunStatus) {
	if o.cache == nil {
		return
	}
	_ = o.cache.SetRunStatus(ctx, runID, status, runStatusTTL)
}
