// Package scheduler queues job requests from clients and runs them on a
// bounded worker pool.
//
// ============================================================================
// Responsibilities:
//  1. De-duplicated FIFO queue of fresh and resume requests
//  2. Dispatch loop: one request per poll, bound to its client's running
//     table and handed to the pool without waiting for it
//  3. Result loop: final status, metrics, run history, folder metadata
//  4. Cooperative cancellation of queued and running jobs
//
// Goroutines:
//   dispatchLoop ── PopPending → Bind → pool.Submit
//   resultLoop   ── pool.ReceiveResult → Complete
//   workers      ── prepare folder → Executor.Execute
//
// Stop order:
//   close(stopCh) → cancel every run → pool.Stop() → loopWg.Wait()
// ============================================================================
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/evalsearch/internal/definition"
	"github.com/ChuLiYu/evalsearch/internal/jobmanager"
	"github.com/ChuLiYu/evalsearch/internal/metrics"
	"github.com/ChuLiYu/evalsearch/internal/snapshot"
	"github.com/ChuLiYu/evalsearch/internal/store"
	"github.com/ChuLiYu/evalsearch/internal/worker"
	"github.com/ChuLiYu/evalsearch/pkg/types"
	"github.com/google/uuid"
)

// DefaultPollInterval is how often the dispatch loop looks at the queue.
const DefaultPollInterval = time.Second

var (
	ErrAlreadyStarted   = errors.New("scheduler already started")
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

// Config tunes the scheduler.
type Config struct {
	MaxParallelism int           // number of workers
	PollInterval   time.Duration // dispatch poll period
	QueueBuffer    int           // dispatched runs that may wait for a free worker
}

// Deps are the collaborators of a Scheduler. History and Metrics are
// optional.
type Deps struct {
	Definitions definition.Repository
	Results     *store.ResultStore
	Executor    Executor
	Metrics     *metrics.Collector
	History     Recorder
	Logger      *slog.Logger
}

// dispatch tracks one run between Submit and its result.
type dispatch struct {
	runID   string
	req     types.JobRequest
	started time.Time
	count   atomic.Int64

	mu     sync.Mutex
	folder *store.Folder
}

func (d *dispatch) setFolder(f store.Folder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.folder = &f
}

func (d *dispatch) getFolder() *store.Folder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.folder
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg      Config
	defs     definition.Repository
	results  *store.ResultStore
	executor Executor
	metrics  *metrics.Collector
	history  Recorder
	logger   *slog.Logger

	jobs *jobmanager.JobManager
	pool *worker.Pool

	mu       sync.Mutex
	started  bool
	stopped  bool
	inflight map[string]*dispatch // run id → dispatch

	stopCh chan struct{}
	loopWg sync.WaitGroup
}

// New validates the configuration. The scheduler accepts requests right
// away; nothing is dispatched before Start.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if cfg.MaxParallelism < 1 {
		return nil, fmt.Errorf("scheduler: max parallelism must be at least 1, got %d", cfg.MaxParallelism)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.QueueBuffer < 0 {
		cfg.QueueBuffer = 0
	}
	if deps.Definitions == nil || deps.Results == nil || deps.Executor == nil {
		return nil, errors.New("scheduler: definitions, results and executor are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	return &Scheduler{
		cfg:      cfg,
		defs:     deps.Definitions,
		results:  deps.Results,
		executor: deps.Executor,
		metrics:  deps.Metrics,
		history:  deps.History,
		logger:   logger,
		jobs:     jobmanager.NewJobManager(),
		pool:     worker.NewPool(cfg.QueueBuffer, logger),
		inflight: make(map[string]*dispatch),
		stopCh:   make(chan struct{}),
	}, nil
}

// ============================================================================
// Client operations
// ============================================================================

// Schedule queues a fresh run of a job definition.
func (s *Scheduler) Schedule(clientID, jobID string) bool {
	if _, ok := s.defs.Lookup(jobID); !ok {
		s.logger.Warn("Cannot schedule unknown job", "client", clientID, "job", jobID)
		s.metrics.RecordRejected("unknown")
		return false
	}
	return s.enqueue(types.JobRequest{ClientID: clientID, JobID: jobID})
}

// ScheduleResume queues a resume of a checkpoint folder.
func (s *Scheduler) ScheduleResume(clientID, folderID string) bool {
	if !s.results.Exists(folderID) {
		s.logger.Warn("Cannot resume unknown checkpoint folder", "client", clientID, "folder", folderID)
		s.metrics.RecordRejected("unknown")
		return false
	}
	return s.enqueue(types.JobRequest{ClientID: clientID, JobID: folderID, IsResume: true})
}

func (s *Scheduler) enqueue(req types.JobRequest) bool {
	if s.isStopped() {
		s.logger.Warn("Scheduler stopped, request refused", "request", req.String())
		s.metrics.RecordRejected("stopped")
		return false
	}
	if err := s.jobs.Enqueue(req); err != nil {
		reason := "active"
		if errors.Is(err, jobmanager.ErrDuplicateJob) {
			reason = "duplicate"
		}
		s.logger.Warn("Request refused", "request", req.String(), "reason", err)
		s.metrics.RecordRejected(reason)
		return false
	}
	s.metrics.RecordScheduled(req.IsResume)
	s.updateGauges()
	s.logger.Info("Request queued", "client", req.ClientID, "job", req.JobID, "resume", req.IsResume)
	return true
}

// Terminate removes a queued request of the client, or cancels its running
// job. It reports whether anything was terminated.
func (s *Scheduler) Terminate(clientID, jobID string) bool {
	for _, resume := range []bool{false, true} {
		req := types.JobRequest{ClientID: clientID, JobID: jobID, IsResume: resume}
		if s.jobs.RemoveQueued(req) {
			s.logger.Info("Removed queued request", "client", clientID, "job", jobID, "resume", resume)
			s.updateGauges()
			return true
		}
	}
	for _, resume := range []bool{true, false} {
		req := types.JobRequest{ClientID: clientID, JobID: jobID, IsResume: resume}
		if run, ok := s.jobs.Detach(req); ok {
			s.logger.Info("Cancelled running job", "client", clientID, "job", jobID, "run", run.RunID)
			s.updateGauges()
			return true
		}
	}
	s.logger.Warn("Nothing to terminate", "client", clientID, "job", jobID)
	return false
}

// GetQueue returns the ids of every SCHEDULED job: queued ones first, then
// dispatched ones still waiting for a worker.
func (s *Scheduler) GetQueue() []string {
	return s.jobs.Scheduled()
}

// GetRunStatusForClient maps the client's job ids to their status. Queued
// requests report SCHEDULED at 100 percent.
func (s *Scheduler) GetRunStatusForClient(clientID string) map[string]types.RunStatus {
	return s.jobs.ClientStatus(clientID)
}

// Runs returns every dispatched run.
func (s *Scheduler) Runs() []jobmanager.Run {
	return s.jobs.RunningAll()
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start launches the worker pool and the control loops. Cancelling ctx has
// the same effect as Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	if err := s.pool.Start(s.cfg.MaxParallelism); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	s.started = true

	s.loopWg.Add(2)
	go s.dispatchLoop()
	go s.resultLoop()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopCh:
		}
	}()

	s.logger.Info("Scheduler started",
		"workers", s.cfg.MaxParallelism,
		"poll_interval", s.cfg.PollInterval)
	return nil
}

// Stop cancels every running job, stops the pool and waits for the loops.
// Queued requests are dropped. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info("Stopping scheduler...")
	close(s.stopCh)

	if n := s.jobs.CancelAll(); n > 0 {
		s.logger.Info("Cancelled running jobs", "count", n)
	}
	s.pool.Stop()
	s.loopWg.Wait()

	if q := len(s.jobs.Queued()); q > 0 {
		s.logger.Warn("Dropping queued requests", "count", q)
	}
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// ============================================================================
// Dispatch
// ============================================================================

func (s *Scheduler) dispatchLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.logger.Debug("Dispatch loop stopped")
			return
		case <-ticker.C:
			// stop may have been requested while the ticker fired
			select {
			case <-s.stopCh:
				s.logger.Debug("Dispatch loop stopped")
				return
			default:
			}
			s.dispatchOne()
		}
	}
}

// dispatchOne pops one request and submits it. When every worker is busy
// the request goes back to the head of the queue.
func (s *Scheduler) dispatchOne() {
	req, ok := s.jobs.PopPending()
	if !ok {
		return
	}

	d := &dispatch{runID: uuid.NewString(), req: req, started: time.Now()}
	run := jobmanager.Run{RunID: d.runID, Request: req, StartedAt: d.started}
	if err := s.jobs.Bind(run, nil); err != nil {
		s.logger.Error("Failed to bind run", "request", req.String(), "error", err)
		return
	}

	s.mu.Lock()
	s.inflight[d.runID] = d
	s.mu.Unlock()

	handle, err := s.pool.Submit(worker.Task{
		ID:  d.runID,
		Run: func(ctx context.Context) error { return s.execute(ctx, d) },
	})
	if err != nil {
		s.mu.Lock()
		delete(s.inflight, d.runID)
		s.mu.Unlock()

		if s.jobs.Unbind(req, d.runID) {
			s.jobs.PushFront(req)
			s.logger.Debug("Worker pool busy, request stays queued", "request", req.String(), "reason", err)
		} else {
			// terminated between Bind and Submit
			s.jobs.Complete(req, d.runID, types.StatusTerminated, "")
		}
		return
	}

	if !s.jobs.SetCancel(req, d.runID, handle.Cancel) {
		handle.Cancel()
	}
	s.metrics.RecordDispatch()
	s.updateGauges()
	s.logger.Info("Dispatched job", "client", req.ClientID, "job", req.JobID, "resume", req.IsResume, "run", d.runID)
}

// execute runs on a pool worker.
func (s *Scheduler) execute(ctx context.Context, d *dispatch) error {
	spec, err := s.prepare(d)
	if err != nil {
		return err
	}
	d.setFolder(spec.Folder)
	s.jobs.MarkRunning(d.req, d.runID)

	if s.history != nil {
		rec := store.RunRecord{
			RunID:     d.runID,
			FolderID:  spec.Folder.ID,
			JobID:     spec.Definition.ID,
			ClientID:  d.req.ClientID,
			Resume:    d.req.IsResume,
			Status:    types.StatusRunning,
			StartedAt: d.started,
		}
		if err := s.history.RecordStart(context.WithoutCancel(ctx), rec); err != nil {
			s.logger.Warn("Failed to record run start", "run", d.runID, "error", err)
		}
	}

	return s.executor.Execute(ctx, spec, func(count int64, percent float64) {
		d.count.Store(count)
		s.jobs.UpdateProgress(d.req, d.runID, count, percent)
	})
}

// prepare creates the checkpoint folder of a fresh run or opens the folder
// of a resumed one. The run claims the folder before writing to it.
func (s *Scheduler) prepare(d *dispatch) (RunSpec, error) {
	req := d.req
	var folder store.Folder
	if req.IsResume {
		if err := s.jobs.ClaimFolder(req, d.runID, req.JobID); err != nil {
			return RunSpec{}, err
		}
		f, err := s.results.Open(req.JobID)
		if err != nil {
			return RunSpec{}, err
		}
		if err := f.Snapshot().Update(func(m *snapshot.RunMetadata) {
			m.Resumes++
			m.LastStatus = types.StatusRunning
		}); err != nil {
			return RunSpec{}, fmt.Errorf("update folder metadata: %w", err)
		}
		folder = f
	} else {
		def, ok := s.defs.Lookup(req.JobID)
		if !ok {
			return RunSpec{}, fmt.Errorf("job definition %s disappeared", req.JobID)
		}
		f, err := s.results.CreateFolder(req.ClientID, def)
		if err != nil {
			return RunSpec{}, err
		}
		if err := s.jobs.ClaimFolder(req, d.runID, f.ID); err != nil {
			return RunSpec{}, err
		}
		folder = f
	}
	return RunSpec{
		RunID:          d.runID,
		Request:        req,
		Definition:     folder.Metadata.Definition,
		Folder:         folder,
		CheckpointPath: folder.CheckpointPath,
	}, nil
}

// ============================================================================
// Results
// ============================================================================

// resultLoop runs until the pool is closed and every result was handled.
func (s *Scheduler) resultLoop() {
	defer s.loopWg.Done()
	for {
		result, err := s.pool.ReceiveResult()
		if err != nil {
			s.logger.Debug("Result loop stopped")
			return
		}
		s.handleResult(result)
	}
}

func (s *Scheduler) handleResult(result worker.Result) {
	s.mu.Lock()
	d, ok := s.inflight[result.TaskID]
	delete(s.inflight, result.TaskID)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("Result for unknown run", "run", result.TaskID)
		return
	}

	status := types.StatusFinished
	errMsg := ""
	switch {
	case result.Cancelled || errors.Is(result.Err, context.Canceled):
		status = types.StatusTerminated
	case result.Err != nil:
		errMsg = result.Err.Error()
		s.logger.Error("Job failed",
			"client", d.req.ClientID,
			"job", d.req.JobID,
			"run", d.runID,
			"panicked", result.Panicked,
			"error", result.Err)
	}

	run, err := s.jobs.Complete(d.req, d.runID, status, errMsg)
	if err != nil {
		s.logger.Warn("Run was not bound", "run", d.runID, "error", err)
		run.Status = status
	}
	iterations := d.count.Load()

	if folder := d.getFolder(); folder != nil {
		if err := folder.Snapshot().Update(func(m *snapshot.RunMetadata) {
			m.LastStatus = run.Status
			m.Iterations = iterations
		}); err != nil {
			s.logger.Warn("Failed to update folder metadata", "folder", folder.ID, "error", err)
		}
	}
	if s.history != nil {
		if err := s.history.RecordFinish(context.Background(), d.runID, run.Status, iterations, errMsg); err != nil {
			s.logger.Debug("Failed to record run finish", "run", d.runID, "error", err)
		}
	}

	s.metrics.RecordFinished(run.Status, errMsg != "", result.Duration.Seconds())
	s.updateGauges()
	s.logger.Info("Job finished",
		"client", d.req.ClientID,
		"job", d.req.JobID,
		"run", d.runID,
		"status", run.Status,
		"iterations", iterations,
		"duration", result.Duration)
}

func (s *Scheduler) updateGauges() {
	st := s.jobs.Stats()
	s.metrics.UpdateQueueStats(st.Queued, st.Running)
}
