// ============================================================================
// Job manager - scheduler bookkeeping
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Function: owns every structure the scheduler shares between goroutines
//
// Data structures:
//   queue    []JobRequest                     - FIFO of requests not yet dispatched
//   statuses map[key]JobStatus                - status per de-duplication key
//   running  [fresh|resume][client][jobID]*Run - dispatched runs per client
//   draining map[key]*Run                     - terminated runs whose worker
//                                               has not returned yet
//   finished [client][jobID]Run               - last final status per job
//
// Request lifecycle:
//   Enqueue()                  → SCHEDULED, queued
//   PopPending() + Bind()      → SCHEDULED, dispatched
//   MarkRunning()              → RUNNING
//   Complete()                 → FINISHED / TERMINATED
//   RemoveQueued() / Detach()  → TERMINATED (client cancellation)
//
// De-duplication:
//   A key (jobID, isResume) may not be queued twice, nor be queued while a
//   run with that key is SCHEDULED, RUNNING or still draining.
//
// Concurrency:
//   A single sync.RWMutex guards everything; status queries take RLock.
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/evalsearch/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrDuplicateJob means the same key already waits in the queue
	ErrDuplicateJob = errors.New("job already queued")
	// ErrJobActive means a run with the same key is scheduled or running
	ErrJobActive = errors.New("job already scheduled or running")
	// ErrJobNotFound means no run matches
	ErrJobNotFound = errors.New("job not found")
	// ErrFolderInUse means another run writes the checkpoint folder
	ErrFolderInUse = errors.New("checkpoint folder in use")
)

// ============================================================================
// Data structures
// ============================================================================

// Run is one dispatched request bound to a worker.
type Run struct {
	RunID      string
	Request    types.JobRequest
	FolderID   string
	Status     types.JobStatus
	Count      int64
	Percent    float64
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time

	cancel context.CancelFunc
}

// Stats summarises the manager for metrics.
type Stats struct {
	Queued  int
	Running int // dispatched runs, scheduled or running
}

type table map[string]map[string]*Run // client → job id → run

// JobManager is safe for concurrent use.
type JobManager struct {
	mu       sync.RWMutex
	queue    []types.JobRequest
	statuses map[string]types.JobStatus
	fresh    table
	resumed  table
	draining map[string]*Run
	finished map[string]map[string]Run
}

func NewJobManager() *JobManager {
	return &JobManager{
		queue:    make([]types.JobRequest, 0),
		statuses: make(map[string]types.JobStatus),
		fresh:    make(table),
		resumed:  make(table),
		draining: make(map[string]*Run),
		finished: make(map[string]map[string]Run),
	}
}

// ============================================================================
// Queue
// ============================================================================

// Enqueue appends a request and marks its key SCHEDULED.
func (jm *JobManager) Enqueue(req types.JobRequest) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	key := req.Key()
	for _, q := range jm.queue {
		if q.Key() == key {
			return ErrDuplicateJob
		}
	}
	if jm.statuses[key].IsActive() {
		return ErrJobActive
	}
	if _, ok := jm.draining[key]; ok {
		return ErrJobActive
	}
	// a resume must not share its folder with the run still writing it
	if req.IsResume && jm.folderHolderLocked(req.JobID, "") != nil {
		return ErrJobActive
	}

	jm.statuses[key] = types.StatusScheduled
	jm.queue = append(jm.queue, req)
	return nil
}

// PopPending removes the oldest request. The key stays SCHEDULED until the
// run is bound or the request is dropped.
func (jm *JobManager) PopPending() (types.JobRequest, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if len(jm.queue) == 0 {
		return types.JobRequest{}, false
	}
	req := jm.queue[0]
	jm.queue = jm.queue[1:]
	return req, true
}

// PushFront puts a popped request back at the head of the queue.
func (jm *JobManager) PushFront(req types.JobRequest) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.queue = append([]types.JobRequest{req}, jm.queue...)
	jm.statuses[req.Key()] = types.StatusScheduled
}

// Drop forgets a popped request that could not be dispatched.
func (jm *JobManager) Drop(req types.JobRequest, status types.JobStatus) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.statuses[req.Key()] = status
}

// RemoveQueued removes the exact request from the queue.
func (jm *JobManager) RemoveQueued(req types.JobRequest) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for i, q := range jm.queue {
		if q == req {
			jm.queue = append(jm.queue[:i], jm.queue[i+1:]...)
			jm.statuses[req.Key()] = types.StatusTerminated
			jm.finishLocked(Run{Request: req, Status: types.StatusTerminated, FinishedAt: time.Now()})
			return true
		}
	}
	return false
}

// Queued returns a copy of the queue in FIFO order.
func (jm *JobManager) Queued() []types.JobRequest {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	out := make([]types.JobRequest, len(jm.queue))
	copy(out, jm.queue)
	return out
}

// Status returns the status of a de-duplication key.
func (jm *JobManager) Status(req types.JobRequest) (types.JobStatus, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	s, ok := jm.statuses[req.Key()]
	return s, ok
}

// ============================================================================
// Running tables
// ============================================================================

func (jm *JobManager) tableFor(resume bool) table {
	if resume {
		return jm.resumed
	}
	return jm.fresh
}

// Bind records a dispatched run with status SCHEDULED. cancel is called by
// Detach.
func (jm *JobManager) Bind(run Run, cancel context.CancelFunc) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	req := run.Request
	t := jm.tableFor(req.IsResume)
	if _, ok := t[req.ClientID][req.JobID]; ok {
		return ErrJobActive
	}
	if t[req.ClientID] == nil {
		t[req.ClientID] = make(map[string]*Run)
	}
	run.Status = types.StatusScheduled
	run.cancel = cancel
	t[req.ClientID][req.JobID] = &run
	jm.statuses[req.Key()] = types.StatusScheduled
	return nil
}

// SetCancel attaches the cancel function once the run has been submitted.
// It returns false when the run was detached in the meantime; the caller
// must then cancel it itself.
func (jm *JobManager) SetCancel(req types.JobRequest, runID string, cancel context.CancelFunc) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	run := jm.lookupLocked(req)
	if run == nil || run.RunID != runID {
		return false
	}
	run.cancel = cancel
	return true
}

// Unbind removes a bound run that never reached a worker and makes its key
// SCHEDULED again, ready for PushFront.
func (jm *JobManager) Unbind(req types.JobRequest, runID string) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	t := jm.tableFor(req.IsResume)
	run, ok := t[req.ClientID][req.JobID]
	if !ok || run.RunID != runID {
		return false
	}
	delete(t[req.ClientID], req.JobID)
	if len(t[req.ClientID]) == 0 {
		delete(t, req.ClientID)
	}
	jm.statuses[req.Key()] = types.StatusScheduled
	return true
}

func (jm *JobManager) lookupLocked(req types.JobRequest) *Run {
	return jm.tableFor(req.IsResume)[req.ClientID][req.JobID]
}

// ClaimFolder records the checkpoint folder a bound run writes. It fails
// with ErrFolderInUse when another bound or draining run holds the folder.
func (jm *JobManager) ClaimFolder(req types.JobRequest, runID, folderID string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	run := jm.lookupLocked(req)
	if run == nil || run.RunID != runID {
		if d, ok := jm.draining[req.Key()]; ok && d.RunID == runID {
			run = d
		} else {
			return ErrJobNotFound
		}
	}
	if holder := jm.folderHolderLocked(folderID, runID); holder != nil {
		return fmt.Errorf("%w: %s by run %s", ErrFolderInUse, folderID, holder.RunID)
	}
	run.FolderID = folderID
	return nil
}

// folderHolderLocked returns the bound or draining run, other than skipRunID,
// that holds folderID.
func (jm *JobManager) folderHolderLocked(folderID, skipRunID string) *Run {
	for _, t := range []table{jm.fresh, jm.resumed} {
		for _, runs := range t {
			for _, r := range runs {
				if r.FolderID == folderID && r.RunID != skipRunID {
					return r
				}
			}
		}
	}
	for _, r := range jm.draining {
		if r.FolderID == folderID && r.RunID != skipRunID {
			return r
		}
	}
	return nil
}

// MarkRunning moves a bound run to RUNNING.
func (jm *JobManager) MarkRunning(req types.JobRequest, runID string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	run := jm.lookupLocked(req)
	if run == nil || run.RunID != runID {
		return
	}
	run.Status = types.StatusRunning
	jm.statuses[req.Key()] = types.StatusRunning
}

// UpdateProgress records the progress of a run. A negative percent keeps
// the previous one.
func (jm *JobManager) UpdateProgress(req types.JobRequest, runID string, count int64, percent float64) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	run := jm.lookupLocked(req)
	if run == nil || run.RunID != runID {
		return
	}
	run.Count = count
	if percent >= 0 {
		run.Percent = percent
	}
}

// Detach cancels a bound run and removes it from its running table. The run
// drains until Complete is called for it.
func (jm *JobManager) Detach(req types.JobRequest) (Run, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	t := jm.tableFor(req.IsResume)
	run, ok := t[req.ClientID][req.JobID]
	if !ok {
		return Run{}, false
	}
	if run.cancel != nil {
		run.cancel()
	}
	delete(t[req.ClientID], req.JobID)
	if len(t[req.ClientID]) == 0 {
		delete(t, req.ClientID)
	}
	run.Status = types.StatusTerminated
	jm.draining[req.Key()] = run
	jm.statuses[req.Key()] = types.StatusTerminated
	jm.finishLocked(*run)
	return *run, true
}

// Complete records the final status of a run and unbinds it. It returns the
// final view of the run; a run detached by Detach stays TERMINATED.
func (jm *JobManager) Complete(req types.JobRequest, runID string, status types.JobStatus, errMsg string) (Run, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	key := req.Key()
	if run, ok := jm.draining[key]; ok && run.RunID == runID {
		delete(jm.draining, key)
		run.Error = errMsg
		run.FinishedAt = time.Now()
		jm.finishLocked(*run)
		return *run, nil
	}

	t := jm.tableFor(req.IsResume)
	run, ok := t[req.ClientID][req.JobID]
	if !ok || run.RunID != runID {
		return Run{}, ErrJobNotFound
	}
	delete(t[req.ClientID], req.JobID)
	if len(t[req.ClientID]) == 0 {
		delete(t, req.ClientID)
	}
	run.Status = status
	run.Error = errMsg
	run.FinishedAt = time.Now()
	if status == types.StatusFinished && errMsg == "" {
		run.Percent = 100
	}
	jm.statuses[key] = status
	jm.finishLocked(*run)
	return *run, nil
}

func (jm *JobManager) finishLocked(run Run) {
	run.cancel = nil
	client := run.Request.ClientID
	if jm.finished[client] == nil {
		jm.finished[client] = make(map[string]Run)
	}
	jm.finished[client][run.Request.JobID] = run
}

// Lookup returns a copy of a bound run.
func (jm *JobManager) Lookup(req types.JobRequest) (Run, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	run := jm.lookupLocked(req)
	if run == nil {
		return Run{}, false
	}
	return *run, true
}

// RunningAll returns every bound run, fresh ones first.
func (jm *JobManager) RunningAll() []Run {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	var out []Run
	for _, t := range []table{jm.fresh, jm.resumed} {
		for _, runs := range t {
			for _, r := range runs {
				out = append(out, *r)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CancelAll cancels every bound run without unbinding it; their results
// arrive through the normal completion path.
func (jm *JobManager) CancelAll() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	n := 0
	for _, t := range []table{jm.fresh, jm.resumed} {
		for _, runs := range t {
			for _, r := range runs {
				if r.cancel != nil {
					r.cancel()
					n++
				}
			}
		}
	}
	return n
}

// ============================================================================
// Queries
// ============================================================================

// Scheduled returns the ids of every SCHEDULED request: queued ones in FIFO
// order, then dispatched ones not yet picked up by a worker.
func (jm *JobManager) Scheduled() []string {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	ids := make([]string, 0, len(jm.queue))
	for _, q := range jm.queue {
		ids = append(ids, q.JobID)
	}
	var pending []*Run
	for _, t := range []table{jm.fresh, jm.resumed} {
		for _, runs := range t {
			for _, r := range runs {
				if r.Status == types.StatusScheduled {
					pending = append(pending, r)
				}
			}
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].StartedAt.Before(pending[j].StartedAt) })
	for _, r := range pending {
		ids = append(ids, r.Request.JobID)
	}
	return ids
}

// ClientStatus merges a client's finished, running and queued jobs; later
// sources win. Queued requests report SCHEDULED at 100 percent.
func (jm *JobManager) ClientStatus(clientID string) map[string]types.RunStatus {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make(map[string]types.RunStatus)
	for id, r := range jm.finished[clientID] {
		out[id] = types.RunStatus{Status: r.Status, Percent: r.Percent}
	}
	for _, t := range []table{jm.fresh, jm.resumed} {
		for id, r := range t[clientID] {
			out[id] = types.RunStatus{Status: r.Status, Percent: r.Percent}
		}
	}
	for _, q := range jm.queue {
		if q.ClientID == clientID {
			out[q.JobID] = types.RunStatus{Status: types.StatusScheduled, Percent: 100}
		}
	}
	return out
}

// Stats returns queue and running counts.
func (jm *JobManager) Stats() Stats {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	s := Stats{Queued: len(jm.queue)}
	for _, t := range []table{jm.fresh, jm.resumed} {
		for _, runs := range t {
			s.Running += len(runs)
		}
	}
	return s
}
