// Package search drives one job's sequential parameter search and makes it
// resumable from its checkpoint.
//
// An Engine is bound to one job run. Reset either starts a new checkpoint or
// replays a prior one; afterwards the caller alternates Next and
// GiveQualityFeedback until Next reports ErrNoCandidateFound. Only an
// iteration that received feedback is written to disk.
package search

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ChuLiYu/evalsearch/internal/candidate"
	"github.com/ChuLiYu/evalsearch/internal/quality"
	"github.com/ChuLiYu/evalsearch/internal/storage/resultlog"
	"github.com/ChuLiYu/evalsearch/pkg/types"
)

// DefaultMaxConsecutiveSkips bounds how many already evaluated candidates a
// single Next call tolerates before treating the search as exhausted.
const DefaultMaxConsecutiveSkips = 10000

// replaySuffix names the file a resume replays into before it replaces the
// checkpoint.
const replaySuffix = ".replay"

var (
	// ErrProtocol is wrapped by every call-order violation
	ErrProtocol = errors.New("search: protocol violation")

	ErrNotReset           = fmt.Errorf("%w: engine was not reset", ErrProtocol)
	ErrFeedbackPending    = fmt.Errorf("%w: previous candidate still awaits feedback", ErrProtocol)
	ErrNoPendingCandidate = fmt.Errorf("%w: no candidate awaits feedback", ErrProtocol)

	// ErrNoCandidateFound signals the end of the search, not a failure
	ErrNoCandidateFound = candidate.ErrNoCandidateFound
)

// Phase is the lifecycle state of an Engine.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseReady
	PhaseAwaitingCandidate
	PhaseAwaitingFeedback
	PhaseExhausted
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "UNINITIALIZED"
	case PhaseReady:
		return "READY"
	case PhaseAwaitingCandidate:
		return "AWAITING_CANDIDATE"
	case PhaseAwaitingFeedback:
		return "AWAITING_FEEDBACK"
	case PhaseExhausted:
		return "EXHAUSTED"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Metrics receives search events. All methods must be safe to call from
// several engines at once.
type Metrics interface {
	IterationCompleted()
	CandidateSkipped()
	IterationsReplayed(n int)
	CheckpointLinesSkipped(n int)
}

type noopMetrics struct{}

func (noopMetrics) IterationCompleted()        {}
func (noopMetrics) CandidateSkipped()          {}
func (noopMetrics) IterationsReplayed(int)     {}
func (noopMetrics) CheckpointLinesSkipped(int) {}

// Config binds an Engine to one job run.
type Config struct {
	Params   []candidate.ParameterSpec
	Measures []quality.Measure

	// NewGenerator builds the strategy; Reset calls it so every reset starts
	// from a fresh generator.
	NewGenerator func() (candidate.Generator, error)

	Budget int64 // 0 for unlimited
	Resume bool

	// StrictResume fails Reset on any malformed checkpoint line.
	StrictResume bool
	// MaxConsecutiveSkips of 0 selects the default, negative disables it.
	MaxConsecutiveSkips int

	Logger  *slog.Logger
	Metrics Metrics
}

// Engine is the resumable search state machine. It is used by one
// goroutine at a time and needs no locking.
type Engine struct {
	cfg      Config
	names    []string
	measures []string
	logger   *slog.Logger
	metrics  Metrics

	gen      candidate.Generator
	observer candidate.Observer
	state    *candidate.State
	log      *resultlog.ResultLog
	writer   *resultlog.Writer

	phase    Phase
	isResume bool
	count    int64

	pendingIter   int64
	pendingParams types.ParameterSet

	replayed int
	fillers  int
	skipped  int
	report   resultlog.ParseReport
}

// New validates cfg and returns an uninitialized engine.
func New(cfg Config) (*Engine, error) {
	if len(cfg.Params) == 0 {
		return nil, errors.New("search: no parameters to optimize")
	}
	if cfg.NewGenerator == nil {
		return nil, errors.New("search: no candidate generator")
	}
	if cfg.MaxConsecutiveSkips == 0 {
		cfg.MaxConsecutiveSkips = DefaultMaxConsecutiveSkips
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	names := make([]string, len(cfg.Params))
	for i, p := range cfg.Params {
		names[i] = p.Name
	}
	return &Engine{
		cfg:      cfg,
		names:    names,
		measures: quality.Names(cfg.Measures),
		logger:   logger.With("component", "search"),
		metrics:  metrics,
		isResume: cfg.Resume,
	}, nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// Reset binds a new result log to checkpointPath. A fresh run truncates the
// checkpoint; a resume replays it first.
func (e *Engine) Reset(checkpointPath string) error {
	if e.writer != nil {
		e.writer.Close()
		e.writer = nil
	}
	gen, err := e.cfg.NewGenerator()
	if err != nil {
		return fmt.Errorf("search: build generator: %w", err)
	}
	e.gen = gen
	e.observer, _ = gen.(candidate.Observer)
	e.log = resultlog.New(checkpointPath, e.names, e.cfg.Measures)
	e.state = &candidate.State{
		Params: e.cfg.Params,
		Budget: e.cfg.Budget,
		Lookup: e.log.Get,
	}
	e.count, e.replayed, e.fillers, e.skipped = 0, 0, 0, 0
	e.report = resultlog.ParseReport{}
	e.phase = PhaseUninitialized

	if !e.isResume {
		w, err := resultlog.Create(checkpointPath, e.names, e.measures)
		if err != nil {
			return fmt.Errorf("search: create checkpoint: %w", err)
		}
		e.writer = w
		e.phase = PhaseReady
		return nil
	}
	return e.resume(checkpointPath)
}

func (e *Engine) resume(path string) error {
	prior, report, err := resultlog.ReadFile(path, e.names, e.cfg.Measures, resultlog.ReadOptions{
		Strict: e.cfg.StrictResume,
		Logger: e.logger,
	})
	e.report = report
	if err != nil {
		return fmt.Errorf("search: read checkpoint: %w", err)
	}
	if report.Skipped > 0 {
		e.metrics.CheckpointLinesSkipped(report.Skipped)
		e.logger.Warn("Checkpoint contained malformed lines",
			"path", path, "skipped", report.Skipped, "lines", report.SkippedLines)
	}

	tmp := path + replaySuffix
	w, err := resultlog.Create(tmp, e.names, e.measures)
	if err != nil {
		return fmt.Errorf("search: create replay file: %w", err)
	}
	e.writer = w
	e.phase = PhaseReady

	if err := e.replay(prior.Records()); err != nil {
		w.Close()
		os.Remove(tmp)
		e.writer = nil
		e.phase = PhaseUninitialized
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("search: close replay file: %w", err)
	}
	if err := resultlog.Promote(tmp, path); err != nil {
		return err
	}
	if e.writer, err = resultlog.OpenAppend(path, e.names, e.measures); err != nil {
		return fmt.Errorf("search: reopen checkpoint: %w", err)
	}

	e.isResume = false
	e.phase = PhaseReady
	e.metrics.IterationsReplayed(e.replayed)
	e.logger.Info("Resumed search from checkpoint",
		"path", path, "replayed", e.replayed, "fillers", e.fillers, "count", e.count)
	return nil
}

// replay re-feeds every prior record in log order. Gaps in the iteration
// numbers are filled with the first record so the generator's counters
// match the log.
func (e *Engine) replay(records []types.IterationRecord) error {
	if len(records) == 0 {
		return nil
	}
	standIn := records[0]
	for _, rec := range records {
		for gap := rec.Iteration - e.count - 1; gap > 0; gap-- {
			if err := e.fill(standIn); err != nil {
				return err
			}
		}
		if _, err := e.NextForced(rec.Params, rec.Iteration); err != nil {
			return fmt.Errorf("search: replay iteration %d: %w", rec.Iteration, err)
		}
		if err := e.GiveQualityFeedback(rec.Quality); err != nil {
			return fmt.Errorf("search: replay iteration %d: %w", rec.Iteration, err)
		}
		e.replayed++
	}
	return nil
}

// fill advances the generator and the counter by one position without
// recording anything.
func (e *Engine) fill(standIn types.IterationRecord) error {
	forced := standIn.Params
	if _, err := e.gen.Next(e.state, &forced); err != nil {
		return fmt.Errorf("search: filler step at %d: %w", e.count+1, err)
	}
	e.count++
	e.state.Count = e.count
	e.notify(standIn.Params, standIn.Quality)
	e.fillers++
	e.logger.Debug("Inserted filler step", "iteration", e.count, "params", standIn.Params.String())
	return nil
}

// Finalize closes the checkpoint and marks the result log complete.
func (e *Engine) Finalize() error {
	if e.phase == PhaseUninitialized {
		return ErrNotReset
	}
	if e.phase == PhaseAwaitingFeedback {
		return ErrFeedbackPending
	}
	e.log.MarkComplete()
	e.phase = PhaseExhausted
	return e.closeWriter()
}

// Close releases the checkpoint without completing the log. A pending
// iteration is dropped; it was never written.
func (e *Engine) Close() error {
	return e.closeWriter()
}

func (e *Engine) closeWriter() error {
	if e.writer == nil {
		return nil
	}
	err := e.writer.Close()
	e.writer = nil
	return err
}

// ============================================================================
// Iteration protocol
// ============================================================================

// HasNext reports whether the generator can propose another candidate.
func (e *Engine) HasNext() bool {
	if e.phase == PhaseUninitialized || e.phase == PhaseExhausted {
		return false
	}
	return e.gen.HasNext(e.state)
}

// Next returns the next not yet evaluated candidate. Candidates that were
// already evaluated are fed back with their recorded quality and skipped
// without consuming an iteration number.
func (e *Engine) Next() (types.ParameterSet, error) {
	if err := e.checkCanPropose(); err != nil {
		return types.ParameterSet{}, err
	}
	skips := 0
	for {
		if !e.gen.HasNext(e.state) {
			e.phase = PhaseExhausted
			return types.ParameterSet{}, ErrNoCandidateFound
		}
		ps, err := e.gen.Next(e.state, nil)
		if errors.Is(err, candidate.ErrNoCandidateFound) {
			e.phase = PhaseExhausted
			return types.ParameterSet{}, ErrNoCandidateFound
		}
		if err != nil {
			return types.ParameterSet{}, fmt.Errorf("search: next candidate: %w", err)
		}

		qs, seen := e.log.Get(ps)
		if !seen {
			e.begin(e.count+1, ps)
			return ps, nil
		}

		e.skipped++
		skips++
		e.metrics.CandidateSkipped()
		e.logger.Debug("Skipping already evaluated candidate", "params", ps.String())
		e.notify(ps, qs)
		if e.cfg.MaxConsecutiveSkips > 0 && skips >= e.cfg.MaxConsecutiveSkips {
			e.phase = PhaseExhausted
			e.logger.Warn("Generator keeps proposing evaluated candidates, stopping",
				"skips", skips, "count", e.count)
			return types.ParameterSet{}, fmt.Errorf("%w: %d consecutive revisits", ErrNoCandidateFound, skips)
		}
	}
}

// NextForced records ps at the given iteration number, bypassing candidate
// selection. It is used while replaying a checkpoint.
func (e *Engine) NextForced(ps types.ParameterSet, iteration int64) (types.ParameterSet, error) {
	if err := e.checkCanPropose(); err != nil {
		return types.ParameterSet{}, err
	}
	if _, err := e.gen.Next(e.state, &ps); err != nil {
		return types.ParameterSet{}, fmt.Errorf("search: forced candidate: %w", err)
	}
	e.begin(iteration, ps)
	return ps, nil
}

func (e *Engine) checkCanPropose() error {
	switch e.phase {
	case PhaseUninitialized:
		return ErrNotReset
	case PhaseAwaitingFeedback:
		return ErrFeedbackPending
	case PhaseExhausted:
		return ErrNoCandidateFound
	}
	return nil
}

func (e *Engine) begin(iteration int64, ps types.ParameterSet) {
	e.count = iteration
	e.state.Count = iteration
	e.pendingIter = iteration
	e.pendingParams = ps
	e.log.Put(iteration, ps, nil)
	e.phase = PhaseAwaitingFeedback
}

// GiveQualityFeedback completes the pending iteration. Measures missing from
// qs are recorded as not terminated.
func (e *Engine) GiveQualityFeedback(qs types.QualitySet) error {
	switch e.phase {
	case PhaseUninitialized:
		return ErrNotReset
	case PhaseAwaitingFeedback:
	default:
		return ErrNoPendingCandidate
	}

	full := types.NotTerminatedSet(e.measures)
	for k, v := range qs {
		full[k] = v
	}
	rec := types.IterationRecord{Iteration: e.pendingIter, Params: e.pendingParams, Quality: full}
	if e.writer == nil {
		return fmt.Errorf("search: iteration %d: %w", rec.Iteration, resultlog.ErrLogClosed)
	}
	if err := e.writer.Append(rec); err != nil {
		return err
	}
	e.log.Put(rec.Iteration, rec.Params, rec.Quality)
	e.state.Evaluated = e.log.Evaluated()
	e.notify(rec.Params, rec.Quality)
	e.phase = PhaseAwaitingCandidate
	if !e.isResume {
		e.metrics.IterationCompleted()
	}
	return nil
}

func (e *Engine) notify(ps types.ParameterSet, qs types.QualitySet) {
	if e.observer != nil {
		e.observer.Observe(ps, qs)
	}
}

// ============================================================================
// Accessors
// ============================================================================

// Result returns the result log. It is incomplete until Finalize.
func (e *Engine) Result() *resultlog.ResultLog { return e.log }

// Count returns the number of the last iteration handed out.
func (e *Engine) Count() int64 { return e.count }

func (e *Engine) Phase() Phase { return e.phase }

// Replayed returns how many checkpoint records the last Reset replayed.
func (e *Engine) Replayed() int { return e.replayed }

// Fillers returns how many gap positions the last Reset filled.
func (e *Engine) Fillers() int { return e.fillers }

// Skipped returns how many revisited candidates Next skipped.
func (e *Engine) Skipped() int { return e.skipped }

// ParseReport describes the checkpoint parse of the last resume.
func (e *Engine) ParseReport() resultlog.ParseReport { return e.report }

// Total returns the planned number of iterations, or -1 when the strategy
// cannot tell.
func (e *Engine) Total() int64 {
	if e.gen == nil {
		return -1
	}
	if s, ok := e.gen.(candidate.Sizer); ok {
		return s.Total(e.state)
	}
	if e.cfg.Budget > 0 {
		return e.cfg.Budget
	}
	return -1
}
