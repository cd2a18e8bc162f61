// Package runner executes one scheduled job: it drives a search engine
// over the job's checkpoint and evaluates every candidate it proposes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ChuLiYu/evalsearch/internal/candidate"
	"github.com/ChuLiYu/evalsearch/internal/quality"
	"github.com/ChuLiYu/evalsearch/internal/scheduler"
	"github.com/ChuLiYu/evalsearch/internal/search"
	"github.com/ChuLiYu/evalsearch/internal/storage/resultlog"
	"github.com/ChuLiYu/evalsearch/pkg/types"
)

// Options configures a Runner. Nil registries select the builtin ones.
type Options struct {
	Measures   *quality.Registry
	Strategies *candidate.Registry
	Evaluator  Evaluator
	Metrics    search.Metrics

	StrictResume        bool
	MaxConsecutiveSkips int

	Logger *slog.Logger
}

// Runner implements scheduler.Executor.
type Runner struct {
	measures   *quality.Registry
	strategies *candidate.Registry
	evaluator  Evaluator
	metrics    search.Metrics

	strictResume bool
	maxSkips     int

	logger *slog.Logger
}

var _ scheduler.Executor = (*Runner)(nil)

func New(opts Options) (*Runner, error) {
	if opts.Evaluator == nil {
		return nil, errors.New("runner: no evaluator")
	}
	if opts.Measures == nil {
		opts.Measures = quality.DefaultRegistry()
	}
	if opts.Strategies == nil {
		opts.Strategies = candidate.DefaultRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		measures:     opts.Measures,
		strategies:   opts.Strategies,
		evaluator:    opts.Evaluator,
		metrics:      opts.Metrics,
		strictResume: opts.StrictResume,
		maxSkips:     opts.MaxConsecutiveSkips,
		logger:       opts.Logger.With("component", "runner"),
	}, nil
}

// Check verifies that the definition's strategy and measures are known.
func (r *Runner) Check(spec scheduler.RunSpec) error {
	def := spec.Definition
	if err := def.Validate(); err != nil {
		return err
	}
	if !r.strategies.Has(def.Strategy) {
		return fmt.Errorf("%w: %s", candidate.ErrUnknownStrategy, def.Strategy)
	}
	_, err := r.measures.NewAll(def.Measures)
	return err
}

// Execute runs the search until the generator is exhausted or ctx is
// cancelled. On cancellation the pending iteration is dropped and ctx.Err()
// is returned; the checkpoint stays resumable.
func (r *Runner) Execute(ctx context.Context, spec scheduler.RunSpec, progress scheduler.ProgressFunc) error {
	def := spec.Definition
	if err := r.Check(spec); err != nil {
		return err
	}
	measures, err := r.measures.NewAll(def.Measures)
	if err != nil {
		return err
	}
	if progress == nil {
		progress = func(int64, float64) {}
	}
	logger := r.logger.With("run", spec.RunID, "job", def.ID, "folder", spec.Folder.ID)

	engine, err := search.New(search.Config{
		Params:   def.Parameters,
		Measures: measures,
		NewGenerator: func() (candidate.Generator, error) {
			return r.strategies.New(def.Strategy, candidate.Config{
				Params:  def.Parameters,
				Budget:  def.Iterations,
				Seed:    def.Seed,
				Primary: measures[0],
			})
		},
		Budget:              def.Iterations,
		Resume:              spec.Request.IsResume,
		StrictResume:        r.strictResume,
		MaxConsecutiveSkips: r.maxSkips,
		Logger:              logger,
		Metrics:             r.metrics,
	})
	if err != nil {
		return err
	}
	if err := engine.Reset(spec.CheckpointPath); err != nil {
		return err
	}
	defer engine.Close()

	if spec.Request.IsResume {
		report := engine.ParseReport()
		logger.Info("Resumed search",
			"replayed", engine.Replayed(),
			"fillers", engine.Fillers(),
			"skipped_lines", report.Skipped,
		)
	}
	progress(engine.Count(), percent(engine))

	for engine.HasNext() {
		if err := ctx.Err(); err != nil {
			logger.Info("Search cancelled", "iterations", engine.Count())
			return err
		}
		ps, err := engine.Next()
		if errors.Is(err, search.ErrNoCandidateFound) {
			break
		}
		if err != nil {
			return err
		}

		iteration := engine.Count()
		output := spec.Folder.QualityBase + "." + strconv.FormatInt(iteration, 10)
		qs, evalErr := r.evaluator.Evaluate(ctx, Evaluation{
			Definition:  def,
			Iteration:   iteration,
			Params:      ps,
			Workdir:     spec.Folder.Path,
			Output:      output,
			QualityFile: resultlog.QualityFilePath(spec.Folder.QualityBase, iteration),
		})
		if err := ctx.Err(); err != nil {
			// the pending iteration was never written and is redone on resume
			logger.Info("Search cancelled during evaluation", "iteration", iteration)
			return err
		}
		if evalErr != nil {
			logger.Warn("Evaluation failed, recording not terminated",
				"iteration", iteration, "params", ps.String(), "error", evalErr)
			qs = types.NotTerminatedSet(def.Measures)
		}
		if err := engine.GiveQualityFeedback(qs); err != nil {
			return err
		}
		progress(engine.Count(), percent(engine))
	}

	if err := engine.Finalize(); err != nil {
		return err
	}
	progress(engine.Count(), 100)

	attrs := []any{"iterations", engine.Count(), "skipped", engine.Skipped()}
	for _, m := range def.Measures {
		if opt, ok := engine.Result().Optimal(m); ok {
			attrs = append(attrs, "best_"+m, opt.Value.String())
		}
	}
	logger.Info("Search finished", attrs...)
	return nil
}

func percent(e *search.Engine) float64 {
	total := e.Total()
	if total <= 0 {
		return -1
	}
	p := 100 * float64(e.Count()) / float64(total)
	if p > 100 {
		p = 100
	}
	return p
}
