package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/ChuLiYu/evalsearch/internal/definition"
	"github.com/ChuLiYu/evalsearch/internal/storage/resultlog"
	"github.com/ChuLiYu/evalsearch/pkg/types"
)

// waitDelay bounds how long a killed command may hold its output pipes.
const waitDelay = 2 * time.Second

var (
	ErrNoCommand = errors.New("job definition has no command")
	// ErrEvaluationFailed wraps a non-zero exit or a command that could not run
	ErrEvaluationFailed = errors.New("evaluation failed")
)

// Evaluation describes one iteration handed to an Evaluator.
type Evaluation struct {
	Definition  definition.Definition
	Iteration   int64
	Params      types.ParameterSet
	Workdir     string // checkpoint folder
	Output      string // base path for the iteration's artifacts
	QualityFile string // where the quality of this iteration is expected
}

// Evaluator runs the external program for one candidate and returns its
// quality. An error makes the runner record the iteration as not
// terminated; it never aborts the search.
type Evaluator interface {
	Evaluate(ctx context.Context, ev Evaluation) (types.QualitySet, error)
}

// FuncEvaluator evaluates in-process.
type FuncEvaluator func(ctx context.Context, ev Evaluation) (types.QualitySet, error)

func (f FuncEvaluator) Evaluate(ctx context.Context, ev Evaluation) (types.QualitySet, error) {
	return f(ctx, ev)
}

// ============================================================================
// Command evaluator
// ============================================================================

// CommandEvaluator runs the definition's command once per iteration and
// reads the companion quality file it leaves behind.
//
// Every command argument is a text/template executed with:
//
//	.Params      map of parameter name to value
//	.Program     .Dataset  .Iteration  .Output  .QualityFile  .Workdir
type CommandEvaluator struct {
	// Timeout applies when the definition sets none. Zero means no limit.
	Timeout time.Duration
	Logger  *slog.Logger
}

type commandData struct {
	Params      map[string]string
	Program     string
	Dataset     string
	Iteration   int64
	Output      string
	QualityFile string
	Workdir     string
}

func (c *CommandEvaluator) Evaluate(ctx context.Context, ev Evaluation) (types.QualitySet, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "evaluator", "job", ev.Definition.ID, "iteration", ev.Iteration)

	args, err := RenderCommand(ev)
	if err != nil {
		return nil, err
	}

	timeout := ev.Definition.Timeout
	if timeout == 0 {
		timeout = c.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// a stale file from an interrupted attempt must not be mistaken for
	// this run's output
	os.Remove(ev.QualityFile)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = ev.Workdir
	cmd.Env = append(os.Environ(), environment(ev)...)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	logger.Debug("Running evaluation", "command", args[0], "params", ev.Params.String())
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ev.Output != "" && stdout.Len() > 0 {
		if err := os.WriteFile(ev.Output+".stdout", stdout.Bytes(), 0644); err != nil {
			logger.Warn("Failed to keep evaluation output", "error", err)
		}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			return nil, fmt.Errorf("%w: exit code %d after %s: %s", ErrEvaluationFailed,
				exitErr.ExitCode(), elapsed.Round(time.Millisecond), lastLine(stderr.String()))
		default:
			return nil, fmt.Errorf("%w: %v", ErrEvaluationFailed, runErr)
		}
	}

	qs, err := resultlog.ReadQualityFile(ev.QualityFile, ev.Definition.Measures)
	if err != nil {
		return nil, fmt.Errorf("%w: read quality file: %v", ErrEvaluationFailed, err)
	}
	logger.Debug("Evaluation finished", "duration", elapsed)
	return qs, nil
}

// RenderCommand expands the definition's command templates for ev.
func RenderCommand(ev Evaluation) ([]string, error) {
	if len(ev.Definition.Command) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCommand, ev.Definition.ID)
	}
	data := commandData{
		Params:      ev.Params.Map(),
		Program:     ev.Definition.Program,
		Dataset:     ev.Definition.Dataset,
		Iteration:   ev.Iteration,
		Output:      ev.Output,
		QualityFile: ev.QualityFile,
		Workdir:     ev.Workdir,
	}
	args := make([]string, len(ev.Definition.Command))
	for i, raw := range ev.Definition.Command {
		tmpl, err := template.New("arg").Option("missingkey=error").Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("command argument %d: %w", i, err)
		}
		var b strings.Builder
		if err := tmpl.Execute(&b, data); err != nil {
			return nil, fmt.Errorf("command argument %d: %w", i, err)
		}
		args[i] = b.String()
	}
	if args[0] == "" {
		return nil, fmt.Errorf("%w: %s: empty program", ErrNoCommand, ev.Definition.ID)
	}
	return args, nil
}

func environment(ev Evaluation) []string {
	env := []string{
		"EVALSEARCH_JOB=" + ev.Definition.ID,
		"EVALSEARCH_ITERATION=" + strconv.FormatInt(ev.Iteration, 10),
		"EVALSEARCH_OUTPUT=" + ev.Output,
		"EVALSEARCH_QUALITY_FILE=" + ev.QualityFile,
	}
	for _, p := range ev.Params.Params() {
		env = append(env, "EVALSEARCH_PARAM_"+p.Name+"="+p.Value)
	}
	return env
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
