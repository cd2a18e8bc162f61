// Demo of checkpoint recovery.
//
//	go run ./cmd/demo start     # fresh search, press Ctrl+C midway
//	go run ./cmd/demo recover   # resume the newest checkpoint folder
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ChuLiYu/evalsearch/internal/candidate"
	"github.com/ChuLiYu/evalsearch/internal/definition"
	"github.com/ChuLiYu/evalsearch/internal/logging"
	"github.com/ChuLiYu/evalsearch/internal/runner"
	"github.com/ChuLiYu/evalsearch/internal/scheduler"
	"github.com/ChuLiYu/evalsearch/internal/store"
	"github.com/ChuLiYu/evalsearch/pkg/types"
)

const (
	resultsDir = "demo-results"
	clientID   = "demo"
	stepDelay  = 150 * time.Millisecond
)

var demoJob = definition.Definition{
	ID:       "demo-grid",
	Program:  "synthetic",
	Dataset:  "parabola",
	Strategy: "grid",
	Parameters: []candidate.ParameterSpec{
		{Name: "alpha", Kind: candidate.KindFloat, Min: 0, Max: 1, Steps: 8},
		{Name: "beta", Kind: candidate.KindInt, Min: 1, Max: 5},
	},
	Measures: []string{"F2", "SSE"},
}

// score peaks at alpha=0.6, beta=3.
func score(ctx context.Context, ev runner.Evaluation) (types.QualitySet, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(stepDelay):
	}
	alpha, _ := strconv.ParseFloat(ev.Params.Map()["alpha"], 64)
	beta, _ := strconv.ParseFloat(ev.Params.Map()["beta"], 64)
	sse := (alpha-0.6)*(alpha-0.6) + (beta-3)*(beta-3)/10
	return types.QualitySet{
		"F2":  types.Terminated(math.Exp(-sse)),
		"SSE": types.Terminated(sse),
	}, nil
}

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]
	logger := logging.NewLogger(slog.LevelInfo, "text")

	if err := run(mode, logger); err != nil {
		fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
		os.Exit(1)
	}
}

func run(mode string, logger *slog.Logger) error {
	results, err := store.NewResultStore(resultsDir, logger)
	if err != nil {
		return err
	}
	exec, err := runner.New(runner.Options{Evaluator: runner.FuncEvaluator(score), Logger: logger})
	if err != nil {
		return err
	}
	sched, err := scheduler.New(scheduler.Config{MaxParallelism: 1, PollInterval: 100 * time.Millisecond}, scheduler.Deps{
		Definitions: definition.NewMemoryRepository(demoJob),
		Results:     results,
		Executor:    exec,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	jobID := demoJob.ID
	switch mode {
	case "start":
		sched.Schedule(clientID, jobID)
		fmt.Printf("✓ Scheduled %s (40 candidates)\n", jobID)
		fmt.Printf("💡 Press Ctrl+C midway, then run 'go run ./cmd/demo recover'\n\n")
	case "recover":
		folder, err := newestFolder(results)
		if err != nil {
			return err
		}
		jobID = folder.ID
		sched.ScheduleResume(clientID, jobID)
		fmt.Printf("✓ Resuming %s (%d iterations logged)\n\n", jobID, folder.Metadata.Iterations)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			return nil
		case <-ticker.C:
			st := sched.GetRunStatusForClient(clientID)[jobID]
			fmt.Printf("📊 %s: %s %.0f%%\n", jobID, st.Status, st.Percent)
			if st.Status == types.StatusFinished || st.Status == types.StatusTerminated {
				fmt.Println("✓ Search done, checkpoint log in", resultsDir)
				return nil
			}
		}
	}
}

func newestFolder(results *store.ResultStore) (store.Folder, error) {
	folders, err := results.List()
	if err != nil {
		return store.Folder{}, err
	}
	if len(folders) == 0 {
		return store.Folder{}, fmt.Errorf("no checkpoint folder in %s, run 'start' first", resultsDir)
	}
	newest := folders[0]
	for _, f := range folders[1:] {
		if f.Metadata.CreatedAt.After(newest.Metadata.CreatedAt) {
			newest = f
		}
	}
	return newest, nil
}
