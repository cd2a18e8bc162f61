package cli

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/evalsearch/internal/config"
	"github.com/ChuLiYu/evalsearch/internal/definition"
	"github.com/ChuLiYu/evalsearch/internal/logging"
	"github.com/ChuLiYu/evalsearch/internal/server"
	"github.com/ChuLiYu/evalsearch/internal/snapshot"
	"github.com/ChuLiYu/evalsearch/internal/store"
	"github.com/ChuLiYu/evalsearch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gridJob = `
id: grid-job
program: solver
dataset: instances
command: ["sh", "-c", "printf 'F2\t0.5\n' > '{{.QualityFile}}'"]
strategy: grid
parameters:
  - name: k
    type: int
    min: 1
    max: 3
measures: [F2]
`

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "evalsearch", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
		assert.NotNil(t, c.RunE, c.Name())
	}
	for _, want := range []string{"run", "schedule", "resume", "terminate", "queue", "status", "folders", "history", "validate"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("server"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("client"))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEachAccepted(t *testing.T) {
	var buf bytes.Buffer
	err := eachAccepted(&buf, []string{"a", "b"}, "scheduled", "refused", func(id string) (bool, error) {
		return id == "a", nil
	})
	assert.Error(t, err)
	assert.Equal(t, "a: scheduled\nb: refused\n", buf.String())

	buf.Reset()
	assert.NoError(t, eachAccepted(&buf, []string{"a"}, "ok", "no", func(string) (bool, error) { return true, nil }))
}

func TestPrintQueue(t *testing.T) {
	var buf bytes.Buffer
	printQueue(&buf, nil)
	assert.Equal(t, "queue is empty\n", buf.String())

	buf.Reset()
	printQueue(&buf, []string{"job-a", "job-b"})
	assert.Equal(t, "  1  job-a\n  2  job-b\n", buf.String())
}

func TestPrintFolders(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	folders := []store.Folder{{
		ID: "grid-job_20260301_110000",
		Metadata: snapshot.RunMetadata{
			ClientID:   "alice",
			Definition: definition.Definition{ID: "grid-job"},
			UpdatedAt:  now.Add(-time.Hour),
			LastStatus: types.StatusFinished,
			Iterations: 12345,
			Resumes:    2,
		},
	}}
	var buf bytes.Buffer
	require.NoError(t, printFolders(&buf, folders, now))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "grid-job_20260301_110000")
	assert.Contains(t, lines[1], "FINISHED")
	assert.Contains(t, lines[1], "12,345")
	assert.Contains(t, lines[1], "1 hour ago")
}

func TestPrintRuns(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := now.Add(-90 * time.Second)

	var buf bytes.Buffer
	require.NoError(t, printRuns(&buf, nil, now))
	assert.Equal(t, "no runs recorded\n", buf.String())

	buf.Reset()
	require.NoError(t, printRuns(&buf, []*store.RunRecord{
		{RunID: "0123456789abcdef", FolderID: "f1", ClientID: "alice", Resume: true, Status: types.StatusFinished,
			Iterations: 40, StartedAt: now.Add(-3 * time.Minute), FinishedAt: &finished},
		{RunID: "short", FolderID: "f2", ClientID: "bob", Status: types.StatusRunning, StartedAt: now},
	}, now))
	out := buf.String()
	assert.Contains(t, out, "01234567 ")
	assert.NotContains(t, out, "0123456789abcdef")
	assert.Contains(t, out, "resume")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "3 minutes ago")
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(gridJob), 0644))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(strings.Replace(gridJob, "strategy: grid", "strategy: annealing", 1)), 0644))

	out, err := execute(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (job grid-job, grid, 1 parameters)")

	out, err = execute(t, "validate", good, bad, filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
	assert.Contains(t, out, "bad.yaml:")
	assert.Contains(t, out, "missing.yaml:")
}

// ============================================================================
// Client commands against a live gRPC server
// ============================================================================

type stubScheduler struct {
	queue []string
}

func (s *stubScheduler) Schedule(clientID, jobID string) bool { return jobID != "unknown" }
func (s *stubScheduler) ScheduleResume(clientID, folderID string) bool {
	return folderID != "unknown"
}
func (s *stubScheduler) Terminate(clientID, jobID string) bool { return jobID == "job-a" }
func (s *stubScheduler) GetQueue() []string                     { return s.queue }
func (s *stubScheduler) GetRunStatusForClient(clientID string) map[string]types.RunStatus {
	return map[string]types.RunStatus{
		"job-b": {Status: types.StatusRunning, Percent: 33.3333},
		"job-a": {Status: types.StatusScheduled, Percent: 100},
	}
}

func startStubServer(t *testing.T, sched server.Scheduler) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := server.NewGRPCServer(sched, nil).NewServer()
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestClientCommands(t *testing.T) {
	addr := startStubServer(t, &stubScheduler{queue: []string{"job-a", "job-c"}})

	out, err := execute(t, "--server", addr, "--client", "alice", "schedule", "job-a", "job-b")
	require.NoError(t, err)
	assert.Equal(t, "job-a: scheduled\njob-b: scheduled\n", out)

	out, err = execute(t, "--server", addr, "schedule", "unknown")
	assert.Error(t, err)
	assert.Contains(t, out, "unknown: refused")

	out, err = execute(t, "--server", addr, "resume", "grid-job_20260301_110000")
	require.NoError(t, err)
	assert.Contains(t, out, "resume scheduled")

	out, err = execute(t, "--server", addr, "terminate", "job-a")
	require.NoError(t, err)
	assert.Contains(t, out, "job-a: terminated")

	out, err = execute(t, "--server", addr, "queue")
	require.NoError(t, err)
	assert.Equal(t, "  1  job-a\n  2  job-c\n", out)

	out, err = execute(t, "--server", addr, "status")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "job-a")
	assert.Contains(t, lines[1], "100%")
	assert.Contains(t, lines[2], "33.3%")
}

// ============================================================================
// Server wiring
// ============================================================================

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DefinitionsDir = filepath.Join(dir, "jobs")
	cfg.Storage.ResultsDir = filepath.Join(dir, "results")
	cfg.Storage.HistoryDB = filepath.Join(dir, "db", "history.db")
	cfg.Scheduler.PollInterval = 10 * time.Millisecond
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Server.HTTPAddr = ""
	require.NoError(t, os.MkdirAll(cfg.Storage.DefinitionsDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Storage.DefinitionsDir, "grid.yaml"), []byte(gridJob), 0644))
	return cfg
}

func TestAppRunsScheduledJob(t *testing.T) {
	cfg := testConfig(t)
	var logs bytes.Buffer
	a, err := newApp(cfg, logging.NewLoggerWithWriter(0, "text", &logs))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	require.True(t, a.scheduler.Schedule("alice", "grid-job"))
	assert.Eventually(t, func() bool {
		return a.scheduler.GetRunStatusForClient("alice")["grid-job"].Status == types.StatusFinished
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}

	folders, err := os.ReadDir(cfg.Storage.ResultsDir)
	require.NoError(t, err)
	assert.NotEmpty(t, folders)

	runs, err := a.history.ListRuns(context.Background(), "grid-job", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.StatusFinished, runs[0].Status)
	assert.Equal(t, int64(3), runs[0].Iterations)
}

func TestNewAppMissingDefinitions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.DefinitionsDir = filepath.Join(t.TempDir(), "nope")
	_, err := newApp(cfg, logging.NewLoggerWithWriter(0, "text", &bytes.Buffer{}))
	assert.Error(t, err)
}
