package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/evalsearch/internal/metrics"
	"github.com/ChuLiYu/evalsearch/internal/store"
	"github.com/ChuLiYu/evalsearch/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// fakeScheduler accepts known jobs once per client.
type fakeScheduler struct {
	mu      sync.Mutex
	jobs    map[string]bool // known job and folder ids
	queued  []types.JobRequest
	calls   []string
	running map[string]types.RunStatus
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		jobs:    map[string]bool{"job-a": true, "job-b": true, "job-a_20260101_000000": true},
		running: map[string]types.RunStatus{"job-b": {Status: types.StatusRunning, Percent: 42.5}},
	}
}

func (f *fakeScheduler) enqueue(req types.JobRequest) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Key())
	if !f.jobs[req.JobID] {
		return false
	}
	for _, q := range f.queued {
		if q.Key() == req.Key() {
			return false
		}
	}
	f.queued = append(f.queued, req)
	return true
}

func (f *fakeScheduler) Schedule(clientID, jobID string) bool {
	return f.enqueue(types.JobRequest{ClientID: clientID, JobID: jobID})
}

func (f *fakeScheduler) ScheduleResume(clientID, folderID string) bool {
	return f.enqueue(types.JobRequest{ClientID: clientID, JobID: folderID, IsResume: true})
}

func (f *fakeScheduler) Terminate(clientID, jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, q := range f.queued {
		if q.ClientID == clientID && q.JobID == jobID {
			f.queued = append(f.queued[:i], f.queued[i+1:]...)
			return true
		}
	}
	return false
}

func (f *fakeScheduler) GetQueue() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, q := range f.queued {
		ids = append(ids, q.JobID)
	}
	return ids
}

func (f *fakeScheduler) GetRunStatusForClient(clientID string) map[string]types.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]types.RunStatus)
	if clientID == "alice" {
		for k, v := range f.running {
			out[k] = v
		}
	}
	for _, q := range f.queued {
		if q.ClientID == clientID {
			out[q.JobID] = types.RunStatus{Status: types.StatusScheduled, Percent: 100}
		}
	}
	return out
}

// ============================================================================
// gRPC
// ============================================================================

func newGRPCClient(t *testing.T, sched Scheduler) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(sched, nil).NewServer()
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func TestGRPCRoundTrip(t *testing.T) {
	sched := newFakeScheduler()
	client := newGRPCClient(t, sched)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := client.Schedule(ctx, "alice", "job-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.Schedule(ctx, "bob", "job-a")
	require.NoError(t, err)
	assert.False(t, ok, "duplicate")

	ok, err = client.ScheduleResume(ctx, "bob", "job-a_20260101_000000")
	require.NoError(t, err)
	assert.True(t, ok)

	queue, err := client.GetQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a", "job-a_20260101_000000"}, queue)

	statuses, err := client.GetRunStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]types.RunStatus{
		"job-a": {Status: types.StatusScheduled, Percent: 100},
		"job-b": {Status: types.StatusRunning, Percent: 42.5},
	}, statuses)
	assert.Equal(t, []string{"job-a", "job-b"}, SortedJobs(statuses))

	ok, err = client.Terminate(ctx, "alice", "job-a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = client.Terminate(ctx, "alice", "job-a")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{"fresh:job-a", "fresh:job-a", "resume:job-a_20260101_000000"}, sched.calls)
}

func TestGRPCEmptyQueue(t *testing.T) {
	client := newGRPCClient(t, newFakeScheduler())
	queue, err := client.GetQueue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestGRPCInvalidArgument(t *testing.T) {
	client := newGRPCClient(t, newFakeScheduler())
	ctx := context.Background()

	_, err := client.Schedule(ctx, "", "job-a")
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(errors.Unwrap(err)))

	_, err = client.ScheduleResume(ctx, "alice", "")
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(errors.Unwrap(err)))
}

// ============================================================================
// HTTP
// ============================================================================

type fakeHistory struct {
	runs []*store.RunRecord
	err  error
}

func (f fakeHistory) ListRuns(_ context.Context, jobID string, limit int) ([]*store.RunRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*store.RunRecord
	for _, r := range f.runs {
		if r.JobID == jobID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func doRequest(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestHTTPScheduleAndTerminate(t *testing.T) {
	sched := newFakeScheduler()
	h := NewHTTPServer(sched, nil)

	rec, resp := doRequest(t, h, http.MethodPost, "/api/v1/clients/alice/jobs/job-a")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, resp.RequestID, rec.Header().Get("X-Request-ID"))

	rec, resp = doRequest(t, h, http.MethodPost, "/api/v1/clients/alice/jobs/job-a")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "error", resp.Status)

	rec, _ = doRequest(t, h, http.MethodPost, "/api/v1/clients/bob/folders/job-a_20260101_000000")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec, resp = doRequest(t, h, http.MethodGet, "/api/v1/queue")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"jobs": []any{"job-a", "job-a_20260101_000000"}}, resp.Data)

	rec, resp = doRequest(t, h, http.MethodGet, "/api/v1/clients/alice/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{
		"job-a": map[string]any{"status": "SCHEDULED", "percent": 100.0},
		"job-b": map[string]any{"status": "RUNNING", "percent": 42.5},
	}, resp.Data)

	rec, _ = doRequest(t, h, http.MethodDelete, "/api/v1/clients/alice/jobs/job-a")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = doRequest(t, h, http.MethodDelete, "/api/v1/clients/alice/jobs/job-a")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPHealthAndRequestID(t *testing.T) {
	h := NewHTTPServer(newFakeScheduler(), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}

func TestHTTPOptionalRoutes(t *testing.T) {
	bare := NewHTTPServer(newFakeScheduler(), nil)
	rec, _ := doRequest(t, bare, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = doRequest(t, bare, http.MethodGet, "/api/v1/jobs/job-a/history")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg).IterationCompleted()
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	history := fakeHistory{runs: []*store.RunRecord{
		{RunID: "r1", JobID: "job-a", Status: types.StatusFinished, StartedAt: started},
		{RunID: "r2", JobID: "job-a", Status: types.StatusTerminated, StartedAt: started},
		{RunID: "r3", JobID: "job-b", Status: types.StatusFinished, StartedAt: started},
	}}
	h := NewHTTPServer(newFakeScheduler(), nil, WithMetrics(reg), WithHistory(history))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "evalsearch_iterations_total 1")

	rec, resp := doRequest(t, h, http.MethodGet, "/api/v1/jobs/job-a/history?limit=1")
	assert.Equal(t, http.StatusOK, rec.Code)
	runs, ok := resp.Data.([]any)
	require.True(t, ok)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].(map[string]any)["run_id"])

	rec, _ = doRequest(t, h, http.MethodGet, "/api/v1/jobs/job-a/history?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	failing := NewHTTPServer(newFakeScheduler(), nil, WithHistory(fakeHistory{err: errors.New("db closed")}))
	rec, _ = doRequest(t, failing, http.MethodGet, "/api/v1/jobs/job-a/history")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
