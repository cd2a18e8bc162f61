package metrics

import (
	"io"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ChuLiYu/evalsearch/internal/search"
	"github.com/ChuLiYu/evalsearch/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ search.Metrics = (*Collector)(nil)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	collector, reg := newTestCollector(t)
	assert.NotNil(t, collector)

	// every metric is registered once; a second collector on the same
	// registry must panic
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestSchedulerCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordScheduled(false)
	c.RecordScheduled(false)
	c.RecordScheduled(true)
	c.RecordRejected("duplicate")
	c.RecordDispatch()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsScheduled.WithLabelValues("fresh")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsScheduled.WithLabelValues("resume")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsRejected.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsDispatched))
}

func TestRecordFinished(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordFinished(types.StatusFinished, false, 3)
	c.RecordFinished(types.StatusFinished, true, 1)
	c.RecordFinished(types.StatusTerminated, false, 0.5)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("FINISHED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("TERMINATED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed))
}

func TestSearchCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.IterationCompleted()
	c.CandidateSkipped()
	c.CandidateSkipped()
	c.IterationsReplayed(33)
	c.IterationsReplayed(0)
	c.CheckpointLinesSkipped(2)
	c.CheckpointLinesSkipped(-1)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.iterations))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.candidatesSkipped))
	assert.Equal(t, 33.0, testutil.ToFloat64(c.replayed))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.linesSkipped))
}

func TestUpdateQueueStats(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdateQueueStats(4, 2)
	assert.Equal(t, 4.0, testutil.ToFloat64(c.jobsQueued))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsRunning))

	c.UpdateQueueStats(0, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsQueued))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordScheduled(true)
		c.RecordRejected("unknown")
		c.RecordDispatch()
		c.RecordFinished(types.StatusFinished, false, 1)
		c.UpdateQueueStats(1, 1)
		c.IterationCompleted()
		c.CandidateSkipped()
		c.IterationsReplayed(1)
		c.CheckpointLinesSkipped(1)
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.IterationCompleted()
				c.UpdateQueueStats(j, j)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000.0, testutil.ToFloat64(c.iterations))
}

func TestHandler(t *testing.T) {
	c, reg := newTestCollector(t)
	c.IterationCompleted()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "evalsearch_iterations_total 1")
	assert.Contains(t, string(body), "evalsearch_jobs_queued 0")
}
