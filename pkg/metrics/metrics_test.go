package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulschiretz/pgl-autobackup/pkg/engine"
	"github.com/paulschiretz/pgl-autobackup/pkg/history"
	"github.com/paulschiretz/pgl-autobackup/pkg/pathretention"
	"github.com/paulschiretz/pgl-autobackup/pkg/pathsync"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCollector(t *testing.T) {
	c := NewCollector()

	c.ObserveRun(engine.DailyRun, history.Success, pathsync.Result{Copied: 3, UpToDate: 2, BytesWritten: 1024}, 2*time.Second)
	c.ObserveRun(engine.DailyRun, history.PartialSuccess, pathsync.Result{Copied: 1, Failed: 4}, time.Second)
	c.ObserveRun(engine.FullRun, history.Success, pathsync.Result{Copied: 5}, time.Second)
	c.SetProgress(42)
	c.ObservePrune(pathretention.Result{FilesDeleted: 2, DirsDeleted: 1, Failed: 1})

	body := scrape(t, c)

	assert.Contains(t, body, `pglautobackup_runs_total{kind="daily",outcome="Success"} 1`)
	assert.Contains(t, body, `pglautobackup_runs_total{kind="daily",outcome="PartialSuccess"} 1`)
	assert.Contains(t, body, `pglautobackup_runs_total{kind="full",outcome="Success"} 1`)
	assert.Contains(t, body, "pglautobackup_files_copied_total 9")
	assert.Contains(t, body, "pglautobackup_files_uptodate_total 2")
	assert.Contains(t, body, "pglautobackup_files_failed_total 4")
	assert.Contains(t, body, "pglautobackup_bytes_written_total 1024")
	assert.Contains(t, body, `pglautobackup_last_run_success{kind="daily"} 0`)
	assert.Contains(t, body, `pglautobackup_last_run_success{kind="full"} 1`)
	assert.Contains(t, body, `pglautobackup_last_run_duration_seconds{kind="daily"} 1`)
	assert.Contains(t, body, "pglautobackup_progress_percent 42")
	assert.Contains(t, body, `pglautobackup_pruned_total{type="file"} 2`)
	assert.Contains(t, body, `pglautobackup_pruned_total{type="dir"} 1`)
	assert.Contains(t, body, "pglautobackup_prune_failures_total 1")
}

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := NewCollector(), NewCollector()
	a.SetProgress(10)
	b.SetProgress(90)
	assert.Contains(t, scrape(t, a), "pglautobackup_progress_percent 10")
	assert.Contains(t, scrape(t, b), "pglautobackup_progress_percent 90")
}

func TestServe(t *testing.T) {
	// Reserve a free port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	c := NewCollector()
	c.SetProgress(100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, addr) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, "pglautobackup_progress_percent 100")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
