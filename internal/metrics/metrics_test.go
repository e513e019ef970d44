// SPDX-License-Identifier: MPL-2.0

package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ExecutionStarted()
	m.ExecutionFinished("completed", time.Second)
	m.BuildCacheHit()
	m.BuildFinished(time.Second, nil)
	m.Resolution("index", "resolved")
	m.KnowledgeReload(nil)
	m.HistoryWriteFailed()
}

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	m := New()
	m.ExecutionStarted()
	m.ExecutionStarted()
	m.ExecutionFinished("completed", 2*time.Second)
	m.BuildCacheHit()
	m.BuildFinished(time.Minute, errors.New("boom"))
	m.Resolution("", "unresolved")
	m.KnowledgeReload(errors.New("bad overlay"))

	if got := testutil.ToFloat64(m.ExecutionsRunning); got != 1 {
		t.Errorf("running = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BuildsTotal.WithLabelValues("hit")); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BuildsTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed builds = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ResolutionsTotal.WithLabelValues("none", "unresolved")); got != 1 {
		t.Errorf("unresolved = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.KnowledgeReloads.WithLabelValues("error")); got != 1 {
		t.Errorf("reload errors = %v, want 1", got)
	}
}

func TestMetrics_HandlerAndTextfile(t *testing.T) {
	t.Parallel()

	m := New()
	m.BuildCacheHit()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `relic_image_builds_total{result="hit"} 1`) {
		t.Errorf("handler output missing counter:\n%s", body)
	}

	path := filepath.Join(t.TempDir(), "relic.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "relic_image_builds_total") {
		t.Errorf("textfile missing counter:\n%s", data)
	}
}
