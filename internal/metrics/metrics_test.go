package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.IncJobsSubmitted("pdf-docx")
	m.IncJobsRejected("pdf-docx", "overloaded")
	m.IncJobsCompleted("pdf-docx", "succeeded")
	m.ObserveJobDuration("pdf-docx", 1)
	m.SetQueueDepth("document", 3)
	m.SetSessionsActive(1)
	m.IncSessionsDestroyed("logout")
	m.IncOrphanedJobs()
	m.ObserveRequest("GET", "/health", "200", 0.01)
}

func TestPromMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("mediaforge")
	m.IncJobsSubmitted("image-compress")
	m.IncJobsCompleted("image-compress", "succeeded")
	m.SetQueueDepth("image", 2)
	m.SetSessionsActive(5)
	m.IncSessionsDestroyed("idle")

	if v, ok := metricValue(t, reg, "mediaforge_queue_depth", "pool", "image"); !ok || v != 2 {
		t.Fatalf("expected queue_depth 2, got %v (found=%v)", v, ok)
	}
	if v, ok := metricValue(t, reg, "mediaforge_jobs_completed_total", "state", "succeeded"); !ok || v != 1 {
		t.Fatalf("expected jobs_completed 1, got %v (found=%v)", v, ok)
	}
	if v, ok := metricValue(t, reg, "mediaforge_sessions_active", "", ""); !ok || v != 5 {
		t.Fatalf("expected sessions_active 5, got %v (found=%v)", v, ok)
	}
}

func metricValue(t *testing.T, reg *prometheus.Registry, name, label, value string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label != "" {
				matched := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == label && lp.GetValue() == value {
						matched = true
					}
				}
				if !matched {
					continue
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue(), true
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue(), true
			}
		}
	}
	return 0, false
}

func TestHandlerServesMetrics(t *testing.T) {
	withTestRegistry(t)
	m := NewProm("mediaforge")
	m.IncJobsSubmitted("pdf-txt")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `mediaforge_jobs_submitted_total{kind="pdf-txt"} 1`) {
		t.Fatalf("metric not exposed:\n%s", rec.Body.String())
	}
}
