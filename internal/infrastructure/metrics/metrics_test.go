package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"leadflow/internal/domain/job"
	"leadflow/internal/ports"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestInstrumentUsesRoutePattern(t *testing.T) {
	m := New(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(m.Instrument)
	r.Get("/queues/{queue}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/queues/webhook", nil))

	out := scrape(t, m)
	want := `leadflow_http_requests_total{method="GET",path="/queues/{queue}",status="418"} 1`
	if !strings.Contains(out, want) {
		t.Fatalf("metrics output missing %q:\n%s", want, out)
	}
}

func TestObserveJobAndQueueDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RegisterQueueDepth(reg, func(q job.QueueName) (ports.QueueCounts, error) {
		if q == job.QueueDecay {
			return ports.QueueCounts{}, errors.New("redis down")
		}
		return ports.QueueCounts{Waiting: 3}, nil
	})

	m.ObserveJob(job.QueueAnalysis, "completed", 150*time.Millisecond)

	out := scrape(t, m)
	for _, want := range []string{
		`leadflow_jobs_total{outcome="completed",queue="analysis"} 1`,
		`leadflow_queue_jobs{queue="webhook",state="waiting"} 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, out)
		}
	}
}

func TestSanitizePath(t *testing.T) {
	if got := sanitizePath("/a/b/c/d/e"); got != "/a/b/c/..." {
		t.Fatalf("sanitizePath() = %q", got)
	}
	if got := sanitizePath(""); got != "/" {
		t.Fatalf("sanitizePath(empty) = %q", got)
	}
}
