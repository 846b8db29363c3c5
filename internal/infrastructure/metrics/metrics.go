package metrics

import (
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"leadflow/internal/domain/job"
	"leadflow/internal/ports"
)

// Metrics bundles the Prometheus collectors of the HTTP server and the
// worker pools.
type Metrics struct {
	gatherer prometheus.Gatherer

	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	inFlight    prometheus.Gauge
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

var _ ports.JobMetrics = (*Metrics)(nil)

func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadflow_http_requests_total",
				Help: "Total count of HTTP requests received.",
			},
			[]string{"method", "path", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leadflow_http_request_duration_seconds",
				Help:    "Histogram of request durations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "leadflow_http_inflight_requests",
			Help: "Number of requests currently being handled.",
		}),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadflow_jobs_total",
				Help: "Processed jobs by queue and outcome.",
			},
			[]string{"queue", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leadflow_job_duration_seconds",
				Help:    "Histogram of job handler durations.",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"queue"},
		),
	}

	reg.MustRegister(m.requests, m.duration, m.inFlight, m.jobs, m.jobDuration)
	return m
}

// RegisterQueueDepth exports the waiting/active/delayed/dead counts of every
// queue, read from the queue backend on each scrape.
func (m *Metrics) RegisterQueueDepth(reg prometheus.Registerer, depth func(job.QueueName) (ports.QueueCounts, error)) {
	desc := prometheus.NewDesc("leadflow_queue_jobs", "Jobs per queue and state.", []string{"queue", "state"}, nil)
	reg.MustRegister(queueCollector{desc: desc, depth: depth})
}

type queueCollector struct {
	desc  *prometheus.Desc
	depth func(job.QueueName) (ports.QueueCounts, error)
}

func (c queueCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c queueCollector) Collect(ch chan<- prometheus.Metric) {
	for _, q := range job.AllQueues {
		counts, err := c.depth(q)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(c.desc, err)
			continue
		}
		for state, v := range map[string]int64{
			"waiting":   counts.Waiting,
			"active":    counts.Active,
			"delayed":   counts.Delayed,
			"completed": counts.Completed,
			"dead":      counts.Dead,
		} {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(v), string(q), state)
		}
	}
}

func (m *Metrics) ObserveJob(queue job.QueueName, outcome string, elapsed time.Duration) {
	m.jobs.WithLabelValues(string(queue), outcome).Inc()
	m.jobDuration.WithLabelValues(string(queue)).Observe(elapsed.Seconds())
}

// Handler exposes /metrics from the registry passed to New.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

// Instrument wraps next with request counters and histograms. The path label
// is the matched chi route pattern when there is one.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start).Seconds()

		routePath := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			routePath = rctx.RoutePattern()
		}
		if routePath == "" {
			routePath = sanitizePath(r.URL.Path)
		}

		labels := []string{r.Method, routePath, strconv.Itoa(rec.status)}
		m.requests.WithLabelValues(labels...).Inc()
		m.duration.WithLabelValues(labels...).Observe(elapsed)
	})
}

// sanitizePath keeps at most three segments of unmatched paths.
func sanitizePath(p string) string {
	clean := path.Clean(p)
	if clean == "" || clean == "." {
		return "/"
	}

	segments := strings.Split(clean, "/")
	out := segments
	if len(segments) > 4 {
		out = append(segments[:4], "...")
	}

	res := strings.Join(out, "/")
	if !strings.HasPrefix(res, "/") {
		res = "/" + res
	}
	return res
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}
