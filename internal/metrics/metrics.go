// Package metrics はジョブ・セッション・HTTPのPrometheusメトリクスを提供します。
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JobMetrics はジョブキューとワーカーのメトリクスです。
type JobMetrics interface {
	IncJobsSubmitted(kind string)
	IncJobsRejected(kind, reason string)
	IncJobsCompleted(kind, state string)
	ObserveJobDuration(kind string, seconds float64)
	SetQueueDepth(pool string, depth int)
}

// SessionMetrics はセッションライフサイクルのメトリクスです。
type SessionMetrics interface {
	SetSessionsActive(n int)
	IncSessionsDestroyed(reason string)
	IncOrphanedJobs()
}

// GatewayMetrics はAPIリクエストのメトリクスです。
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop は何も出力しない実装です。
type Noop struct{}

func (Noop) IncJobsSubmitted(string)                        {}
func (Noop) IncJobsRejected(string, string)                 {}
func (Noop) IncJobsCompleted(string, string)                {}
func (Noop) ObserveJobDuration(string, float64)             {}
func (Noop) SetQueueDepth(string, int)                      {}
func (Noop) SetSessionsActive(int)                          {}
func (Noop) IncSessionsDestroyed(string)                    {}
func (Noop) IncOrphanedJobs()                               {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom はPrometheusに登録されたメトリクス実装です。
type Prom struct {
	jobsSubmitted     *prometheus.CounterVec
	jobsRejected      *prometheus.CounterVec
	jobsCompleted     *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	queueDepth        *prometheus.GaugeVec
	sessionsActive    prometheus.Gauge
	sessionsDestroyed *prometheus.CounterVec
	orphanedJobs      prometheus.Counter
	requests          *prometheus.CounterVec
	latency           *prometheus.HistogramVec
	once              sync.Once
}

// NewProm は namespace 付きのメトリクスを作成し、デフォルトレジストリに登録します。
func NewProm(namespace string) *Prom {
	p := &Prom{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by kind",
		}, []string{"kind"}),
		jobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Jobs rejected at submission by kind and reason",
		}, []string{"kind", "reason"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs reaching a terminal state by kind and state",
		}, []string{"kind", "state"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Conversion run time by kind",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200},
		}, []string{"kind"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queued jobs waiting per pool",
		}, []string{"pool"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live sessions",
		}),
		sessionsDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_destroyed_total",
			Help:      "Sessions destroyed by reason",
		}, []string{"reason"}),
		orphanedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_orphaned_total",
			Help:      "Running jobs force-cancelled during session teardown",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.jobsSubmitted, p.jobsRejected, p.jobsCompleted, p.jobDuration, p.queueDepth,
			p.sessionsActive, p.sessionsDestroyed, p.orphanedJobs,
			p.requests, p.latency,
		)
	})
}

func (p *Prom) IncJobsSubmitted(kind string) {
	p.jobsSubmitted.WithLabelValues(kind).Inc()
}

func (p *Prom) IncJobsRejected(kind, reason string) {
	p.jobsRejected.WithLabelValues(kind, reason).Inc()
}

func (p *Prom) IncJobsCompleted(kind, state string) {
	p.jobsCompleted.WithLabelValues(kind, state).Inc()
}

func (p *Prom) ObserveJobDuration(kind string, seconds float64) {
	p.jobDuration.WithLabelValues(kind).Observe(seconds)
}

func (p *Prom) SetQueueDepth(pool string, depth int) {
	p.queueDepth.WithLabelValues(pool).Set(float64(depth))
}

func (p *Prom) SetSessionsActive(n int) {
	p.sessionsActive.Set(float64(n))
}

func (p *Prom) IncSessionsDestroyed(reason string) {
	p.sessionsDestroyed.WithLabelValues(reason).Inc()
}

func (p *Prom) IncOrphanedJobs() {
	p.orphanedJobs.Inc()
}

func (p *Prom) ObserveRequest(method, route, status string, durationSeconds float64) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

// Handler は /metrics 用のHTTPハンドラーを返します。
func Handler() http.Handler {
	return promhttp.Handler()
}
