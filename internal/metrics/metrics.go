// Package metrics records pipeline run metrics in a Prometheus registry
// and optionally pushes them to a Pushgateway when a run ends.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const Namespace = "conveyor"

// Recorder owns a registry and the pipeline collectors registered in it.
type Recorder struct {
	Registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	stageFailures   *prometheus.CounterVec
	tests           *prometheus.GaugeVec
	cleanupTotal    prometheus.Counter
	cleanupFailures prometheus.Counter
	lastRun         prometheus.Gauge
}

// New creates a Recorder with a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		Registry: reg,
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_total",
			Help:      "Count of pipeline runs by terminal status",
		}, []string{"status"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"stage", "status"}),
		stageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "stage_failures_total",
			Help:      "Count of stage failures by error kind",
		}, []string{"stage", "kind"}),
		tests: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "tests",
			Help:      "Test cases in the last report by result",
		}, []string{"result"}),
		cleanupTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cleanup_total",
			Help:      "Count of cleanup invocations",
		}),
		cleanupFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cleanup_failures_total",
			Help:      "Count of cleanup steps that failed",
		}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
	}
}

// Stage records a finished stage. kind is empty unless the stage failed.
func (r *Recorder) Stage(stage, status, kind string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
	if kind != "" {
		r.stageFailures.WithLabelValues(stage, kind).Inc()
	}
}

// Tests sets the test gauges from a report summary.
func (r *Recorder) Tests(passed, failed, errored, skipped int) {
	if r == nil {
		return
	}
	r.tests.WithLabelValues("pass").Set(float64(passed))
	r.tests.WithLabelValues("fail").Set(float64(failed))
	r.tests.WithLabelValues("error").Set(float64(errored))
	r.tests.WithLabelValues("skip").Set(float64(skipped))
}

// Cleanup records a cleanup invocation and the number of steps that failed.
func (r *Recorder) Cleanup(failures int) {
	if r == nil {
		return
	}
	r.cleanupTotal.Inc()
	r.cleanupFailures.Add(float64(failures))
}

// Run records the terminal status of a run.
func (r *Recorder) Run(status string, finished time.Time) {
	if r == nil {
		return
	}
	r.runsTotal.WithLabelValues(status).Inc()
	r.lastRun.Set(float64(finished.Unix()))
}

// Push sends the registry to a Pushgateway under job, grouped by branch.
func (r *Recorder) Push(url, job, branch string) error {
	if r == nil || url == "" {
		return nil
	}
	p := push.New(url, job).Gatherer(r.Registry)
	if branch != "" {
		p = p.Grouping("branch", branch)
	}
	if err := p.Push(); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}
