package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exported metric names, all under the ivr_ namespace.
const (
	MetricPipelineRuns    = "pipeline_runs_total"
	MetricStageFallbacks  = "stage_fallbacks_total"
	MetricStageDurationMS = "stage_duration_ms"
	MetricDropsTotal      = "telemetry_drops_total"
	MetricQueueDepth      = "telemetry_queue_depth"
)

// PrometheusSink maps call events onto collectors in its own registry.
type PrometheusSink struct {
	registry      *prometheus.Registry
	runs          *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

// NewPrometheusSink registers the ivr_* collectors plus Go and process collectors.
func NewPrometheusSink() *PrometheusSink {
	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ivr",
			Name:      MetricPipelineRuns,
			Help:      "Finished call pipeline runs by final status.",
		}, []string{"status"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ivr",
			Name:      MetricStageFallbacks,
			Help:      "Pipeline stages that degraded to a fallback value.",
		}, []string{"stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ivr",
			Name:      MetricStageDurationMS,
			Help:      "Pipeline stage latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"stage"}),
	}
	s.registry.MustRegister(
		s.runs,
		s.fallbacks,
		s.stageDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

func (s *PrometheusSink) Export(_ context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	switch event.Kind {
	case KindRunFinished:
		s.runs.WithLabelValues(event.Status).Inc()
	case KindStageFallback:
		s.fallbacks.WithLabelValues(event.Stage).Inc()
	case KindStageDuration:
		s.stageDuration.WithLabelValues(event.Stage).Observe(float64(event.Duration.Microseconds()) / 1000)
	}
	return nil
}

// RegisterPipeline exposes the queue counters of p, which cannot report
// through itself without feeding back into the queue.
func (s *PrometheusSink) RegisterPipeline(p *Pipeline) error {
	drops := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "ivr",
		Name:      MetricDropsTotal,
		Help:      "Telemetry events dropped by a full queue.",
	}, func() float64 { return float64(p.Stats().Dropped) })
	depth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ivr",
		Name:      MetricQueueDepth,
		Help:      "Telemetry events waiting for export.",
	}, func() float64 { return float64(p.Stats().QueueDepth) })
	for _, c := range []prometheus.Collector{drops, depth} {
		if err := s.registry.Register(c); err != nil {
			return fmt.Errorf("register pipeline collector: %w", err)
		}
	}
	return nil
}

// Registry exposes the underlying registry for tests and extra collectors.
func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the prometheus exposition format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}
