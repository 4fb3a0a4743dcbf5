// Package metrics provides Prometheus collectors for probing runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricModelCallsTotal      = "kbprobe_model_calls_total"
	MetricModelCallDuration    = "kbprobe_model_call_duration_seconds"
	MetricBatchesTotal         = "kbprobe_batches_total"
	MetricSamplesTotal         = "kbprobe_samples_total"
	MetricExclusionsTotal      = "kbprobe_excluded_samples_total"
	MetricCacheHitsTotal       = "kbprobe_cache_hits_total"
	MetricCacheMissesTotal     = "kbprobe_cache_misses_total"
	MetricBusPublishedTotal    = "kbprobe_bus_events_published_total"
	MetricBusErrorsTotal       = "kbprobe_bus_errors_total"
	MetricBusPublishDuration   = "kbprobe_bus_publish_duration_seconds"
	MetricRelationMRR          = "kbprobe_relation_mrr"
	MetricRelationPrecisionAt1 = "kbprobe_relation_precision_at_1"
	MetricWeightsLoss          = "kbprobe_weights_loss"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics contains the collectors of one run. All methods are safe for
// concurrent use.
type Metrics struct {
	modelCalls    *prometheus.CounterVec
	modelDuration *prometheus.HistogramVec
	batches       *prometheus.CounterVec
	samples       *prometheus.CounterVec
	exclusions    *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	busPublished  *prometheus.CounterVec
	busErrors     *prometheus.CounterVec
	busDuration   *prometheus.HistogramVec
	relationMRR   *prometheus.GaugeVec
	relationP1    *prometheus.GaugeVec
	weightsLoss   *prometheus.GaugeVec
}

// NewMetrics creates unregistered collectors. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		modelCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricModelCallsTotal,
				Help: "Total number of model calls by operation and status",
			},
			[]string{"op", "status"},
		),
		modelDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricModelCallDuration,
				Help:    "Model call latency in seconds by operation",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"op"},
		),
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBatchesTotal,
				Help: "Total number of batches evaluated by relation",
			},
			[]string{"relation"},
		),
		samples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricSamplesTotal,
				Help: "Total number of samples scored by relation",
			},
			[]string{"relation"},
		),
		exclusions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricExclusionsTotal,
				Help: "Total number of samples excluded before scoring by relation and reason",
			},
			[]string{"relation", "reason"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCacheHitsTotal,
				Help: "Total number of score cache hits",
			},
			[]string{"cache"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCacheMissesTotal,
				Help: "Total number of score cache misses",
			},
			[]string{"cache"},
		),
		busPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBusPublishedTotal,
				Help: "Total number of events published by topic",
			},
			[]string{"topic"},
		),
		busErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBusErrorsTotal,
				Help: "Total number of failed event publishes by topic",
			},
			[]string{"topic"},
		),
		busDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricBusPublishDuration,
				Help:    "Event publish latency in seconds by topic",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		relationMRR: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricRelationMRR,
				Help: "Mean reciprocal rank of the last run by relation",
			},
			[]string{"relation"},
		),
		relationP1: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricRelationPrecisionAt1,
				Help: "Precision at 1 of the last run by relation",
			},
			[]string{"relation"},
		),
		weightsLoss: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricWeightsLoss,
				Help: "Latest template weight training loss by relation",
			},
			[]string{"relation"},
		),
	}
}

// Collectors returns every collector.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.modelCalls,
		m.modelDuration,
		m.batches,
		m.samples,
		m.exclusions,
		m.cacheHits,
		m.cacheMisses,
		m.busPublished,
		m.busErrors,
		m.busDuration,
		m.relationMRR,
		m.relationP1,
		m.weightsLoss,
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveModelCall records one model call.
func (m *Metrics) ObserveModelCall(op string, d time.Duration, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusFailure
	}
	m.modelCalls.WithLabelValues(op, status).Inc()
	m.modelDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordBatch records one evaluated batch of n samples.
func (m *Metrics) RecordBatch(relation string, n int) {
	m.batches.WithLabelValues(relation).Inc()
	m.samples.WithLabelValues(relation).Add(float64(n))
}

// RecordExclusions records excluded samples by reason.
func (m *Metrics) RecordExclusions(relation string, byReason map[string]int) {
	for reason, n := range byReason {
		m.exclusions.WithLabelValues(relation, reason).Add(float64(n))
	}
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordBusPublish records bus publish metrics.
func (m *Metrics) RecordBusPublish(topic string, latencyMs int64, err error) {
	m.busPublished.WithLabelValues(topic).Inc()
	m.busDuration.WithLabelValues(topic).Observe(float64(latencyMs) / 1000)
	if err != nil {
		m.busErrors.WithLabelValues(topic).Inc()
	}
}

// SetRelationScores sets the headline metrics of a finished relation.
func (m *Metrics) SetRelationScores(relation string, mrr, p1 float64) {
	m.relationMRR.WithLabelValues(relation).Set(mrr)
	m.relationP1.WithLabelValues(relation).Set(p1)
}

// SetWeightsLoss records the latest weight training loss.
func (m *Metrics) SetWeightsLoss(relation string, loss float64) {
	m.weightsLoss.WithLabelValues(relation).Set(loss)
}
