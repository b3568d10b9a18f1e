package dogpile

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// outcome labels the dogpile-lock branch a get_or_create call took, the way
// the teacher's MetricSet labels {mem,redis,db} hit sources.
type outcome string

const (
	outcomeFresh       outcome = "fresh"
	outcomeStaleServed outcome = "stale_served"
	outcomeRegenerated outcome = "regenerated"
	outcomeColdBlocked outcome = "cold_blocked"
)

var outcomeLabels = []string{"outcome"}

// MetricSet mirrors the teacher's MetricSet: a Hit counter, a Latency
// histogram, and an Error counter, registered against the default
// Prometheus registry (or a caller-supplied one).
type MetricSet struct {
	Hit     *prometheus.CounterVec
	Latency *prometheus.HistogramVec
	Error   *prometheus.CounterVec
}

var latencyBucketsMs = []float64{1, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

// newMetricSet builds the region's metric vectors, named after regionName.
func newMetricSet(regionName string) *MetricSet {
	return &MetricSet{
		Hit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_dogpile_get_or_create_total", regionName),
			Help: "get_or_create outcomes: fresh, stale_served, regenerated, cold_blocked.",
		}, outcomeLabels),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_dogpile_latency_ms", regionName),
			Help:    "get_or_create latency in ms, by outcome.",
			Buckets: latencyBucketsMs,
		}, outcomeLabels),
		Error: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_dogpile_error_total", regionName),
			Help: "internal errors encountered while servicing get_or_create.",
		}, []string{"when"}),
	}
}

// register registers the metric vectors against reg, logging (not failing)
// a duplicate-registration error the way the teacher's NewCache does.
func (m *MetricSet) register(reg prometheus.Registerer) {
	if err := reg.Register(m.Hit); err != nil {
		log.Err(err).Msg("dogpile: failed to register hit counter")
	}
	if err := reg.Register(m.Latency); err != nil {
		log.Err(err).Msg("dogpile: failed to register latency histogram")
	}
	if err := reg.Register(m.Error); err != nil {
		log.Err(err).Msg("dogpile: failed to register error counter")
	}
}

func (m *MetricSet) unregister(reg prometheus.Registerer) {
	reg.Unregister(m.Hit)
	reg.Unregister(m.Latency)
	reg.Unregister(m.Error)
}

func (m *MetricSet) recordOutcome(o outcome, startMs float64, nowMs float64) {
	m.Hit.WithLabelValues(string(o)).Inc()
	m.Latency.WithLabelValues(string(o)).Observe(nowMs - startMs)
}
