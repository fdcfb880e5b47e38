// Package metrics exposes the farm's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "homestead"

// Label values
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
	ResultKilled  = "killed"

	ModeDirect  = "direct"
	ModeTractor = "tractor"
)

// Metrics holds the collectors registered on its own registry
type Metrics struct {
	registry *prometheus.Registry

	Plants           *prometheus.CounterVec
	Works            *prometheus.CounterVec
	Harvests         *prometheus.CounterVec
	HarvestedAmount  prometheus.Counter
	MiningAttempts   *prometheus.CounterVec
	MiningDuration   prometheus.Histogram
	DeadLetters      *prometheus.CounterVec
	BlockTransitions *prometheus.CounterVec
	BlockIndex       prometheus.Gauge
	QueueDepth       prometheus.Gauge
}

// New creates the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Plants: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plants_total",
			Help:      "Plant submissions by result.",
		}, []string{"result"}),
		Works: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "works_total",
			Help:      "Work submissions by result.",
		}, []string{"result"}),
		Harvests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "harvests_total",
			Help:      "Harvest attempts by mode and result.",
		}, []string{"mode", "result"}),
		HarvestedAmount: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "harvested_amount_total",
			Help:      "Harvested rewards in whole tokens.",
		}),
		MiningAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mining_attempts_total",
			Help:      "Mining subprocess runs by result.",
		}, []string{"result"}),
		MiningDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mining_duration_seconds",
			Help:      "Wall time of mining subprocess runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 240, 300},
		}),
		DeadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Harvest claims abandoned after retry exhaustion.",
		}, []string{"mode"}),
		BlockTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_transitions_total",
			Help:      "Farmer resets by cause.",
		}, []string{"cause"}),
		BlockIndex: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "block_index",
			Help:      "Current farm block index.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "harvest_queue_depth",
			Help:      "Pending harvest requests.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Plant(result string) {
	if m != nil {
		m.Plants.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Work(result string) {
	if m != nil {
		m.Works.WithLabelValues(result).Inc()
	}
}

// Harvest records a harvest attempt and the reward it paid
func (m *Metrics) Harvest(mode, result string, amount float64) {
	if m == nil {
		return
	}
	m.Harvests.WithLabelValues(mode, result).Inc()
	if amount > 0 {
		m.HarvestedAmount.Add(amount)
	}
}

func (m *Metrics) Mining(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.MiningAttempts.WithLabelValues(result).Inc()
	m.MiningDuration.Observe(d.Seconds())
}

func (m *Metrics) DeadLetter(mode string) {
	if m != nil {
		m.DeadLetters.WithLabelValues(mode).Inc()
	}
}

// Transition records a farmer reset caused by "changed" or "stale"
func (m *Metrics) Transition(cause string, block uint32) {
	if m == nil {
		return
	}
	m.BlockTransitions.WithLabelValues(cause).Inc()
	m.BlockIndex.Set(float64(block))
}

func (m *Metrics) Queue(depth int) {
	if m != nil {
		m.QueueDepth.Set(float64(depth))
	}
}
