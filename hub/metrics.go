package hub

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/speters/vitoconnect/datapoint"
	"github.com/speters/vitoconnect/optolink"
)

// Metrics are the prometheus collectors of a hub. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	exchanges     *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	rejects       prometheus.Counter
	cycles        prometheus.Counter
	cycleDuration prometheus.Gauge
	cycleFailures prometheus.Gauge
	values        *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with r
func NewMetrics(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vitoconnect",
			Name:      "exchanges_total",
			Help:      "Optolink exchanges by operation and result.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vitoconnect",
			Name:      "exchange_duration_seconds",
			Help:      "Duration of Optolink exchanges including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		rejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vitoconnect",
			Name:      "writes_rejected_total",
			Help:      "Write requests rejected before reaching the device.",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vitoconnect",
			Name:      "poll_cycles_total",
			Help:      "Completed poll cycles.",
		}),
		cycleDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vitoconnect",
			Name:      "poll_cycle_duration_seconds",
			Help:      "Duration of the latest poll cycle.",
		}),
		cycleFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vitoconnect",
			Name:      "poll_cycle_failures",
			Help:      "Failed reads in the latest poll cycle.",
		}),
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vitoconnect",
			Name:      "datapoint_value",
			Help:      "Latest value of each datapoint, booleans as 0/1.",
		}, []string{"datapoint", "kind"}),
	}
	r.MustRegister(m.exchanges, m.duration, m.rejects, m.cycles, m.cycleDuration, m.cycleFailures, m.values)
	return m
}

func (m *Metrics) exchange(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		if optolink.IsRetriesExhausted(err) {
			result = "retries_exhausted"
		}
	}
	m.exchanges.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.rejects.Inc()
}

func (m *Metrics) cycle(r Report) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Set(r.Duration.Seconds())
	m.cycleFailures.Set(float64(r.Failed()))
}

func (m *Metrics) value(dp *datapoint.Datapoint, v interface{}) {
	if m == nil {
		return
	}
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case bool:
		if x {
			f = 1
		}
	default:
		return
	}
	m.values.WithLabelValues(dp.Name, dp.Kind.String()).Set(f)
}
