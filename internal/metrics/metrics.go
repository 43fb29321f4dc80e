// Package metrics exposes profiler health as Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coral-mesh/wallprof/internal/sampler"
	"github.com/coral-mesh/wallprof/internal/wall"
)

const namespace = "wallprof"

// Metrics holds the collectors. It implements wall.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	stops       *prometheus.CounterVec
	samples     *prometheus.CounterVec
	contexts    *prometheus.CounterVec
	inversions  prometheus.Counter
	stalls      *prometheus.CounterVec
	stopLatency prometheus.Histogram
	profilers   prometheus.Gauge

	mu       sync.Mutex
	samplers map[string]sampler.Stats
}

// New creates the collectors and registers them on reg. A nil reg gets a
// fresh registry.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_stops_total",
			Help:      "Stopped wall profiling sessions",
		}, []string{"restart"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Samples by outcome",
		}, []string{"source", "outcome"}),
		contexts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_snapshots_total",
			Help:      "Context snapshots by correlation outcome",
		}, []string{"outcome"}),
		inversions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timestamp_inversions_total",
			Help:      "Adjacent engine samples seen out of order",
		}),
		stalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stalls_total",
			Help:      "Sessions whose engine sample processing looked stuck",
		}, []string{"level"}),
		stopLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stop_duration_seconds",
			Help:      "Time spent in Stop, translation included",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
		}),
		profilers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_profilers",
			Help:      "Wall profilers currently started",
		}),
		samplers: make(map[string]sampler.Stats),
	}

	for _, c := range []prometheus.Collector{
		m.stops, m.samples, m.contexts, m.inversions, m.stalls, m.stopLatency, m.profilers,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveStop records one stopped session.
func (m *Metrics) ObserveStop(r wall.StopReport) {
	restart := "false"
	if r.Restart {
		restart = "true"
	}
	m.stops.WithLabelValues(restart).Inc()

	m.samples.WithLabelValues("wall", "captured").Add(float64(r.EngineSamples))
	m.samples.WithLabelValues("wall", "unmatched").Add(float64(r.Correlation.UnmatchedSamples))
	m.contexts.WithLabelValues("matched").Add(float64(r.Correlation.Matched))
	m.contexts.WithLabelValues("stale").Add(float64(r.Correlation.DroppedStale))
	m.contexts.WithLabelValues("dropped").Add(float64(r.DroppedSnapshots))
	m.inversions.Add(float64(r.Correlation.Inversions))

	if r.Stall.Detected() {
		m.stalls.WithLabelValues(r.Stall.String()).Inc()
	}
	m.stopLatency.Observe(r.Latency.Seconds())
}

// ProfilerStarted and ProfilerStopped track the live profiler gauge.
func (m *Metrics) ProfilerStarted() { m.profilers.Inc() }

func (m *Metrics) ProfilerStopped() { m.profilers.Dec() }

// ObserveSampler adds the growth of a CPU sampler's counters since the last
// call for the same name.
func (m *Metrics) ObserveSampler(name string, s sampler.Stats) {
	m.mu.Lock()
	prev := m.samplers[name]
	m.samplers[name] = s
	m.mu.Unlock()

	m.samples.WithLabelValues("cpu", "captured").Add(delta(s.Captured, prev.Captured))
	m.samples.WithLabelValues("cpu", "dropped").Add(delta(s.Dropped, prev.Dropped))
	m.samples.WithLabelValues("cpu", "idle").Add(delta(s.Idle, prev.Idle))
	m.samples.WithLabelValues("cpu", "unresolved").Add(delta(s.Unresolved, prev.Unresolved))
}

func delta(cur, prev uint64) float64 {
	if cur < prev {
		return float64(cur)
	}
	return float64(cur - prev)
}
