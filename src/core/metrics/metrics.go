package metrics

import (
	"github.com/maypok86/otter/v2/stats"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	DecisionsTotal     *prometheus.CounterVec
	EventsDroppedTotal *prometheus.CounterVec
	RefreshesTotal     *prometheus.CounterVec
	RefreshDuration    prometheus.Histogram
	Generation         prometheus.Gauge
	TableEntries       *prometheus.GaugeVec
	TableOpsTotal      *prometheus.CounterVec
	DataplanePackets   *prometheus.GaugeVec
	ErrorsTotal        *prometheus.CounterVec
	SamplerCacheStats  *stats.Counter
	SamplerHits        prometheus.CounterFunc
	SamplerMisses      prometheus.CounterFunc
	SamplerEvictions   prometheus.CounterFunc
}

var metrics *Metrics

func init() {
	metrics = &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geofw",
				Subsystem: "core",
				Name:      "decisions_total",
				Help:      "Total number of observed classifier decisions",
			},
			[]string{"action", "country"},
		),
		EventsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geofw",
				Subsystem: "core",
				Name:      "events_dropped_total",
				Help:      "Total number of events dropped on a full queue",
			},
			[]string{"stage"},
		),
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geofw",
				Subsystem: "core",
				Name:      "refreshes_total",
				Help:      "Total number of refresh cycles by result",
			},
			[]string{"result"},
		),
		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "geofw",
				Subsystem: "core",
				Name:      "refresh_duration_seconds",
				Help:      "Duration of refresh cycles",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		Generation: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "geofw",
				Subsystem: "core",
				Name:      "generation",
				Help:      "Currently enforced generation",
			},
		),
		TableEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "geofw",
				Subsystem: "core",
				Name:      "table_entries",
				Help:      "Number of enforced table entries",
			},
			[]string{"family"},
		),
		TableOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geofw",
				Subsystem: "core",
				Name:      "table_ops_total",
				Help:      "Total number of table operations",
			},
			[]string{"op"},
		),
		DataplanePackets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "geofw",
				Subsystem: "dataplane",
				Name:      "packets",
				Help:      "Packets seen by the classifier since attach",
			},
			[]string{"result"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "geofw",
				Subsystem: "core",
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"error"},
		),
		SamplerCacheStats: stats.NewCounter(),
	}

	// suppressed verdicts are cache hits
	metrics.SamplerHits = samplerFunc("hits_total", "Verdict events suppressed by the sampler", func(s stats.Stats) uint64 { return s.Hits })
	metrics.SamplerMisses = samplerFunc("misses_total", "Verdict events passed by the sampler", func(s stats.Stats) uint64 { return s.Misses })
	metrics.SamplerEvictions = samplerFunc("evictions_total", "Sampler entries evicted before expiry", func(s stats.Stats) uint64 { return s.Evictions })
}

func samplerFunc(name, help string, value func(stats.Stats) uint64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: "geofw",
			Subsystem: "sampler",
			Name:      name,
			Help:      help,
		},
		func() float64 {
			return float64(value(metrics.SamplerCacheStats.Snapshot()))
		},
	)
}

func Get() *Metrics {
	return metrics
}

func (m *Metrics) Register(reg *prometheus.Registry) {
	reg.MustRegister(m.DecisionsTotal)
	reg.MustRegister(m.EventsDroppedTotal)
	reg.MustRegister(m.RefreshesTotal)
	reg.MustRegister(m.RefreshDuration)
	reg.MustRegister(m.Generation)
	reg.MustRegister(m.TableEntries)
	reg.MustRegister(m.TableOpsTotal)
	reg.MustRegister(m.DataplanePackets)
	reg.MustRegister(m.ErrorsTotal)
	reg.MustRegister(m.SamplerHits)
	reg.MustRegister(m.SamplerMisses)
	reg.MustRegister(m.SamplerEvictions)
}
