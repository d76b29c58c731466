package metrics

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

const namespace = "treewatch"

// Registry owns the treewatch collectors. All methods are safe on a nil Registry, which
// records nothing.
type Registry struct {
	registry *prometheus.Registry

	watchesActive  prometheus.Gauge
	watchesAdded   prometheus.Counter
	watchesRemoved prometheus.Counter
	events         *prometheus.CounterVec
	overflows      prometheus.Counter
	scanDuration   prometheus.Histogram
	pendingMoves   prometheus.Gauge
	busPublished   *prometheus.CounterVec
	busDropped     *prometheus.CounterVec
	busSubscribers *prometheus.GaugeVec
}

var Default = NewRegistry()

// NewRegistry creates a Registry backed by its own prometheus registry, with the Go runtime
// and process collectors included.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		watchesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watches_active",
			Help:      "Directories currently holding a backend watch",
		}),
		watchesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watches_added_total",
			Help:      "Backend watches registered",
		}),
		watchesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watches_removed_total",
			Help:      "Backend watches released",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events delivered to the consumer",
		}, []string{"kind"}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overflows_total",
			Help:      "Backend event queue overflows",
		}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of initial scans and resyncs",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		pendingMoves: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_moves",
			Help:      "Move-out notifications waiting for their counterpart",
		}),
		busPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_published_total",
			Help:      "Events published on an event bus",
		}, []string{"bus", "type"}),
		busDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_dropped_total",
			Help:      "Events dropped because a subscriber was full",
		}, []string{"bus", "type"}),
		busSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_subscribers",
			Help:      "Event bus subscribers",
		}, []string{"bus", "filtered"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.watchesActive,
		r.watchesAdded,
		r.watchesRemoved,
		r.events,
		r.overflows,
		r.scanDuration,
		r.pendingMoves,
		r.busPublished,
		r.busDropped,
		r.busSubscribers,
	)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{})
}

// WritePrometheus writes every gathered family in the text exposition format.
func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}
	families, err := r.registry.Gather()
	if err != nil {
		return err
	}
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(writer, family); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) SetActiveWatches(count int) {
	if r == nil {
		return
	}
	r.watchesActive.Set(float64(count))
}

func (r *Registry) IncWatchesAdded() {
	if r == nil {
		return
	}
	r.watchesAdded.Inc()
}

func (r *Registry) IncWatchesRemoved() {
	if r == nil {
		return
	}
	r.watchesRemoved.Inc()
}

func (r *Registry) IncEvent(kind string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(normalizeLabel(kind)).Inc()
}

func (r *Registry) IncOverflows() {
	if r == nil {
		return
	}
	r.overflows.Inc()
}

func (r *Registry) ObserveScan(duration time.Duration) {
	if r == nil {
		return
	}
	r.scanDuration.Observe(duration.Seconds())
}

func (r *Registry) SetPendingMoves(count int) {
	if r == nil {
		return
	}
	r.pendingMoves.Set(float64(count))
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	r.busPublished.WithLabelValues(normalizeLabel(bus), normalizeLabel(eventType)).Inc()
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	r.busDropped.WithLabelValues(normalizeLabel(bus), normalizeLabel(eventType)).Inc()
}

func (r *Registry) SetEventSubscriberCounts(bus string, filtered, unfiltered int) {
	if r == nil {
		return
	}
	name := normalizeLabel(bus)
	r.busSubscribers.WithLabelValues(name, "true").Set(float64(filtered))
	r.busSubscribers.WithLabelValues(name, "false").Set(float64(unfiltered))
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
