package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conduit"

type Registry struct {
	registry *prometheus.Registry

	eventsPublished  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	eventSubscribers *prometheus.GaugeVec

	sessionsStarted *prometheus.CounterVec
	sessionsEnded   *prometheus.CounterVec
	sessionsLive    prometheus.Gauge

	gatewayConnections prometheus.Gauge
	gatewayFrames      *prometheus.CounterVec

	statusRefreshes       *prometheus.CounterVec
	statusRefreshDuration *prometheus.HistogramVec
}

var Default = NewRegistry()

func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published on an event bus.",
		}, []string{"bus", "type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events that could not be delivered to a subscriber.",
		}, []string{"bus", "type"}),
		eventSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Current subscribers per event bus.",
		}, []string{"bus"}),
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Agent sessions started.",
		}, []string{"vendor"}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Agent sessions ended.",
		}, []string{"vendor", "reason"}),
		sessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Agent sessions with a live process.",
		}),
		gatewayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_connections",
			Help:      "Open realtime gateway connections.",
		}),
		gatewayFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_frames_total",
			Help:      "Gateway frames by direction and message type.",
		}, []string{"direction", "type"}),
		statusRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_refreshes_total",
			Help:      "Workspace status facet computations by outcome.",
		}, []string{"facet", "outcome"}),
		statusRefreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "status_refresh_duration_seconds",
			Help:      "Duration of workspace status facet computations.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"facet"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.eventsPublished,
		r.eventsDropped,
		r.eventSubscribers,
		r.sessionsStarted,
		r.sessionsEnded,
		r.sessionsLive,
		r.gatewayConnections,
		r.gatewayFrames,
		r.statusRefreshes,
		r.statusRefreshDuration,
	)
	return r
}

func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	r.eventsPublished.WithLabelValues(label(bus), label(eventType)).Inc()
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	r.eventsDropped.WithLabelValues(label(bus), label(eventType)).Inc()
}

func (r *Registry) SetEventSubscribers(bus string, count int) {
	if r == nil {
		return
	}
	r.eventSubscribers.WithLabelValues(label(bus)).Set(float64(count))
}

func (r *Registry) IncSessionStarted(vendor string) {
	if r == nil {
		return
	}
	r.sessionsStarted.WithLabelValues(label(vendor)).Inc()
	r.sessionsLive.Inc()
}

func (r *Registry) IncSessionEnded(vendor, reason string) {
	if r == nil {
		return
	}
	r.sessionsEnded.WithLabelValues(label(vendor), label(reason)).Inc()
	r.sessionsLive.Dec()
}

func (r *Registry) GatewayConnected() {
	if r == nil {
		return
	}
	r.gatewayConnections.Inc()
}

func (r *Registry) GatewayDisconnected() {
	if r == nil {
		return
	}
	r.gatewayConnections.Dec()
}

func (r *Registry) IncGatewayFrame(direction, messageType string) {
	if r == nil {
		return
	}
	r.gatewayFrames.WithLabelValues(label(direction), label(messageType)).Inc()
}

func (r *Registry) ObserveStatusRefresh(facet, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.statusRefreshes.WithLabelValues(label(facet), label(outcome)).Inc()
	r.statusRefreshDuration.WithLabelValues(label(facet)).Observe(duration.Seconds())
}

func label(value string) string {
	if strings.TrimSpace(value) == "" {
		return "unknown"
	}
	return value
}
