package keabot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
	"strconv"
	"time"
)

const metricsNamespace = "keabot"

const (
	outcomeOK       = "ok"
	outcomeIgnored  = "ignored"
	outcomeRejected = "rejected"
	outcomeError    = "error"
	outcomePanic    = "panic"
)

// Metrics holds the bot's prometheus collectors, registered on a
// registry of their own rather than the global default.
type Metrics struct {
	registry *prometheus.Registry

	events           *prometheus.CounterVec
	eventDuration    *prometheus.HistogramVec
	commands         *prometheus.CounterVec
	gold             *prometheus.CounterVec
	media            *prometheus.CounterVec
	apiRequests      *prometheus.CounterVec
	gatewayConnected prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_total",
				Help:      "Gateway events handled, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		eventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "event_duration_seconds",
				Help:      "Time spent handling gateway events",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commands_total",
				Help:      "Commands invoked, by command name",
			},
			[]string{"command"},
		),
		gold: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "gold_total",
				Help:      "Gold reactions counted, by action and kind",
			},
			[]string{"action", "kind"},
		),
		media: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "media_attachments_total",
				Help:      "Attachments processed by addimage, by result",
			},
			[]string{"result"},
		),
		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "api_requests_total",
				Help:      "API requests, by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		gatewayConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "gateway_connected",
				Help:      "1 while connected to the discord gateway",
			},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events,
		m.eventDuration,
		m.commands,
		m.gold,
		m.media,
		m.apiRequests,
		m.gatewayConnected,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The observe methods are no-ops on a nil *Metrics.

func (m *Metrics) observeEvent(kind EventKind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(kind), outcome).Inc()
	m.eventDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (m *Metrics) observeCommand(command string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command).Inc()
}

func (m *Metrics) observeGold(kind EventKind, self bool) {
	if m == nil {
		return
	}
	action := "gift"
	if self {
		action = "self"
	}
	m.gold.WithLabelValues(action, string(kind)).Inc()
}

func (m *Metrics) observeMedia(result string) {
	if m == nil {
		return
	}
	m.media.WithLabelValues(result).Inc()
}

func (m *Metrics) observeAPIRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) setGatewayConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.gatewayConnected.Set(1)
		return
	}
	m.gatewayConnected.Set(0)
}
