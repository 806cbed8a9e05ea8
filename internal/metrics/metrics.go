// Package metrics exposes relay counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roomrelay"

// Collector implements relay.Observer and the hub's eviction hooks on top of
// Prometheus metrics.
type Collector struct {
	rooms       prometheus.Gauge
	connections prometheus.Gauge
	events      *prometheus.CounterVec
	discarded   *prometheus.CounterVec
	relayed     prometheus.Counter
	deliveries  prometheus.Counter
	evictions   prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers the relay metrics, plus Go runtime and process collectors,
// on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the relay metrics on reg and serves them from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Collector {
	c := &Collector{
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms currently alive.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open relay connections.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Client events handled, by type.",
		}, []string{"type"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_discarded_total",
			Help:      "Client events dropped, by reason.",
		}, []string{"reason"}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Messages appended to a room log and fanned out.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-recipient message notifications enqueued by fan-out.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Connections closed because their send buffer was full.",
		}),
		gatherer: g,
	}

	reg.MustRegister(c.rooms, c.connections, c.events, c.discarded, c.relayed, c.deliveries, c.evictions)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// ConnectionOpened counts a new relay connection.
func (c *Collector) ConnectionOpened() { c.connections.Inc() }

// ConnectionClosed counts a relay connection going away.
func (c *Collector) ConnectionClosed() { c.connections.Dec() }

// EventHandled counts an accepted client event by type.
func (c *Collector) EventHandled(eventType string) {
	c.events.WithLabelValues(eventType).Inc()
}

// EventDiscarded counts a dropped client event by reason.
func (c *Collector) EventDiscarded(reason string) {
	c.discarded.WithLabelValues(reason).Inc()
}

// RoomCreated counts a room coming into existence.
func (c *Collector) RoomCreated() { c.rooms.Inc() }

// RoomDeleted counts a room removed after its last member left.
func (c *Collector) RoomDeleted() { c.rooms.Dec() }

// MessageRelayed counts one relayed message and its recipients.
func (c *Collector) MessageRelayed(recipients int) {
	c.relayed.Inc()
	c.deliveries.Add(float64(recipients))
}

// ConnectionEvicted counts a slow consumer dropped by the hub.
func (c *Collector) ConnectionEvicted() { c.evictions.Inc() }
