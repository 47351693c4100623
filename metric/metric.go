// Package metric provides optional Prometheus instrumentation for a
// connection. All record methods are nil-safe so callers can run without
// metrics entirely.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one connection.
type Metrics struct {
	Connected        prometheus.Gauge
	Reconnects       prometheus.Counter
	LinesIn          prometheus.Counter
	LinesOut         prometheus.Counter
	QueueDepth       prometheus.Gauge
	Incoming         *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
	Acknowledgements *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	DispatchDuration prometheus.Histogram
}

// New creates the collectors. Register them with Register before use.
func New() *Metrics {
	return &Metrics{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nextyate",
			Subsystem: "transport",
			Name:      "connected",
			Help:      "Whether the engine connection is up (0 or 1)",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nextyate",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Total number of successful reconnects",
		}),
		LinesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nextyate",
			Subsystem: "transport",
			Name:      "lines_in_total",
			Help:      "Total lines read from the engine",
		}),
		LinesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nextyate",
			Subsystem: "transport",
			Name:      "lines_out_total",
			Help:      "Total lines written to the engine",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nextyate",
			Subsystem: "transport",
			Name:      "offline_queue_depth",
			Help:      "Lines currently parked in the offline queue",
		}),
		Incoming: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nextyate",
			Subsystem: "router",
			Name:      "incoming_total",
			Help:      "Incoming engine messages by name",
		}, []string{"name"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nextyate",
			Subsystem: "router",
			Name:      "notifications_total",
			Help:      "Watcher notifications by name",
		}, []string{"name"}),
		Acknowledgements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nextyate",
			Subsystem: "router",
			Name:      "acknowledgements_total",
			Help:      "Acknowledgements by outcome (handled, unhandled, deadline)",
		}, []string{"outcome"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nextyate",
			Subsystem: "router",
			Name:      "decode_errors_total",
			Help:      "Inbound lines that failed to decode",
		}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nextyate",
			Subsystem: "requests",
			Name:      "dispatch_duration_seconds",
			Help:      "Round-trip time of dispatched messages",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.Connected, m.Reconnects, m.LinesIn, m.LinesOut, m.QueueDepth,
		m.Incoming, m.Notifications, m.Acknowledgements, m.DecodeErrors,
		m.DispatchDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns an HTTP handler exposing reg in Prometheus format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RecordConnected flips the connection gauge.
func (m *Metrics) RecordConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

// RecordReconnect counts a successful reconnect.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// RecordLineIn counts one inbound line.
func (m *Metrics) RecordLineIn() {
	if m == nil {
		return
	}
	m.LinesIn.Inc()
}

// RecordLineOut counts one outbound line.
func (m *Metrics) RecordLineOut() {
	if m == nil {
		return
	}
	m.LinesOut.Inc()
}

// RecordQueueDepth tracks the offline queue length.
func (m *Metrics) RecordQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordIncoming counts an incoming message by name.
func (m *Metrics) RecordIncoming(name string) {
	if m == nil {
		return
	}
	m.Incoming.WithLabelValues(name).Inc()
}

// RecordNotification counts a watcher notification by name.
func (m *Metrics) RecordNotification(name string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(name).Inc()
}

// RecordAck counts an acknowledgement by outcome.
func (m *Metrics) RecordAck(outcome string) {
	if m == nil {
		return
	}
	m.Acknowledgements.WithLabelValues(outcome).Inc()
}

// RecordDecodeError counts an undecodable inbound line.
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// ObserveDispatch records the round-trip time of one dispatch.
func (m *Metrics) ObserveDispatch(d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchDuration.Observe(d.Seconds())
}
