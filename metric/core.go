package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all relay-level metrics (not component-specific)
type Metrics struct {
	// Service metrics
	ServiceStatus     *prometheus.GaugeVec
	ErrorsTotal       *prometheus.CounterVec
	HealthCheckStatus *prometheus.GaugeVec

	// Socket metrics
	SocketsActive prometheus.Gauge
	SocketsOpened prometheus.Counter
	SocketsClosed *prometheus.CounterVec

	// Message flow metrics
	MessagesReceived  *prometheus.CounterVec
	MessagesPublished prometheus.Counter
	MessagesDelivered prometheus.Counter
	MessagesRetained  prometheus.Gauge
	OutboundDropped   prometheus.Counter
	PublishDuration   prometheus.Histogram

	// Subscription metrics
	SubscriptionsActive prometheus.Gauge

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all relay metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "relaybus",
				Subsystem: "service",
				Name:      "status",
				Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"service"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaybus",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "type"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "relaybus",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),

		SocketsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "relaybus",
				Subsystem: "sockets",
				Name:      "active",
				Help:      "Number of currently connected sockets",
			},
		),

		SocketsOpened: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relaybus",
				Subsystem: "sockets",
				Name:      "opened_total",
				Help:      "Total number of sockets accepted",
			},
		),

		SocketsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaybus",
				Subsystem: "sockets",
				Name:      "closed_total",
				Help:      "Total number of sockets closed, by close code",
			},
			[]string{"code"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaybus",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of JSON-RPC requests received",
			},
			[]string{"method"},
		),

		MessagesPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relaybus",
				Subsystem: "messages",
				Name:      "published_total",
				Help:      "Total number of messages published to the broker",
			},
		),

		MessagesDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relaybus",
				Subsystem: "messages",
				Name:      "delivered_total",
				Help:      "Total number of messages delivered to subscribers",
			},
		),

		MessagesRetained: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "relaybus",
				Subsystem: "messages",
				Name:      "retained",
				Help:      "Number of messages currently retained for replay",
			},
		),

		OutboundDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relaybus",
				Subsystem: "sockets",
				Name:      "outbound_dropped_total",
				Help:      "Total messages dropped from full outbound socket queues",
			},
		),

		PublishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "relaybus",
				Subsystem: "messages",
				Name:      "publish_duration_seconds",
				Help:      "Publish processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		SubscriptionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "relaybus",
				Subsystem: "subscriptions",
				Name:      "active",
				Help:      "Number of active topic subscriptions",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "relaybus",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "relaybus",
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relaybus",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "relaybus",
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open)",
			},
		),
	}
}

// RecordServiceStatus updates service status metric
func (c *Metrics) RecordServiceStatus(service string, status int) {
	c.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordError increments error counter
func (c *Metrics) RecordError(component, errorType string) {
	c.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(component).Set(value)
}

// RecordSocketOpened tracks a newly accepted socket
func (c *Metrics) RecordSocketOpened() {
	c.SocketsOpened.Inc()
	c.SocketsActive.Inc()
}

// RecordSocketClosed tracks a closed socket with its close code
func (c *Metrics) RecordSocketClosed(code string) {
	c.SocketsClosed.WithLabelValues(code).Inc()
	c.SocketsActive.Dec()
}

// RecordMessageReceived increments the received counter for a JSON-RPC method
func (c *Metrics) RecordMessageReceived(method string) {
	c.MessagesReceived.WithLabelValues(method).Inc()
}

// RecordMessagePublished increments the published message counter
func (c *Metrics) RecordMessagePublished() {
	c.MessagesPublished.Inc()
}

// RecordMessageDelivered increments the delivered message counter
func (c *Metrics) RecordMessageDelivered() {
	c.MessagesDelivered.Inc()
}

// RecordSubscriptionAdded increments the active subscription gauge
func (c *Metrics) RecordSubscriptionAdded() {
	c.SubscriptionsActive.Inc()
}

// RecordSubscriptionRemoved decrements the active subscription gauge
func (c *Metrics) RecordSubscriptionRemoved() {
	c.SubscriptionsActive.Dec()
}

// RecordMessagesRetained sets the retained message gauge
func (c *Metrics) RecordMessagesRetained(count int) {
	c.MessagesRetained.Set(float64(count))
}

// RecordPublishDuration records publish processing time
func (c *Metrics) RecordPublishDuration(duration time.Duration) {
	c.PublishDuration.Observe(duration.Seconds())
}

// RecordOutboundDropped increments the dropped outbound message counter
func (c *Metrics) RecordOutboundDropped() {
	c.OutboundDropped.Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}
