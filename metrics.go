package gnats

import (
	"maps"
	"time"
)

// MetricLabels are the label pairs of one metric series.
type MetricLabels map[string]string

// Metrics hands out metric series by name and labels. Implementations must
// return the same series for equal (name, labels) pairs and be safe for
// concurrent use.
type Metrics interface {
	Counter(name string, labels MetricLabels) Counter
	Gauge(name string, labels MetricLabels) Gauge
	Histogram(name string, labels MetricLabels) Histogram
}

type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Sub(delta float64)
	Value() float64
}

// Histogram records observations in seconds for durations.
type Histogram interface {
	Observe(value float64)
	ObserveDuration(d time.Duration)
	Count() uint64
	Sum() float64
}

// NoOpMetrics discards everything. It is the default when WithMetrics is
// not given.
type NoOpMetrics struct{}

var (
	discardCounter   Counter   = discard{}
	discardGauge     Gauge     = discard{}
	discardHistogram Histogram = discard{}
)

func (*NoOpMetrics) Counter(string, MetricLabels) Counter     { return discardCounter }
func (*NoOpMetrics) Gauge(string, MetricLabels) Gauge         { return discardGauge }
func (*NoOpMetrics) Histogram(string, MetricLabels) Histogram { return discardHistogram }

type discard struct{}

func (discard) Inc()                          {}
func (discard) Dec()                          {}
func (discard) Add(float64)                   {}
func (discard) Sub(float64)                   {}
func (discard) Set(float64)                   {}
func (discard) Value() float64                { return 0 }
func (discard) Observe(float64)               {}
func (discard) ObserveDuration(time.Duration) {}
func (discard) Count() uint64                 { return 0 }
func (discard) Sum() float64                  { return 0 }

// Metric names recorded by ClientMetrics.
const (
	MetricConnects          = "gnats_connects_total"
	MetricReconnects        = "gnats_reconnects_total"
	MetricReconnectAttempts = "gnats_reconnect_attempts_total" // dials while reconnecting
	MetricDisconnects       = "gnats_disconnects_total"
	MetricConnected         = "gnats_connected" // 1 while a session is live
	MetricMessagesReceived  = "gnats_messages_received_total"
	MetricMessagesSent      = "gnats_messages_sent_total"
	MetricBytesReceived     = "gnats_bytes_received_total" // payload bytes only
	MetricBytesSent         = "gnats_bytes_sent_total"
	MetricSubscriptions     = "gnats_subscriptions"
	MetricPendingBytes      = "gnats_pending_bytes" // reconnect buffer size
	MetricSlowConsumers     = "gnats_slow_consumer_dropped_total"
	MetricFlushLatency      = "gnats_flush_latency_seconds" // PING/PONG round trip of Flush
)

// Label keys.
const (
	LabelServer = "server" // server URL without credentials
	LabelClient = "client"
	LabelReason = "reason"
)

// ClientMetrics records the client's lifecycle and traffic against a Metrics
// backend, labelling every series with the client name when one is set.
type ClientMetrics struct {
	metrics Metrics
	labels  MetricLabels
}

// NewClientMetrics creates a new ClientMetrics instance.
// A nil Metrics records nothing.
func NewClientMetrics(m Metrics, clientName string) *ClientMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	var labels MetricLabels
	if clientName != "" {
		labels = MetricLabels{LabelClient: clientName}
	}
	return &ClientMetrics{metrics: m, labels: labels}
}

func (c *ClientMetrics) with(key, value string) MetricLabels {
	out := make(MetricLabels, len(c.labels)+1)
	maps.Copy(out, c.labels)
	out[key] = value
	return out
}

// Connected records an established session.
func (c *ClientMetrics) Connected(server string) {
	c.metrics.Counter(MetricConnects, c.with(LabelServer, server)).Inc()
	c.metrics.Gauge(MetricConnected, c.labels).Set(1)
}

// Reconnected records a successful reconnection.
func (c *ClientMetrics) Reconnected(server string) {
	c.metrics.Counter(MetricReconnects, c.with(LabelServer, server)).Inc()
	c.metrics.Gauge(MetricConnected, c.labels).Set(1)
}

// ReconnectAttempt records one dial attempt while reconnecting.
func (c *ClientMetrics) ReconnectAttempt() {
	c.metrics.Counter(MetricReconnectAttempts, c.labels).Inc()
}

// Disconnected records a lost session.
func (c *ClientMetrics) Disconnected(reason string) {
	c.metrics.Counter(MetricDisconnects, c.with(LabelReason, reason)).Inc()
	c.metrics.Gauge(MetricConnected, c.labels).Set(0)
}

// Closed records that the client is closed for good.
func (c *ClientMetrics) Closed() {
	c.metrics.Gauge(MetricConnected, c.labels).Set(0)
}

func (c *ClientMetrics) MessageReceived(size int) {
	c.metrics.Counter(MetricMessagesReceived, c.labels).Inc()
	c.metrics.Counter(MetricBytesReceived, c.labels).Add(float64(size))
}

func (c *ClientMetrics) MessageSent(size int) {
	c.metrics.Counter(MetricMessagesSent, c.labels).Inc()
	c.metrics.Counter(MetricBytesSent, c.labels).Add(float64(size))
}

func (c *ClientMetrics) SubscriptionAdded() {
	c.metrics.Gauge(MetricSubscriptions, c.labels).Inc()
}

func (c *ClientMetrics) SubscriptionRemoved() {
	c.metrics.Gauge(MetricSubscriptions, c.labels).Dec()
}

// PendingBytes records the pending buffer size.
func (c *ClientMetrics) PendingBytes(n int) {
	c.metrics.Gauge(MetricPendingBytes, c.labels).Set(float64(n))
}

// SlowConsumerDropped records a message dropped by a slow subscription.
func (c *ClientMetrics) SlowConsumerDropped() {
	c.metrics.Counter(MetricSlowConsumers, c.labels).Inc()
}

// FlushLatency records a flush round trip.
func (c *ClientMetrics) FlushLatency(d time.Duration) {
	c.metrics.Histogram(MetricFlushLatency, c.labels).ObserveDuration(d)
}
