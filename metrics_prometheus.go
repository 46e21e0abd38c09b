package gnats

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// PrometheusMetrics implements Metrics on top of a Prometheus registry.
// Vectors are registered on first use. The label names of a metric are fixed
// by its first use; later calls fill missing labels with "" and ignore extras.
type PrometheusMetrics struct {
	reg        prometheus.Registerer
	mu         sync.Mutex
	counters   map[string]*promVec[*prometheus.CounterVec]
	gauges     map[string]*promVec[*prometheus.GaugeVec]
	histograms map[string]*promVec[*prometheus.HistogramVec]
	buckets    []float64
}

type promVec[V any] struct {
	vec    V
	labels []string
}

// NewPrometheusMetrics creates metrics registered on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		reg:        reg,
		counters:   make(map[string]*promVec[*prometheus.CounterVec]),
		gauges:     make(map[string]*promVec[*prometheus.GaugeVec]),
		histograms: make(map[string]*promVec[*prometheus.HistogramVec]),
		buckets:    []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}
}

// Counter returns a counter metric.
func (p *PrometheusMetrics) Counter(name string, labels MetricLabels) Counter {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.counters[name]
	if !ok {
		names := labelNames(labels)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, names)
		vec = registerCollector(p.reg, vec)
		v = &promVec[*prometheus.CounterVec]{vec: vec, labels: names}
		p.counters[name] = v
	}

	return &promCounter{c: v.vec.WithLabelValues(labelValues(v.labels, labels)...)}
}

// Gauge returns a gauge metric.
func (p *PrometheusMetrics) Gauge(name string, labels MetricLabels) Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.gauges[name]
	if !ok {
		names := labelNames(labels)
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, names)
		vec = registerCollector(p.reg, vec)
		v = &promVec[*prometheus.GaugeVec]{vec: vec, labels: names}
		p.gauges[name] = v
	}

	return &promGauge{g: v.vec.WithLabelValues(labelValues(v.labels, labels)...)}
}

// Histogram returns a histogram metric.
func (p *PrometheusMetrics) Histogram(name string, labels MetricLabels) Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.histograms[name]
	if !ok {
		names := labelNames(labels)
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name, Buckets: p.buckets}, names)
		vec = registerCollector(p.reg, vec)
		v = &promVec[*prometheus.HistogramVec]{vec: vec, labels: names}
		p.histograms[name] = v
	}

	o := v.vec.WithLabelValues(labelValues(v.labels, labels)...)
	return &promHistogram{h: o.(prometheus.Histogram)}
}

// registerCollector adds c to reg, reusing a collector that is already registered.
func registerCollector[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func labelNames(labels MetricLabels) []string {
	return slices.Sorted(maps.Keys(labels))
}

func labelValues(names []string, labels MetricLabels) []string {
	values := make([]string, len(names))
	for i, n := range names {
		values[i] = labels[n]
	}
	return values
}

type promCounter struct {
	c prometheus.Counter
}

func (c *promCounter) Inc()              { c.c.Inc() }
func (c *promCounter) Add(delta float64) { c.c.Add(delta) }

func (c *promCounter) Value() float64 {
	var m dto.Metric
	if err := c.c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

type promGauge struct {
	g prometheus.Gauge
}

func (g *promGauge) Set(value float64) { g.g.Set(value) }
func (g *promGauge) Inc()              { g.g.Inc() }
func (g *promGauge) Dec()              { g.g.Dec() }
func (g *promGauge) Add(delta float64) { g.g.Add(delta) }
func (g *promGauge) Sub(delta float64) { g.g.Sub(delta) }

func (g *promGauge) Value() float64 {
	var m dto.Metric
	if err := g.g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

type promHistogram struct {
	h prometheus.Histogram
}

func (h *promHistogram) Observe(value float64)           { h.h.Observe(value) }
func (h *promHistogram) ObserveDuration(d time.Duration) { h.h.Observe(d.Seconds()) }

func (h *promHistogram) Count() uint64 {
	var m dto.Metric
	if err := h.h.Write(&m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func (h *promHistogram) Sum() float64 {
	var m dto.Metric
	if err := h.h.Write(&m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleSum()
}
