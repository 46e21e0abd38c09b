package gnats

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// MemoryMetrics keeps metrics in process memory. It backs tests and
// debugging endpoints that want to read client metrics without Prometheus.
type MemoryMetrics struct {
	counters   *xsync.Map[string, *memoryCounter]
	gauges     *xsync.Map[string, *memoryGauge]
	histograms *xsync.Map[string, *memoryHistogram]
}

// NewMemoryMetrics returns an empty MemoryMetrics.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters:   xsync.NewMap[string, *memoryCounter](),
		gauges:     xsync.NewMap[string, *memoryGauge](),
		histograms: xsync.NewMap[string, *memoryHistogram](),
	}
}

// labelsKey renders a metric identity as name|k1=v1|k2=v2 with sorted keys.
func labelsKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}

	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

func loadOrCreate[V any](m *xsync.Map[string, *V], key string) *V {
	if v, ok := m.Load(key); ok {
		return v
	}
	v, _ := m.LoadOrStore(key, new(V))
	return v
}

// Counter implements Metrics.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	return loadOrCreate(m.counters, labelsKey(name, labels))
}

// Gauge implements Metrics.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	return loadOrCreate(m.gauges, labelsKey(name, labels))
}

// Histogram implements Metrics.
func (m *MemoryMetrics) Histogram(name string, labels MetricLabels) Histogram {
	return loadOrCreate(m.histograms, labelsKey(name, labels))
}

// GetCounter returns the counter if it was ever used, or nil.
func (m *MemoryMetrics) GetCounter(name string, labels MetricLabels) Counter {
	if c, ok := m.counters.Load(labelsKey(name, labels)); ok {
		return c
	}
	return nil
}

// GetGauge returns the gauge if it was ever used, or nil.
func (m *MemoryMetrics) GetGauge(name string, labels MetricLabels) Gauge {
	if g, ok := m.gauges.Load(labelsKey(name, labels)); ok {
		return g
	}
	return nil
}

// GetHistogram returns the histogram if it was ever used, or nil.
func (m *MemoryMetrics) GetHistogram(name string, labels MetricLabels) Histogram {
	if h, ok := m.histograms.Load(labelsKey(name, labels)); ok {
		return h
	}
	return nil
}

// Snapshot returns the current counter and gauge values keyed like
// labelsKey. Histograms contribute their observation count.
func (m *MemoryMetrics) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	m.counters.Range(func(k string, c *memoryCounter) bool {
		out[k] = c.Value()
		return true
	})
	m.gauges.Range(func(k string, g *memoryGauge) bool {
		out[k] = g.Value()
		return true
	})
	m.histograms.Range(func(k string, h *memoryHistogram) bool {
		out[k] = float64(h.Count())
		return true
	})
	return out
}

// atomicFloat is a float64 updated with compare-and-swap.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) load() float64   { return math.Float64frombits(f.bits.Load()) }
func (f *atomicFloat) store(v float64) { f.bits.Store(math.Float64bits(v)) }

func (f *atomicFloat) add(delta float64) {
	for {
		old := f.bits.Load()
		if f.bits.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+delta)) {
			return
		}
	}
}

type memoryCounter struct{ v atomicFloat }

func (c *memoryCounter) Inc()              { c.v.add(1) }
func (c *memoryCounter) Add(delta float64) { c.v.add(delta) }
func (c *memoryCounter) Value() float64    { return c.v.load() }

type memoryGauge struct{ v atomicFloat }

func (g *memoryGauge) Set(value float64) { g.v.store(value) }
func (g *memoryGauge) Inc()              { g.v.add(1) }
func (g *memoryGauge) Dec()              { g.v.add(-1) }
func (g *memoryGauge) Add(delta float64) { g.v.add(delta) }
func (g *memoryGauge) Sub(delta float64) { g.v.add(-delta) }
func (g *memoryGauge) Value() float64    { return g.v.load() }

type memoryHistogram struct {
	count atomic.Uint64
	sum   atomicFloat
}

func (h *memoryHistogram) Observe(value float64) {
	h.count.Add(1)
	h.sum.add(value)
}

func (h *memoryHistogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }
func (h *memoryHistogram) Count() uint64                   { return h.count.Load() }
func (h *memoryHistogram) Sum() float64                    { return h.sum.load() }
