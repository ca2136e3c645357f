package mqttv3

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements Metrics on top of a Prometheus registerer.
//
// Every metric name becomes one vector whose label names are fixed by the
// first use; later calls must pass the same label names. Values are mirrored
// locally so Value, Count and Sum work without scraping.
type PrometheusMetrics struct {
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	series     map[string]any
}

// NewPrometheusMetrics creates metrics registered with reg.
// A nil registerer uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &PrometheusMetrics{
		registerer: reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		series:     make(map[string]any),
	}
}

// register registers c, reusing an already registered equal collector.
func (p *PrometheusMetrics) register(c prometheus.Collector) prometheus.Collector {
	if err := p.registerer.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// Counter returns a counter metric.
func (p *PrometheusMetrics) Counter(name string, labels MetricLabels) Counter {
	key := "c:" + labelsKey(name, labels)

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.series[key]; ok {
		return s.(*promCounter)
	}

	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: "MQTT client counter " + name + ".",
		}, sortedLabelNames(labels))
		if existing, ok := p.register(vec).(*prometheus.CounterVec); ok {
			vec = existing
		}
		p.counters[name] = vec
	}

	c := &promCounter{counter: vec.With(prometheus.Labels(labels))}
	p.series[key] = c

	return c
}

// Gauge returns a gauge metric.
func (p *PrometheusMetrics) Gauge(name string, labels MetricLabels) Gauge {
	key := "g:" + labelsKey(name, labels)

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.series[key]; ok {
		return s.(*promGauge)
	}

	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name,
			Help: "MQTT client gauge " + name + ".",
		}, sortedLabelNames(labels))
		if existing, ok := p.register(vec).(*prometheus.GaugeVec); ok {
			vec = existing
		}
		p.gauges[name] = vec
	}

	g := &promGauge{gauge: vec.With(prometheus.Labels(labels))}
	p.series[key] = g

	return g
}

// Histogram returns a histogram metric with the default buckets.
func (p *PrometheusMetrics) Histogram(name string, labels MetricLabels) Histogram {
	key := "h:" + labelsKey(name, labels)

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.series[key]; ok {
		return s.(*promHistogram)
	}

	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    "MQTT client histogram " + name + ".",
			Buckets: prometheus.DefBuckets,
		}, sortedLabelNames(labels))
		if existing, ok := p.register(vec).(*prometheus.HistogramVec); ok {
			vec = existing
		}
		p.histograms[name] = vec
	}

	h := &promHistogram{observer: vec.With(prometheus.Labels(labels))}
	p.series[key] = h

	return h
}

type promCounter struct {
	counter prometheus.Counter
	value   atomicFloat
}

func (c *promCounter) Inc() {
	c.counter.Inc()
	c.value.Add(1)
}

func (c *promCounter) Add(delta float64) {
	if delta < 0 {
		return
	}
	c.counter.Add(delta)
	c.value.Add(delta)
}

func (c *promCounter) Value() float64 { return c.value.Load() }

type promGauge struct {
	gauge prometheus.Gauge
	value atomicFloat
}

func (g *promGauge) Set(value float64) {
	g.gauge.Set(value)
	g.value.Store(value)
}

func (g *promGauge) Inc() { g.Add(1) }
func (g *promGauge) Dec() { g.Add(-1) }

func (g *promGauge) Add(delta float64) {
	g.gauge.Add(delta)
	g.value.Add(delta)
}

func (g *promGauge) Sub(delta float64) { g.Add(-delta) }

func (g *promGauge) Value() float64 { return g.value.Load() }

type promHistogram struct {
	observer prometheus.Observer
	count    atomic.Uint64
	sum      atomicFloat
}

func (h *promHistogram) Observe(value float64) {
	h.observer.Observe(value)
	h.count.Add(1)
	h.sum.Add(value)
}

func (h *promHistogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

func (h *promHistogram) Count() uint64 { return h.count.Load() }
func (h *promHistogram) Sum() float64  { return h.sum.Load() }
