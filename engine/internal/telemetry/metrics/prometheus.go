package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusProviderOptions configures the Prometheus-backed Provider.
type PrometheusProviderOptions struct {
	Registry *prometheus.Registry
}

// NewPrometheusProvider returns a Provider backed by a client_golang
// registry. A fresh registry is created when opts.Registry is nil so
// tests never collide with the default global registry.
func NewPrometheusProvider(opts PrometheusProviderOptions) Provider {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &promProvider{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

type promProvider struct {
	mu         sync.Mutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// MetricsHandler exposes the registry over HTTP; the sprite service (§4.12)
// mounts this at /metrics.
func (p *promProvider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

func fqName(c CommonOpts) string {
	name := c.Name
	if c.Subsystem != "" {
		name = c.Subsystem + "_" + name
	}
	if c.Namespace != "" {
		name = c.Namespace + "_" + name
	}
	return name
}

func (p *promProvider) NewCounter(opts CounterOpts) Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := fqName(opts.CommonOpts)
	cv, ok := p.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: opts.Help}, opts.Labels)
		if err := p.reg.Register(cv); err != nil {
			return noopCounter{}
		}
		p.counters[name] = cv
	}
	return &promCounter{vec: cv, labelKeys: opts.Labels}
}

func (p *promProvider) NewGauge(opts GaugeOpts) Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := fqName(opts.CommonOpts)
	gv, ok := p.gauges[name]
	if !ok {
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: opts.Help}, opts.Labels)
		if err := p.reg.Register(gv); err != nil {
			return noopGauge{}
		}
		p.gauges[name] = gv
	}
	return &promGauge{vec: gv, labelKeys: opts.Labels}
}

func (p *promProvider) NewHistogram(opts HistogramOpts) Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := fqName(opts.CommonOpts)
	hv, ok := p.histograms[name]
	if !ok {
		buckets := opts.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: opts.Help, Buckets: buckets}, opts.Labels)
		if err := p.reg.Register(hv); err != nil {
			return noopHistogram{}
		}
		p.histograms[name] = hv
	}
	return &promHistogram{vec: hv, labelKeys: opts.Labels}
}

func (p *promProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer { return &promTimer{h: hist, start: time.Now()} }
}

func (p *promProvider) Health(ctx context.Context) error { return nil }

type promCounter struct {
	vec       *prometheus.CounterVec
	labelKeys []string
}

func (c *promCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	if len(c.labelKeys) == 0 {
		c.vec.WithLabelValues().Add(delta)
		return
	}
	c.vec.WithLabelValues(labels...).Add(delta)
}

type promGauge struct {
	vec       *prometheus.GaugeVec
	labelKeys []string
}

func (g *promGauge) Set(value float64, labels ...string) {
	if len(g.labelKeys) == 0 {
		g.vec.WithLabelValues().Set(value)
		return
	}
	g.vec.WithLabelValues(labels...).Set(value)
}

type promHistogram struct {
	vec       *prometheus.HistogramVec
	labelKeys []string
}

func (h *promHistogram) Observe(value float64, labels ...string) {
	if len(h.labelKeys) == 0 {
		h.vec.WithLabelValues().Observe(value)
		return
	}
	h.vec.WithLabelValues(labels...).Observe(value)
}

type promTimer struct {
	h     Histogram
	start time.Time
}

func (t *promTimer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}
