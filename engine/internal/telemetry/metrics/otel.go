package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelProviderOptions configures the OpenTelemetry-backed Provider.
type OTelProviderOptions struct {
	ServiceName string
}

// NewOTelProvider returns a metrics.Provider backed by an OTEL
// MeterProvider. The SDK provider is created without readers or exporters and
// is not returned, so no exporter can be attached to it.
func NewOTelProvider(opts OTelProviderOptions) Provider {
	mp := sdkmetric.NewMeterProvider()
	name := opts.ServiceName
	if name == "" {
		name = "opsmgr"
	}
	return &otelProvider{meter: mp.Meter(name)}
}

type otelProvider struct {
	meter metric.Meter
}

func buildOTelName(c CommonOpts) string {
	switch {
	case c.Namespace != "" && c.Subsystem != "":
		return c.Namespace + "." + c.Subsystem + "." + c.Name
	case c.Namespace != "":
		return c.Namespace + "." + c.Name
	case c.Subsystem != "":
		return c.Subsystem + "." + c.Name
	default:
		return c.Name
	}
}

func (p *otelProvider) NewCounter(opts CounterOpts) Counter {
	name := buildOTelName(opts.CommonOpts)
	inst, err := p.meter.Float64Counter(name, metric.WithDescription(opts.Help))
	if err != nil {
		return noopCounter{}
	}
	return &otelCounter{c: inst, labelKeys: opts.Labels}
}

func (p *otelProvider) NewGauge(opts GaugeOpts) Gauge {
	name := buildOTelName(opts.CommonOpts)
	inst, err := p.meter.Float64UpDownCounter(name, metric.WithDescription(opts.Help))
	if err != nil {
		return noopGauge{}
	}
	return &otelGauge{g: inst, labelKeys: opts.Labels}
}

func (p *otelProvider) NewHistogram(opts HistogramOpts) Histogram {
	name := buildOTelName(opts.CommonOpts)
	inst, err := p.meter.Float64Histogram(name, metric.WithDescription(opts.Help))
	if err != nil {
		return noopHistogram{}
	}
	return &otelHistogram{h: inst, labelKeys: opts.Labels}
}

func (p *otelProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer { return &otelTimer{h: hist, start: time.Now()} }
}

func (p *otelProvider) Health(ctx context.Context) error { return nil }

type otelCounter struct {
	c         metric.Float64Counter
	labelKeys []string
}

func (c *otelCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	c.c.Add(context.Background(), delta, metric.WithAttributes(attrsOf(c.labelKeys, labels)...))
}

type otelGauge struct {
	g         metric.Float64UpDownCounter
	labelKeys []string
	last      float64
}

func (g *otelGauge) Set(value float64, labels ...string) {
	delta := value - g.last
	g.last = value
	g.g.Add(context.Background(), delta, metric.WithAttributes(attrsOf(g.labelKeys, labels)...))
}

type otelHistogram struct {
	h         metric.Float64Histogram
	labelKeys []string
}

func (h *otelHistogram) Observe(value float64, labels ...string) {
	h.h.Record(context.Background(), value, metric.WithAttributes(attrsOf(h.labelKeys, labels)...))
}

type otelTimer struct {
	h     Histogram
	start time.Time
}

func (t *otelTimer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}
