// Package metrics defines a small metrics abstraction with Prometheus, OTEL
// and no-op backends, selected at engine construction.
package metrics

import "context"

// CommonOpts names a metric consistently across backends.
type CommonOpts struct {
	Namespace string
	Subsystem string
	Name      string
	Help      string
	Labels    []string
}

type CounterOpts struct{ CommonOpts }
type GaugeOpts struct{ CommonOpts }
type HistogramOpts struct {
	CommonOpts
	Buckets []float64
}

// Counter is a monotonically increasing instrument.
type Counter interface {
	Inc(delta float64, labels ...string)
}

// Gauge is a point-in-time value instrument.
type Gauge interface {
	Set(value float64, labels ...string)
}

// Histogram records a distribution of observed values.
type Histogram interface {
	Observe(value float64, labels ...string)
}

// Timer is a running observation started by a Histogram's timer factory.
type Timer interface {
	ObserveDuration()
}

// Provider constructs instruments and reports its own health.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
	NewTimer(opts HistogramOpts) func() Timer
	Health(ctx context.Context) error
}

// noop instruments implement the interfaces above as discards, used when a
// Provider method can't construct a real instrument (e.g. registration
// failure) so callers never need nil checks.
type noopCounter struct{}

func (noopCounter) Inc(float64, ...string) {}

type noopGauge struct{}

func (noopGauge) Set(float64, ...string) {}

type noopHistogram struct{}

func (noopHistogram) Observe(float64, ...string) {}

type noopTimer struct{}

func (noopTimer) ObserveDuration() {}

// NewNoopProvider returns a Provider whose instruments discard everything,
// used for tests and for deployments running with metrics disabled.
func NewNoopProvider() Provider { return noopProvider{} }

type noopProvider struct{}

func (noopProvider) NewCounter(CounterOpts) Counter     { return noopCounter{} }
func (noopProvider) NewGauge(GaugeOpts) Gauge           { return noopGauge{} }
func (noopProvider) NewHistogram(HistogramOpts) Histogram { return noopHistogram{} }
func (noopProvider) NewTimer(HistogramOpts) func() Timer {
	return func() Timer { return noopTimer{} }
}
func (noopProvider) Health(context.Context) error { return nil }
